package recipe

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrFileNotFound             = errors.New("file not found")
	ErrCycleOrDepthExceeded     = errors.New("from-file cycle or depth limit exceeded")
	ErrUnknownField             = errors.New("unknown field")
	ErrDuplicateStageName       = errors.New("duplicate stage name")
	ErrUndeclaredStageReference = errors.New("undeclared stage reference")
	ErrInvalidDocument          = errors.New("invalid document")
	ErrSchemaViolation          = errors.New("schema violation")
)

// ResolutionError reports why a recipe could not be resolved. Kind is one of
// the package sentinel errors, so callers can test it with errors.Is.
type ResolutionError struct {
	Kind       error
	Path       string // Document the problem was found in.
	Line       int    // 1-based line within Path, 0 when unknown.
	Detail     string
	Violations []Violation // Set for ErrSchemaViolation.
	Err        error
}

func (e *ResolutionError) Error() string {
	var b strings.Builder
	b.WriteString(e.Path)
	if e.Line > 0 {
		fmt.Fprintf(&b, ":%d", e.Line)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Is matches the error kind.
func (e *ResolutionError) Is(target error) bool {
	return target == e.Kind
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// decodeError is raised while decoding a document. The loader attaches the
// document path and turns it into a ResolutionError.
type decodeError struct {
	kind   error
	line   int
	detail string
}

func (e *decodeError) Error() string {
	return fmt.Sprintf("line %d: %v: %s", e.line, e.kind, e.detail)
}

func unknownField(line int, context, field string) error {
	return &decodeError{kind: ErrUnknownField, line: line, detail: fmt.Sprintf("%s has no field %q", context, field)}
}

func invalidf(line int, format string, args ...any) error {
	return &decodeError{kind: ErrInvalidDocument, line: line, detail: fmt.Sprintf(format, args...)}
}
