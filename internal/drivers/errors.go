package drivers

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoBackendAvailable = errors.New("no build backend available")
	ErrBuildFailed        = errors.New("build failed")
	ErrTagFailed          = errors.New("tag failed")
	ErrPushFailed         = errors.New("push failed")
	ErrSignFailed         = errors.New("sign failed")
	ErrTimeout            = errors.New("backend invocation timed out")
)

// DriverError is the common failure type of every backend. Kind is one of
// the package sentinel errors. A timed out invocation keeps the kind of the
// operation and also matches ErrTimeout.
type DriverError struct {
	Kind     error
	Backend  Backend
	Op       string
	ExitCode int
	Output   string
	Timeout  bool
	Err      error
}

func (e *DriverError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %v", e.Backend, e.Op, e.Kind)
	if e.Timeout {
		b.WriteString(" (timed out)")
	} else if e.ExitCode != 0 {
		fmt.Fprintf(&b, " (exit status %d)", e.ExitCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if tail := lastLines(e.Output, 3); tail != "" {
		b.WriteString(": ")
		b.WriteString(tail)
	}
	return b.String()
}

func (e *DriverError) Is(target error) bool {
	return target == e.Kind || (e.Timeout && target == ErrTimeout)
}

func (e *DriverError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying: failed builds, failed
// pushes and timeouts. Tag failures are not, and sign failures never are,
// even when cosign timed out.
func IsTransient(err error) bool {
	if errors.Is(err, ErrSignFailed) {
		return false
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrBuildFailed) || errors.Is(err, ErrPushFailed)
}

func lastLines(output string, n int) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, " | "))
}
