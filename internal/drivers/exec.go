package drivers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/cochaviz/ostforge/internal/logging"
)

// Command is one external process invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  []string // Added to the current environment.
}

func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, c.Name)
	for _, arg := range c.Args {
		if arg == "" || strings.ContainsAny(arg, " \t\n\"'$\\") {
			arg = fmt.Sprintf("%q", arg)
		}
		parts = append(parts, arg)
	}
	return strings.Join(parts, " ")
}

// Result is the outcome of a process that ran to completion.
type Result struct {
	ExitCode int
	Output   string // Tail of combined stdout and stderr.
	Duration time.Duration
}

// Runner executes commands. Run returns a nil error whenever the process
// ran, whatever its exit code; the error is reserved for processes that
// could not be started or were stopped by ctx.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

type outputKey struct{}

// WithOutput returns a context whose backend invocations stream their output
// to w in addition to capturing it.
func WithOutput(ctx context.Context, w io.Writer) context.Context {
	return context.WithValue(ctx, outputKey{}, w)
}

// OutputFrom returns the stream set with WithOutput, if any.
func OutputFrom(ctx context.Context) io.Writer {
	w, _ := ctx.Value(outputKey{}).(io.Writer)
	return w
}

// maxCapturedOutput bounds how much output a Result keeps.
const maxCapturedOutput = 64 << 10

// ExecRunner runs commands as child processes. With DryRun set commands are
// logged and reported as successful without being started.
type ExecRunner struct {
	Logger *slog.Logger
	DryRun bool
	// GracePeriod is how long a process gets after SIGTERM before it is
	// killed once ctx is done.
	GracePeriod time.Duration
}

func (r *ExecRunner) Run(ctx context.Context, c Command) (Result, error) {
	logger := logging.Ensure(r.Logger)

	if r.DryRun {
		attrs := []any{"command", c.String()}
		if c.Dir != "" {
			attrs = append(attrs, "dir", c.Dir)
		}
		logger.Info("dry run", attrs...)
		return Result{}, nil
	}

	logger.Debug("running command", "command", c.String(), "dir", c.Dir)

	capture := &tailBuffer{limit: maxCapturedOutput}
	var out io.Writer = capture
	if stream := OutputFrom(ctx); stream != nil {
		out = io.MultiWriter(capture, stream)
	}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.GracePeriod
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 10 * time.Second
	}

	start := time.Now()
	err := cmd.Run()
	result := Result{Output: capture.String(), Duration: time.Since(start)}
	if stream, ok := OutputFrom(ctx).(interface{ Flush() error }); ok {
		_ = stream.Flush()
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		result.ExitCode = -1
		return result, fmt.Errorf("%s: %w", c.Name, ctxErr)
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return result, nil
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	default:
		return result, fmt.Errorf("run %s: %w", c.Name, err)
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
