package logging

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestCLIHandlerFormatsAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewCLI(&buf, slog.LevelDebug).With("component", "build")

	logger.WithGroup("job").Info("stage complete", "stage", "building", "attempt", 2)

	line := buf.String()
	if !strings.HasPrefix(line, "INFO ") {
		t.Fatalf("line = %q, want INFO prefix", line)
	}
	for _, want := range []string{" stage complete", "component=build", "job.stage=building", "job.attempt=2"} {
		if !strings.Contains(line, want) {
			t.Fatalf("line = %q, missing %q", line, want)
		}
	}
}

func TestCLIHandlerLabelsJobRecords(t *testing.T) {
	var buf bytes.Buffer
	logger := NewCLI(&buf, slog.LevelInfo).With("recipe", "recipes/os.yml", "arch", "amd64")

	logger.Info("entering stage", "stage", "building")
	logger.With("name", "my-os").Warn("transient failure", "error", fmt.Errorf("push failed: 503"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %q", lines)
	}
	if !strings.Contains(lines[0], " [recipes/os.yml/amd64] entering stage stage=building") || strings.Contains(lines[0], "arch=") {
		t.Fatalf("line = %q", lines[0])
	}
	if !strings.Contains(lines[1], "[my-os/amd64] transient failure recipe=recipes/os.yml error=\"push failed: 503\"") {
		t.Fatalf("line = %q", lines[1])
	}
}

func TestCLIHandlerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	var level slog.LevelVar
	level.Set(slog.LevelWarn)
	logger := NewCLI(&buf, &level)

	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info record written at warn level: %q", buf.String())
	}

	level.Set(slog.LevelInfo)
	logger.Info("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("expected record after lowering level, got %q", buf.String())
	}
}

func TestPrefixWriterBuffersPartialLines(t *testing.T) {
	var buf bytes.Buffer
	w := NewPrefixWriter(&buf, JobPrefix("my-os", "amd64"))

	fmt.Fprint(w, "STEP 1/3: FROM base")
	if buf.Len() != 0 {
		t.Fatalf("partial line flushed early: %q", buf.String())
	}
	fmt.Fprint(w, "\nSTEP 2/3: RUN true\nSTEP 3")
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	want := "[my-os/amd64] STEP 1/3: FROM base\n[my-os/amd64] STEP 2/3: RUN true\n[my-os/amd64] STEP 3\n"
	if buf.String() != want {
		t.Fatalf("output = %q, want %q", buf.String(), want)
	}
}

func TestSharedOutputKeepsLinesWhole(t *testing.T) {
	var buf bytes.Buffer
	out := Shared(&buf)
	logger := NewCLI(out, slog.LevelInfo)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := NewPrefixWriter(out, JobPrefix("r", fmt.Sprint(i)))
			for j := 0; j < 50; j++ {
				fmt.Fprintf(w, "line %d\n", j)
				logger.Info("tick", "job", i)
			}
		}(i)
	}
	wg.Wait()

	for _, line := range strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n") {
		if !strings.HasPrefix(line, "[r/") && !strings.HasPrefix(line, "INFO ") {
			t.Fatalf("interleaved line %q", line)
		}
	}
}
