package logging

import (
	"bytes"
	"io"
	"sync"
)

// PrefixWriter prefixes every complete line written to it and forwards the
// line to the underlying writer in one call. Partial lines are held until
// their newline arrives or Flush is called.
type PrefixWriter struct {
	mu     sync.Mutex
	out    io.Writer
	prefix []byte
	buf    []byte
}

// NewPrefixWriter returns a PrefixWriter that writes to out. Pass an *Output
// shared with the loggers to keep job output and log records apart.
func NewPrefixWriter(out io.Writer, prefix string) *PrefixWriter {
	return &PrefixWriter{out: out, prefix: []byte(prefix)}
}

// JobPrefix formats the label used for one recipe and architecture.
func JobPrefix(recipe, arch string) string {
	return "[" + recipe + "/" + arch + "] "
}

func (w *PrefixWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		if err := w.emit(w.buf[:i+1]); err != nil {
			return len(p), err
		}
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush writes any buffered partial line, terminated with a newline.
func (w *PrefixWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.buf) == 0 {
		return nil
	}
	line := append(w.buf, '\n')
	w.buf = nil
	return w.emit(line)
}

func (w *PrefixWriter) emit(line []byte) error {
	record := make([]byte, 0, len(w.prefix)+len(line))
	record = append(record, w.prefix...)
	record = append(record, line...)
	_, err := w.out.Write(record)
	return err
}
