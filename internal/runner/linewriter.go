package runner

import (
	"bytes"
	"strings"
)

// lineWriter splits a byte stream into lines and hands each to write.
// exec.Cmd drives each writer from a single goroutine.
type lineWriter struct {
	buf   bytes.Buffer
	write func(string)
}

func newLineWriter(write func(string)) *lineWriter {
	return &lineWriter{write: write}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Incomplete line: put it back for the next write.
			w.buf.Reset()
			w.buf.WriteString(line)
			return len(p), nil
		}
		w.write(normalizeLine(line))
	}
}

// Flush emits a trailing line that had no newline.
func (w *lineWriter) Flush() {
	if w.buf.Len() == 0 {
		return
	}
	line := normalizeLine(w.buf.String())
	w.buf.Reset()
	if strings.TrimSpace(line) != "" {
		w.write(line)
	}
}

func normalizeLine(raw string) string {
	return strings.TrimRight(strings.ReplaceAll(raw, "\x00", ""), "\r\n")
}
