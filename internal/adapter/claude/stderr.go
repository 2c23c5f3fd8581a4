package claude

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
)

// maxStderrLine bounds one logged stderr line. Longer lines are split.
const maxStderrLine = 4096

// stderrLogger turns an agent's stderr into one log record per line.
type stderrLogger struct {
	log *slog.Logger

	mu  sync.Mutex
	buf []byte
}

func newStderrLogger(log *slog.Logger) *stderrLogger {
	return &stderrLogger{log: log}
}

func (w *stderrLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	for len(w.buf) >= maxStderrLine {
		w.emit(w.buf[:maxStderrLine])
		w.buf = w.buf[maxStderrLine:]
	}
	if len(w.buf) == 0 {
		w.buf = nil
	}
	return len(p), nil
}

// Flush logs a trailing partial line.
func (w *stderrLogger) Flush() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *stderrLogger) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}
	w.log.Log(context.Background(), slog.LevelInfo, "agent stderr", "line", string(line))
}
