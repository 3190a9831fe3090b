package tart

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
)

// lineLogger is an io.Writer that forwards complete output lines from a VM
// console or runner session to the logger, tagged with the VM name. Partial
// writes are buffered until a newline arrives; Flush emits any remainder
// when the process exits.
type lineLogger struct {
	logger *slog.Logger
	level  slog.Level
	vm     string

	mu  sync.Mutex
	buf bytes.Buffer
}

func newLineLogger(logger *slog.Logger, level slog.Level, vm string) *lineLogger {
	return &lineLogger{logger: logger, level: level, vm: vm}
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf.Write(p)
	for {
		line, err := l.buf.ReadString('\n')
		if err != nil {
			// No complete line yet, keep the partial for the next write.
			l.buf.WriteString(line)
			break
		}
		l.emit(line[:len(line)-1])
	}
	return len(p), nil
}

// Flush emits any buffered partial line.
func (l *lineLogger) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.buf.Len() > 0 {
		l.emit(l.buf.String())
		l.buf.Reset()
	}
}

func (l *lineLogger) emit(line string) {
	if line == "" {
		return
	}
	l.logger.Log(context.Background(), l.level, "guest output",
		slog.String("vm", l.vm),
		slog.String("line", line),
	)
}
