// Package logging builds the logrus logger used by the hosted tools.
package logging

import (
	"bytes"
	"io"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Config holds the logger settings.
type Config struct {
	Enabled bool
	Level   string
	JSON    bool

	// Tag is attached to every entry as the "exe" field.
	Tag string
}

// New returns a logger writing to out. Unknown levels and disabled loggers
// discard all output.
func New(cfg Config, out io.Writer) *logrus.Entry {
	level, known := parseLevel(cfg.Level)
	if !cfg.Enabled || !known {
		out = io.Discard
	}

	var formatter logrus.Formatter
	if cfg.JSON {
		formatter = &logrus.JSONFormatter{}
	} else {
		formatter = &logrus.TextFormatter{FullTimestamp: true, ForceQuote: true, PadLevelText: true}
	}

	logger := &logrus.Logger{
		Out:       out,
		Formatter: formatter,
		Hooks:     make(logrus.LevelHooks),
		Level:     level,
	}
	return logger.WithField("exe", cfg.Tag)
}

func parseLevel(level string) (logrus.Level, bool) {
	switch strings.ToLower(level) {
	case "trace":
		return logrus.TraceLevel, true
	case "debug":
		return logrus.DebugLevel, true
	case "info", "":
		return logrus.InfoLevel, true
	case "warn":
		return logrus.WarnLevel, true
	case "error":
		return logrus.ErrorLevel, true
	}
	return logrus.InfoLevel, false
}

// LineWriter turns byte output into one log entry per line.
type LineWriter struct {
	mu    sync.Mutex
	log   *logrus.Entry
	level logrus.Level
	buf   bytes.Buffer
}

// NewLineWriter returns a writer that logs each complete line written to it
// at the given level.
func NewLineWriter(log *logrus.Entry, level logrus.Level) *LineWriter {
	return &LineWriter{log: log, level: level}
}

// Write implements io.Writer.
func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// keep the partial line for the next write
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		w.emit(line)
	}
	return len(p), nil
}

// Flush logs any pending partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf.Len() != 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
}

func (w *LineWriter) emit(line string) {
	if line = strings.TrimRight(line, "\r\n"); line != "" {
		w.log.Log(w.level, line)
	}
}
