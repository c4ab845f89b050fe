// Package logger provides the structured, component-aware logger used
// across the orchestration core.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/oceanic-passage/orchestrator/core"
)

// StructuredLogger writes newline-delimited JSON log records. It
// implements core.ComponentAwareLogger.
type StructuredLogger struct {
	out       io.Writer
	mu        sync.Mutex
	component string
}

var _ core.ComponentAwareLogger = (*StructuredLogger)(nil)

// New returns a StructuredLogger writing to stdout.
func New() *StructuredLogger {
	return &StructuredLogger{out: os.Stdout}
}

// NewWithWriter returns a StructuredLogger writing to w, for tests.
func NewWithWriter(w io.Writer) *StructuredLogger {
	return &StructuredLogger{out: w}
}

// WithComponent returns a logger that tags every record with component,
// e.g. "core/registry" or "core/coordinator".
func (l *StructuredLogger) WithComponent(component string) core.Logger {
	return &StructuredLogger{out: l.out, component: component}
}

type record struct {
	Time      string                 `json:"time"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func (l *StructuredLogger) write(level, msg string, fields map[string]interface{}) {
	rec := record{
		Time:      time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Component: l.component,
		Message:   msg,
		Fields:    fields,
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	enc := json.NewEncoder(l.out)
	if err := enc.Encode(rec); err != nil {
		fmt.Fprintf(os.Stderr, "logger: encode failed: %v\n", err)
	}
}

func (l *StructuredLogger) Info(msg string, fields map[string]interface{}) {
	l.write("info", msg, fields)
}

func (l *StructuredLogger) Error(msg string, fields map[string]interface{}) {
	l.write("error", msg, fields)
}

func (l *StructuredLogger) Warn(msg string, fields map[string]interface{}) {
	l.write("warn", msg, fields)
}

func (l *StructuredLogger) Debug(msg string, fields map[string]interface{}) {
	l.write("debug", msg, fields)
}
