package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level represents the severity of a log entry
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a config string into a Level. Unknown strings map to info.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Entry represents a structured log entry
type Entry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component"`
	Operation string                 `json:"operation"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Logger provides structured JSON logging for the coordination core.
// All coordination components log through the same shape:
// component + operation + message + free-form fields.
type Logger struct {
	level   Level
	outputs []io.Writer
	mutex   sync.Mutex

	// contextFields are added to every entry emitted by this logger
	contextFields map[string]interface{}
}

// New creates a logger writing JSON lines to stdout.
func New(level Level) *Logger {
	return &Logger{
		level:         level,
		outputs:       []io.Writer{os.Stdout},
		contextFields: make(map[string]interface{}),
	}
}

// NewNop creates a logger that discards everything. Used by tests and as the
// fallback when a component is constructed without a logger.
func NewNop() *Logger {
	return &Logger{
		level:         LevelError + 1,
		outputs:       nil,
		contextFields: make(map[string]interface{}),
	}
}

// AddOutput adds an output writer
func (l *Logger) AddOutput(w io.Writer) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.outputs = append(l.outputs, w)
}

// SetLevel sets the minimum log level
func (l *Logger) SetLevel(level Level) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.level = level
}

// WithFields returns a child logger whose entries carry the given fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	child := &Logger{
		level:         l.level,
		outputs:       l.outputs,
		contextFields: make(map[string]interface{}, len(l.contextFields)+len(fields)),
	}
	for k, v := range l.contextFields {
		child.contextFields[k] = v
	}
	for k, v := range fields {
		child.contextFields[k] = v
	}
	return child
}

// Log emits an entry at the given level.
func (l *Logger) Log(level Level, component, operation, message string, fields map[string]interface{}) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if level < l.level || len(l.outputs) == 0 {
		return
	}

	entry := Entry{
		Timestamp: time.Now().UTC(),
		Level:     level.String(),
		Component: component,
		Operation: operation,
		Message:   message,
	}

	if len(l.contextFields) > 0 || len(fields) > 0 {
		merged := make(map[string]interface{}, len(l.contextFields)+len(fields))
		for k, v := range l.contextFields {
			merged[k] = v
		}
		for k, v := range fields {
			merged[k] = v
		}
		entry.Fields = merged
	}

	data, err := json.Marshal(entry)
	if err != nil {
		// Malformed field values should not take logging down with them.
		data = []byte(fmt.Sprintf(`{"timestamp":%q,"level":%q,"component":%q,"message":"log entry marshal failed"}`,
			entry.Timestamp.Format(time.RFC3339Nano), entry.Level, component))
	}
	data = append(data, '\n')

	for _, out := range l.outputs {
		_, _ = out.Write(data)
	}
}

// Debug logs at debug level
func (l *Logger) Debug(component, operation, message string, fields map[string]interface{}) {
	l.Log(LevelDebug, component, operation, message, fields)
}

// Info logs at info level
func (l *Logger) Info(component, operation, message string, fields map[string]interface{}) {
	l.Log(LevelInfo, component, operation, message, fields)
}

// Warn logs at warn level
func (l *Logger) Warn(component, operation, message string, fields map[string]interface{}) {
	l.Log(LevelWarn, component, operation, message, fields)
}

// Error logs at error level
func (l *Logger) Error(component, operation, message string, fields map[string]interface{}) {
	l.Log(LevelError, component, operation, message, fields)
}
