package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	apperrors "github.com/coursehub/backend/internal/errors"
)

// Level represents the log level
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
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseLevel converts a level name to a Level. Unknown names map to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	RequestID string                 `json:"request_id,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
	JobID     string                 `json:"job_id,omitempty"`
	Component string                 `json:"component,omitempty"`
	Error     *ErrorDetails          `json:"error,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Caller    string                 `json:"caller,omitempty"`
}

// ErrorDetails contains structured error information
type ErrorDetails struct {
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
	Category   string `json:"category,omitempty"`
	StackTrace string `json:"stack_trace,omitempty"`
}

// Config configures a Logger.
type Config struct {
	Output    io.Writer
	Level     Level
	Component string

	// Redactor scrubs messages and fields before they are written.
	// DefaultRedactor is used when nil.
	Redactor *Redactor

	// StackTraces attaches a goroutine stack to error entries.
	StackTraces bool
}

// Logger provides structured logging
type Logger struct {
	mu          *sync.Mutex
	output      io.Writer
	level       Level
	component   string
	redactor    *Redactor
	stackTraces bool
}

// global default logger
var defaultLogger = New(&Config{Output: os.Stdout, Level: LevelInfo})

// New creates a new logger
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = &Config{}
	}
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	r := cfg.Redactor
	if r == nil {
		r = DefaultRedactor()
	}
	return &Logger{
		mu:          &sync.Mutex{},
		output:      out,
		level:       cfg.Level,
		component:   cfg.Component,
		redactor:    r,
		stackTraces: cfg.StackTraces,
	}
}

// SetDefault sets the default logger
func SetDefault(l *Logger) {
	defaultLogger = l
}

// Default returns the default logger
func Default() *Logger {
	return defaultLogger
}

// WithComponent creates a new logger with the specified component name.
// The returned logger shares the parent's output lock.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		mu:          l.mu,
		output:      l.output,
		level:       l.level,
		component:   component,
		redactor:    l.redactor,
		stackTraces: l.stackTraces,
	}
}

// Enabled reports whether entries at level would be written.
func (l *Logger) Enabled(level Level) bool {
	return level >= l.level
}

// WithRequestID adds a request ID to the context for log correlation
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return apperrors.WithRequestID(ctx, requestID)
}

// WithTraceID adds a trace ID to the context for log correlation
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return apperrors.WithTraceID(ctx, traceID)
}

// WithJobID adds a queue job ID to the context for log correlation
func WithJobID(ctx context.Context, jobID string) context.Context {
	return apperrors.WithJobID(ctx, jobID)
}

// log writes a log entry
func (l *Logger) log(ctx context.Context, level Level, msg string, fields map[string]interface{}, err error) {
	if level < l.level {
		return
	}

	entry := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level.String(),
		Message:   l.redactor.Redact(msg),
		RequestID: apperrors.GetRequestID(ctx),
		TraceID:   apperrors.GetTraceID(ctx),
		JobID:     apperrors.GetJobID(ctx),
		Component: l.component,
		Fields:    l.redactor.RedactFields(fields),
	}

	// Add caller info for errors
	if level >= LevelError {
		_, file, line, ok := runtime.Caller(2)
		if ok {
			parts := strings.Split(file, "/")
			if len(parts) > 2 {
				file = strings.Join(parts[len(parts)-2:], "/")
			}
			entry.Caller = fmt.Sprintf("%s:%d", file, line)
		}
	}

	if err != nil {
		entry.Error = &ErrorDetails{
			Message: l.redactor.Redact(err.Error()),
		}

		if appErr, ok := apperrors.As(err); ok {
			entry.Error.Code = appErr.Code
			entry.Error.Category = string(appErr.Category)
		}

		if level >= LevelError && l.stackTraces {
			entry.Error.StackTrace = getStackTrace()
		}
	}

	data, mErr := json.Marshal(entry)
	if mErr != nil {
		// Unencodable field values; keep the message at least.
		entry.Fields = map[string]interface{}{"marshal_error": mErr.Error()}
		data, _ = json.Marshal(entry)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Write(append(data, '\n'))
}

func firstFields(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// Debug logs a debug message
func (l *Logger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.log(ctx, LevelDebug, msg, firstFields(fields), nil)
}

// Info logs an info message
func (l *Logger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.log(ctx, LevelInfo, msg, firstFields(fields), nil)
}

// Warn logs a warning message
func (l *Logger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.log(ctx, LevelWarn, msg, firstFields(fields), nil)
}

// WarnErr logs a warning with an attached error
func (l *Logger) WarnErr(ctx context.Context, msg string, err error, fields ...map[string]interface{}) {
	l.log(ctx, LevelWarn, msg, firstFields(fields), err)
}

// Error logs an error message
func (l *Logger) Error(ctx context.Context, msg string, err error, fields ...map[string]interface{}) {
	l.log(ctx, LevelError, msg, firstFields(fields), err)
}

// Package-level convenience functions

func Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	defaultLogger.Debug(ctx, msg, fields...)
}

func Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	defaultLogger.Info(ctx, msg, fields...)
}

func Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	defaultLogger.Warn(ctx, msg, fields...)
}

func Error(ctx context.Context, msg string, err error, fields ...map[string]interface{}) {
	defaultLogger.Error(ctx, msg, err, fields...)
}

// getStackTrace returns a stack trace string
func getStackTrace() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

const redacted = "[REDACTED]"

// Redactor removes credentials from log output.
type Redactor struct {
	keys     []string
	patterns []*regexp.Regexp
}

// DefaultRedactor redacts the usual credential keys, JWTs and bearer tokens.
func DefaultRedactor() *Redactor {
	return NewRedactor(
		[]string{"password", "secret", "token", "authorization", "api_key", "apikey", "access_key", "credential"},
		[]*regexp.Regexp{
			regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`),
			regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]+`),
			regexp.MustCompile(`(?i)(amqps?|redis|postgres(?:ql)?)://[^:/\s]+:[^@\s]+@`),
		},
	)
}

// NewRedactor builds a Redactor. Keys match case-insensitively as substrings.
func NewRedactor(keys []string, patterns []*regexp.Regexp) *Redactor {
	lower := make([]string, len(keys))
	for i, k := range keys {
		lower[i] = strings.ToLower(k)
	}
	return &Redactor{keys: lower, patterns: patterns}
}

// Redact replaces every pattern match in s.
func (r *Redactor) Redact(s string) string {
	for _, p := range r.patterns {
		s = p.ReplaceAllString(s, redacted)
	}
	return s
}

// RedactFields returns a copy of fields with sensitive keys masked and
// string values scrubbed.
func (r *Redactor) RedactFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if r.sensitiveKey(k) {
			out[k] = redacted
			continue
		}
		switch val := v.(type) {
		case string:
			out[k] = r.Redact(val)
		case error:
			out[k] = r.Redact(val.Error())
		case map[string]interface{}:
			out[k] = r.RedactFields(val)
		default:
			out[k] = v
		}
	}
	return out
}

func (r *Redactor) sensitiveKey(key string) bool {
	lk := strings.ToLower(key)
	for _, k := range r.keys {
		if strings.Contains(lk, k) {
			return true
		}
	}
	return false
}
