package logging

import (
	"context"
	"io"
	"os"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

// String returns string representation of log level
func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a config string onto a LogLevel, defaulting to InfoLevel.
func ParseLevel(s string) LogLevel {
	switch s {
	case "debug", "DEBUG":
		return DebugLevel
	case "warn", "warning", "WARN":
		return WarnLevel
	case "error", "ERROR":
		return ErrorLevel
	case "fatal", "FATAL":
		return FatalLevel
	default:
		return InfoLevel
	}
}

func (l LogLevel) logrusLevel() logrus.Level {
	switch l {
	case DebugLevel:
		return logrus.DebugLevel
	case WarnLevel:
		return logrus.WarnLevel
	case ErrorLevel:
		return logrus.ErrorLevel
	case FatalLevel:
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}

// Fields represents structured log fields
type Fields map[string]interface{}

type ctxKey string

const requestIDKey ctxKey = "request_id"

// ContextWithRequestID attaches a request ID that every log line written with
// the returned context will carry.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request ID stored by ContextWithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// StructuredLogger provides structured JSON logging with context
type StructuredLogger struct {
	mu      sync.Mutex
	base    *logrus.Logger
	service string
	version string
	host    string
	exit    func(int)
}

// NewStructuredLogger creates a new structured logger
func NewStructuredLogger(service, version string, level LogLevel) *StructuredLogger {
	hostname, _ := os.Hostname()

	base := logrus.New()
	base.SetOutput(os.Stdout)
	base.SetLevel(level.logrusLevel())
	base.SetFormatter(&logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "timestamp",
			logrus.FieldKeyMsg:  "message",
		},
	})

	return &StructuredLogger{
		base:    base,
		service: service,
		version: version,
		host:    hostname,
		exit:    os.Exit,
	}
}

// SetOutput sets the output destination for logs
func (l *StructuredLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.base.SetOutput(w)
}

// SetLevel sets the minimum log level
func (l *StructuredLogger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.base.SetLevel(level.logrusLevel())
}

// Debug logs a debug message with structured fields
func (l *StructuredLogger) Debug(ctx context.Context, message string, fields Fields) {
	l.log(ctx, DebugLevel, message, fields, nil)
}

// Info logs an info message with structured fields
func (l *StructuredLogger) Info(ctx context.Context, message string, fields Fields) {
	l.log(ctx, InfoLevel, message, fields, nil)
}

// Warn logs a warning message with structured fields
func (l *StructuredLogger) Warn(ctx context.Context, message string, fields Fields) {
	l.log(ctx, WarnLevel, message, fields, nil)
}

// Error logs an error message with structured fields and error details
func (l *StructuredLogger) Error(ctx context.Context, message string, fields Fields, err error) {
	l.log(ctx, ErrorLevel, message, fields, err)
}

// Fatal logs a fatal message and exits the program with status 1. Deferred
// functions do not run, so callers release resources before calling it.
func (l *StructuredLogger) Fatal(ctx context.Context, message string, fields Fields, err error) {
	l.log(ctx, FatalLevel, message, fields, err)
	l.exit(1)
}

func (l *StructuredLogger) log(ctx context.Context, level LogLevel, message string, fields Fields, err error) {
	if !l.base.IsLevelEnabled(level.logrusLevel()) {
		return
	}

	entry := l.base.WithFields(logrus.Fields{
		"service":  l.service,
		"version":  l.version,
		"hostname": l.host,
	})
	if len(fields) > 0 {
		entry = entry.WithField("fields", map[string]interface{}(fields))
	}
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		entry = entry.WithField("request_id", requestID)
	}

	if level >= ErrorLevel {
		if pc, file, line, ok := runtime.Caller(2); ok {
			entry = entry.WithFields(logrus.Fields{"file": file, "line": line})
			if fn := runtime.FuncForPC(pc); fn != nil {
				entry = entry.WithField("function", fn.Name())
			}
		}
		if err != nil {
			entry = entry.WithField("error", err.Error())
			if level == FatalLevel {
				entry = entry.WithField("stack_trace", captureStackTrace())
			}
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Fatal is written at error severity; exiting is left to Fatal so the
	// exit hook can be replaced in tests.
	switch level {
	case DebugLevel:
		entry.Debug(message)
	case InfoLevel:
		entry.Info(message)
	case WarnLevel:
		entry.Warn(message)
	default:
		entry.Error(message)
	}
}

func captureStackTrace() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// WithFields creates a new logger with additional fields
func (l *StructuredLogger) WithFields(fields Fields) *ContextLogger {
	return &ContextLogger{
		logger: l,
		fields: fields,
	}
}

// ContextLogger wraps StructuredLogger with additional context fields
type ContextLogger struct {
	logger *StructuredLogger
	fields Fields
}

func (c *ContextLogger) Debug(ctx context.Context, message string, fields Fields) {
	c.logger.log(ctx, DebugLevel, message, c.mergeFields(fields), nil)
}

func (c *ContextLogger) Info(ctx context.Context, message string, fields Fields) {
	c.logger.log(ctx, InfoLevel, message, c.mergeFields(fields), nil)
}

func (c *ContextLogger) Warn(ctx context.Context, message string, fields Fields) {
	c.logger.log(ctx, WarnLevel, message, c.mergeFields(fields), nil)
}

func (c *ContextLogger) Error(ctx context.Context, message string, fields Fields, err error) {
	c.logger.log(ctx, ErrorLevel, message, c.mergeFields(fields), err)
}

func (c *ContextLogger) mergeFields(fields Fields) Fields {
	merged := make(Fields, len(c.fields)+len(fields))
	for k, v := range c.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return merged
}
