package logger

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel represents the logging level
type LogLevel int

const (
	TraceLevel LogLevel = iota
	DebugLevel
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
	PanicLevel
)

var levelNames = map[LogLevel]string{
	TraceLevel: "trace",
	DebugLevel: "debug",
	InfoLevel:  "info",
	WarnLevel:  "warn",
	ErrorLevel: "error",
	FatalLevel: "fatal",
	PanicLevel: "panic",
}

var levelsByName = map[string]LogLevel{
	"trace":   TraceLevel,
	"debug":   DebugLevel,
	"info":    InfoLevel,
	"warn":    WarnLevel,
	"warning": WarnLevel,
	"error":   ErrorLevel,
	"err":     ErrorLevel,
	"fatal":   FatalLevel,
	"panic":   PanicLevel,
}

// String returns the string representation of LogLevel
func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "info"
}

// ParseLogLevel parses a string to LogLevel. Unknown names map to info.
func ParseLogLevel(level string) LogLevel {
	if l, ok := levelsByName[strings.ToLower(level)]; ok {
		return l
	}
	return InfoLevel
}

// OutputFormat represents the output format
type OutputFormat int

const (
	JSONFormat OutputFormat = iota
	DefaultFormat
)

// String returns the string representation of OutputFormat
func (o OutputFormat) String() string {
	if o == JSONFormat {
		return "json"
	}
	return "default"
}

// ParseOutPutFormat parses a string to OutputFormat
func ParseOutPutFormat(format string) OutputFormat {
	if strings.ToUpper(format) == "JSON" {
		return JSONFormat
	}
	return DefaultFormat
}

// TypedField is a structured log field built by one of the typed
// constructors below. It carries the raw key/value pair for context
// loggers plus an emit function that writes the value with its native
// zerolog type instead of boxing through Interface.
type TypedField struct {
	key   string
	value interface{}
	emit  func(event *zerolog.Event) *zerolog.Event
}

func (f TypedField) apply(event *zerolog.Event) *zerolog.Event {
	if f.emit == nil {
		return event
	}
	return f.emit(event)
}

func String(key, value string) TypedField {
	return TypedField{key, value, func(e *zerolog.Event) *zerolog.Event { return e.Str(key, value) }}
}

func Int(key string, value int) TypedField {
	return TypedField{key, value, func(e *zerolog.Event) *zerolog.Event { return e.Int(key, value) }}
}

func Int64(key string, value int64) TypedField {
	return TypedField{key, value, func(e *zerolog.Event) *zerolog.Event { return e.Int64(key, value) }}
}

func Float64(key string, value float64) TypedField {
	return TypedField{key, value, func(e *zerolog.Event) *zerolog.Event { return e.Float64(key, value) }}
}

func Bool(key string, value bool) TypedField {
	return TypedField{key, value, func(e *zerolog.Event) *zerolog.Event { return e.Bool(key, value) }}
}

func Duration(key string, value time.Duration) TypedField {
	return TypedField{key, value, func(e *zerolog.Event) *zerolog.Event { return e.Dur(key, value) }}
}

func Time(key string, value time.Time) TypedField {
	return TypedField{key, value, func(e *zerolog.Event) *zerolog.Event { return e.Time(key, value) }}
}

func Err(value error) TypedField {
	return TypedField{"error", value, func(e *zerolog.Event) *zerolog.Event { return e.Err(value) }}
}

func Any(key string, value interface{}) TypedField {
	return TypedField{key, value, func(e *zerolog.Event) *zerolog.Event { return e.Interface(key, value) }}
}

// Logger defines the public interface for logging
type Logger interface {
	// Basic logging methods with type-safe fields
	Trace(msg string, fields ...TypedField)
	Debug(msg string, fields ...TypedField)
	Info(msg string, fields ...TypedField)
	Warn(msg string, fields ...TypedField)
	Error(msg string, fields ...TypedField)
	Fatal(msg string, fields ...TypedField)
	Panic(msg string, fields ...TypedField)

	// Formatted logging methods
	Tracef(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
	Panicf(format string, args ...interface{})

	// WithSubsystem extends the module name, WithSystem replaces it.
	WithSubsystem(name string) Logger
	WithSystem(name string) Logger

	// WithFields attaches fields to every entry of the returned logger.
	WithFields(fields ...TypedField) Logger

	// Level checking
	IsLevelEnabled(level LogLevel) bool

	// Performance methods
	Flush()       // Flush any buffered logs
	Close() error // Close and cleanup resources
}
