package logger

import (
	"io"
	"log"

	"github.com/hashicorp/go-hclog"
)

// HCLogAdapter exposes a walletd Logger through the hclog.Logger
// interface for libraries that only speak hclog, such as the
// retryablehttp client behind the external Vault storage backend.
type HCLogAdapter struct {
	logger Logger
	name   string
	args   []interface{} // Implied args from With()
}

// Compile-time assertion that HCLogAdapter implements hclog.Logger
var _ hclog.Logger = (*HCLogAdapter)(nil)

// NewHCLogAdapter wraps the given Logger.
func NewHCLogAdapter(logger Logger) hclog.Logger {
	return &HCLogAdapter{logger: logger}
}

// hclogLevels pairs each hclog level with its walletd equivalent, most
// verbose first. Used both for dispatch and for level probing.
var hclogLevels = []struct {
	hc hclog.Level
	wd LogLevel
}{
	{hclog.Trace, TraceLevel},
	{hclog.Debug, DebugLevel},
	{hclog.Info, InfoLevel},
	{hclog.Warn, WarnLevel},
	{hclog.Error, ErrorLevel},
}

// Log emits a message at the given level. Unknown levels fall back to
// info.
func (a *HCLogAdapter) Log(level hclog.Level, msg string, args ...interface{}) {
	fields := a.argsToFields(args)
	switch level {
	case hclog.Trace:
		a.logger.Trace(msg, fields...)
	case hclog.Debug:
		a.logger.Debug(msg, fields...)
	case hclog.Warn:
		a.logger.Warn(msg, fields...)
	case hclog.Error:
		a.logger.Error(msg, fields...)
	default:
		a.logger.Info(msg, fields...)
	}
}

func (a *HCLogAdapter) Trace(msg string, args ...interface{}) { a.Log(hclog.Trace, msg, args...) }
func (a *HCLogAdapter) Debug(msg string, args ...interface{}) { a.Log(hclog.Debug, msg, args...) }
func (a *HCLogAdapter) Info(msg string, args ...interface{})  { a.Log(hclog.Info, msg, args...) }
func (a *HCLogAdapter) Warn(msg string, args ...interface{})  { a.Log(hclog.Warn, msg, args...) }
func (a *HCLogAdapter) Error(msg string, args ...interface{}) { a.Log(hclog.Error, msg, args...) }

// argsToFields converts hclog's alternating key/value pairs, with the
// implied args from With() prepended, into TypedFields. A trailing value
// without a key and non-string keys are skipped.
func (a *HCLogAdapter) argsToFields(args []interface{}) []TypedField {
	allArgs := append(a.args, args...)

	fields := make([]TypedField, 0, len(allArgs)/2)
	for i := 0; i+1 < len(allArgs); i += 2 {
		if key, ok := allArgs[i].(string); ok {
			fields = append(fields, Any(key, allArgs[i+1]))
		}
	}
	return fields
}

// Named returns a logger with the specified name appended.
// Names are joined with "." when nested.
func (a *HCLogAdapter) Named(name string) hclog.Logger {
	newName := name
	if a.name != "" {
		newName = a.name + "." + name
	}
	return &HCLogAdapter{
		logger: a.logger.WithSubsystem(name),
		name:   newName,
		args:   a.args,
	}
}

// With returns a logger with the given key/value pairs as implied args.
// These args are prepended to all subsequent log calls.
func (a *HCLogAdapter) With(args ...interface{}) hclog.Logger {
	newArgs := make([]interface{}, 0, len(a.args)+len(args))
	newArgs = append(newArgs, a.args...)
	newArgs = append(newArgs, args...)
	return &HCLogAdapter{
		logger: a.logger,
		name:   a.name,
		args:   newArgs,
	}
}

// Name returns the current logger's name
func (a *HCLogAdapter) Name() string {
	return a.name
}

// ResetNamed returns a logger with the name set to the given name directly,
// rather than appending to the current name.
func (a *HCLogAdapter) ResetNamed(name string) hclog.Logger {
	return &HCLogAdapter{
		logger: a.logger.WithSubsystem(name),
		name:   name,
		args:   a.args,
	}
}

func (a *HCLogAdapter) IsTrace() bool { return a.logger.IsLevelEnabled(TraceLevel) }
func (a *HCLogAdapter) IsDebug() bool { return a.logger.IsLevelEnabled(DebugLevel) }
func (a *HCLogAdapter) IsInfo() bool  { return a.logger.IsLevelEnabled(InfoLevel) }
func (a *HCLogAdapter) IsWarn() bool  { return a.logger.IsLevelEnabled(WarnLevel) }
func (a *HCLogAdapter) IsError() bool { return a.logger.IsLevelEnabled(ErrorLevel) }

// GetLevel returns the current log level. The wrapped logger does not
// expose its level directly, so probe from the most verbose down.
func (a *HCLogAdapter) GetLevel() hclog.Level {
	for _, lvl := range hclogLevels {
		if a.logger.IsLevelEnabled(lvl.wd) {
			return lvl.hc
		}
	}
	return hclog.Off
}

// SetLevel is a no-op. The wrapped logger owns its level.
func (a *HCLogAdapter) SetLevel(level hclog.Level) {
}

// ImpliedArgs returns the implied key/value pairs set via With()
func (a *HCLogAdapter) ImpliedArgs() []interface{} {
	return a.args
}

// StandardLogger returns nil (not supported by this adapter).
func (a *HCLogAdapter) StandardLogger(opts *hclog.StandardLoggerOptions) *log.Logger {
	return nil
}

// StandardWriter returns nil (not supported by this adapter).
func (a *HCLogAdapter) StandardWriter(opts *hclog.StandardLoggerOptions) io.Writer {
	return nil
}
