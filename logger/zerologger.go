package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ZerologLogger implements Logger on top of zerolog.
type ZerologLogger struct {
	logger     zerolog.Logger
	config     *Config
	subsystem  string
	fileWriter *lumberjack.Logger
}

var zerologLevels = map[LogLevel]zerolog.Level{
	TraceLevel: zerolog.TraceLevel,
	DebugLevel: zerolog.DebugLevel,
	InfoLevel:  zerolog.InfoLevel,
	WarnLevel:  zerolog.WarnLevel,
	ErrorLevel: zerolog.ErrorLevel,
	FatalLevel: zerolog.FatalLevel,
	PanicLevel: zerolog.PanicLevel,
}

func toZerologLevel(level LogLevel) zerolog.Level {
	if zl, ok := zerologLevels[level]; ok {
		return zl
	}
	return zerolog.InfoLevel
}

// newFileWriter builds a lumberjack-rotated file writer, creating the
// log directory first. A directory failure is reported but not fatal so
// the process can still log to its other outputs.
func newFileWriter(fc *FileConfig) *lumberjack.Logger {
	if err := os.MkdirAll(filepath.Dir(fc.Filename), 0755); err != nil {
		fmt.Printf("Failed to create log directory: %v\n", err)
		return nil
	}
	return &lumberjack.Logger{
		Filename:   fc.Filename,
		MaxSize:    fc.MaxSize,
		MaxAge:     fc.MaxAge,
		MaxBackups: fc.MaxBackups,
		Compress:   fc.Compress,
		LocalTime:  true,
	}
}

// consoleWriter wraps an output in zerolog's human-readable console
// renderer, with the module field placed before the message.
func consoleWriter(out io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: "15:04:05",
		NoColor:    false,
		PartsOrder: []string{
			zerolog.TimestampFieldName,
			zerolog.LevelFieldName,
			zerolog.CallerFieldName,
			"module",
			zerolog.MessageFieldName,
		},
	}
}

// NewZerologLogger builds a logger writing to the configured outputs,
// plus a lumberjack-rotated file when FileConfig is set. Console-style
// output is used for the default format and in development.
func NewZerologLogger(config *Config) Logger {
	if config == nil {
		config = DefaultConfig()
	}

	zerolog.SetGlobalLevel(toZerologLevel(config.Level))
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	var writers []io.Writer
	var fileWriter *lumberjack.Logger

	if config.FileConfig != nil {
		if fileWriter = newFileWriter(config.FileConfig); fileWriter != nil {
			writers = append(writers, fileWriter)
		}
	}

	pretty := config.Format == DefaultFormat || config.Environment == "development"
	for _, output := range config.Outputs {
		if pretty {
			writers = append(writers, consoleWriter(output))
		} else {
			writers = append(writers, output)
		}
	}

	var writer io.Writer
	if len(writers) == 1 {
		writer = writers[0]
	} else {
		writer = zerolog.MultiLevelWriter(writers...)
	}

	var logger zerolog.Logger
	if config.EnableSampling && config.Environment == "production" {
		// Sample repeated entries to bound log volume under load
		logger = zerolog.New(writer).Sample(&zerolog.BurstSampler{
			Burst:       10,
			Period:      1 * time.Second,
			NextSampler: &zerolog.BasicSampler{N: 100},
		})
	} else {
		logger = zerolog.New(writer)
	}

	logger = logger.With().Timestamp().Logger()

	if config.EnableCaller {
		logger = logger.With().CallerWithSkipFrameCount(3 + config.CallerSkip).Logger()
	}

	if config.Subsystem != "" {
		logger = logger.With().Str("module", config.Subsystem).Logger()
	}

	return &ZerologLogger{
		logger:     logger,
		config:     config,
		subsystem:  config.Subsystem,
		fileWriter: fileWriter,
	}
}

func (zl *ZerologLogger) logWithFields(level zerolog.Level, msg string, fields []TypedField) {
	if zl.logger.GetLevel() > level {
		return
	}

	// WithLevel does not terminate the program for fatal/panic entries
	// the way Fatal()/Panic() do, so dispatch those explicitly.
	var event *zerolog.Event
	switch level {
	case zerolog.FatalLevel:
		event = zl.logger.Fatal()
	case zerolog.PanicLevel:
		event = zl.logger.Panic()
	default:
		event = zl.logger.WithLevel(level)
	}

	for _, field := range fields {
		event = field.apply(event)
	}

	event.Msg(msg)
}

func (zl *ZerologLogger) Trace(msg string, fields ...TypedField) {
	zl.logWithFields(zerolog.TraceLevel, msg, fields)
}

func (zl *ZerologLogger) Debug(msg string, fields ...TypedField) {
	zl.logWithFields(zerolog.DebugLevel, msg, fields)
}

func (zl *ZerologLogger) Info(msg string, fields ...TypedField) {
	zl.logWithFields(zerolog.InfoLevel, msg, fields)
}

func (zl *ZerologLogger) Warn(msg string, fields ...TypedField) {
	zl.logWithFields(zerolog.WarnLevel, msg, fields)
}

func (zl *ZerologLogger) Error(msg string, fields ...TypedField) {
	zl.logWithFields(zerolog.ErrorLevel, msg, fields)
}

func (zl *ZerologLogger) Fatal(msg string, fields ...TypedField) {
	zl.logWithFields(zerolog.FatalLevel, msg, fields)
}

func (zl *ZerologLogger) Panic(msg string, fields ...TypedField) {
	zl.logWithFields(zerolog.PanicLevel, msg, fields)
}

func (zl *ZerologLogger) Tracef(format string, args ...interface{}) {
	zl.logger.Trace().Msgf(format, args...)
}

func (zl *ZerologLogger) Debugf(format string, args ...interface{}) {
	zl.logger.Debug().Msgf(format, args...)
}

func (zl *ZerologLogger) Infof(format string, args ...interface{}) {
	zl.logger.Info().Msgf(format, args...)
}

func (zl *ZerologLogger) Warnf(format string, args ...interface{}) {
	zl.logger.Warn().Msgf(format, args...)
}

func (zl *ZerologLogger) Errorf(format string, args ...interface{}) {
	zl.logger.Error().Msgf(format, args...)
}

func (zl *ZerologLogger) Fatalf(format string, args ...interface{}) {
	zl.logger.Fatal().Msgf(format, args...)
}

func (zl *ZerologLogger) Panicf(format string, args ...interface{}) {
	zl.logger.Panic().Msgf(format, args...)
}

// WithSubsystem returns a logger whose module field is extended with
// name, dot-separated.
func (zl *ZerologLogger) WithSubsystem(name string) Logger {
	newConfig := *zl.config
	newConfig.Subsystem = name
	if zl.subsystem != "" {
		newConfig.Subsystem = zl.subsystem + "." + name
	}
	return NewZerologLogger(&newConfig)
}

// WithSystem returns a logger whose module field is replaced by name.
func (zl *ZerologLogger) WithSystem(name string) Logger {
	newConfig := *zl.config
	newConfig.Subsystem = name
	return NewZerologLogger(&newConfig)
}

// WithFields returns a logger that attaches the given fields to every
// entry.
func (zl *ZerologLogger) WithFields(fields ...TypedField) Logger {
	if len(fields) == 0 {
		return zl
	}

	pairs := make(map[string]interface{}, len(fields))
	for _, field := range fields {
		pairs[field.key] = field.value
	}

	return &ZerologLogger{
		logger:     zl.logger.With().Fields(pairs).Logger(),
		config:     zl.config,
		subsystem:  zl.subsystem,
		fileWriter: zl.fileWriter,
	}
}

func (zl *ZerologLogger) IsLevelEnabled(level LogLevel) bool {
	return zl.logger.GetLevel() <= toZerologLevel(level)
}

// Flush forces a rotation of the file writer, which also syncs it.
// zerolog itself does not buffer.
func (zl *ZerologLogger) Flush() {
	if zl.fileWriter != nil {
		zl.fileWriter.Rotate()
	}
}

func (zl *ZerologLogger) Close() error {
	if zl.fileWriter != nil {
		return zl.fileWriter.Close()
	}
	return nil
}
