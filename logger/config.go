package logger

import (
	"io"
	"os"
)

// Config describes how a root logger is built. The zero value is not
// usable; start from DefaultConfig or fill in at least Level, Format
// and Outputs.
type Config struct {
	Level       LogLevel
	Format      OutputFormat
	Outputs     []io.Writer
	Environment string // "development" or "production"
	Subsystem   string
	FileConfig  *FileConfig

	// EnableCaller annotates every event with file:line of the call
	// site. CallerSkip adds extra frames on top of the adapter's own,
	// for wrappers that forward into this package.
	EnableCaller bool
	CallerSkip   int

	// EnableSampling turns on burst sampling in production mode.
	EnableSampling bool
}

// DefaultConfig returns a development configuration: everything to
// stdout at trace level. The server builds its own Config from the
// config file instead.
func DefaultConfig() *Config {
	return &Config{
		Level:       TraceLevel,
		Format:      DefaultFormat,
		Outputs:     []io.Writer{os.Stdout},
		Environment: "development",
	}
}
