package logger

// FileConfig configures rotation of the server log file. Rotation is
// handled by lumberjack, so sizes are megabytes and ages days.
type FileConfig struct {
	Filename   string
	MaxSize    int
	MaxAge     int
	MaxBackups int
	Compress   bool
}
