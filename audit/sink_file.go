package audit

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// FileSink appends audit entries to a local file, one JSON document per
// line, rotating by size and/or calendar day.
type FileSink struct {
	mu   sync.Mutex
	path string
	file *os.File
	mode os.FileMode

	rotateSize  int64
	rotateDaily bool
	maxBackups  int

	currentSize int64
	lastRotate  time.Time
}

var _ Sink = (*FileSink)(nil)

type FileSinkConfig struct {
	Path        string
	Mode        os.FileMode
	RotateSize  int64 // rotate once the file reaches this many bytes (0 = never)
	RotateDaily bool
	MaxBackups  int
}

// openAppend opens path for appending, creating it with mode if absent.
func openAppend(path string, mode os.FileMode) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, mode)
}

func NewFileSink(config FileSinkConfig) (*FileSink, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("file path is required")
	}
	if config.Mode == 0 {
		config.Mode = 0600
	}

	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := openAppend(config.Path, config.Mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	// Carry the existing size so size-based rotation keeps working
	// across restarts.
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	return &FileSink{
		path:        config.Path,
		file:        file,
		mode:        config.Mode,
		rotateSize:  config.RotateSize,
		rotateDaily: config.RotateDaily,
		maxBackups:  config.MaxBackups,
		currentSize: stat.Size(),
		lastRotate:  time.Now(),
	}, nil
}

func (s *FileSink) Write(ctx context.Context, entry []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.needsRotation(time.Now()) {
		if err := s.rotate(); err != nil {
			return fmt.Errorf("rotation failed: %w", err)
		}
	}

	n, err := io.WriteString(s.file, string(entry)+"\n")
	if err != nil {
		return fmt.Errorf("failed to write to file: %w", err)
	}
	s.currentSize += int64(n)
	return nil
}

func (s *FileSink) needsRotation(now time.Time) bool {
	if s.rotateSize > 0 && s.currentSize >= s.rotateSize {
		return true
	}
	sameDay := now.Year() == s.lastRotate.Year() && now.YearDay() == s.lastRotate.YearDay()
	return s.rotateDaily && !sameDay
}

// rotate renames the current file aside with a timestamp suffix and
// reopens a fresh one at the original path.
func (s *FileSink) rotate() error {
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}

	backupPath := s.path + "." + time.Now().Format("20060102-150405")
	if err := os.Rename(s.path, backupPath); err != nil {
		// Keep writing to the original file rather than dropping entries.
		file, openErr := openAppend(s.path, s.mode)
		if openErr != nil {
			return fmt.Errorf("failed to rename file and reopen: %v, %v", err, openErr)
		}
		s.file = file
		return fmt.Errorf("failed to rename file: %w", err)
	}

	file, err := openAppend(s.path, s.mode)
	if err != nil {
		return fmt.Errorf("failed to create new file: %w", err)
	}
	s.file = file
	s.currentSize = 0
	s.lastRotate = time.Now()

	// Prune outside the lock; path and maxBackups are copied so a later
	// rotation cannot race this one.
	if s.maxBackups > 0 {
		go pruneBackups(s.path, s.maxBackups)
	}
	return nil
}

// pruneBackups deletes the oldest timestamped backups beyond the
// configured count.
func pruneBackups(path string, maxBackups int) {
	matches, err := filepath.Glob(path + ".*")
	if err != nil || len(matches) <= maxBackups {
		return
	}

	type backup struct {
		path    string
		modTime time.Time
	}
	backups := make([]backup, 0, len(matches))
	for _, match := range matches {
		stat, err := os.Stat(match)
		if err != nil {
			continue
		}
		backups = append(backups, backup{path: match, modTime: stat.ModTime()})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].modTime.Before(backups[j].modTime)
	})
	for i := 0; i < len(backups)-maxBackups; i++ {
		os.Remove(backups[i].path)
	}
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

func (s *FileSink) Name() string { return s.path }

func (s *FileSink) Type() string { return "file" }
