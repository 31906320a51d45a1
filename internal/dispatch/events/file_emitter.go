package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/scrapehive/dispatcher/internal/common/configtypes"
)

// Rotation defaults for the event log file.
const (
	DefaultMaxSize    = 100 // MB
	DefaultMaxAge     = 30  // days
	DefaultMaxBackups = 10  // files
)

// FileEmitter writes one JSON line per event to a rotated log file.
type FileEmitter struct {
	writer *lumberjack.Logger
	logger *zap.Logger
}

// NewFileEmitter creates the file sink, creating the parent directory if
// needed.
func NewFileEmitter(config configtypes.EventFileConfig, logger *zap.Logger) (*FileEmitter, error) {
	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create event log directory %s: %w", dir, err)
	}

	maxSize := config.Rotation.MaxSize
	if maxSize == 0 {
		maxSize = DefaultMaxSize
	}
	maxAge := config.Rotation.MaxAge
	if maxAge == 0 {
		maxAge = DefaultMaxAge
	}
	maxBackups := config.Rotation.MaxBackups
	if maxBackups == 0 {
		maxBackups = DefaultMaxBackups
	}

	return &FileEmitter{
		writer: &lumberjack.Logger{
			Filename:   config.Path,
			MaxSize:    maxSize,
			MaxAge:     maxAge,
			MaxBackups: maxBackups,
			Compress:   config.Rotation.Compress,
		},
		logger: logger,
	}, nil
}

// Emit serializes the event and appends it to the log file.
func (f *FileEmitter) Emit(event *ScrapeEvent) {
	line, err := json.Marshal(event)
	if err != nil {
		f.logger.Warn("failed to marshal scrape event",
			zap.Error(err),
			zap.String("request_id", event.RequestID))
		return
	}

	if _, err := f.writer.Write(append(line, '\n')); err != nil {
		f.logger.Warn("failed to write scrape event to log file",
			zap.Error(err),
			zap.String("request_id", event.RequestID))
	}
}

// Close closes the underlying file handle.
func (f *FileEmitter) Close() error {
	return f.writer.Close()
}
