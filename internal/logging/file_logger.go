package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileLogger writes JSON lines to a file, rotating through lumberjack.
// Errors are stored as their message and durations in milliseconds under
// the key suffixed "Ms", so a run log can be queried with jq.
type FileLogger struct {
	mu      *sync.Mutex
	out     io.WriteCloser
	level   LogLevel
	traceID string
	redact  bool
}

// FileLoggerConfig contains configuration for file logger
type FileLoggerConfig struct {
	FilePath        string
	Level           LogLevel
	MaxFileSize     int64 // in bytes, 0 means no rotation
	MaxBackups      int
	RotateEnabled   bool
	Compress        bool // gzip rotated files
	RedactSensitive bool
}

// NewFileLogger creates a new file logger
func NewFileLogger(config FileLoggerConfig) (*FileLogger, error) {
	dir := filepath.Dir(config.FilePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// Open eagerly so a bad path fails here rather than on first write.
	file, err := os.OpenFile(config.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	var out io.WriteCloser = file
	if config.RotateEnabled && config.MaxFileSize > 0 {
		if err := file.Close(); err != nil {
			return nil, fmt.Errorf("failed to close log file: %w", err)
		}
		out = &lumberjack.Logger{
			Filename:   config.FilePath,
			MaxSize:    maxSizeMB(config.MaxFileSize),
			MaxBackups: config.MaxBackups,
			Compress:   config.Compress,
		}
	}

	return &FileLogger{
		mu:     &sync.Mutex{},
		out:    out,
		level:  config.Level,
		redact: config.RedactSensitive,
	}, nil
}

// maxSizeMB converts a byte budget to lumberjack's megabyte unit, rounding up
func maxSizeMB(bytes int64) int {
	const mb = 1024 * 1024
	n := int((bytes + mb - 1) / mb)
	if n < 1 {
		n = 1
	}
	return n
}

func (l *FileLogger) log(level LogLevel, msg string, fields ...Field) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	if l.redact {
		msg = redactSensitiveData(msg)
	}
	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level.String(),
		Message:   msg,
		TraceID:   l.traceID,
		Fields:    make(map[string]interface{}, len(fields)),
	}
	for _, field := range fields {
		switch v := field.Value.(type) {
		case error:
			entry.Fields[field.Key] = l.scrub(v.Error())
		case string:
			entry.Fields[field.Key] = l.scrub(v)
		case time.Duration:
			entry.Fields[field.Key+"Ms"] = v.Milliseconds()
		default:
			entry.Fields[field.Key] = v
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to marshal log entry: %v\n", err)
		return
	}

	data = append(data, '\n')
	if _, err := l.out.Write(data); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write log entry: %v\n", err)
	}
}

func (l *FileLogger) scrub(s string) string {
	if l.redact {
		return redactSensitiveData(s)
	}
	return s
}

func (l *FileLogger) Debug(msg string, fields ...Field) { l.log(DEBUG, msg, fields...) }
func (l *FileLogger) Info(msg string, fields ...Field)  { l.log(INFO, msg, fields...) }
func (l *FileLogger) Warn(msg string, fields ...Field)  { l.log(WARN, msg, fields...) }
func (l *FileLogger) Error(msg string, fields ...Field) { l.log(ERROR, msg, fields...) }

// WithTraceID returns a logger sharing the same file, stamped with traceID
func (l *FileLogger) WithTraceID(traceID string) Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	child := *l
	child.traceID = traceID
	return &child
}

// WithContext returns a new logger that extracts trace ID from context
func (l *FileLogger) WithContext(ctx context.Context) Logger {
	traceID := TraceIDFromContext(ctx)
	if traceID == "" {
		return l
	}
	return l.WithTraceID(traceID)
}

func (l *FileLogger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// Close closes the underlying file; derived trace loggers share it
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.out != nil {
		return l.out.Close()
	}
	return nil
}
