package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

// scopeField is shown as a tag ahead of the message instead of as a field
const scopeField = "scope"

var levelColors = map[LogLevel]string{
	DEBUG: colorBlue,
	INFO:  colorReset,
	WARN:  colorYellow,
	ERROR: colorRed,
}

// ConsoleLogger writes one human-readable line per entry, by default to
// stderr. A line reads
//
//	15:04:05 INFO  [1a2b3c4d] (Sales) Scope walked records=120 pages=2
type ConsoleLogger struct {
	mu      *sync.Mutex
	writer  io.Writer
	level   LogLevel
	traceID string
	opts    ConsoleLoggerConfig
}

// ConsoleLoggerConfig contains configuration for console logger
type ConsoleLoggerConfig struct {
	Writer           io.Writer
	Level            LogLevel
	ColorEnabled     bool
	TimestampEnabled bool
	RedactSensitive  bool
}

// NewConsoleLogger creates a new console logger
func NewConsoleLogger(config ConsoleLoggerConfig) *ConsoleLogger {
	if config.Writer == nil {
		config.Writer = os.Stderr
	}
	return &ConsoleLogger{
		mu:     &sync.Mutex{},
		writer: config.Writer,
		level:  config.Level,
		opts:   config,
	}
}

func (l *ConsoleLogger) formatMessage(level LogLevel, msg string, fields []Field) string {
	var sb strings.Builder

	if l.opts.TimestampEnabled {
		l.paint(&sb, colorGray, time.Now().Format(time.TimeOnly))
		sb.WriteByte(' ')
	}
	l.paint(&sb, levelColors[level], fmt.Sprintf("%-5s", level.String()))
	sb.WriteByte(' ')

	if l.traceID != "" {
		l.paint(&sb, colorGray, "["+shortID(l.traceID)+"] ")
	}

	rest := fields[:0:0]
	for _, f := range fields {
		if f.Key == scopeField {
			if name := fmt.Sprint(f.Value); name != "" {
				l.paint(&sb, colorCyan, "("+name+") ")
				continue
			}
		}
		rest = append(rest, f)
	}

	sb.WriteString(l.clean(msg))
	for _, f := range rest {
		sb.WriteByte(' ')
		sb.WriteString(f.Key)
		sb.WriteByte('=')
		sb.WriteString(quoteValue(l.clean(fmt.Sprint(f.Value))))
	}
	return sb.String()
}

func (l *ConsoleLogger) clean(s string) string {
	if l.opts.RedactSensitive {
		return redactSensitiveData(s)
	}
	return s
}

func (l *ConsoleLogger) paint(sb *strings.Builder, color, text string) {
	if !l.opts.ColorEnabled || color == colorReset {
		sb.WriteString(text)
		return
	}
	sb.WriteString(color)
	sb.WriteString(text)
	sb.WriteString(colorReset)
}

// quoteValue quotes values that would otherwise split the key=value list,
// such as Dropbox paths with spaces
func quoteValue(v string) string {
	if v == "" || strings.ContainsAny(v, " \t\n\"=") {
		return strconv.Quote(v)
	}
	return v
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (l *ConsoleLogger) log(level LogLevel, msg string, fields []Field) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}
	_, _ = fmt.Fprintln(l.writer, l.formatMessage(level, msg, fields))
}

func (l *ConsoleLogger) Debug(msg string, fields ...Field) { l.log(DEBUG, msg, fields) }
func (l *ConsoleLogger) Info(msg string, fields ...Field)  { l.log(INFO, msg, fields) }
func (l *ConsoleLogger) Warn(msg string, fields ...Field)  { l.log(WARN, msg, fields) }
func (l *ConsoleLogger) Error(msg string, fields ...Field) { l.log(ERROR, msg, fields) }

// WithTraceID returns a logger sharing the same writer, stamped with traceID
func (l *ConsoleLogger) WithTraceID(traceID string) Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	child := *l
	child.traceID = traceID
	return &child
}

// WithContext returns a logger stamped with the trace ID stored in ctx
func (l *ConsoleLogger) WithContext(ctx context.Context) Logger {
	traceID := TraceIDFromContext(ctx)
	if traceID == "" {
		return l
	}
	return l.WithTraceID(traceID)
}

func (l *ConsoleLogger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// Close is a no-op; the writer is owned by the caller
func (l *ConsoleLogger) Close() error {
	return nil
}
