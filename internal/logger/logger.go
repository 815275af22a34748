// Package logger provides leveled, structured logging with file rotation.
package logger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shepherd-project/modelfetch/internal/config"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Field represents a key-value pair for structured logging
type Field struct {
	Key   string
	Value interface{}
}

// Logger is the main logger structure
type Logger struct {
	mu          sync.Mutex
	level       LogLevel
	formatJSON  bool
	outputs     []io.Writer
	fileWriter  io.WriteCloser
	logDir      string
	maxSize     int64 // MB
	maxBackups  int
	maxAge      int // days
	currentSize int64
	currentDate string
	component   string // serve, fetch, import
	stop        chan struct{}
}

var (
	defaultLogger *Logger
	defaultMu     sync.RWMutex
)

const fileDateLayout = "2006-01-02"

// InitLogger initializes the global logger with the given configuration
func InitLogger(cfg *config.LogConfig, component string) error {
	l, err := NewLogger(cfg, component)
	if err != nil {
		return err
	}
	defaultMu.Lock()
	old := defaultLogger
	defaultLogger = l
	defaultMu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// NewLogger creates a new logger instance
func NewLogger(cfg *config.LogConfig, component string) (*Logger, error) {
	if component == "" {
		component = "serve"
	}
	l := &Logger{
		level:       parseLevel(cfg.Level),
		formatJSON:  strings.EqualFold(cfg.Format, "json"),
		logDir:      cfg.Directory,
		maxSize:     int64(cfg.MaxSize),
		maxBackups:  cfg.MaxBackups,
		maxAge:      cfg.MaxAge,
		currentDate: time.Now().Format(fileDateLayout),
		component:   component,
	}

	switch strings.ToLower(cfg.Output) {
	case "file":
		if err := l.setupFileWriter(); err != nil {
			return nil, err
		}
	case "both":
		l.outputs = append(l.outputs, os.Stdout)
		if err := l.setupFileWriter(); err != nil {
			return nil, err
		}
	case "discard":
		l.outputs = append(l.outputs, io.Discard)
	default:
		l.outputs = append(l.outputs, os.Stdout)
	}

	return l, nil
}

// New creates a logger writing to w, mainly for tests and CLI use
func New(w io.Writer, level string, formatJSON bool) *Logger {
	return &Logger{
		level:      parseLevel(level),
		formatJSON: formatJSON,
		outputs:    []io.Writer{w},
		component:  "serve",
	}
}

func (l *Logger) fileName() string {
	return fmt.Sprintf("modelfetch-%s-%s.log", l.component, l.currentDate)
}

func (l *Logger) setupFileWriter() error {
	if l.logDir == "" {
		return fmt.Errorf("log directory is not configured")
	}
	if err := os.MkdirAll(l.logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	logFile := filepath.Join(l.logDir, l.fileName())
	if info, err := os.Stat(logFile); err == nil {
		l.currentSize = info.Size()
	}

	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	l.fileWriter = f
	l.outputs = append(l.outputs, f)

	l.stop = make(chan struct{})
	go l.rotationChecker(l.stop)

	return nil
}

// rotationChecker periodically checks if log rotation is needed
func (l *Logger) rotationChecker(stop <-chan struct{}) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			l.checkRotation()
		}
	}
}

func (l *Logger) checkRotation() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if date := time.Now().Format(fileDateLayout); date != l.currentDate {
		l.rotateLog("date", date)
		return
	}
	if l.maxSize > 0 && l.currentSize >= l.maxSize*1024*1024 {
		l.rotateLog("size", l.currentDate)
	}
}

// rotateLog moves the current file aside and opens a new one. Caller holds mu.
func (l *Logger) rotateLog(reason, newDate string) {
	if l.fileWriter == nil {
		return
	}
	old := l.fileWriter
	old.Close()

	logFile := filepath.Join(l.logDir, l.fileName())
	if reason == "size" {
		stamp := time.Now().Format("150405")
		backup := strings.TrimSuffix(logFile, ".log") + "-" + stamp + ".log"
		os.Rename(logFile, backup)
	}
	l.currentDate = newDate

	l.cleanOldBackups()

	f, err := os.OpenFile(filepath.Join(l.logDir, l.fileName()), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[ERROR] failed to reopen log file: %v\n", err)
		l.fileWriter = nil
		l.outputs = withoutWriter(l.outputs, old)
		return
	}

	l.outputs = append(withoutWriter(l.outputs, old), f)
	l.fileWriter = f
	l.currentSize = 0
}

func withoutWriter(ws []io.Writer, drop io.Writer) []io.Writer {
	out := ws[:0:0]
	for _, w := range ws {
		if w != drop {
			out = append(out, w)
		}
	}
	return out
}

// cleanOldBackups removes files of this component older than maxAge days and
// keeps at most maxBackups of the rest.
func (l *Logger) cleanOldBackups() {
	entries, err := os.ReadDir(l.logDir)
	if err != nil {
		return
	}

	prefix := "modelfetch-" + l.component + "-"
	type backup struct {
		name string
		mod  time.Time
	}
	var backups []backup
	cutoff := time.Now().AddDate(0, 0, -l.maxAge)

	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".log") || name == l.fileName() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if l.maxAge > 0 && info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(l.logDir, name))
			continue
		}
		backups = append(backups, backup{name, info.ModTime()})
	}

	if l.maxBackups <= 0 || len(backups) <= l.maxBackups {
		return
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].mod.After(backups[j].mod) })
	for _, b := range backups[l.maxBackups:] {
		os.Remove(filepath.Join(l.logDir, b.name))
	}
}

// parseLevel converts string level to LogLevel
func parseLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

// GetLogger returns the global logger instance
func GetLogger() *Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if l != nil {
		return l
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New(os.Stdout, "info", false)
	}
	return defaultLogger
}

// SetLogger replaces the global logger and returns the previous one
func SetLogger(l *Logger) *Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	old := defaultLogger
	defaultLogger = l
	return old
}

func (l *Logger) format(level LogLevel, msg string, fields []Field) []byte {
	now := time.Now()
	var buf bytes.Buffer

	if l.formatJSON {
		buf.WriteString(`{"time":`)
		writeJSON(&buf, now.Format(time.RFC3339))
		buf.WriteString(`,"level":`)
		writeJSON(&buf, level.String())
		buf.WriteString(`,"msg":`)
		writeJSON(&buf, msg)
		for _, f := range fields {
			buf.WriteByte(',')
			writeJSON(&buf, f.Key)
			buf.WriteByte(':')
			writeJSON(&buf, jsonValue(f.Value))
		}
		buf.WriteString("}\n")
		return buf.Bytes()
	}

	fmt.Fprintf(&buf, "[%s] %s %s", now.Format("2006-01-02 15:04:05"), level, msg)
	for _, f := range fields {
		fmt.Fprintf(&buf, " %s=%v", f.Key, f.Value)
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

func jsonValue(v interface{}) interface{} {
	switch t := v.(type) {
	case error:
		return t.Error()
	case fmt.Stringer:
		return t.String()
	}
	return v
}

func writeJSON(buf *bytes.Buffer, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(fmt.Sprint(v))
	}
	buf.Write(data)
}

// log is the internal logging method
func (l *Logger) log(level LogLevel, msg string, fields []Field) {
	if level < l.level {
		return
	}

	line := l.format(level, msg, fields)

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, w := range l.outputs {
		n, err := w.Write(line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[ERROR] failed to write log: %v\n", err)
			continue
		}
		if w == io.Writer(l.fileWriter) {
			l.currentSize += int64(n)
		}
	}
}

// WithField creates a log entry with a single field
func (l *Logger) WithField(key string, value interface{}) *LogEntry {
	return &LogEntry{logger: l, fields: []Field{{Key: key, Value: value}}}
}

// WithFields creates a log entry with multiple fields, sorted by key
func (l *Logger) WithFields(fields map[string]interface{}) *LogEntry {
	return &LogEntry{logger: l, fields: sortedFields(fields)}
}

// WithError creates a log entry with an error field
func (l *Logger) WithError(err error) *LogEntry {
	return &LogEntry{logger: l, fields: []Field{errorField(err)}}
}

func sortedFields(fields map[string]interface{}) []Field {
	list := make([]Field, 0, len(fields))
	for k, v := range fields {
		list = append(list, Field{Key: k, Value: v})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Key < list[j].Key })
	return list
}

func errorField(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: "<nil>"}
	}
	return Field{Key: "error", Value: err.Error()}
}

// LogEntry represents a log entry with fields
type LogEntry struct {
	logger *Logger
	fields []Field
}

// WithField adds a field to the log entry
func (e *LogEntry) WithField(key string, value interface{}) *LogEntry {
	e.fields = append(e.fields, Field{Key: key, Value: value})
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]interface{}) *LogEntry {
	e.fields = append(e.fields, sortedFields(fields)...)
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	e.fields = append(e.fields, errorField(err))
	return e
}

// Debug logs at debug level
func (e *LogEntry) Debug(args ...interface{}) { e.logger.log(DEBUG, fmt.Sprint(args...), e.fields) }

// Debugf logs a formatted message at debug level
func (e *LogEntry) Debugf(format string, args ...interface{}) {
	e.logger.log(DEBUG, fmt.Sprintf(format, args...), e.fields)
}

// Info logs at info level
func (e *LogEntry) Info(args ...interface{}) { e.logger.log(INFO, fmt.Sprint(args...), e.fields) }

// Infof logs a formatted message at info level
func (e *LogEntry) Infof(format string, args ...interface{}) {
	e.logger.log(INFO, fmt.Sprintf(format, args...), e.fields)
}

// Warn logs at warning level
func (e *LogEntry) Warn(args ...interface{}) { e.logger.log(WARN, fmt.Sprint(args...), e.fields) }

// Warnf logs a formatted message at warning level
func (e *LogEntry) Warnf(format string, args ...interface{}) {
	e.logger.log(WARN, fmt.Sprintf(format, args...), e.fields)
}

// Error logs at error level
func (e *LogEntry) Error(args ...interface{}) { e.logger.log(ERROR, fmt.Sprint(args...), e.fields) }

// Errorf logs a formatted message at error level
func (e *LogEntry) Errorf(format string, args ...interface{}) {
	e.logger.log(ERROR, fmt.Sprintf(format, args...), e.fields)
}

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(args ...interface{}) {
	e.logger.log(FATAL, fmt.Sprint(args...), e.fields)
	os.Exit(1)
}

// Global convenience functions

// WithField creates a logger entry with a single field
func WithField(key string, value interface{}) *LogEntry {
	return GetLogger().WithField(key, value)
}

// WithFields creates a logger entry with multiple fields
func WithFields(fields map[string]interface{}) *LogEntry {
	return GetLogger().WithFields(fields)
}

// WithError creates a logger entry with an error field
func WithError(err error) *LogEntry {
	return GetLogger().WithError(err)
}

// Debugf logs a formatted message at debug level
func Debugf(format string, args ...interface{}) {
	GetLogger().log(DEBUG, fmt.Sprintf(format, args...), nil)
}

// Info logs a message at info level
func Info(args ...interface{}) {
	GetLogger().log(INFO, fmt.Sprint(args...), nil)
}

// Infof logs a formatted message at info level
func Infof(format string, args ...interface{}) {
	GetLogger().log(INFO, fmt.Sprintf(format, args...), nil)
}

// Warnf logs a formatted message at warning level
func Warnf(format string, args ...interface{}) {
	GetLogger().log(WARN, fmt.Sprintf(format, args...), nil)
}

// Error logs a message at error level
func Error(args ...interface{}) {
	GetLogger().log(ERROR, fmt.Sprint(args...), nil)
}

// Errorf logs a formatted message at error level
func Errorf(format string, args ...interface{}) {
	GetLogger().log(ERROR, fmt.Sprintf(format, args...), nil)
}

// Fatalf logs a formatted message at fatal level and exits
func Fatalf(format string, args ...interface{}) {
	GetLogger().log(FATAL, fmt.Sprintf(format, args...), nil)
	os.Exit(1)
}

// Close stops rotation and closes the log file
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stop != nil {
		close(l.stop)
		l.stop = nil
	}
	if l.fileWriter != nil {
		err := l.fileWriter.Close()
		l.outputs = withoutWriter(l.outputs, l.fileWriter)
		l.fileWriter = nil
		return err
	}
	return nil
}

// Info logs a message at info level
func (l *Logger) Info(args ...interface{}) { l.log(INFO, fmt.Sprint(args...), nil) }

// Infof logs a formatted message at info level
func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(INFO, fmt.Sprintf(format, args...), nil)
}

// Warnf logs a formatted message at warning level
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(WARN, fmt.Sprintf(format, args...), nil)
}

// Errorf logs a formatted message at error level
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(ERROR, fmt.Sprintf(format, args...), nil)
}

// Debugf logs a formatted message at debug level
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(DEBUG, fmt.Sprintf(format, args...), nil)
}
