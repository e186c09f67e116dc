package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a LOG_LEVEL style string to a Level. Unknown values
// fall back to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

type Logger struct {
	level  Level
	logger *log.Logger
	mu     sync.RWMutex
}

var (
	defaultLogger *Logger
	once          sync.Once
)

func Init(level Level) {
	once.Do(func() {
		defaultLogger = &Logger{
			level:  level,
			logger: log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds),
		}
	})
}

func GetLogger() *Logger {
	Init(LevelInfo)
	return defaultLogger
}

// NewLogger returns a component logger whose lines carry a "[name]" prefix.
func NewLogger(name string) *Logger {
	return &Logger{
		level:  GetLogger().Level(),
		logger: log.New(os.Stderr, "["+name+"] ", log.LstdFlags|log.Lmicroseconds),
	}
}

// New builds a logger writing to w, mainly for tests.
func New(w io.Writer, name string, level Level) *Logger {
	prefix := ""
	if name != "" {
		prefix = "[" + name + "] "
	}
	return &Logger{level: level, logger: log.New(w, prefix, 0)}
}

func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *Logger) Level() Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level
}

func (l *Logger) Debug(msg string, fields ...Field) {
	l.log(LevelDebug, msg, fields...)
}

func (l *Logger) Info(msg string, fields ...Field) {
	l.log(LevelInfo, msg, fields...)
}

func (l *Logger) Warn(msg string, fields ...Field) {
	l.log(LevelWarn, msg, fields...)
}

func (l *Logger) Error(msg string, fields ...Field) {
	l.log(LevelError, msg, fields...)
}

func (l *Logger) log(level Level, msg string, fields ...Field) {
	if level < l.Level() {
		return
	}

	fieldStr := formatFields(fields)
	if fieldStr != "" {
		l.logger.Printf("[%s] %s %s", level, msg, fieldStr)
	} else {
		l.logger.Printf("[%s] %s", level, msg)
	}
}

type Field struct {
	Key   string
	Value interface{}
}

// F is shorthand for Field{Key: key, Value: value}.
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Err is the conventional error field.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

func formatFields(fields []Field) string {
	if len(fields) == 0 {
		return ""
	}

	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(f.Key)
		b.WriteByte('=')
		b.WriteString(FormatValue(f.Value))
	}
	return b.String()
}

func FormatValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "<nil>"
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint:
		return strconv.FormatUint(uint64(val), 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', 2, 64)
	case float64:
		return strconv.FormatFloat(val, 'f', 2, 64)
	case time.Duration:
		return val.String()
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case fmt.Stringer:
		return val.String()
	case error:
		return val.Error()
	default:
		return fmt.Sprintf("%v", val)
	}
}

func Debug(msg string, fields ...Field) {
	GetLogger().Debug(msg, fields...)
}

func Info(msg string, fields ...Field) {
	GetLogger().Info(msg, fields...)
}

func Warn(msg string, fields ...Field) {
	GetLogger().Warn(msg, fields...)
}

func Error(msg string, fields ...Field) {
	GetLogger().Error(msg, fields...)
}
