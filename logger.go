package sbd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel type defines the severity of a log message.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarning
	LevelError
	LevelNone // Disables logging
)

var levelNames = map[LogLevel]string{
	LevelDebug:   "DEBUG",
	LevelInfo:    "INFO",
	LevelWarning: "WARNING",
	LevelError:   "ERROR",
	LevelNone:    "NONE",
}

// String implements fmt.Stringer.
func (l LogLevel) String() string {
	if s, ok := levelNames[l]; ok {
		return s
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// ParseLogLevel parses a level name such as "debug" or "WARNING".
func ParseLogLevel(s string) (LogLevel, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	if upper == "WARN" {
		return LevelWarning, nil
	}
	for level, name := range levelNames {
		if name == upper {
			return level, nil
		}
	}
	return LevelInfo, fmt.Errorf("invalid log level: %q (want DEBUG, INFO, WARNING, ERROR or NONE)", s)
}

// UnmarshalText lets a LogLevel be read from configuration files.
func (l *LogLevel) UnmarshalText(text []byte) error {
	level, err := ParseLogLevel(string(text))
	if err != nil {
		return err
	}
	*l = level
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (l LogLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// Logger is an io.WriteCloser that stamps and filters log lines by the level
// prefix they start with ("DEBUG:", "INFO:", "WARNING:", "ERROR:").
// Lines without a prefix are treated as INFO.
type Logger struct {
	mu         sync.Mutex
	level      LogLevel
	output     io.Writer
	timeFormat string
	prefix     string
}

// NewLogger creates a Logger. If output is nil, it defaults to os.Stdout.
func NewLogger(output io.Writer, level LogLevel, prefix string) *Logger {
	if output == nil {
		output = os.Stdout
	}
	return &Logger{
		level:      level,
		output:     output,
		timeFormat: time.RFC3339,
		prefix:     prefix,
	}
}

// SetLevel sets the minimum level written.
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// Level returns the minimum level written.
func (l *Logger) Level() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// Write implements io.Writer.
func (l *Logger) Write(p []byte) (int, error) {
	level, message := splitLevel(string(p))

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.level == LevelNone || level < l.level {
		return len(p), nil
	}
	line := fmt.Sprintf("%s [%s] <%s> %s\n", time.Now().Format(l.timeFormat), level, l.prefix, message)
	if _, err := io.WriteString(l.output, line); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the output unless it is os.Stdout or os.Stderr.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.output == os.Stdout || l.output == os.Stderr {
		return nil
	}
	if closer, ok := l.output.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// splitLevel strips a known level prefix from message.
func splitLevel(message string) (LogLevel, string) {
	message = strings.TrimSpace(message)
	upper := strings.ToUpper(message)
	prefixes := []struct {
		tag   string
		level LogLevel
	}{
		{"[DEBUG]", LevelDebug}, {"DEBUG:", LevelDebug},
		{"[INFO]", LevelInfo}, {"INFO:", LevelInfo},
		{"[WARNING]", LevelWarning}, {"WARNING:", LevelWarning}, {"WARN:", LevelWarning},
		{"[ERROR]", LevelError}, {"ERROR:", LevelError},
	}
	for _, p := range prefixes {
		if strings.HasPrefix(upper, p.tag) {
			return p.level, strings.TrimSpace(message[len(p.tag):])
		}
	}
	return LevelInfo, message
}

// logf writes one formatted line to w when w is set.
func logf(w io.Writer, format string, args ...interface{}) {
	if w == nil {
		return
	}
	fmt.Fprintf(w, format+"\n", args...)
}
