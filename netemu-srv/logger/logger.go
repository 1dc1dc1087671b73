package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync/atomic"
)

// LogLevel represents the severity of a log message
type LogLevel int32

const (
	// TRACE level for per-chunk shaping detail
	TRACE LogLevel = iota
	// DEBUG level for flow state transitions
	DEBUG
	// INFO level for general operational information
	INFO
	// WARN level for degraded paths
	WARN
	// ERROR level for failed flows and rejected writes
	ERROR
	// FATAL level for errors that prevent startup
	FATAL
)

var (
	currentLevel atomic.Int32
	stdLogger    = log.New(os.Stdout, "", log.LstdFlags)
)

func init() {
	currentLevel.Store(int32(INFO))
}

// SetLevel sets the current logging level
func SetLevel(level LogLevel) {
	currentLevel.Store(int32(level))
}

// GetLevel returns the current logging level
func GetLevel() LogLevel {
	return LogLevel(currentLevel.Load())
}

func IsLevelEnabled(level LogLevel) bool {
	return level >= GetLevel()
}

// SetOutput redirects all log output to w.
func SetOutput(w io.Writer) {
	stdLogger.SetOutput(w)
}

// GetLevelFromString converts a string level to LogLevel
func GetLevelFromString(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "TRACE":
		return TRACE
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

func (l LogLevel) String() string {
	switch l {
	case TRACE:
		return "TRACE"
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

func logMessage(level LogLevel, prefix, format string, v ...any) {
	if !IsLevelEnabled(level) {
		return
	}

	msg := fmt.Sprintf(format, v...)
	if prefix != "" {
		stdLogger.Printf("[%s] [%s] %s", level, prefix, msg)
		return
	}
	stdLogger.Printf("[%s] %s", level, msg)
}

// Trace logs a trace message
// Arguments are handled in the manner of [fmt.Printf].
func Trace(format string, v ...any) {
	logMessage(TRACE, "", format, v...)
}

// Debug logs a debug message
// Arguments are handled in the manner of [fmt.Printf].
func Debug(format string, v ...any) {
	logMessage(DEBUG, "", format, v...)
}

// Info logs an informational message
// Arguments are handled in the manner of [fmt.Printf].
func Info(format string, v ...any) {
	logMessage(INFO, "", format, v...)
}

// Warn logs a warning message
// Arguments are handled in the manner of [fmt.Printf].
func Warn(format string, v ...any) {
	logMessage(WARN, "", format, v...)
}

// Error logs an error message
// Arguments are handled in the manner of [fmt.Printf].
func Error(format string, v ...any) {
	logMessage(ERROR, "", format, v...)
}

// Fatal logs a fatal message and exits
// Arguments are handled in the manner of [fmt.Printf].
func Fatal(format string, v ...any) {
	logMessage(FATAL, "", format, v...)
	os.Exit(1)
}

// Scoped prefixes every message with a fixed tag, usually a flow ID.
type Scoped struct {
	prefix string
}

// ForFlow returns a logger whose messages carry the given flow ID.
func ForFlow(id string) Scoped {
	return Scoped{prefix: "flow " + id}
}

func (s Scoped) Trace(format string, v ...any) { logMessage(TRACE, s.prefix, format, v...) }
func (s Scoped) Debug(format string, v ...any) { logMessage(DEBUG, s.prefix, format, v...) }
func (s Scoped) Info(format string, v ...any)  { logMessage(INFO, s.prefix, format, v...) }
func (s Scoped) Warn(format string, v ...any)  { logMessage(WARN, s.prefix, format, v...) }
func (s Scoped) Error(format string, v ...any) { logMessage(ERROR, s.prefix, format, v...) }
