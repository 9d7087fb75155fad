// Package logger writes diagd's operator log: short emoji-tagged lines on the
// console and in a daily file, plus a structured slog logger for request and
// session context.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	instance *Logger
	once     sync.Once
)

// Logger writes each line to the console and to the instance's log file.
// Several instances may share one log directory, so file names and line
// prefixes carry the instance name.
type Logger struct {
	out     *log.Logger
	errOut  *log.Logger
	logFile *os.File
	mu      sync.Mutex
}

// Init opens <logDir>/diagd-<name>-<date>.log. Until it is called every
// logging function is a no-op.
func Init(logDir, name string) error {
	var initErr error
	once.Do(func() {
		instance, initErr = open(logDir, name, time.Now())
	})
	return initErr
}

func open(logDir, name string, now time.Time) (*Logger, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	path := filepath.Join(logDir, FileName(name, now))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	l := newLogger(os.Stdout, os.Stderr, f, name)
	l.logFile = f
	return l, nil
}

func newLogger(stdout, stderr, file io.Writer, name string) *Logger {
	prefix := ""
	if name != "" {
		prefix = "[" + name + "] "
	}
	return &Logger{
		out:    log.New(io.MultiWriter(stdout, file), prefix, log.LstdFlags),
		errOut: log.New(io.MultiWriter(stderr, file), prefix+"ERROR: ", log.LstdFlags),
	}
}

// FileName is the daily log file of instance name.
func FileName(name string, day time.Time) string {
	if name == "" {
		return fmt.Sprintf("diagd-%s.log", day.Format("2006-01-02"))
	}
	return fmt.Sprintf("diagd-%s-%s.log", name, day.Format("2006-01-02"))
}

// Close closes the log file
func Close() error {
	if instance != nil && instance.logFile != nil {
		return instance.logFile.Close()
	}
	return nil
}

func (l *Logger) printf(target *log.Logger, format string, v ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	target.Printf(format, v...)
}

// Info logs an informational message
func Info(format string, v ...any) {
	if instance != nil {
		instance.printf(instance.out, format, v...)
	}
}

// Error logs to stderr and the file
func Error(format string, v ...any) {
	if instance != nil {
		instance.printf(instance.errOut, format, v...)
	}
}

// Printf is Info under the name background loops use.
func Printf(format string, v ...any) {
	Info(format, v...)
}

// Println logs its operands separated by spaces.
func Println(v ...any) {
	if instance != nil {
		instance.mu.Lock()
		defer instance.mu.Unlock()
		instance.out.Println(v...)
	}
}

// Fatalf logs and exits with status 1.
func Fatalf(format string, v ...any) {
	if instance == nil {
		log.Fatalf(format, v...)
	}
	instance.mu.Lock()
	instance.errOut.Fatalf(format, v...)
}
