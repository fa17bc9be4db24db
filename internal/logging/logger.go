// Package logging provides the leveled logger used by the trainer and
// tagger CLIs, plus the single red error line the error taxonomy
// (internal/errs) is reported through.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelMap = map[string]LogLevel{
	"debug": DEBUG,
	"info":  INFO,
	"warn":  WARN,
	"error": ERROR,
	"fatal": FATAL,
}

type Config struct {
	Level  string `json:"level"`
	Output string `json:"output"`
}

type Logger struct {
	logger *log.Logger
	mutex  sync.RWMutex
	level  LogLevel
	closer io.Closer
}

func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = &Config{Level: "info", Output: "stderr"}
	}

	level, ok := levelMap[cfg.Level]
	if !ok {
		level = INFO
	}

	var output io.Writer
	var closer io.Closer
	switch cfg.Output {
	case "", "stderr":
		output = os.Stderr
	case "stdout":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
		closer = file
	}

	return &Logger{
		logger: log.New(output, "", log.LstdFlags),
		level:  level,
		closer: closer,
	}, nil
}

func (l *Logger) Debug(format string, args ...interface{}) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	if l.level <= DEBUG {
		l.logger.Printf("[DEBUG] "+format, args...)
	}
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	if l.level <= INFO {
		l.logger.Printf("[INFO] "+format, args...)
	}
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	if l.level <= WARN {
		l.logger.Printf("[WARN] "+format, args...)
	}
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	if l.level <= ERROR {
		l.logger.Printf("[ERROR] "+format, args...)
	}
}

func (l *Logger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

var errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)

// ReportError prints a single red error line to stderr in the shape
// spec §7 mandates: the error kind, its message, and whatever contextual
// fields the error carries (filename/line or option name/value), then
// the caller exits non-zero.
func ReportError(err error) {
	fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
}
