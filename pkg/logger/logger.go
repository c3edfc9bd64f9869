// Package logger provides the structured logger used across the ledger client.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus logger bound to a component name.
type Logger struct {
	*logrus.Logger
	component string
}

// Config configures a Logger.
type Config struct {
	Level     string
	Format    string // text or json
	Output    io.Writer
	Component string
}

// New creates a logger from cfg.
func New(cfg Config) *Logger {
	l := logrus.New()

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	l.SetOutput(out)

	level, err := logrus.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if strings.EqualFold(cfg.Format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return &Logger{Logger: l, component: cfg.Component}
}

// NewDefault creates an info-level text logger for component.
func NewDefault(component string) *Logger {
	return New(Config{Component: component})
}

// NewDiscard creates a logger that drops everything. Used by tests.
func NewDiscard() *Logger {
	return New(Config{Output: io.Discard, Level: "panic"})
}

// Named returns a logger sharing the same backend under another component name.
func (l *Logger) Named(component string) *Logger {
	return &Logger{Logger: l.Logger, component: component}
}

// Component returns the component name.
func (l *Logger) Component() string {
	return l.component
}

// WithField returns an entry tagged with the component and one field.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.base().WithField(key, value)
}

// WithFields returns an entry tagged with the component and fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.base().WithFields(fields)
}

// WithError returns an entry tagged with the component and err.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.base().WithError(err)
}

func (l *Logger) base() *logrus.Entry {
	entry := logrus.NewEntry(l.Logger)
	if l.component != "" {
		entry = entry.WithField("component", l.component)
	}
	return entry
}
