package es

import (
	"context"
	"fmt"
	"log"
	"strings"
)

// Logger is the logging hook used by stores, the listener and the relay.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...interface{})
	Info(ctx context.Context, msg string, keyvals ...interface{})
	Error(ctx context.Context, msg string, keyvals ...interface{})
}

// NoOpLogger discards everything.
type NoOpLogger struct{}

func (NoOpLogger) Debug(_ context.Context, _ string, _ ...interface{}) {}

func (NoOpLogger) Info(_ context.Context, _ string, _ ...interface{}) {}

func (NoOpLogger) Error(_ context.Context, _ string, _ ...interface{}) {}

// StdLogger writes through the standard library logger as
// "[Component] LEVEL msg key=value ...".
type StdLogger struct {
	component string
	logger    *log.Logger
	debug     bool
}

// NewStdLogger logs via the standard logger. Debug lines are dropped unless verbose.
func NewStdLogger(component string, verbose bool) *StdLogger {
	return &StdLogger{
		component: component,
		logger:    log.Default(),
		debug:     verbose,
	}
}

// WithOutput returns a copy writing to l.
func (s *StdLogger) WithOutput(l *log.Logger) *StdLogger {
	c := *s
	c.logger = l
	return &c
}

func (s *StdLogger) Debug(_ context.Context, msg string, keyvals ...interface{}) {
	if s.debug {
		s.print("DEBUG", msg, keyvals)
	}
}

func (s *StdLogger) Info(_ context.Context, msg string, keyvals ...interface{}) {
	s.print("INFO", msg, keyvals)
}

func (s *StdLogger) Error(_ context.Context, msg string, keyvals ...interface{}) {
	s.print("ERROR", msg, keyvals)
}

func (s *StdLogger) print(level, msg string, keyvals []interface{}) {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %s", s.component, level, msg)
	for i := 0; i < len(keyvals); i += 2 {
		if i+1 < len(keyvals) {
			fmt.Fprintf(&b, " %v=%v", keyvals[i], keyvals[i+1])
		} else {
			fmt.Fprintf(&b, " %v=(missing)", keyvals[i])
		}
	}
	s.logger.Println(b.String())
}
