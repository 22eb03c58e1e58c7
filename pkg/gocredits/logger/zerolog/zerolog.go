// Package zerolog adapts github.com/rs/zerolog to the gocredits.Logger interface.
package zerolog

import (
	"github.com/rs/zerolog"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

// Logger implements gocredits.Logger using zerolog.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new zerolog logger adapter.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

// With returns a child adapter that adds the given fields to every entry.
func (l *Logger) With(fields ...gocredits.Field) *Logger {
	ctx := l.logger.With()
	for _, f := range fields {
		ctx = ctx.Interface(f.Key, f.Value)
	}
	return &Logger{logger: ctx.Logger()}
}

func (l *Logger) Debug(msg string, fields ...gocredits.Field) {
	l.log(l.logger.Debug(), msg, fields)
}

func (l *Logger) Info(msg string, fields ...gocredits.Field) {
	l.log(l.logger.Info(), msg, fields)
}

func (l *Logger) Warn(msg string, fields ...gocredits.Field) {
	l.log(l.logger.Warn(), msg, fields)
}

func (l *Logger) Error(msg string, fields ...gocredits.Field) {
	l.log(l.logger.Error(), msg, fields)
}

func (l *Logger) log(event *zerolog.Event, msg string, fields []gocredits.Field) {
	if event == nil {
		return
	}
	for _, f := range fields {
		if err, ok := f.Value.(error); ok {
			event = event.AnErr(f.Key, err)
			continue
		}
		event = event.Interface(f.Key, f.Value)
	}
	event.Msg(msg)
}
