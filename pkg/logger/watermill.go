package logger

import (
	"github.com/ThreeDotsLabs/watermill"
	"go.uber.org/zap"
)

// WatermillAdapter routes watermill's router and pub/sub logs into zap
type WatermillAdapter struct {
	l *zap.Logger
}

var _ watermill.LoggerAdapter = (*WatermillAdapter)(nil)

// NewWatermillAdapter wraps l for use as a watermill.LoggerAdapter
func NewWatermillAdapter(l *Logger) *WatermillAdapter {
	return &WatermillAdapter{l: l.Logger.WithOptions(zap.AddCallerSkip(1))}
}

func (a *WatermillAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.l.Error(msg, append(toZap(fields), zap.Error(err))...)
}

func (a *WatermillAdapter) Info(msg string, fields watermill.LogFields) {
	a.l.Info(msg, toZap(fields)...)
}

func (a *WatermillAdapter) Debug(msg string, fields watermill.LogFields) {
	a.l.Debug(msg, toZap(fields)...)
}

// Trace is folded into debug; zap has no lower level.
func (a *WatermillAdapter) Trace(msg string, fields watermill.LogFields) {
	a.l.Debug(msg, toZap(fields)...)
}

func (a *WatermillAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &WatermillAdapter{l: a.l.With(toZap(fields)...)}
}

func toZap(fields watermill.LogFields) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}
