// Package telemetry wraps github.com/joeycumines/logiface behind a small
// interface so the rest of the dispatcher depends on Logger, not on the
// generic logiface.Logger[E] type directly.
package telemetry

import (
	"github.com/joeycumines/ilogrus"
	"github.com/joeycumines/logiface"
	"github.com/sirupsen/logrus"
)

// Field is one structured field attached to a log line.
type Field struct {
	Key string
	Val any
}

// F builds a Field. Kept short since call sites build several per line.
func F(key string, val any) Field { return Field{Key: key, Val: val} }

// Logger is the structured logger used throughout the dispatcher.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, err error, fields ...Field)
}

// New builds a Logger backed by logrus, via the logiface logrus adapter.
func New(backend *logrus.Logger) Logger {
	return &logifaceLogger{l: logiface.New[*ilogrus.Event](ilogrus.WithLogrus(backend))}
}

// Nop returns a Logger that discards everything. Used as the zero-value
// default so components never need a nil check.
func Nop() Logger { return nopLogger{} }

type logifaceLogger struct {
	l *logiface.Logger[*ilogrus.Event]
}

func (x *logifaceLogger) Debug(msg string, fields ...Field) { apply(x.l.Debug(), fields).Log(msg) }
func (x *logifaceLogger) Info(msg string, fields ...Field)  { apply(x.l.Info(), fields).Log(msg) }
func (x *logifaceLogger) Warn(msg string, fields ...Field)  { apply(x.l.Warning(), fields).Log(msg) }

func (x *logifaceLogger) Error(msg string, err error, fields ...Field) {
	b := x.l.Err()
	if err != nil {
		b = b.Err(err)
	}
	apply(b, fields).Log(msg)
}

func apply(b *logiface.Builder[*ilogrus.Event], fields []Field) *logiface.Builder[*ilogrus.Event] {
	for _, f := range fields {
		b = b.Any(f.Key, f.Val)
	}
	return b
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...Field)        {}
func (nopLogger) Info(string, ...Field)         {}
func (nopLogger) Warn(string, ...Field)         {}
func (nopLogger) Error(string, error, ...Field) {}
