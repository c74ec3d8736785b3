// Package log defines the narrow logging interface every package in this
// module takes instead of calling a global logger directly, grounded on
// intel-cri-resource-manager/pkg/memtier/log.go's Logger interface. The
// memtier original wraps the standard library's log.Logger; we wrap
// go.uber.org/zap's SugaredLogger instead, since zap is the structured
// logger this corpus's production services actually ship with.
package log

import "go.uber.org/zap"

// / Logger is the logging surface every package in this module depends
// / on, matching memtier's six-method Logger interface exactly so call
// / sites read the same regardless of backend.
type Logger interface {
	Debugf(format string, v ...interface{})
	Infof(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
	Panicf(format string, v ...interface{})
	Fatalf(format string, v ...interface{})
}

type zapLogger struct {
	s *zap.SugaredLogger
}

// / NewZap wraps a *zap.Logger as a Logger.
func NewZap(z *zap.Logger) Logger {
	return &zapLogger{s: z.Sugar()}
}

// / NewProduction builds a JSON-encoded, info-level-and-above Logger
// / suitable for pageoutd's default runtime configuration.
func NewProduction() (Logger, error) {
	z, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return NewZap(z), nil
}

// / NewDevelopment builds a console-encoded, debug-level Logger for
// / interactive use (pageoutd's --debug flag).
func NewDevelopment() (Logger, error) {
	z, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	return NewZap(z), nil
}

// / Nop discards everything; used as the zero-value default so packages
// / never nil-check their Logger field.
func Nop() Logger { return &zapLogger{s: zap.NewNop().Sugar()} }

func (l *zapLogger) Debugf(format string, v ...interface{}) { l.s.Debugf(format, v...) }
func (l *zapLogger) Infof(format string, v ...interface{})  { l.s.Infof(format, v...) }
func (l *zapLogger) Warnf(format string, v ...interface{})  { l.s.Warnf(format, v...) }
func (l *zapLogger) Errorf(format string, v ...interface{}) { l.s.Errorf(format, v...) }
func (l *zapLogger) Panicf(format string, v ...interface{}) { l.s.Panicf(format, v...) }
func (l *zapLogger) Fatalf(format string, v ...interface{}) { l.s.Fatalf(format, v...) }
