package logger

import (
	"fmt"

	"github.com/pion/logging"
	"go.uber.org/zap"
)

// PionFactory routes pion's internal logging into zap. Trace output is folded
// into debug since zap has no trace level.
type PionFactory struct {
	Base *zap.Logger
}

// NewPionFactory builds a factory over base, or the global logger when base is nil.
func NewPionFactory(base *zap.Logger) *PionFactory {
	return &PionFactory{Base: OrNamed(base, "pion")}
}

// NewLogger implements logging.LoggerFactory.
func (f *PionFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{l: f.Base.With(zap.String("scope", scope)).WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

type pionLogger struct {
	l *zap.SugaredLogger
}

var _ logging.LeveledLogger = (*pionLogger)(nil)

func (p *pionLogger) Trace(msg string)                          { p.l.Debug(msg) }
func (p *pionLogger) Tracef(format string, args ...interface{}) { p.l.Debugf(format, args...) }
func (p *pionLogger) Debug(msg string)                          { p.l.Debug(msg) }
func (p *pionLogger) Debugf(format string, args ...interface{}) { p.l.Debugf(format, args...) }
func (p *pionLogger) Info(msg string)                           { p.l.Info(msg) }
func (p *pionLogger) Infof(format string, args ...interface{})  { p.l.Infof(format, args...) }
func (p *pionLogger) Warn(msg string)                           { p.l.Warn(msg) }
func (p *pionLogger) Warnf(format string, args ...interface{})  { p.l.Warnf(format, args...) }
func (p *pionLogger) Error(msg string)                          { p.l.Error(msg) }
func (p *pionLogger) Errorf(format string, args ...interface{}) { p.l.Error(fmt.Sprintf(format, args...)) }
