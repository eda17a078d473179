package logring

import (
	"go.uber.org/zap/zapcore"
)

// zapCore adapts a Ring to zapcore.Core so logger.Init can tee every
// log statement into the ring via zapcore.NewTee, keeping "shared
// global loggers coupled to the tunnel" expressed as a Sink the ring
// owns rather than a global (see design notes).
type zapCore struct {
	zapcore.LevelEnabler
	ring *Ring
}

// NewCore returns a zapcore.Core that appends every entry at or above
// minLevel to ring.
func NewCore(ring *Ring, minLevel zapcore.Level) zapcore.Core {
	return &zapCore{LevelEnabler: zapcore.NewAtomicLevelAt(minLevel), ring: ring}
}

func (c *zapCore) With(fields []zapcore.Field) zapcore.Core {
	return c
}

func (c *zapCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return ce.AddCore(entry, c)
	}
	return ce
}

func (c *zapCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	c.ring.Append(levelFromZap(entry.Level), entry.Message)
	return nil
}

func (c *zapCore) Sync() error { return nil }

func levelFromZap(l zapcore.Level) Level {
	switch {
	case l < zapcore.InfoLevel:
		return LevelDebug
	case l < zapcore.WarnLevel:
		return LevelInfo
	case l < zapcore.ErrorLevel:
		return LevelWarning
	default:
		return LevelError
	}
}
