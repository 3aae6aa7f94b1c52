package observe

import (
	"go.uber.org/zap/zapcore"

	"github.com/Whoisraeen/raeen-core/internal/kernel/defs"
)

// Core adapts the recorder into a zapcore.Core so boot can tee the
// kernel's structured logs straight into the flight recorder. Records
// below min are skipped; pid and tid fields are lifted into the event
// when a subsystem logged them.
func (r *Recorder) Core(min zapcore.LevelEnabler) zapcore.Core {
	return &recorderCore{r: r, min: min}
}

type recorderCore struct {
	r      *Recorder
	min    zapcore.LevelEnabler
	fields []zapcore.Field
}

func (c *recorderCore) Enabled(l zapcore.Level) bool { return c.min.Enabled(l) }

func (c *recorderCore) With(fields []zapcore.Field) zapcore.Core {
	clone := &recorderCore{r: c.r, min: c.min}
	clone.fields = append(append([]zapcore.Field(nil), c.fields...), fields...)
	return clone
}

func (c *recorderCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(e.Level) {
		return ce.AddCore(e, c)
	}
	return ce
}

func (c *recorderCore) Write(e zapcore.Entry, fields []zapcore.Field) error {
	var pid defs.PID
	var tid defs.TID
	scan := func(fs []zapcore.Field) {
		for _, f := range fs {
			switch f.Key {
			case "pid":
				pid = defs.PID(f.Integer)
			case "tid", "main_tid":
				tid = defs.TID(f.Integer)
			}
		}
	}
	scan(c.fields)
	scan(fields)
	c.r.Record(severityOf(e.Level), e.LoggerName, e.Message, pid, tid)
	return nil
}

func (c *recorderCore) Sync() error { return nil }

func severityOf(l zapcore.Level) Severity {
	switch {
	case l <= zapcore.DebugLevel:
		return SevDebug
	case l == zapcore.InfoLevel:
		return SevInfo
	case l == zapcore.WarnLevel:
		return SevWarn
	default:
		return SevError
	}
}
