package scheduler

import (
	"fmt"

	logx "github.com/WaterInk0101/proactive-private-chat/pkg/logx"
)

// cronLogger adapts logx to cron.Logger. cron's Info chatter goes to TRACE.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Trace("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}

// skipCounter counts the ticks SkipIfStillRunning drops.
type skipCounter struct {
	cronLogger
	d *scheduleDef
}

func (s skipCounter) Info(msg string, kv ...any) {
	if msg == "skip" {
		s.d.skipped.Add(1)
		s.log.Debug("previous run still active; tick skipped", logx.String("name", s.d.name))
		return
	}
	s.cronLogger.Info(msg, kv...)
}
