package app

import (
	"context"
	"errors"
	"time"

	"github.com/WaterInk0101/proactive-private-chat/internal/plugin"
	rtsup "github.com/WaterInk0101/proactive-private-chat/internal/runtime/supervisor"
	"github.com/WaterInk0101/proactive-private-chat/internal/task/scheduler"
)

type healthReport struct {
	Status      string                `json:"status"`
	Uptime      string                `json:"uptime"`
	Users       int                   `json:"users"`
	Storage     bool                  `json:"storage"`
	BreakerOpen bool                  `json:"notifier_breaker_open"`
	Plugins     []plugin.HealthResult `json:"plugins"`
	Scheduler   scheduler.Snapshot    `json:"scheduler"`
	Supervisor  rtsup.Snapshot        `json:"supervisor"`
}

// health backs /healthz. The bot is unhealthy once the supervisor has a
// fatal error or the outbound circuit is open.
func (a *App) health() (any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rep := healthReport{
		Status:      "ok",
		Users:       a.dir.Len(),
		Storage:     a.store != nil,
		BreakerOpen: a.messenger.BreakerOpen(),
		Plugins:     a.pm.Health(ctx),
		Scheduler:   a.sched.Snapshot(),
	}
	if a.sup != nil {
		rep.Uptime = time.Since(a.started).Round(time.Second).String()
		rep.Supervisor = a.sup.Snapshot()
		if err := a.sup.Err(); err != nil {
			rep.Status = "failing"
			return rep, err
		}
	}
	if rep.BreakerOpen {
		rep.Status = "degraded"
		return rep, errors.New("notifier circuit open")
	}
	return rep, nil
}
