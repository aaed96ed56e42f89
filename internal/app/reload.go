package app

import (
	"context"
	"slices"
	"strings"

	"github.com/WaterInk0101/proactive-private-chat/internal/config"
	logx "github.com/WaterInk0101/proactive-private-chat/pkg/logx"
)

// reloadLoop applies committed configs to the live components. Sections
// that need a restart (storage, telegram token) are only reported.
func (a *App) reloadLoop(ctx context.Context) {
	sub, unsub := a.cfgm.Subscribe(8)
	defer unsub()
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the newest config matters.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, fields, plugins := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(plugins) > 0 {
		a.log.Debug("plugin config changes detected", logx.Strings("plugins", plugins))
	}
	if slices.Contains(sections, "storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if prev != nil && prev.Telegram.Token != next.Telegram.Token {
		a.log.Warn("telegram token changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLogging(next))

	a.cmdm.SetOwners(next.Telegram.OwnerUserIDs)
	a.pm.SetOwners(next.Telegram.OwnerUserIDs)

	if ncfg, err := mapNotifier(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.messenger.Apply(ncfg)
	}

	a.sched.Apply(mapScheduler(next))
	a.scheduleAuditPrune(next)

	a.ops.Reconfigure(ctx, mapOps(next))

	a.pm.OnConfigUpdate(ctx, next)

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)...)
}
