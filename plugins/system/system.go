// Package system exposes small operational commands: liveness, uptime,
// runtime stats, the schedule table and plugin health.
package system

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"github.com/WaterInk0101/proactive-private-chat/internal/plugin"
	"github.com/WaterInk0101/proactive-private-chat/internal/task/scheduler"
	"github.com/WaterInk0101/proactive-private-chat/internal/transport/telegram/router"
)

const Name = "system"

// HealthFunc reports the plugin table, usually plugin.Manager.Health.
type HealthFunc func(ctx context.Context) []plugin.HealthResult

type snapshotter interface {
	Snapshot() scheduler.Snapshot
}

type Plugin struct {
	plugin.Base
	health    HealthFunc
	startedAt time.Time
	now       func() time.Time
}

func New(health HealthFunc) *Plugin {
	return &Plugin{health: health, now: time.Now}
}

func (p *Plugin) Name() string { return Name }

func (p *Plugin) Init(_ context.Context, deps plugin.Deps) error {
	p.InitBase(deps, p.Name())
	if p.startedAt.IsZero() {
		p.startedAt = p.now()
	}
	return nil
}

func (p *Plugin) Start(ctx context.Context) error {
	p.StartBase(ctx)
	return nil
}

func (p *Plugin) Stop(ctx context.Context) error { return p.StopBase(ctx) }

func (p *Plugin) Commands() []router.Command {
	return []router.Command{
		{
			Route:       "ping",
			Description: "liveness check",
			Usage:       "/ping",
			Access:      router.AccessEveryone,
			Handle: func(ctx context.Context, req *router.Request) error {
				return req.Reply(ctx, "pong")
			},
		},
		{
			Route:       "uptime",
			Aliases:     []string{"up"},
			Description: "show process uptime",
			Usage:       "/uptime",
			Access:      router.AccessEveryone,
			Handle: func(ctx context.Context, req *router.Request) error {
				return req.Reply(ctx, "uptime: "+durRel(p.now().Sub(p.startedAt)))
			},
		},
		{
			Route:       "sysinfo",
			Description: "runtime and memory stats",
			Usage:       "/sysinfo",
			Access:      router.AccessOwnerOnly,
			Handle:      p.cmdSysinfo,
		},
		{
			Route:       "sched list",
			Aliases:     []string{"tasks"},
			Description: "list scheduled jobs",
			Usage:       "/sched list",
			Access:      router.AccessOwnerOnly,
			Handle:      p.cmdSchedList,
		},
		{
			Route:       "health",
			Description: "plugin health",
			Usage:       "/health",
			Access:      router.AccessOwnerOnly,
			Handle:      p.cmdHealth,
		},
	}
}

func (p *Plugin) cmdSysinfo(ctx context.Context, req *router.Request) error {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	mod := "-"
	if bi, ok := debug.ReadBuildInfo(); ok {
		mod = bi.Main.Path + " " + bi.Main.Version
	}
	return req.Reply(ctx, strings.Join([]string{
		"sysinfo",
		"- go: " + runtime.Version(),
		"- module: " + mod,
		fmt.Sprintf("- goroutines: %d", runtime.NumGoroutine()),
		"- mem_alloc: " + fmtBytes(m.Alloc),
		"- mem_sys: " + fmtBytes(m.Sys),
		fmt.Sprintf("- gc_runs: %d", m.NumGC),
	}, "\n"))
}

func (p *Plugin) cmdSchedList(ctx context.Context, req *router.Request) error {
	s, ok := p.Deps.Scheduler.(snapshotter)
	if !ok {
		return req.Reply(ctx, "scheduler is unavailable")
	}
	return req.Reply(ctx, formatSchedules(s.Snapshot(), p.now()))
}

func (p *Plugin) cmdHealth(ctx context.Context, req *router.Request) error {
	if p.health == nil {
		return req.Reply(ctx, "plugin health is unavailable")
	}
	return req.Reply(ctx, formatHealth(p.health(ctx), p.now().Sub(p.startedAt)))
}

func formatSchedules(snap scheduler.Snapshot, now time.Time) string {
	if !snap.Enabled {
		return "scheduler is disabled"
	}
	if len(snap.Schedules) == 0 {
		return "no scheduled tasks"
	}
	lines := []string{fmt.Sprintf("scheduled tasks (%s):", snap.Timezone)}
	for _, t := range snap.Schedules {
		next := "-"
		if !t.Next.IsZero() {
			next = t.Next.Format("2006-01-02 15:04:05")
			if t.Next.After(now) {
				next += " (in " + durRel(t.Next.Sub(now)) + ")"
			}
		}
		line := fmt.Sprintf("- %s: %s, next=%s, runs=%d", t.Name, t.Spec, next, t.Runs)
		if t.Failed > 0 {
			line += fmt.Sprintf(", failed=%d", t.Failed)
		}
		if t.LastErr != "" {
			line += ", last_err=" + t.LastErr
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func formatHealth(rs []plugin.HealthResult, up time.Duration) string {
	degraded := false
	lines := make([]string, 0, len(rs)+2)
	for _, r := range rs {
		line := fmt.Sprintf("- %s: %s", r.Plugin, r.Status)
		if r.Err != "" {
			line += " (" + r.Err + ")"
		}
		if r.Status == "quarantined" || r.Err != "" {
			degraded = true
		}
		lines = append(lines, line)
	}
	status := "running"
	if degraded {
		status = "degraded"
	}
	head := fmt.Sprintf("status: %s, uptime %s, plugins %d", status, durRel(up), len(rs))
	return strings.Join(append([]string{head}, lines...), "\n")
}

func fmtBytes(n uint64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)
	switch {
	case n >= GB:
		return fmt.Sprintf("%.1fGB", float64(n)/GB)
	case n >= MB:
		return fmt.Sprintf("%.1fMB", float64(n)/MB)
	case n >= KB:
		return fmt.Sprintf("%.1fKB", float64(n)/KB)
	default:
		return fmt.Sprintf("%dB", n)
	}
}

func durRel(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
