package app

import (
	"strings"
	"time"

	"github.com/WaterInk0101/proactive-private-chat/internal/config"
	"github.com/WaterInk0101/proactive-private-chat/internal/notifier"
	"github.com/WaterInk0101/proactive-private-chat/internal/observability/ops"
	"github.com/WaterInk0101/proactive-private-chat/internal/storage"
	"github.com/WaterInk0101/proactive-private-chat/internal/task/scheduler"
	"github.com/WaterInk0101/proactive-private-chat/internal/transport"
	logx "github.com/WaterInk0101/proactive-private-chat/pkg/logx"
)

const (
	defaultPollTimeout    = 10 * time.Second
	defaultAuditRetention = 30 * 24 * time.Hour
	auditPruneSchedule    = "cron:17 4 * * *"
)

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Report: logx.ReportConfig{
			Enabled:    l.Report.Enabled,
			MinLevel:   l.Report.MinLevel,
			RatePerSec: l.Report.RatePerSec,
		},
	}
}

func mapScheduler(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone}
}

// mapNotifier resolves the notifier block; zero fields fall back to the
// messenger defaults.
func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	out := notifier.DefaultConfig()
	out.ReportTarget = transport.ChatTarget{ChatID: cfg.Telegram.ReportChatID, ThreadID: cfg.Telegram.ReportThreadID}
	n := cfg.Notifier
	if n == nil {
		return out, nil
	}
	if n.RatePerSec > 0 {
		out.RatePerSec = n.RatePerSec
	}
	if n.Burst > 0 {
		out.Burst = n.Burst
	}
	if n.RetryMax > 0 {
		out.RetryMax = n.RetryMax
	}
	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, out.RetryBase); err != nil {
		return out, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, out.RetryMaxDelay); err != nil {
		return out, err
	}
	if out.SendTimeout, err = config.ParseDurationOrDefault("notifier.send_timeout", n.SendTimeout, out.SendTimeout); err != nil {
		return out, err
	}
	return out, nil
}

// mapStorage returns enabled=false for an omitted block or driver "none".
func mapStorage(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
		RedisURL:    strings.TrimSpace(sc.RedisURL),
		KeyPrefix:   sc.KeyPrefix,
	}, true, nil
}

// auditRetention is 0 when audit rows are kept forever.
func auditRetention(cfg *config.Config) time.Duration {
	if cfg.Storage == nil {
		return 0
	}
	raw := strings.TrimSpace(cfg.Storage.AuditRetention)
	if raw == "" {
		return defaultAuditRetention
	}
	d, err := config.ParseDurationField("storage.audit_retention", raw)
	if err != nil {
		return defaultAuditRetention
	}
	return d
}

func mapOps(cfg *config.Config) ops.Config {
	o := cfg.Ops
	addr := strings.TrimSpace(o.Addr)
	if addr == "" {
		addr = ops.DefaultAddr
	}
	return ops.Config{
		Enabled:       o.Enabled,
		Addr:          addr,
		Token:         o.Token,
		AllowInsecure: o.AllowInsecure,
		Metrics:       o.Metrics,
		Pprof:         o.Pprof,
	}
}
