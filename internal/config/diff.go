package config

import (
	"reflect"
	"sort"
	"strings"

	logx "github.com/WaterInk0101/proactive-private-chat/pkg/logx"
)

// SummarizeConfigChange reports which top-level sections changed, log fields
// describing the new values (never secrets), and the names of plugins whose
// enable flag or config block changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	fields := make([]logx.Field, 0, 16)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		ot.ReportChatID != nt.ReportChatID || ot.ReportThreadID != nt.ReportThreadID ||
		ot.Workers != nt.Workers || ot.QueueSize != nt.QueueSize {
		changed = append(changed, "telegram")
		fields = append(fields,
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.report_chat_set", nt.ReportChatID != 0),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.report", newCfg.Logging.Report.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		fields = append(fields,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	on, nn := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	if on != nn {
		changed = append(changed, "notifier")
		fields = append(fields,
			logx.Float64("notifier.rate_per_sec", nn.RatePerSec),
			logx.Int("notifier.retry_max", nn.RetryMax),
		)
	}

	if ns := derefStorage(newCfg.Storage); derefStorage(oldCfg.Storage) != ns {
		changed = append(changed, "storage")
		fields = append(fields,
			logx.String("storage.driver", strings.TrimSpace(ns.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(ns.Path) != ""),
			logx.Bool("storage.redis_url_set", strings.TrimSpace(ns.RedisURL) != ""),
		)
	}

	if no := newCfg.Ops; oldCfg.Ops != no {
		changed = append(changed, "ops")
		fields = append(fields,
			logx.Bool("ops.enabled", no.Enabled),
			logx.String("ops.addr", strings.TrimSpace(no.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(no.Token) != ""),
		)
	}

	plugins := diffPlugins(oldCfg.Plugins, newCfg.Plugins)
	if len(plugins) > 0 {
		changed = append(changed, "plugins")
		fields = append(fields, logx.Strings("plugins.changed", plugins))
	}

	sort.Strings(changed)
	return changed, fields, plugins
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	return *n
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

func diffPlugins(oldM, newM map[string]PluginConfigRaw) []string {
	names := map[string]struct{}{}
	for k := range oldM {
		names[k] = struct{}{}
	}
	for k := range newM {
		names[k] = struct{}{}
	}

	out := make([]string, 0, len(names))
	for name := range names {
		o, n := oldM[name], newM[name]
		if o.Hash() != n.Hash() {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
