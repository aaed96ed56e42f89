package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

var ErrInvalid = errors.New("invalid config")

// Validate checks the host-level sections. Plugin blocks are validated by
// their plugins.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: empty", ErrInvalid)
	}
	var errs []error
	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		errs = append(errs, err)
	}
	if c.Telegram.Workers < 0 || c.Telegram.QueueSize < 0 {
		errs = append(errs, errors.New("telegram.workers and telegram.queue_size must be >= 0"))
	}
	if c.Logging.Report.Enabled && c.Telegram.ReportChatID == 0 {
		errs = append(errs, errors.New("logging.report.enabled requires telegram.report_chat_id"))
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if n := c.Notifier; n != nil {
		if n.RatePerSec < 0 || n.Burst < 0 || n.RetryMax < 0 {
			errs = append(errs, errors.New("notifier: rate_per_sec, burst and retry_max must be >= 0"))
		}
		for path, raw := range map[string]string{
			"notifier.retry_base":      n.RetryBase,
			"notifier.retry_max_delay": n.RetryMaxDelay,
			"notifier.send_timeout":    n.SendTimeout,
		} {
			if _, err := ParseDurationField(path, raw); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "file", "sqlite":
		case "redis":
			if strings.TrimSpace(s.RedisURL) == "" {
				errs = append(errs, errors.New("storage.redis_url is required for driver redis"))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField("storage.audit_retention", s.AuditRetention); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Ops.Enabled {
		if err := validateOpsAddr(c.Ops); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

func validateOpsAddr(o OpsConfig) error {
	addr := strings.TrimSpace(o.Addr)
	if addr == "" {
		return nil
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("ops.addr: %w", err)
	}
	if isLoopback(host) || strings.TrimSpace(o.Token) != "" || o.AllowInsecure {
		return nil
	}
	return fmt.Errorf("ops.addr %q is not loopback; set ops.token or ops.allow_insecure", addr)
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
