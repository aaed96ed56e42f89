// Package proactive is the proactive_chat plugin: it owns the contact
// engine, schedules the smart sweep and exposes the contact commands.
package proactive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/WaterInk0101/proactive-private-chat/internal/config"
	"github.com/WaterInk0101/proactive-private-chat/internal/contact"
	"github.com/WaterInk0101/proactive-private-chat/internal/plugin"
	"github.com/WaterInk0101/proactive-private-chat/internal/task/scheduler"
	"github.com/WaterInk0101/proactive-private-chat/internal/transport"
	logx "github.com/WaterInk0101/proactive-private-chat/pkg/logx"
)

const (
	Name = "proactive_chat"

	sweepJob             = "sweep"
	defaultSweepSchedule = "1h"
	defaultSweepTimeout  = 5 * time.Minute
)

// PrivateSender is the outbound side as the plugin needs it.
type PrivateSender interface {
	SendPrivate(ctx context.Context, userID int64, text string) error
}

// UserDirectory is contact.Directory plus the unreachable hook.
type UserDirectory interface {
	contact.Directory
	MarkUnreachable(userID string)
}

type Plugin struct {
	plugin.Base

	mu     sync.RWMutex
	cfg    contact.Config
	engine *contact.Engine

	dir    UserDirectory
	sender PrivateSender

	// test hooks
	rng contact.Rand
	now func() time.Time
}

func New() *Plugin {
	return &Plugin{cfg: contact.DefaultConfig(), now: time.Now}
}

func (p *Plugin) Name() string { return Name }

func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error {
	p.InitBase(deps, p.Name())
	if p.dir == nil && deps.Directory != nil {
		p.dir = deps.Directory
	}
	if p.sender == nil && deps.Messenger != nil {
		p.sender = deps.Messenger
	}
	if p.dir == nil || p.sender == nil {
		return errors.New("proactive_chat needs a directory and a messenger")
	}
	return nil
}

// decodeConfig applies the block over the defaults and checks everything
// the engine and the sweep schedule will rely on.
func decodeConfig(raw json.RawMessage) (contact.Config, error) {
	cfg, err := plugin.DecodePluginConfigOnto(raw, contact.DefaultConfig())
	if err != nil {
		return cfg, fmt.Errorf("decode: %w", err)
	}
	var errs []error
	if err := cfg.Validate(); err != nil {
		errs = append(errs, err)
	}
	if cfg.SmartChat.Enabled {
		if _, err := scheduler.ParseSchedule(sweepSchedule(cfg)); err != nil {
			errs = append(errs, fmt.Errorf("smart_chat.schedule: %w", err))
		}
		if _, err := sweepTimeout(cfg); err != nil {
			errs = append(errs, err)
		}
	}
	return cfg, errors.Join(errs...)
}

func sweepSchedule(cfg contact.Config) string {
	if cfg.SmartChat.Schedule == "" {
		return defaultSweepSchedule
	}
	return cfg.SmartChat.Schedule
}

func sweepTimeout(cfg contact.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("smart_chat.timeout", cfg.SmartChat.Timeout, defaultSweepTimeout)
}

func (p *Plugin) ValidateConfig(_ context.Context, raw json.RawMessage) error {
	_, err := decodeConfig(raw)
	return err
}

// OnConfigChange swaps the engine config atomically and re-registers the
// sweep. It runs before Start on first enable.
func (p *Plugin) OnConfigChange(_ context.Context, raw json.RawMessage) error {
	cfg, err := decodeConfig(raw)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.cfg = cfg
	eng := p.engine
	p.mu.Unlock()

	if eng == nil {
		return nil
	}
	if err := eng.Apply(cfg); err != nil {
		return err
	}
	p.Log.Info("config applied",
		logx.Bool("enabled", cfg.Enabled),
		logx.Int("cooldown_seconds", cfg.CooldownSeconds),
		logx.Bool("smart_chat", cfg.SmartChat.Enabled),
	)
	return p.syncSchedule(cfg)
}

func (p *Plugin) Start(ctx context.Context) error {
	p.StartBase(ctx)

	p.mu.RLock()
	cfg := p.cfg
	p.mu.RUnlock()

	var store contact.CooldownStore
	if p.Deps.Store != nil {
		store = p.Deps.Store
	}
	tracker := contact.NewTracker(store, p.Log)
	if p.Deps.Store != nil {
		entries, err := p.Deps.Store.LoadCooldowns(ctx)
		if err != nil {
			p.Log.Warn("cooldown restore failed; starting empty", logx.Err(err))
		} else {
			tracker.Restore(entries)
			p.Log.Info("cooldowns restored", logx.Int("users", len(entries)))
		}
	}

	opts := []contact.Option{
		contact.WithLogger(p.Log),
		contact.WithTracker(tracker),
	}
	if p.Deps.Bus != nil {
		opts = append(opts, contact.WithBus(p.Deps.Bus))
	}
	if p.Deps.Store != nil {
		opts = append(opts, contact.WithAudit(p.Deps.Store, Name))
	}
	if p.rng != nil {
		opts = append(opts, contact.WithRand(p.rng))
	}
	eng, err := contact.NewEngine(cfg, p.dir, &sendBridge{dir: p.dir, sender: p.sender}, opts...)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.engine = eng
	p.mu.Unlock()
	return p.syncSchedule(cfg)
}

func (p *Plugin) Stop(ctx context.Context) error {
	err := p.StopBase(ctx)
	p.mu.Lock()
	p.engine = nil
	p.mu.Unlock()
	return err
}

// Health reports the plugin state plus whether the engine is live.
func (p *Plugin) Health(ctx context.Context) (string, error) {
	status, err := p.Base.Health(ctx)
	if err != nil || status != "ok" {
		return status, err
	}
	if p.Engine() == nil {
		return "no_engine", nil
	}
	if !p.currentConfig().Enabled {
		return "disabled", nil
	}
	return "ok", nil
}

// Engine is nil while the plugin is stopped.
func (p *Plugin) Engine() *contact.Engine {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.engine
}

func (p *Plugin) currentConfig() contact.Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

func (p *Plugin) syncSchedule(cfg contact.Config) error {
	if !cfg.SmartChat.Enabled {
		p.Unschedule(sweepJob)
		return nil
	}
	timeout, err := sweepTimeout(cfg)
	if err != nil {
		return err
	}
	spec := sweepSchedule(cfg)
	if err := p.Schedule(sweepJob, spec, timeout, p.runSweep); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	p.Log.Info("smart sweep scheduled", logx.String("schedule", spec), logx.Duration("timeout", timeout))
	return nil
}

func (p *Plugin) runSweep(ctx context.Context) error {
	eng := p.Engine()
	if eng == nil {
		return nil
	}
	_, err := eng.RunSmartCycle(ctx, p.now())
	return err
}

// sendBridge adapts the int64 messenger to string user ids and unlinks
// users Telegram refuses to deliver to.
type sendBridge struct {
	dir    UserDirectory
	sender PrivateSender
}

func (b *sendBridge) SendPrivate(ctx context.Context, userID, text string) error {
	id, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return fmt.Errorf("user id %q: %w", userID, err)
	}
	err = b.sender.SendPrivate(ctx, id, text)
	if errors.Is(err, transport.ErrUnreachable) {
		b.dir.MarkUnreachable(userID)
	}
	return err
}
