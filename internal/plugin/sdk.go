// Package plugin hosts feature plugins: lifecycle, per-plugin config with
// hot reload, and command registration.
package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/WaterInk0101/proactive-private-chat/internal/directory"
	"github.com/WaterInk0101/proactive-private-chat/internal/eventbus"
	"github.com/WaterInk0101/proactive-private-chat/internal/notifier"
	rtsup "github.com/WaterInk0101/proactive-private-chat/internal/runtime/supervisor"
	"github.com/WaterInk0101/proactive-private-chat/internal/storage"
	"github.com/WaterInk0101/proactive-private-chat/internal/task/scheduler"
	"github.com/WaterInk0101/proactive-private-chat/internal/transport"
	"github.com/WaterInk0101/proactive-private-chat/internal/transport/telegram/router"
	logx "github.com/WaterInk0101/proactive-private-chat/pkg/logx"
)

type Plugin interface {
	Name() string
	Init(ctx context.Context, deps Deps) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Commands() []router.Command
}

// ConfigurablePlugin applies a changed config block without a restart.
type ConfigurablePlugin interface {
	OnConfigChange(ctx context.Context, raw json.RawMessage) error
}

// ConfigValidator rejects a config block before it is committed.
type ConfigValidator interface {
	ValidateConfig(ctx context.Context, raw json.RawMessage) error
}

// HealthChecker is polled by the ops health endpoint.
type HealthChecker interface {
	Health(ctx context.Context) (status string, err error)
}

// Scheduler is the trigger service as plugins see it.
type Scheduler interface {
	AddSchedule(name, schedule string, timeout time.Duration, job scheduler.Job) error
	Remove(name string) bool
}

type Deps struct {
	Logger    logx.Logger
	Adapter   transport.Adapter
	Scheduler Scheduler
	Bus       eventbus.Bus
	// Store is nil when storage is disabled.
	Store storage.Store
	// Owners returns the current owner ids; it follows hot reload.
	Owners func() []int64

	Messenger *notifier.Messenger
	Directory *directory.Directory
}

// Base gives a plugin a scoped logger, a supervisor for its goroutines
// and namespaced schedules.
//
//	type Plugin struct{ plugin.Base }
//	func (p *Plugin) Init(ctx context.Context, d plugin.Deps) error { p.InitBase(d, p.Name()); return nil }
//	func (p *Plugin) Start(ctx context.Context) error { p.StartBase(ctx); return nil }
//	func (p *Plugin) Stop(ctx context.Context) error { return p.StopBase(ctx) }
type Base struct {
	Log    logx.Logger
	Deps   Deps
	Runner *rtsup.Supervisor

	name      string
	ctx       context.Context
	schedules []string
}

func (b *Base) InitBase(deps Deps, name string) {
	b.Deps = deps
	b.name = name
	log := deps.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	b.Log = log.With(logx.String("plugin", name))
}

func (b *Base) StartBase(ctx context.Context) {
	b.ctx = ctx
	b.Runner = rtsup.New(ctx, rtsup.WithLogger(b.Log))
}

// StopBase removes the plugin's schedules, then stops its goroutines.
func (b *Base) StopBase(ctx context.Context) error {
	if s := b.Deps.Scheduler; s != nil {
		for _, n := range b.schedules {
			s.Remove(n)
		}
	}
	b.schedules = nil
	if b.Runner == nil {
		return nil
	}
	b.Runner.Cancel()
	err := b.Runner.Wait(ctx)
	b.Runner = nil
	return err
}

func (b *Base) Context() context.Context { return b.ctx }

// Health reports whether the plugin is running.
func (b *Base) Health(context.Context) (string, error) {
	if b.ctx == nil {
		return "not_started", nil
	}
	if err := b.ctx.Err(); err != nil {
		return "stopped", err
	}
	return "ok", nil
}

// Schedule registers job as "<plugin>:<name>", replacing a previous one.
func (b *Base) Schedule(name, spec string, timeout time.Duration, job scheduler.Job) error {
	if b.Deps.Scheduler == nil {
		return errors.New("scheduler not available")
	}
	full := b.name + ":" + name
	if err := b.Deps.Scheduler.AddSchedule(full, spec, timeout, job); err != nil {
		return err
	}
	for _, n := range b.schedules {
		if n == full {
			return nil
		}
	}
	b.schedules = append(b.schedules, full)
	return nil
}

// Unschedule drops a schedule added with Schedule.
func (b *Base) Unschedule(name string) {
	full := b.name + ":" + name
	if b.Deps.Scheduler != nil {
		b.Deps.Scheduler.Remove(full)
	}
	for i, n := range b.schedules {
		if n == full {
			b.schedules = append(b.schedules[:i], b.schedules[i+1:]...)
			break
		}
	}
}

// DecodePluginConfig decodes a plugin block strictly: unknown keys fail.
// Empty raw yields the zero T.
func DecodePluginConfig[T any](raw json.RawMessage) (T, error) {
	var out T
	return DecodePluginConfigOnto(raw, out)
}

// DecodePluginConfigOnto decodes raw over defaults, so omitted keys keep
// their default values.
func DecodePluginConfigOnto[T any](raw json.RawMessage, defaults T) (T, error) {
	out := defaults
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
