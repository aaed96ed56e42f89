package plugin

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/WaterInk0101/proactive-private-chat/internal/config"
	"github.com/WaterInk0101/proactive-private-chat/internal/eventbus"
	"github.com/WaterInk0101/proactive-private-chat/internal/transport/telegram/router"
	logx "github.com/WaterInk0101/proactive-private-chat/pkg/logx"
)

const callTimeout = 10 * time.Second

// CommandRegistry receives the commands of every running plugin.
type CommandRegistry interface {
	SetRegistry(ctx context.Context, cmds []router.Command)
}

type pluginEvent struct {
	Plugin string `json:"plugin"`
	Stage  string `json:"stage,omitempty"`
	Err    string `json:"err,omitempty"`
}

// HealthResult is the last known state of one plugin.
type HealthResult struct {
	Plugin  string    `json:"plugin"`
	Running bool      `json:"running"`
	Status  string    `json:"status"`
	Err     string    `json:"err,omitempty"`
	At      time.Time `json:"at"`
}

type quarantineState struct {
	hash  uint64
	err   string
	since time.Time
}

type Manager struct {
	mu sync.Mutex

	log  logx.Logger
	cfgm *config.ConfigManager
	deps Deps
	cmds CommandRegistry

	reg      map[string]Plugin
	run      map[string]bool
	inited   map[string]bool
	lastHash map[string]uint64
	pcancel  map[string]context.CancelFunc
	quar     map[string]quarantineState

	// baseCtx outlives the call-scoped contexts handed to StartAll and
	// OnConfigUpdate; plugin run contexts derive from it.
	baseCtx    context.Context
	baseCancel context.CancelFunc
}

func NewManager(log logx.Logger, cfgm *config.ConfigManager, deps Deps, cmds CommandRegistry) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Manager{
		log:        log,
		cfgm:       cfgm,
		deps:       deps,
		cmds:       cmds,
		reg:        map[string]Plugin{},
		run:        map[string]bool{},
		inited:     map[string]bool{},
		lastHash:   map[string]uint64{},
		pcancel:    map[string]context.CancelFunc{},
		quar:       map[string]quarantineState{},
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}
}

func (pm *Manager) Register(p ...Plugin) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for _, pl := range p {
		pm.reg[pl.Name()] = pl
	}
}

func (pm *Manager) emit(typ string, data pluginEvent) {
	if pm.deps.Bus == nil {
		return
	}
	pm.deps.Bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// StartAll starts every enabled plugin in the committed config.
func (pm *Manager) StartAll(ctx context.Context) error {
	return pm.reconcile(ctx, pm.cfgm.Get())
}

// OnConfigUpdate reconciles running plugins against a newly committed config.
func (pm *Manager) OnConfigUpdate(ctx context.Context, cfg *config.Config) {
	_ = pm.reconcile(ctx, cfg)
}

// StopAll stops every running plugin and cancels the base context.
func (pm *Manager) StopAll(ctx context.Context) {
	for _, name := range pm.names() {
		pm.stopOne(ctx, name, "shutdown")
	}
	pm.baseCancel()
	pm.refreshCommands(ctx)
}

// ValidateConfig runs each registered plugin's validator over its block.
// It is installed as the config manager's pre-commit hook.
func (pm *Manager) ValidateConfig(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return nil
	}
	pm.mu.Lock()
	reg := make(map[string]Plugin, len(pm.reg))
	for k, v := range pm.reg {
		reg[k] = v
	}
	pm.mu.Unlock()

	for name, raw := range cfg.Plugins {
		p, ok := reg[name]
		if !ok {
			return fmt.Errorf("plugins.%s: unknown plugin", name)
		}
		if !raw.Enabled {
			continue
		}
		v, ok := p.(ConfigValidator)
		if !ok {
			continue
		}
		err := pm.safeCall("plugin.validate."+name, func() error { return v.ValidateConfig(ctx, raw.Config) })
		if err != nil {
			return fmt.Errorf("plugins.%s: %w", name, err)
		}
	}
	return nil
}

// SetOwners updates the owner list plugins see through Deps.Owners.
func (pm *Manager) SetOwners(ids []int64) {
	cp := append([]int64(nil), ids...)
	pm.mu.Lock()
	pm.deps.Owners = func() []int64 { return cp }
	pm.mu.Unlock()
}

// Health reports every registered plugin, sorted by name.
func (pm *Manager) Health(ctx context.Context) []HealthResult {
	pm.mu.Lock()
	type item struct {
		name    string
		p       Plugin
		running bool
		q       *quarantineState
	}
	items := make([]item, 0, len(pm.reg))
	for name, p := range pm.reg {
		it := item{name: name, p: p, running: pm.run[name]}
		if q, ok := pm.quar[name]; ok {
			it.q = &q
		}
		items = append(items, it)
	}
	pm.mu.Unlock()

	out := make([]HealthResult, 0, len(items))
	for _, it := range items {
		r := HealthResult{Plugin: it.name, Running: it.running, At: time.Now(), Status: "disabled"}
		switch {
		case it.q != nil:
			r.Status, r.Err = "quarantined", it.q.err
		case it.running:
			r.Status = "ok"
			if hc, ok := it.p.(HealthChecker); ok {
				hctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				var status string
				err := pm.safeCall("plugin.health."+it.name, func() error {
					var err error
					status, err = hc.Health(hctx)
					return err
				})
				cancel()
				if status != "" {
					r.Status = status
				}
				if err != nil {
					r.Err = err.Error()
				}
			}
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Plugin < out[j].Plugin })
	return out
}

func (pm *Manager) names() []string {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	out := make([]string, 0, len(pm.reg))
	for n := range pm.reg {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (pm *Manager) reconcile(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return nil
	}
	var errs []error
	for _, name := range pm.names() {
		pm.mu.Lock()
		p := pm.reg[name]
		running := pm.run[name]
		oldHash := pm.lastHash[name]
		pm.mu.Unlock()

		raw, ok := cfg.Plugins[name]
		enabled := ok && raw.Enabled
		hash := raw.Hash()

		switch {
		case enabled && !running:
			if pm.quarantined(name, hash) {
				pm.log.Warn("plugin enable skipped (quarantined)", logx.String("plugin", name))
				continue
			}
			if err := pm.startOne(name, p, raw); err != nil {
				errs = append(errs, err)
			}
		case !enabled && running:
			stopCtx, cancel := context.WithTimeout(pm.baseCtx, callTimeout)
			pm.stopOne(stopCtx, name, "disabled")
			cancel()
		case enabled && running && hash != oldHash:
			cp, ok := p.(ConfigurablePlugin)
			if !ok {
				continue
			}
			cctx, cancel := context.WithTimeout(pm.baseCtx, callTimeout)
			err := pm.safeCall("plugin.config."+name, func() error { return cp.OnConfigChange(cctx, raw.Config) })
			cancel()
			if err != nil {
				pm.quarantine(name, hash, err, "config")
				stopCtx, cancel := context.WithTimeout(pm.baseCtx, callTimeout)
				pm.stopOne(stopCtx, name, "quarantine")
				cancel()
				errs = append(errs, err)
				continue
			}
			pm.mu.Lock()
			pm.lastHash[name] = hash
			pm.mu.Unlock()
			pm.log.Info("plugin config applied", logx.String("plugin", name))
		}
	}
	pm.refreshCommands(ctx)
	if len(errs) > 0 {
		return fmt.Errorf("plugins: %d failed", len(errs))
	}
	return nil
}

func (pm *Manager) startOne(name string, p Plugin, raw config.PluginConfigRaw) error {
	pctx, cancel := context.WithCancel(pm.baseCtx)
	hash := raw.Hash()

	pm.mu.Lock()
	needInit := !pm.inited[name]
	deps := pm.deps
	pm.mu.Unlock()

	if needInit {
		ictx, icancel := context.WithTimeout(pctx, callTimeout)
		err := pm.safeCall("plugin.init."+name, func() error { return p.Init(ictx, deps) })
		icancel()
		if err != nil {
			cancel()
			pm.log.Error("plugin init failed", logx.String("plugin", name), logx.Err(err))
			return err
		}
		pm.mu.Lock()
		pm.inited[name] = true
		pm.mu.Unlock()
	}

	if cp, ok := p.(ConfigurablePlugin); ok {
		cctx, ccancel := context.WithTimeout(pctx, callTimeout)
		err := pm.safeCall("plugin.config."+name, func() error { return cp.OnConfigChange(cctx, raw.Config) })
		ccancel()
		if err != nil {
			cancel()
			pm.quarantine(name, hash, err, "config")
			return err
		}
	}

	// Start gets the long-lived context; the deadline applies to the call only.
	done := make(chan error, 1)
	go func() { done <- pm.safeCall("plugin.start."+name, func() error { return p.Start(pctx) }) }()
	var err error
	select {
	case err = <-done:
	case <-time.After(callTimeout):
		err = fmt.Errorf("start timeout (%s)", callTimeout)
	}
	if err != nil {
		cancel()
		pm.log.Error("plugin start failed", logx.String("plugin", name), logx.Err(err))
		return err
	}

	pm.mu.Lock()
	pm.run[name] = true
	pm.pcancel[name] = cancel
	pm.lastHash[name] = hash
	delete(pm.quar, name)
	pm.mu.Unlock()

	pm.log.Info("plugin started", logx.String("plugin", name))
	pm.emit(eventbus.TopicPluginStarted, pluginEvent{Plugin: name})
	return nil
}

func (pm *Manager) stopOne(ctx context.Context, name, reason string) {
	pm.mu.Lock()
	p := pm.reg[name]
	running := pm.run[name]
	cancel := pm.pcancel[name]
	pm.mu.Unlock()
	if !running || p == nil {
		return
	}

	start := time.Now()
	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		_ = pm.safeCall("plugin.stop."+name, func() error { return p.Stop(ctx) })
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		pm.log.Warn("plugin stop timeout (continuing)", logx.String("plugin", name), logx.Err(ctx.Err()))
	}

	pm.mu.Lock()
	pm.run[name] = false
	delete(pm.pcancel, name)
	delete(pm.lastHash, name)
	pm.mu.Unlock()

	pm.log.Info("plugin stopped", logx.String("plugin", name), logx.String("reason", reason), logx.Duration("took", time.Since(start)))
	pm.emit(eventbus.TopicPluginStopped, pluginEvent{Plugin: name, Stage: reason})
}

func (pm *Manager) quarantined(name string, hash uint64) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	q, ok := pm.quar[name]
	if ok && q.hash != hash {
		// The block changed since it was rejected; try again.
		delete(pm.quar, name)
		return false
	}
	return ok
}

func (pm *Manager) quarantine(name string, hash uint64, err error, stage string) {
	pm.mu.Lock()
	prev, ok := pm.quar[name]
	pm.quar[name] = quarantineState{hash: hash, err: err.Error(), since: time.Now()}
	pm.mu.Unlock()
	if ok && prev.hash == hash && prev.err == err.Error() {
		return
	}
	pm.log.Error("plugin quarantined", logx.String("plugin", name), logx.String("stage", stage), logx.Err(err))
	pm.emit(eventbus.TopicPluginQuarantined, pluginEvent{Plugin: name, Stage: stage, Err: err.Error()})
}

func (pm *Manager) refreshCommands(ctx context.Context) {
	if pm.cmds == nil {
		return
	}
	pm.mu.Lock()
	var cmds []router.Command
	for _, name := range sortedKeys(pm.reg) {
		if !pm.run[name] {
			continue
		}
		for _, c := range pm.safeCommands(name, pm.reg[name]) {
			c.Plugin = name
			cmds = append(cmds, c)
		}
	}
	pm.mu.Unlock()
	pm.cmds.SetRegistry(ctx, cmds)
}

func (pm *Manager) safeCall(label string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			pm.log.Error("panic in plugin call", logx.String("call", label), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic in %s: %v", label, r)
		}
	}()
	return fn()
}

func (pm *Manager) safeCommands(name string, p Plugin) (out []router.Command) {
	defer func() {
		if r := recover(); r != nil {
			pm.log.Error("panic in plugin Commands()", logx.String("plugin", name), logx.Any("panic", r))
			out = nil
		}
	}()
	return p.Commands()
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
