package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/WaterInk0101/proactive-private-chat/internal/config"
	"github.com/WaterInk0101/proactive-private-chat/internal/transport/telegram/router"
	logx "github.com/WaterInk0101/proactive-private-chat/pkg/logx"
)

type fakePlugin struct {
	Base

	mu       sync.Mutex
	inits    int
	starts   int
	stops    int
	applied  []string
	applyErr error
	validErr error
}

func (p *fakePlugin) Name() string { return "fake" }

func (p *fakePlugin) Init(_ context.Context, d Deps) error {
	p.mu.Lock()
	p.inits++
	p.mu.Unlock()
	p.InitBase(d, p.Name())
	return nil
}

func (p *fakePlugin) Start(ctx context.Context) error {
	p.mu.Lock()
	p.starts++
	p.mu.Unlock()
	p.StartBase(ctx)
	return nil
}

func (p *fakePlugin) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stops++
	p.mu.Unlock()
	return p.StopBase(ctx)
}

func (p *fakePlugin) Commands() []router.Command {
	return []router.Command{{Route: "ping", Handle: func(context.Context, *router.Request) error { return nil }}}
}

func (p *fakePlugin) OnConfigChange(_ context.Context, raw json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.applyErr != nil {
		return p.applyErr
	}
	p.applied = append(p.applied, string(raw))
	return nil
}

func (p *fakePlugin) ValidateConfig(_ context.Context, _ json.RawMessage) error { return p.validErr }

func (p *fakePlugin) counts() (int, int, int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inits, p.starts, p.stops, len(p.applied)
}

type captureRegistry struct {
	mu   sync.Mutex
	last []router.Command
}

func (c *captureRegistry) SetRegistry(_ context.Context, cmds []router.Command) {
	c.mu.Lock()
	c.last = cmds
	c.mu.Unlock()
}

func (c *captureRegistry) routes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, cmd := range c.last {
		out = append(out, cmd.Plugin+"/"+cmd.Route)
	}
	return out
}

func cfgWith(enabled bool, raw string) *config.Config {
	return &config.Config{Plugins: map[string]config.PluginConfigRaw{
		"fake": {Enabled: enabled, Config: json.RawMessage(raw)},
	}}
}

func newTestManager(cfg *config.Config) (*Manager, *fakePlugin, *captureRegistry) {
	cfgm := config.NewConfigManager("")
	cfgm.Commit(cfg)
	reg := &captureRegistry{}
	pm := NewManager(logx.Nop(), cfgm, Deps{}, reg)
	p := &fakePlugin{}
	pm.Register(p)
	return pm, p, reg
}

func TestManagerLifecycle(t *testing.T) {
	pm, p, reg := newTestManager(cfgWith(true, `{"a":1}`))
	ctx := context.Background()

	if err := pm.StartAll(ctx); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if inits, starts, _, applied := p.counts(); inits != 1 || starts != 1 || applied != 1 {
		t.Fatalf("after start: inits=%d starts=%d applied=%d", inits, starts, applied)
	}
	if got := reg.routes(); len(got) != 1 || got[0] != "fake/ping" {
		t.Fatalf("routes=%v", got)
	}

	// Same block again: no reapply.
	pm.OnConfigUpdate(ctx, cfgWith(true, `{"a":1}`))
	if _, _, _, applied := p.counts(); applied != 1 {
		t.Fatalf("unchanged config reapplied: %d", applied)
	}

	pm.OnConfigUpdate(ctx, cfgWith(true, `{"a":2}`))
	if _, starts, _, applied := p.counts(); applied != 2 || starts != 1 {
		t.Fatalf("changed config: starts=%d applied=%d", starts, applied)
	}

	pm.OnConfigUpdate(ctx, cfgWith(false, `{"a":2}`))
	if _, _, stops, _ := p.counts(); stops != 1 {
		t.Fatalf("disable: stops=%d", stops)
	}
	if got := reg.routes(); len(got) != 0 {
		t.Fatalf("disabled plugin still routed: %v", got)
	}

	// Re-enable does not Init twice.
	pm.OnConfigUpdate(ctx, cfgWith(true, `{"a":2}`))
	if inits, starts, _, _ := p.counts(); inits != 1 || starts != 2 {
		t.Fatalf("re-enable: inits=%d starts=%d", inits, starts)
	}

	sctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	pm.StopAll(sctx)
	if _, _, stops, _ := p.counts(); stops != 2 {
		t.Fatalf("StopAll: stops=%d", stops)
	}
}

func TestManagerQuarantinesBadConfig(t *testing.T) {
	pm, p, _ := newTestManager(cfgWith(true, `{"a":1}`))
	p.applyErr = errors.New("bad block")
	ctx := context.Background()

	if err := pm.StartAll(ctx); err == nil {
		t.Fatalf("expected start error")
	}
	h := pm.Health(ctx)
	if len(h) != 1 || h[0].Status != "quarantined" || h[0].Running {
		t.Fatalf("health=%+v", h)
	}

	// Same block stays quarantined even once the plugin would accept it.
	p.mu.Lock()
	p.applyErr = nil
	p.mu.Unlock()
	pm.OnConfigUpdate(ctx, cfgWith(true, `{"a":1}`))
	if _, starts, _, _ := p.counts(); starts != 0 {
		t.Fatalf("quarantined plugin started")
	}

	pm.OnConfigUpdate(ctx, cfgWith(true, `{"a":3}`))
	if _, starts, _, _ := p.counts(); starts != 1 {
		t.Fatalf("changed block should retry, starts=%d", starts)
	}
	h = pm.Health(ctx)
	if h[0].Status != "ok" || !h[0].Running {
		t.Fatalf("health after retry=%+v", h)
	}
}

func TestManagerValidateConfig(t *testing.T) {
	pm, p, _ := newTestManager(cfgWith(true, `{}`))
	ctx := context.Background()

	if err := pm.ValidateConfig(ctx, cfgWith(true, `{}`)); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	p.validErr = errors.New("nope")
	if err := pm.ValidateConfig(ctx, cfgWith(true, `{}`)); err == nil {
		t.Fatalf("validator error not surfaced")
	}
	if err := pm.ValidateConfig(ctx, cfgWith(false, `{}`)); err != nil {
		t.Fatalf("disabled block should not be validated: %v", err)
	}
	unknown := &config.Config{Plugins: map[string]config.PluginConfigRaw{"ghost": {Enabled: true}}}
	if err := pm.ValidateConfig(ctx, unknown); err == nil {
		t.Fatalf("unknown plugin accepted")
	}
}

func TestDecodePluginConfigOnto(t *testing.T) {
	type conf struct {
		A int `json:"a"`
		B int `json:"b"`
	}
	got, err := DecodePluginConfigOnto(json.RawMessage(`{"b":5}`), conf{A: 1, B: 2})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.A != 1 || got.B != 5 {
		t.Fatalf("got %+v", got)
	}
	if _, err := DecodePluginConfig[conf](json.RawMessage(`{"c":1}`)); err == nil {
		t.Fatalf("unknown key accepted")
	}
	if got, err := DecodePluginConfig[conf](nil); err != nil || got != (conf{}) {
		t.Fatalf("empty raw: %+v %v", got, err)
	}
}
