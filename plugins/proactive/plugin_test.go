package proactive

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/WaterInk0101/proactive-private-chat/internal/config"
	"github.com/WaterInk0101/proactive-private-chat/internal/contact"
	"github.com/WaterInk0101/proactive-private-chat/internal/directory"
	"github.com/WaterInk0101/proactive-private-chat/internal/plugin"
	"github.com/WaterInk0101/proactive-private-chat/internal/storage"
	"github.com/WaterInk0101/proactive-private-chat/internal/task/scheduler"
	"github.com/WaterInk0101/proactive-private-chat/internal/transport"
	"github.com/WaterInk0101/proactive-private-chat/internal/transport/telegram/router"
	logx "github.com/WaterInk0101/proactive-private-chat/pkg/logx"
)

type fakeSender struct {
	mu   sync.Mutex
	err  error
	sent map[int64][]string
}

func (f *fakeSender) SendPrivate(_ context.Context, userID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.sent == nil {
		f.sent = map[int64][]string{}
	}
	f.sent[userID] = append(f.sent[userID], text)
	return nil
}

func (f *fakeSender) count(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent[id])
}

type fakeScheduler struct {
	mu   sync.Mutex
	jobs map[string]scheduler.Job
	spec map[string]string
}

func (s *fakeScheduler) AddSchedule(name, spec string, _ time.Duration, job scheduler.Job) error {
	if _, err := scheduler.ParseSchedule(spec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobs == nil {
		s.jobs, s.spec = map[string]scheduler.Job{}, map[string]string{}
	}
	s.jobs[name], s.spec[name] = job, spec
	return nil
}

func (s *fakeScheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[name]
	delete(s.jobs, name)
	delete(s.spec, name)
	return ok
}

func (s *fakeScheduler) job(name string) scheduler.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[name]
}

type replyAdapter struct {
	mu      sync.Mutex
	replies []string
}

func (a *replyAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (a *replyAdapter) Stop(context.Context) error                           { return nil }
func (a *replyAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.replies = append(a.replies, text)
	return transport.MessageRef{ChatID: to.ChatID}, nil
}

func (a *replyAdapter) last() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.replies) == 0 {
		return ""
	}
	return a.replies[len(a.replies)-1]
}

type harness struct {
	p      *Plugin
	dir    *directory.Directory
	sender *fakeSender
	sched  *fakeScheduler
	ad     *replyAdapter
	now    time.Time
}

func newHarness(t *testing.T, raw string, store storage.Store) *harness {
	t.Helper()
	h := &harness{
		dir:    directory.New(nil, nil, logx.Nop()),
		sender: &fakeSender{},
		sched:  &fakeScheduler{},
		ad:     &replyAdapter{},
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.p = New()
	h.p.now = func() time.Time { return h.now }
	h.p.dir = h.dir
	h.p.sender = h.sender

	ctx := context.Background()
	deps := plugin.Deps{Logger: logx.Nop(), Scheduler: h.sched}
	if store != nil {
		deps.Store = store
	}
	if err := h.p.Init(ctx, deps); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := h.p.OnConfigChange(ctx, json.RawMessage(raw)); err != nil {
		t.Fatalf("OnConfigChange: %v", err)
	}
	if err := h.p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = h.p.Stop(context.Background()) })
	return h
}

func (h *harness) meet(id int64, name, username string) {
	h.dir.Observe(context.Background(), &transport.Message{FromID: id, FromName: name, FromUsername: username, IsPrivate: true, At: h.now})
}

func (h *harness) run(t *testing.T, route string, from int64, args ...string) string {
	t.Helper()
	for _, c := range h.p.Commands() {
		if c.Route != route {
			continue
		}
		req := &router.Request{FromID: from, Args: args, Adapter: h.ad, Chat: transport.ChatTarget{ChatID: from}}
		if err := c.Handle(context.Background(), req); err != nil {
			t.Fatalf("%s: %v", route, err)
		}
		return h.ad.last()
	}
	t.Fatalf("no route %q", route)
	return ""
}

func TestManualContactAndCooldownFeedback(t *testing.T) {
	h := newHarness(t, `{"cooldown_seconds":300,"command":{"manual_bypass":false}}`, nil)
	h.meet(1001, "Alice", "alice")

	got := h.run(t, "contact", 1, "@alice", "hello", "{nickname}")
	if got != "sent to Alice (1001)" {
		t.Fatalf("reply=%q", got)
	}
	if h.sender.count(1001) != 1 || h.sender.sent[1001][0] != "hello Alice" {
		t.Fatalf("sent=%v", h.sender.sent)
	}

	h.now = h.now.Add(100 * time.Second)
	got = h.run(t, "contact", 1, "1001")
	if !strings.Contains(got, "cooling down, 200s left") {
		t.Fatalf("reply=%q", got)
	}
	if h.sender.count(1001) != 1 {
		t.Fatalf("cooling user was messaged again")
	}

	got = h.run(t, "contact status", 1, "1001")
	if !strings.Contains(got, "last contact 1m40s ago, cooling down 200s") {
		t.Fatalf("status=%q", got)
	}
}

func TestManualContactDeniedAndNotFound(t *testing.T) {
	h := newHarness(t, `{"require_admin":true,"allowed_users":["123456"]}`, nil)
	h.meet(1001, "Alice", "")

	if got := h.run(t, "contact", 999999, "1001"); got != "you are not allowed to use /contact" {
		t.Fatalf("reply=%q", got)
	}
	if got := h.run(t, "contact", 123456, "4242"); got != "user 4242 not found" {
		t.Fatalf("reply=%q", got)
	}
	if h.sender.count(1001) != 0 {
		t.Fatalf("denied command sent a message")
	}
	if got := h.run(t, "contact", 123456); !strings.HasPrefix(got, "usage:") {
		t.Fatalf("reply=%q", got)
	}
}

func TestUnreachableUserIsUnlinked(t *testing.T) {
	h := newHarness(t, `{}`, nil)
	h.meet(1001, "Alice", "")
	h.sender.err = errors.Join(transport.ErrUnreachable, errors.New("bot was blocked by the user"))

	got := h.run(t, "contact", 1, "1001")
	if !strings.HasPrefix(got, "sending to Alice (1001) failed") {
		t.Fatalf("reply=%q", got)
	}
	u, _ := h.dir.Resolve(context.Background(), "1001")
	if u.Known {
		t.Fatalf("blocked user still known")
	}
	if _, _, ok := h.p.Engine().Status("1001", h.now); ok {
		t.Fatalf("failed send recorded a cooldown")
	}
}

func TestListContactsOverflow(t *testing.T) {
	h := newHarness(t, `{"listing":{"limit":2}}`, nil)
	h.meet(1, "A", "")
	h.meet(2, "B", "")
	h.meet(3, "C", "")
	h.run(t, "contact", 9, "2")

	got := h.run(t, "list contacts", 9)
	want := "contacts (3):\n1. A (1)\n2. B (2), cooling down 300s\n... and 1 more"
	if got != want {
		t.Fatalf("list=%q want %q", got, want)
	}
}

func TestSweepScheduleFollowsConfig(t *testing.T) {
	h := newHarness(t, `{"smart_chat":{"enabled":true,"schedule":"30m"}}`, nil)
	h.meet(1, "A", "")
	h.meet(2, "B", "")

	job := h.sched.job(Name + ":" + sweepJob)
	if job == nil {
		t.Fatalf("sweep not scheduled")
	}
	if err := job(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if h.sender.count(1) != 1 || h.sender.count(2) != 1 {
		t.Fatalf("sent=%v", h.sender.sent)
	}

	got := h.run(t, "contact sweep", 9)
	if !strings.Contains(got, "2 candidates, 0 sent") || !strings.Contains(got, "cooling_down=2") {
		t.Fatalf("manual sweep=%q", got)
	}

	if err := h.p.OnConfigChange(context.Background(), json.RawMessage(`{"smart_chat":{"enabled":false}}`)); err != nil {
		t.Fatalf("OnConfigChange: %v", err)
	}
	if h.sched.job(Name+":"+sweepJob) != nil {
		t.Fatalf("sweep still scheduled after disable")
	}
}

func TestConfigChangeReachesEngine(t *testing.T) {
	h := newHarness(t, `{}`, nil)
	h.meet(1, "A", "")
	if err := h.p.OnConfigChange(context.Background(), json.RawMessage(`{"enabled":false}`)); err != nil {
		t.Fatalf("OnConfigChange: %v", err)
	}
	if got := h.run(t, "contact", 9, "1"); got != "proactive contact is disabled" {
		t.Fatalf("reply=%q", got)
	}
	if got := h.run(t, "list contacts", 9); got != "proactive contact is disabled" {
		t.Fatalf("list=%q", got)
	}
}

func TestValidateConfig(t *testing.T) {
	p := New()
	ctx := context.Background()
	for _, raw := range []string{
		`{"cooldown_seconds":-1}`,
		`{"default_greeting":"hi"}`,
		`{"smart_chat":{"enabled":true,"schedule":"not a schedule"}}`,
		`{"smart_chat":{"enabled":true,"timeout":"soon"}}`,
		`{"unknown_key":true}`,
	} {
		if err := p.ValidateConfig(ctx, json.RawMessage(raw)); err == nil {
			t.Fatalf("%s accepted", raw)
		}
	}
	if err := p.ValidateConfig(ctx, nil); err != nil {
		t.Fatalf("empty block rejected: %v", err)
	}
	err := p.ValidateConfig(ctx, json.RawMessage(`{"cooldown_seconds":-1}`))
	if !errors.Is(err, contact.ErrInvalidConfig) {
		t.Fatalf("err=%v", err)
	}
}

func TestReloadWithBadScheduleRejected(t *testing.T) {
	pm := plugin.NewManager(logx.Nop(), config.NewConfigManager(""), plugin.Deps{}, nil)
	pm.Register(New())
	block := func(raw string) *config.Config {
		return &config.Config{Plugins: map[string]config.PluginConfigRaw{
			Name: {Enabled: true, Config: json.RawMessage(raw)},
		}}
	}
	ctx := context.Background()
	for _, raw := range []string{
		`{"smart_chat":{"enabled":true,"schedule":"not a schedule"}}`,
		`{"smart_chat":{"enabled":true,"schedule":"cron: 0 25 * * *"}}`,
	} {
		if err := pm.ValidateConfig(ctx, block(raw)); err == nil {
			t.Fatalf("%s passed reload validation", raw)
		}
	}
	if err := pm.ValidateConfig(ctx, block(`{"smart_chat":{"enabled":true,"schedule":"*/15 * * * *"}}`)); err != nil {
		t.Fatalf("valid cron rejected: %v", err)
	}
}

func TestCooldownsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "bot.db")
	st, err := storage.Open(ctx, storage.Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	h := newHarness(t, `{}`, st)
	h.meet(1, "A", "")
	h.run(t, "contact", 9, "1")
	_ = h.p.Stop(ctx)

	h2 := newHarness(t, `{"command":{"manual_bypass":false}}`, st)
	h2.now = h.now.Add(time.Minute)
	h2.meet(1, "A", "")
	got := h2.run(t, "contact", 9, "1")
	if !strings.Contains(got, "cooling down, 240s left") {
		t.Fatalf("reply=%q", got)
	}
}
