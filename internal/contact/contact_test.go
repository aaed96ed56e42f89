package contact

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/WaterInk0101/proactive-private-chat/internal/eventbus"
	"github.com/WaterInk0101/proactive-private-chat/internal/storage"
	logx "github.com/WaterInk0101/proactive-private-chat/pkg/logx"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeDir struct {
	users map[string]UserRecord
}

func newDir(users ...UserRecord) *fakeDir {
	d := &fakeDir{users: map[string]UserRecord{}}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

func (d *fakeDir) ListKnownUsers(context.Context) ([]UserRecord, error) {
	out := make([]UserRecord, 0, len(d.users))
	for _, u := range d.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *fakeDir) Resolve(_ context.Context, id string) (UserRecord, error) {
	u, ok := d.users[id]
	if !ok {
		return UserRecord{}, fmt.Errorf("user %s: %w", id, ErrTargetNotFound)
	}
	return u, nil
}

type fakeMessenger struct {
	mu    sync.Mutex
	sent  map[string][]string
	fail  error
	delay time.Duration
	calls atomic.Int32
	// failFor fails only the listed users.
	failFor map[string]error
}

func (m *fakeMessenger) SendPrivate(_ context.Context, userID, text string) error {
	m.calls.Add(1)
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.fail != nil {
		return m.fail
	}
	if err := m.failFor[userID]; err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sent == nil {
		m.sent = map[string][]string{}
	}
	m.sent[userID] = append(m.sent[userID], text)
	return nil
}

func (m *fakeMessenger) count(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent[userID])
}

// seqRand returns fixed draws.
type seqRand struct {
	ints   []int
	floats []float64
}

func (r *seqRand) IntN(n int) int {
	if len(r.ints) == 0 {
		return 0
	}
	v := r.ints[0]
	r.ints = r.ints[1:]
	return v % n
}

func (r *seqRand) Float64() float64 {
	if len(r.floats) == 0 {
		return 0
	}
	v := r.floats[0]
	r.floats = r.floats[1:]
	return v
}

func baseConfig() Config {
	c := DefaultConfig()
	c.CooldownSeconds = 300
	return c
}

func newEngine(t *testing.T, cfg Config, dir Directory, m Messenger, opts ...Option) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, dir, m, opts...)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestCooldownNeverContacted(t *testing.T) {
	tr := NewTracker(nil, logx.Nop())
	for _, cd := range []time.Duration{time.Second, time.Hour, 365 * 24 * time.Hour} {
		if tr.IsCoolingDown("U1", t0, cd) {
			t.Fatalf("never-contacted user cooling down for %s", cd)
		}
	}
}

func TestCooldownBoundary(t *testing.T) {
	tr := NewTracker(nil, logx.Nop())
	cd := 300 * time.Second
	tr.RecordContact("U1", t0)

	if !tr.IsCoolingDown("U1", t0.Add(cd-time.Second), cd) {
		t.Fatalf("expected cooling down one second before the end")
	}
	if tr.IsCoolingDown("U1", t0.Add(cd), cd) {
		t.Fatalf("expected eligible exactly at the end")
	}
	if got := tr.Remaining("U1", t0.Add(100*time.Second), cd); got != 200*time.Second {
		t.Fatalf("remaining=%s", got)
	}
}

func TestZeroCooldownDisables(t *testing.T) {
	tr := NewTracker(nil, logx.Nop())
	tr.RecordContact("U1", t0)
	if tr.IsCoolingDown("U1", t0, 0) {
		t.Fatalf("zero cooldown must never cool down")
	}
}

func TestRecordOverwritesAndRestoreKeepsNewer(t *testing.T) {
	tr := NewTracker(nil, logx.Nop())
	tr.RecordContact("U1", t0.Add(time.Hour))
	tr.RecordContact("U1", t0)
	if at, _ := tr.LastContact("U1"); !at.Equal(t0) {
		t.Fatalf("last write must win, got %s", at)
	}

	tr.Restore(map[string]time.Time{"U1": t0.Add(-time.Hour), "U2": t0})
	if at, _ := tr.LastContact("U1"); !at.Equal(t0) {
		t.Fatalf("restore replaced a newer entry: %s", at)
	}
	if _, ok := tr.LastContact("U2"); !ok || tr.Len() != 2 {
		t.Fatalf("restore did not add U2")
	}
}

type failingCooldownStore struct{ calls atomic.Int32 }

func (s *failingCooldownStore) PutCooldown(context.Context, string, time.Time) error {
	s.calls.Add(1)
	return errors.New("disk full")
}

func TestRecordPersistFailureIsNotFatal(t *testing.T) {
	st := &failingCooldownStore{}
	tr := NewTracker(st, logx.Nop())
	tr.RecordContact("U1", t0)
	if st.calls.Load() != 1 {
		t.Fatalf("store not called")
	}
	if !tr.IsCoolingDown("U1", t0, time.Minute) {
		t.Fatalf("in-memory entry lost after persist failure")
	}
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	var k keyedMutex
	u1 := k.lock("a")
	u2 := k.lock("b")
	if k.size() != 2 {
		t.Fatalf("size=%d", k.size())
	}
	u1()
	u1()
	u2()
	if k.size() != 0 {
		t.Fatalf("size=%d after unlock", k.size())
	}
}

func TestEligibilityOrder(t *testing.T) {
	tr := NewTracker(nil, logx.Nop())
	tr.RecordContact("U1", t0)
	unknown := UserRecord{ID: "U1", Known: false}

	cases := []struct {
		name string
		cfg  func(*Config)
		user UserRecord
		want error
	}{
		{"disabled dominates", func(c *Config) { c.Enabled = false }, unknown, ErrDisabled},
		{"unknown before cooldown", func(c *Config) {}, unknown, ErrUnknownUser},
		{"cooldown", func(c *Config) {}, UserRecord{ID: "U1", Known: true}, ErrCoolingDown},
		{"unknown allowed", func(c *Config) { c.OnlyKnownUsers = false; c.CooldownSeconds = 0 }, unknown, nil},
		{"fresh user", func(c *Config) {}, UserRecord{ID: "U2", Known: true}, nil},
	}
	for _, tc := range cases {
		cfg := baseConfig()
		tc.cfg(&cfg)
		err := CheckEligibility(tr, tc.user, t0.Add(time.Second), cfg)
		if tc.want == nil && err != nil || tc.want != nil && !errors.Is(err, tc.want) {
			t.Fatalf("%s: err=%v want %v", tc.name, err, tc.want)
		}
	}

	var ce *CooldownError
	cfg := baseConfig()
	err := CheckEligibility(tr, UserRecord{ID: "U1", Known: true}, t0.Add(time.Second), cfg)
	if !errors.As(err, &ce) || ce.Remaining != 299*time.Second {
		t.Fatalf("cooldown error=%v", err)
	}
	if CodeOf(err) != CodeCoolingDown {
		t.Fatalf("code=%s", CodeOf(err))
	}
}

func TestDisabledAlwaysFails(t *testing.T) {
	tr := NewTracker(nil, logx.Nop())
	for _, known := range []bool{true, false} {
		for _, onlyKnown := range []bool{true, false} {
			for _, cd := range []int{0, 300} {
				cfg := Config{Enabled: false, OnlyKnownUsers: onlyKnown, CooldownSeconds: cd}
				if err := CheckEligibility(tr, UserRecord{ID: "x", Known: known}, t0, cfg); !errors.Is(err, ErrDisabled) {
					t.Fatalf("known=%v only=%v cd=%d: %v", known, onlyKnown, cd, err)
				}
			}
		}
	}
}

func TestComposeSubstitutesName(t *testing.T) {
	cfg := baseConfig()
	c := NewComposer(&seqRand{})
	out := c.Compose(UserRecord{ID: "U1", DisplayName: "Alice"}, cfg)
	if !strings.Contains(out, "Alice") || strings.Contains(out, Placeholder) {
		t.Fatalf("compose=%q", out)
	}
}

func TestComposeFallbacks(t *testing.T) {
	cfg := baseConfig()
	cfg.DefaultGreeting = "hi {nickname}!"
	c := NewComposer(&seqRand{})
	if got := c.Compose(UserRecord{ID: "42"}, cfg); got != "hi 42!" {
		t.Fatalf("id fallback: %q", got)
	}
	cfg.FallbackName = "friend"
	if got := c.Compose(UserRecord{ID: "42", DisplayName: "  "}, cfg); got != "hi friend!" {
		t.Fatalf("fallback_name: %q", got)
	}
}

func TestComposeRandomList(t *testing.T) {
	cfg := baseConfig()
	cfg.RandomGreetings = []string{"a {nickname}", "b {nickname}", "c {nickname}"}
	c := NewComposer(&seqRand{ints: []int{2, 0}})
	u := UserRecord{ID: "1", DisplayName: "Bo"}
	if got := c.Compose(u, cfg); got != "c Bo" {
		t.Fatalf("first=%q", got)
	}
	if got := c.Compose(u, cfg); got != "a Bo" {
		t.Fatalf("second=%q", got)
	}

	// A failed chance draw falls back to the default template.
	half := 0.5
	cfg.RandomChance = &half
	cfg.DefaultGreeting = "default {nickname}"
	c = NewComposer(&seqRand{floats: []float64{0.9, 0.1}, ints: []int{1}})
	if got := c.Compose(u, cfg); got != "default Bo" {
		t.Fatalf("miss=%q", got)
	}
	if got := c.Compose(u, cfg); got != "b Bo" {
		t.Fatalf("hit=%q", got)
	}
}

func TestAccessGate(t *testing.T) {
	open := AccessPolicy{RequireAdmin: false, AllowedUsers: []string{"123456"}}
	if !CanInvoke("999999", open) || !CanInvoke("", open) {
		t.Fatalf("open policy must allow anyone")
	}
	closed := AccessPolicy{RequireAdmin: true, AllowedUsers: []string{"123456", "Admin"}}
	cases := map[string]bool{"123456": true, "999999": false, "admin": false, "Admin": true, "123456 ": false}
	for actor, want := range cases {
		if got := CanInvoke(actor, closed); got != want {
			t.Fatalf("CanInvoke(%q)=%v want %v", actor, got, want)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	neg := -0.1
	bad := []func(*Config){
		func(c *Config) { c.CooldownSeconds = -1 },
		func(c *Config) { c.AllowedUsers = []string{"1", " "} },
		func(c *Config) { c.DefaultGreeting = "hello" },
		func(c *Config) { c.RandomGreetings = []string{"{nickname} {nickname}"} },
		func(c *Config) { c.RandomGreetings = []string{} },
		func(c *Config) { c.RandomChance = &neg },
		func(c *Config) { p := 1.5; c.SmartChat.TriggerProbability = &p },
	}
	for i, mut := range bad {
		cfg := baseConfig()
		mut(&cfg)
		if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("case %d: err=%v", i, err)
		}
	}

	ok := baseConfig()
	zero := 0.0
	ok.RandomGreetings = []string{}
	ok.RandomChance = &zero
	if err := ok.Validate(); err != nil {
		t.Fatalf("empty list with zero chance: %v", err)
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("defaults: %v", err)
	}
}

// Scenario 1: send, record, then cooldown blocks a retry.
func TestScenarioSendThenCooldown(t *testing.T) {
	dir := newDir(UserRecord{ID: "U1", DisplayName: "Una", Known: true})
	m := &fakeMessenger{}
	e := newEngine(t, baseConfig(), dir, m)

	res := e.AttemptContact(context.Background(), dir.users["U1"], t0, AttemptOptions{})
	if !res.Sent() || m.count("U1") != 1 {
		t.Fatalf("first attempt: %+v", res)
	}
	if at, ok := e.Tracker().LastContact("U1"); !ok || !at.Equal(t0) {
		t.Fatalf("contact not recorded at now")
	}

	res = e.AttemptContact(context.Background(), dir.users["U1"], t0.Add(299*time.Second), AttemptOptions{})
	if res.Code != CodeCoolingDown || res.Remaining != time.Second {
		t.Fatalf("retry: %+v", res)
	}
	if m.count("U1") != 1 {
		t.Fatalf("retry sent")
	}
}

// Scenario 2: the sweep skips unknown users, the manual command does not.
func TestScenarioUnknownUserSweepVsManual(t *testing.T) {
	dir := newDir(UserRecord{ID: "U2", Known: false})
	m := &fakeMessenger{}
	e := newEngine(t, baseConfig(), dir, m)

	rep, err := e.RunSmartCycle(context.Background(), t0)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.Counts[CodeUnknownUser] != 1 || rep.Sent() != 0 {
		t.Fatalf("sweep report: %+v", rep)
	}

	res := e.HandleContactCommand(context.Background(), "op", "U2", "", t0)
	if !res.Sent() || m.count("U2") != 1 {
		t.Fatalf("manual: %+v", res)
	}

	// With bypass off the manual path applies the full checks.
	cfg := baseConfig()
	off := false
	cfg.Command.ManualBypass = &off
	if err := e.Apply(cfg); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	res = e.HandleContactCommand(context.Background(), "op", "U2", "", t0)
	if res.Code != CodeUnknownUser {
		t.Fatalf("manual without bypass: %+v", res)
	}
}

// Scenario 3: an actor outside allowed_users is refused before any send.
func TestScenarioPermissionDenied(t *testing.T) {
	cfg := baseConfig()
	cfg.RequireAdmin = true
	cfg.AllowedUsers = []string{"123456"}
	dir := newDir(UserRecord{ID: "U1", Known: true})
	m := &fakeMessenger{}
	e := newEngine(t, cfg, dir, m)

	res := e.HandleContactCommand(context.Background(), "999999", "U1", "", t0)
	if res.Code != CodePermissionDenied || !errors.Is(res.Err, ErrPermissionDenied) {
		t.Fatalf("res=%+v", res)
	}
	if m.calls.Load() != 0 {
		t.Fatalf("send attempted")
	}
	if res := e.HandleContactCommand(context.Background(), "123456", "U1", "", t0); !res.Sent() {
		t.Fatalf("allowed actor: %+v", res)
	}
}

// Scenario 4: a failed send leaves the cooldown entry untouched.
func TestScenarioSendFailure(t *testing.T) {
	dir := newDir(UserRecord{ID: "U1", Known: true})
	boom := errors.New("network down")
	m := &fakeMessenger{fail: boom}
	e := newEngine(t, baseConfig(), dir, m)

	res := e.AttemptContact(context.Background(), dir.users["U1"], t0, AttemptOptions{})
	if res.Code != CodeSendFailure || !errors.Is(res.Err, boom) || !errors.Is(res.Err, ErrSendFailure) {
		t.Fatalf("res=%+v", res)
	}
	if _, ok := e.Tracker().LastContact("U1"); ok {
		t.Fatalf("failed send recorded a contact")
	}
	if e.Tracker().IsCoolingDown("U1", t0, baseConfig().Cooldown()) {
		t.Fatalf("user cooling down after failed send")
	}

	m.fail = nil
	if res := e.AttemptContact(context.Background(), dir.users["U1"], t0, AttemptOptions{}); !res.Sent() {
		t.Fatalf("retry after failure: %+v", res)
	}
}

func TestConcurrentAttemptsSendOnce(t *testing.T) {
	for range 20 {
		dir := newDir(UserRecord{ID: "U1", Known: true})
		m := &fakeMessenger{delay: 5 * time.Millisecond}
		e := newEngine(t, baseConfig(), dir, m)

		var wg sync.WaitGroup
		results := make([]Result, 2)
		for i := range results {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i] = e.AttemptContact(context.Background(), dir.users["U1"], t0, AttemptOptions{})
			}()
		}
		wg.Wait()

		codes := []Code{results[0].Code, results[1].Code}
		sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
		if codes[0] != CodeCoolingDown || codes[1] != CodeSent || m.count("U1") != 1 {
			t.Fatalf("codes=%v sends=%d", codes, m.count("U1"))
		}
	}
}

func TestSweepAndCommandRaceSendOnce(t *testing.T) {
	cfg := baseConfig()
	off := false
	cfg.Command.ManualBypass = &off
	dir := newDir(UserRecord{ID: "U1", Known: true})
	m := &fakeMessenger{delay: 5 * time.Millisecond}
	e := newEngine(t, cfg, dir, m)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = e.RunSmartCycle(context.Background(), t0)
	}()
	go func() {
		defer wg.Done()
		_ = e.HandleContactCommand(context.Background(), "op", "U1", "", t0)
	}()
	wg.Wait()
	if m.count("U1") != 1 {
		t.Fatalf("sends=%d", m.count("U1"))
	}
}

func TestSweepContinuesPastFailures(t *testing.T) {
	dir := newDir(
		UserRecord{ID: "A", Known: true},
		UserRecord{ID: "B", Known: false},
		UserRecord{ID: "C", Known: true},
	)
	m := &failFor{fakeMessenger: &fakeMessenger{}, bad: "A"}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	e := newEngine(t, baseConfig(), dir, m, WithBus(bus))
	e.Tracker().RecordContact("C", t0.Add(-time.Minute))

	rep, err := e.RunSmartCycle(context.Background(), t0)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	want := map[Code]int{CodeSendFailure: 1, CodeUnknownUser: 1, CodeCoolingDown: 1}
	for c, n := range want {
		if rep.Counts[c] != n {
			t.Fatalf("counts=%v", rep.Counts)
		}
	}
	if rep.Candidates != 3 || rep.CycleID == "" {
		t.Fatalf("report=%+v", rep)
	}

	seen := map[string]int{}
	for len(events) > 0 {
		ev := <-events
		seen[ev.Type]++
	}
	if seen[eventbus.TopicContactFailed] != 1 || seen[eventbus.TopicContactSkipped] != 2 || seen[eventbus.TopicSweepDone] != 1 {
		t.Fatalf("events=%v", seen)
	}
}

type failFor struct {
	*fakeMessenger
	bad string
}

func (f *failFor) SendPrivate(ctx context.Context, userID, text string) error {
	if userID == f.bad {
		return errors.New("blocked")
	}
	return f.fakeMessenger.SendPrivate(ctx, userID, text)
}

func TestSweepConcurrencyAndCap(t *testing.T) {
	var users []UserRecord
	for i := range 10 {
		users = append(users, UserRecord{ID: fmt.Sprintf("U%02d", i), Known: true})
	}
	cfg := baseConfig()
	cfg.SmartChat.Concurrency = 4
	cfg.SmartChat.MaxPerCycle = 3
	m := &fakeMessenger{delay: time.Millisecond}
	e := newEngine(t, cfg, newDir(users...), m)

	rep, err := e.RunSmartCycle(context.Background(), t0)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.Sent() != 3 || rep.Counts[CodeCycleLimit] != 7 || m.calls.Load() != 3 {
		t.Fatalf("counts=%v calls=%d", rep.Counts, m.calls.Load())
	}
}

func TestSweepCapNotWastedByFailedSend(t *testing.T) {
	for run := range 20 {
		cfg := baseConfig()
		cfg.SmartChat.Concurrency = 2
		cfg.SmartChat.MaxPerCycle = 1
		m := &fakeMessenger{
			delay:   20 * time.Millisecond,
			failFor: map[string]error{"B": errors.New("telegram down")},
		}
		dir := newDir(UserRecord{ID: "A", Known: true}, UserRecord{ID: "B", Known: true})
		e := newEngine(t, cfg, dir, m)

		rep, err := e.RunSmartCycle(context.Background(), t0)
		if err != nil {
			t.Fatalf("run %d: sweep: %v", run, err)
		}
		if rep.Sent() != 1 || m.count("A") != 1 {
			t.Fatalf("run %d: eligible user skipped while the cap was unused: counts=%v", run, rep.Counts)
		}
		if rep.Counts[CodeSendFailure]+rep.Counts[CodeCycleLimit] != 1 {
			t.Fatalf("run %d: counts=%v", run, rep.Counts)
		}
	}
}

func TestSweepTriggerProbability(t *testing.T) {
	cfg := baseConfig()
	p := 0.5
	cfg.SmartChat.TriggerProbability = &p
	dir := newDir(UserRecord{ID: "A", Known: true}, UserRecord{ID: "B", Known: true})
	m := &fakeMessenger{}
	e := newEngine(t, cfg, dir, m, WithRand(&seqRand{floats: []float64{0.7, 0.2}}))

	rep, _ := e.RunSmartCycle(context.Background(), t0)
	if rep.Counts[CodeNotSelected] != 1 || rep.Sent() != 1 || m.count("B") != 1 {
		t.Fatalf("counts=%v", rep.Counts)
	}
}

func TestSweepDisabled(t *testing.T) {
	cfg := baseConfig()
	cfg.Enabled = false
	m := &fakeMessenger{}
	e := newEngine(t, cfg, newDir(UserRecord{ID: "A", Known: true}), m)
	rep, err := e.RunSmartCycle(context.Background(), t0)
	if err != nil || !rep.Disabled || m.calls.Load() != 0 {
		t.Fatalf("rep=%+v err=%v", rep, err)
	}
	if res := e.HandleContactCommand(context.Background(), "op", "A", "", t0); res.Code != CodeDisabled {
		t.Fatalf("manual bypass must not skip DISABLED: %+v", res)
	}
}

func TestManualTargetNotFoundAndCustomMessage(t *testing.T) {
	dir := newDir(UserRecord{ID: "U1", DisplayName: "Ann", Known: true})
	m := &fakeMessenger{}
	e := newEngine(t, baseConfig(), dir, m)

	if res := e.HandleContactCommand(context.Background(), "op", "nope", "", t0); res.Code != CodeTargetNotFound {
		t.Fatalf("res=%+v", res)
	}
	res := e.HandleContactCommand(context.Background(), "op", "U1", "see you at 8, {nickname}", t0)
	if !res.Sent() || m.sent["U1"][0] != "see you at 8, Ann" {
		t.Fatalf("res=%+v sent=%v", res, m.sent)
	}
	// Bypass also ignores the fresh cooldown.
	if res := e.HandleContactCommand(context.Background(), "op", "U1", "again", t0.Add(time.Second)); !res.Sent() {
		t.Fatalf("second manual: %+v", res)
	}
}

func TestListContacts(t *testing.T) {
	var users []UserRecord
	for i := range 25 {
		users = append(users, UserRecord{ID: fmt.Sprintf("K%02d", i), Known: true})
	}
	users = append(users, UserRecord{ID: "Z", Known: false})
	dir := newDir(users...)
	e := newEngine(t, baseConfig(), dir, &fakeMessenger{})
	e.Tracker().RecordContact("K00", t0)

	l, err := e.ListContacts(context.Background(), t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("ListContacts: %v", err)
	}
	if len(l.Entries) != DefaultListLimit || l.Overflow != 5 || l.Total() != 25 {
		t.Fatalf("entries=%d overflow=%d", len(l.Entries), l.Overflow)
	}
	if l.Entries[0].User.ID != "K00" || l.Entries[0].Remaining != 4*time.Minute {
		t.Fatalf("first=%+v", l.Entries[0])
	}
	if at, _ := e.Tracker().LastContact("K00"); !at.Equal(t0) || e.Tracker().Len() != 1 {
		t.Fatalf("listing mutated the tracker")
	}
}

type memAudit struct {
	mu      sync.Mutex
	entries []storage.AuditEntry
}

func (a *memAudit) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	a.mu.Lock()
	a.entries = append(a.entries, e)
	a.mu.Unlock()
	return nil
}

func TestAuditTrail(t *testing.T) {
	cfg := baseConfig()
	cfg.RequireAdmin = true
	cfg.AllowedUsers = []string{"op"}
	dir := newDir(UserRecord{ID: "U1", Known: true}, UserRecord{ID: "U2", Known: true})
	audit := &memAudit{}
	e := newEngine(t, cfg, dir, &fakeMessenger{}, WithAudit(audit, "proactive_chat"))

	e.HandleContactCommand(context.Background(), "op", "U1", "", t0)
	e.HandleContactCommand(context.Background(), "intruder", "U1", "", t0)
	_, _ = e.RunSmartCycle(context.Background(), t0)

	// Sent U1 manually, denied intruder, swept U2; the swept U1 is only skipped.
	if len(audit.entries) != 3 {
		t.Fatalf("entries=%+v", audit.entries)
	}
	if a := audit.entries[0]; a.Action != "contact.manual" || a.Outcome != "SENT" || a.Plugin != "proactive_chat" {
		t.Fatalf("first=%+v", a)
	}
	if a := audit.entries[1]; a.Outcome != string(CodePermissionDenied) || a.ActorID != "intruder" {
		t.Fatalf("second=%+v", a)
	}
	if a := audit.entries[2]; a.CycleID == "" || a.Target != "U2" {
		t.Fatalf("third=%+v", a)
	}
}

func TestNewEngineRejectsInvalidConfig(t *testing.T) {
	cfg := baseConfig()
	cfg.CooldownSeconds = -5
	if _, err := NewEngine(cfg, newDir(), &fakeMessenger{}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err=%v", err)
	}
	e := newEngine(t, baseConfig(), newDir(), &fakeMessenger{})
	if err := e.Apply(cfg); err == nil || e.Config().CooldownSeconds != 300 {
		t.Fatalf("invalid Apply must keep the old config")
	}
}
