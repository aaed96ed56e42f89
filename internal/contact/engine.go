package contact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/WaterInk0101/proactive-private-chat/internal/eventbus"
	"github.com/WaterInk0101/proactive-private-chat/internal/storage"
	logx "github.com/WaterInk0101/proactive-private-chat/pkg/logx"
)

// Directory supplies candidate users. ListKnownUsers returns every user the
// directory knows about; Known on each record says whether the relationship
// is established.
type Directory interface {
	ListKnownUsers(ctx context.Context) ([]UserRecord, error)
	// Resolve returns an error wrapping ErrTargetNotFound for unknown ids.
	Resolve(ctx context.Context, userID string) (UserRecord, error)
}

// Messenger delivers a private message. It may block on the network.
type Messenger interface {
	SendPrivate(ctx context.Context, userID, text string) error
}

type AuditSink interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// AttemptOptions tune a single attempt.
type AttemptOptions struct {
	// Bypass skips the known-user and cooldown checks.
	Bypass bool
	// Message replaces the composed greeting. Placeholders are rendered.
	Message string
	ActorID string
	CycleID string
}

// Result is the outcome of one attempt.
type Result struct {
	UserID      string        `json:"user_id"`
	DisplayName string        `json:"display_name,omitempty"`
	Code        Code          `json:"code"`
	Err         error         `json:"-"`
	Text        string        `json:"-"`
	At          time.Time     `json:"at"`
	Manual      bool          `json:"manual,omitempty"`
	ActorID     string        `json:"actor_id,omitempty"`
	CycleID     string        `json:"cycle_id,omitempty"`
	Remaining   time.Duration `json:"remaining,omitempty"`
	Took        time.Duration `json:"took"`
}

func (r Result) Sent() bool { return r.Code == CodeSent }

// SweepReport summarizes one smart cycle, counted per outcome code.
type SweepReport struct {
	CycleID    string        `json:"cycle_id"`
	Started    time.Time     `json:"started"`
	Took       time.Duration `json:"took"`
	Disabled   bool          `json:"disabled,omitempty"`
	Candidates int           `json:"candidates"`
	Counts     map[Code]int  `json:"counts"`
}

func (r SweepReport) Sent() int { return r.Counts[CodeSent] }

// Option configures optional Engine collaborators.
type Option func(*Engine)

func WithLogger(log logx.Logger) Option { return func(e *Engine) { e.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(e *Engine) { e.bus = bus } }

// WithAudit records sends, send failures and denied commands under name.
func WithAudit(sink AuditSink, name string) Option {
	return func(e *Engine) { e.audit, e.auditName = sink, name }
}

func WithRand(r Rand) Option { return func(e *Engine) { e.rng = r } }

func WithTracker(t *Tracker) Option { return func(e *Engine) { e.tracker = t } }

// Engine decides and dispatches proactive contacts. Config swaps are
// atomic; every method is safe for concurrent use.
type Engine struct {
	cfg atomic.Pointer[Config]

	dir       Directory
	messenger Messenger
	tracker   *Tracker
	composer  *Composer
	rng       Rand

	log       logx.Logger
	bus       eventbus.Bus
	audit     AuditSink
	auditName string
}

// NewEngine validates cfg and wires collaborators. Without WithTracker an
// in-memory tracker is used.
func NewEngine(cfg Config, dir Directory, messenger Messenger, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dir == nil || messenger == nil {
		return nil, errors.New("contact: directory and messenger are required")
	}
	e := &Engine{dir: dir, messenger: messenger}
	for _, o := range opts {
		o(e)
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	if e.rng == nil {
		e.rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed))
	}
	e.rng = &lockedRand{r: e.rng}
	if e.tracker == nil {
		e.tracker = NewTracker(nil, e.log)
	}
	e.composer = NewComposer(e.rng)
	e.cfg.Store(&cfg)
	return e, nil
}

// Apply swaps the config. Attempts already past their eligibility check
// finish under the old one.
func (e *Engine) Apply(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.cfg.Store(&cfg)
	return nil
}

func (e *Engine) Config() Config { return *e.cfg.Load() }

func (e *Engine) Tracker() *Tracker { return e.tracker }

// AttemptContact runs check, compose, send and record for one user while
// holding that user's lock. The cooldown entry is written only after a
// successful send.
func (e *Engine) AttemptContact(ctx context.Context, user UserRecord, now time.Time, opt AttemptOptions) Result {
	unlock := e.tracker.Lock(user.ID)
	defer unlock()

	cfg := e.Config()
	res := Result{
		UserID:      user.ID,
		DisplayName: user.DisplayName,
		At:          now,
		Manual:      opt.ActorID != "",
		ActorID:     opt.ActorID,
		CycleID:     opt.CycleID,
	}

	var err error
	if opt.Bypass {
		if !cfg.Enabled {
			err = ErrDisabled
		}
	} else {
		err = CheckEligibility(e.tracker, user, now, cfg)
	}
	if err != nil {
		return e.finish(ctx, res, err)
	}

	if opt.Message != "" {
		res.Text = Render(opt.Message, user, cfg)
	} else {
		res.Text = e.composer.Compose(user, cfg)
	}

	start := time.Now()
	err = e.messenger.SendPrivate(ctx, user.ID, res.Text)
	res.Took = time.Since(start)
	if err != nil {
		return e.finish(ctx, res, fmt.Errorf("%w: %w", ErrSendFailure, err))
	}
	e.tracker.RecordContact(user.ID, now)
	return e.finish(ctx, res, nil)
}

// RunSmartCycle attempts every directory user once. Individual failures
// are counted, never returned; the error is reserved for a directory
// failure or cancellation.
func (e *Engine) RunSmartCycle(ctx context.Context, now time.Time) (SweepReport, error) {
	cfg := e.Config()
	rep := SweepReport{CycleID: uuid.NewString(), Started: time.Now(), Counts: map[Code]int{}}
	log := e.log.With(logx.CycleID(rep.CycleID))

	if !cfg.Enabled {
		rep.Disabled = true
		log.Debug("sweep skipped: disabled")
		return rep, nil
	}

	users, err := e.dir.ListKnownUsers(ctx)
	if err != nil {
		return rep, fmt.Errorf("list users: %w", err)
	}
	rep.Candidates = len(users)

	var (
		mu    sync.Mutex
		prob  = cfg.triggerProbability()
		limit *cycleLimit
	)
	count := func(c Code) {
		mu.Lock()
		rep.Counts[c]++
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.concurrency())
	if cfg.SmartChat.MaxPerCycle > 0 {
		limit = newCycleLimit(gctx, cfg.SmartChat.MaxPerCycle)
		defer limit.close()
	}
	for _, u := range users {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if prob < 1 && e.rng.Float64() >= prob {
				res := e.finish(gctx, Result{UserID: u.ID, DisplayName: u.DisplayName, At: now, CycleID: rep.CycleID}, ErrNotSelected)
				count(res.Code)
				return nil
			}
			if limit != nil {
				if err := limit.acquire(); err != nil {
					if errors.Is(err, ErrCycleLimit) {
						res := e.finish(gctx, Result{UserID: u.ID, DisplayName: u.DisplayName, At: now, CycleID: rep.CycleID}, ErrCycleLimit)
						count(res.Code)
					}
					return nil
				}
			}
			res := e.AttemptContact(gctx, u, now, AttemptOptions{CycleID: rep.CycleID})
			if limit != nil {
				limit.release(res.Sent())
			}
			count(res.Code)
			return nil
		})
	}
	_ = g.Wait()
	rep.Took = time.Since(rep.Started)

	log.Info("sweep done",
		logx.Int("candidates", rep.Candidates),
		logx.Int("sent", rep.Counts[CodeSent]),
		logx.Int("failed", rep.Counts[CodeSendFailure]),
		logx.Duration("took", rep.Took),
	)
	e.publish(eventbus.TopicSweepDone, rep)
	return rep, ctx.Err()
}

// cycleLimit caps sends in one sweep. An attempt holds a slot while in
// flight; a send keeps it, anything else hands it back to the next waiter.
// Once every slot is kept, waiters and later users get ErrCycleLimit.
type cycleLimit struct {
	sem      *semaphore.Weighted
	full     context.Context
	markFull context.CancelFunc
	limit    int64
	sent     atomic.Int64
}

func newCycleLimit(ctx context.Context, n int) *cycleLimit {
	full, markFull := context.WithCancel(ctx)
	return &cycleLimit{sem: semaphore.NewWeighted(int64(n)), full: full, markFull: markFull, limit: int64(n)}
}

func (l *cycleLimit) acquire() error {
	if l.sent.Load() >= l.limit {
		return ErrCycleLimit
	}
	if err := l.sem.Acquire(l.full, 1); err != nil {
		if l.sent.Load() >= l.limit {
			return ErrCycleLimit
		}
		return err
	}
	return nil
}

func (l *cycleLimit) release(sent bool) {
	if !sent {
		l.sem.Release(1)
		return
	}
	if l.sent.Add(1) >= l.limit {
		l.markFull()
	}
}

func (l *cycleLimit) close() { l.markFull() }

// HandleContactCommand is the manual path: access gate, resolve, then an
// attempt that bypasses the known-user and cooldown checks when
// command.manual_bypass is on.
func (e *Engine) HandleContactCommand(ctx context.Context, actorID, targetID, message string, now time.Time) Result {
	cfg := e.Config()
	res := Result{UserID: targetID, At: now, Manual: true, ActorID: actorID}

	if !CanInvoke(actorID, cfg.AccessPolicy) {
		return e.finish(ctx, res, ErrPermissionDenied)
	}
	user, err := e.dir.Resolve(ctx, targetID)
	if err != nil {
		if !errors.Is(err, ErrTargetNotFound) {
			err = fmt.Errorf("%w: %w", ErrTargetNotFound, err)
		}
		return e.finish(ctx, res, err)
	}
	return e.AttemptContact(ctx, user, now, AttemptOptions{
		Bypass:  cfg.manualBypass(),
		Message: message,
		ActorID: actorID,
	})
}

// ListEntry is one listed user with the cooldown left, zero when eligible.
type ListEntry struct {
	User      UserRecord
	Remaining time.Duration
}

// Listing is the capped contact list; Overflow counts users left out.
type Listing struct {
	Disabled bool
	Entries  []ListEntry
	// Overflow counts eligible users beyond the listing limit.
	Overflow int
}

func (l Listing) Total() int { return len(l.Entries) + l.Overflow }

// ListContacts returns users passing the enabled and known-user checks,
// cooling-down users included and annotated with their remaining time.
// Nothing is mutated.
func (e *Engine) ListContacts(ctx context.Context, now time.Time) (Listing, error) {
	cfg := e.Config()
	if !cfg.Enabled {
		return Listing{Disabled: true}, nil
	}
	users, err := e.dir.ListKnownUsers(ctx)
	if err != nil {
		return Listing{}, fmt.Errorf("list users: %w", err)
	}

	var out Listing
	limit := cfg.listLimit()
	for _, u := range users {
		if cfg.OnlyKnownUsers && !u.Known {
			continue
		}
		if len(out.Entries) >= limit {
			out.Overflow++
			continue
		}
		out.Entries = append(out.Entries, ListEntry{User: u, Remaining: e.tracker.Remaining(u.ID, now, cfg.Cooldown())})
	}

	ids := make([]string, 0, len(out.Entries))
	for _, en := range out.Entries {
		ids = append(ids, en.User.ID)
	}
	e.log.Info("contact list", logx.Int("total", out.Total()), logx.Strings("shown", ids), logx.Int("overflow", out.Overflow))
	return out, nil
}

// Status reports a user's cooldown without attempting anything.
func (e *Engine) Status(userID string, now time.Time) (last time.Time, remaining time.Duration, ok bool) {
	last, ok = e.tracker.LastContact(userID)
	return last, e.tracker.Remaining(userID, now, e.Config().Cooldown()), ok
}

// finish stamps the outcome, then logs, publishes and audits it.
func (e *Engine) finish(ctx context.Context, res Result, err error) Result {
	res.Err = err
	res.Code = CodeOf(err)
	var ce *CooldownError
	if errors.As(err, &ce) {
		res.Remaining = ce.Remaining
	}

	fields := []logx.Field{logx.UserID(res.UserID), logx.String("code", string(res.Code))}
	if res.CycleID != "" {
		fields = append(fields, logx.CycleID(res.CycleID))
	}
	if res.ActorID != "" {
		fields = append(fields, logx.String("actor_id", res.ActorID))
	}

	switch res.Code {
	case CodeSent:
		e.log.Info("proactive contact sent", append(fields, logx.Duration("took", res.Took))...)
		e.publish(eventbus.TopicContactSent, res)
		e.appendAudit(ctx, res)
	case CodeSendFailure:
		e.log.Warn("proactive contact failed", append(fields, logx.Err(err))...)
		e.publish(eventbus.TopicContactFailed, res)
		e.appendAudit(ctx, res)
	case CodePermissionDenied:
		e.log.Warn("manual contact denied", fields...)
		e.publish(eventbus.TopicContactSkipped, res)
		e.appendAudit(ctx, res)
	default:
		e.log.Debug("proactive contact skipped", append(fields, logx.Err(err))...)
		e.publish(eventbus.TopicContactSkipped, res)
	}
	return res
}

func (e *Engine) publish(topic string, data any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: topic, Data: data})
}

func (e *Engine) appendAudit(ctx context.Context, res Result) {
	if e.audit == nil {
		return
	}
	entry := storage.AuditEntry{
		At:      res.At,
		Plugin:  e.auditName,
		Action:  "contact",
		ActorID: res.ActorID,
		Target:  res.UserID,
		Outcome: string(res.Code),
		TookMS:  res.Took.Milliseconds(),
		CycleID: res.CycleID,
	}
	if res.Manual {
		entry.Action = "contact.manual"
	}
	if res.Err != nil {
		entry.Error = res.Err.Error()
	}
	if meta, err := json.Marshal(map[string]any{"display_name": res.DisplayName, "chars": len([]rune(res.Text))}); err == nil {
		entry.MetaJSON = string(meta)
	}
	// Audit must not be lost to a cancelled request.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := e.audit.AppendAudit(actx, entry); err != nil {
		e.log.Warn("audit append failed", logx.Err(err))
	}
}
