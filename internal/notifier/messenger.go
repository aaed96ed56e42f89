package notifier

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"golang.org/x/time/rate"

	"github.com/WaterInk0101/proactive-private-chat/internal/transport"
	logx "github.com/WaterInk0101/proactive-private-chat/pkg/logx"
)

type Config struct {
	RatePerSec    float64
	Burst         int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration

	// ReportTarget receives operator reports. Zero ChatID disables Report.
	ReportTarget transport.ChatTarget
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay < c.RetryBase {
		c.RetryMaxDelay = max(10*time.Second, c.RetryBase)
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	return c
}

// DefaultConfig is what an omitted notifier block means.
func DefaultConfig() Config {
	return Config{RetryMax: 3}.withDefaults()
}

type HistoryItem struct {
	At      time.Time `json:"at"`
	ChatID  int64     `json:"chat_id"`
	OK      bool      `json:"ok"`
	Tries   int       `json:"tries"`
	Error   string    `json:"error,omitempty"`
	TookMS  int64     `json:"took_ms"`
	Summary string    `json:"summary"`
}

const historyMax = 50

type Messenger struct {
	adapter transport.Adapter
	log     logx.Logger

	mu       sync.Mutex
	cfg      Config
	limiter  *rate.Limiter
	executor failsafe.Executor[transport.MessageRef]
	breaker  circuitbreaker.CircuitBreaker[transport.MessageRef]

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, adapter transport.Adapter, log logx.Logger) *Messenger {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Messenger{adapter: adapter, log: log.With(logx.String("comp", "notifier"))}
	m.Apply(cfg)
	return m
}

// Apply rebuilds the limiter and policies. In-flight sends finish under the
// old ones.
func (m *Messenger) Apply(cfg Config) {
	cfg = cfg.withDefaults()

	retry := retrypolicy.NewBuilder[transport.MessageRef]().
		WithBackoff(cfg.RetryBase, cfg.RetryMaxDelay).
		WithMaxRetries(cfg.RetryMax).
		WithJitterFactor(0.1).
		HandleIf(func(_ transport.MessageRef, err error) bool { return retryable(err) }).
		ReturnLastFailure().
		Build()

	// Only platform-wide trouble opens the breaker; one user blocking the bot
	// says nothing about the platform.
	breaker := circuitbreaker.NewBuilder[transport.MessageRef]().
		WithFailureThresholdRatio(5, 10).
		WithDelay(30 * time.Second).
		WithSuccessThreshold(1).
		HandleIf(func(_ transport.MessageRef, err error) bool {
			return err != nil && !errors.Is(err, transport.ErrUnreachable) && !errors.Is(err, context.Canceled)
		}).
		Build()

	m.mu.Lock()
	m.cfg = cfg
	m.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	m.breaker = breaker
	m.executor = failsafe.With[transport.MessageRef](retry, breaker)
	m.mu.Unlock()
}

func retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, transport.ErrUnreachable),
		errors.Is(err, circuitbreaker.ErrOpen),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// SendPrivate delivers text to a user's private chat. In Telegram the
// private chat id equals the user id.
func (m *Messenger) SendPrivate(ctx context.Context, userID int64, text string) error {
	_, err := m.Send(ctx, transport.ChatTarget{ChatID: userID}, text)
	return err
}

// Send waits for a rate-limit token, then delivers with retries. Each try
// gets its own SendTimeout. A RetryAfterError delays the next try by at
// least the platform's hint.
func (m *Messenger) Send(ctx context.Context, to transport.ChatTarget, text string) (transport.MessageRef, error) {
	m.mu.Lock()
	cfg, lim, exec := m.cfg, m.limiter, m.executor
	m.mu.Unlock()

	start := time.Now()
	tries := 0
	ref, err := exec.WithContext(ctx).Get(func() (transport.MessageRef, error) {
		tries++
		if err := lim.Wait(ctx); err != nil {
			return transport.MessageRef{}, err
		}
		actx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		defer cancel()
		ref, err := m.adapter.SendText(actx, to, text, &transport.SendOptions{DisablePreview: true})
		var ra *transport.RetryAfterError
		if errors.As(err, &ra) {
			m.log.Warn("flood control", logx.Int64("chat_id", to.ChatID), logx.Duration("retry_after", ra.After))
			sleepCtx(ctx, ra.After)
		}
		return ref, err
	})

	item := HistoryItem{At: start, ChatID: to.ChatID, OK: err == nil, Tries: tries, TookMS: time.Since(start).Milliseconds(), Summary: summarize(text)}
	if err != nil {
		item.Error = err.Error()
		m.log.Debug("send failed", logx.Int64("chat_id", to.ChatID), logx.Int("tries", tries), logx.Err(err))
	}
	m.appendHistory(item)
	return ref, err
}

// Report implements logx.Reporter by sending to the configured report chat.
func (m *Messenger) Report(ctx context.Context, text string) error {
	m.mu.Lock()
	to := m.cfg.ReportTarget
	m.mu.Unlock()
	if to.ChatID == 0 {
		return nil
	}
	_, err := m.Send(ctx, to, text)
	return err
}

// BreakerOpen reports whether sends are currently short-circuited.
func (m *Messenger) BreakerOpen() bool {
	m.mu.Lock()
	b := m.breaker
	m.mu.Unlock()
	return b.IsOpen()
}

func (m *Messenger) History() []HistoryItem {
	m.hmu.Lock()
	defer m.hmu.Unlock()
	out := make([]HistoryItem, len(m.history))
	copy(out, m.history)
	return out
}

func (m *Messenger) appendHistory(it HistoryItem) {
	m.hmu.Lock()
	m.history = append(m.history, it)
	if n := len(m.history) - historyMax; n > 0 {
		m.history = append(m.history[:0], m.history[n:]...)
	}
	m.hmu.Unlock()
}

func summarize(s string) string {
	r := []rune(s)
	if len(r) <= 40 {
		return s
	}
	return string(r[:40]) + "…"
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
