package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/WaterInk0101/proactive-private-chat/internal/transport"
	logx "github.com/WaterInk0101/proactive-private-chat/pkg/logx"
)

// scriptedAdapter returns errs in order, then succeeds.
type scriptedAdapter struct {
	mu    sync.Mutex
	errs  []error
	calls int
	to    []transport.ChatTarget
}

func (a *scriptedAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (a *scriptedAdapter) Stop(context.Context) error                           { return nil }

func (a *scriptedAdapter) SendText(_ context.Context, to transport.ChatTarget, _ string, _ *transport.SendOptions) (transport.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	a.to = append(a.to, to)
	if len(a.errs) > 0 {
		err := a.errs[0]
		a.errs = a.errs[1:]
		return transport.MessageRef{}, err
	}
	return transport.MessageRef{ChatID: to.ChatID, MessageID: a.calls}, nil
}

func fastConfig() Config {
	return Config{RatePerSec: 1000, Burst: 10, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond, SendTimeout: time.Second}
}

func TestSendRetriesTransientErrors(t *testing.T) {
	ad := &scriptedAdapter{errs: []error{errors.New("502 bad gateway")}}
	m := New(fastConfig(), ad, logx.Nop())

	if err := m.SendPrivate(context.Background(), 42, "hi"); err != nil {
		t.Fatalf("SendPrivate: %v", err)
	}
	if ad.calls != 2 {
		t.Fatalf("calls=%d want 2", ad.calls)
	}
	if ad.to[0].ChatID != 42 {
		t.Fatalf("target=%+v", ad.to[0])
	}
	h := m.History()
	if len(h) != 1 || !h[0].OK || h[0].Tries != 2 {
		t.Fatalf("history=%+v", h)
	}
}

func TestSendDoesNotRetryUnreachable(t *testing.T) {
	blocked := errors.Join(transport.ErrUnreachable, errors.New("bot was blocked by the user"))
	ad := &scriptedAdapter{errs: []error{blocked}}
	m := New(fastConfig(), ad, logx.Nop())

	err := m.SendPrivate(context.Background(), 7, "hi")
	if !errors.Is(err, transport.ErrUnreachable) {
		t.Fatalf("err=%v", err)
	}
	if ad.calls != 1 {
		t.Fatalf("calls=%d want 1", ad.calls)
	}
}

func TestSendGivesUpAfterRetryMax(t *testing.T) {
	boom := errors.New("boom")
	ad := &scriptedAdapter{errs: []error{boom, boom, boom, boom}}
	m := New(fastConfig(), ad, logx.Nop())

	err := m.SendPrivate(context.Background(), 7, "hi")
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
	if ad.calls != 3 {
		t.Fatalf("calls=%d want 1+RetryMax", ad.calls)
	}
}

func TestSendHonoursRetryAfter(t *testing.T) {
	ad := &scriptedAdapter{errs: []error{&transport.RetryAfterError{After: 50 * time.Millisecond, Err: errors.New("flood")}}}
	m := New(fastConfig(), ad, logx.Nop())

	start := time.Now()
	if err := m.SendPrivate(context.Background(), 1, "hi"); err != nil {
		t.Fatalf("SendPrivate: %v", err)
	}
	if d := time.Since(start); d < 50*time.Millisecond {
		t.Fatalf("retried after %s, before the platform hint", d)
	}
}

func TestReportNoTargetIsNoop(t *testing.T) {
	ad := &scriptedAdapter{}
	m := New(fastConfig(), ad, logx.Nop())
	if err := m.Report(context.Background(), "x"); err != nil || ad.calls != 0 {
		t.Fatalf("err=%v calls=%d", err, ad.calls)
	}

	cfg := fastConfig()
	cfg.ReportTarget = transport.ChatTarget{ChatID: -100, ThreadID: 3}
	m.Apply(cfg)
	if err := m.Report(context.Background(), "x"); err != nil {
		t.Fatalf("Report: %v", err)
	}
	if ad.calls != 1 || ad.to[0] != cfg.ReportTarget {
		t.Fatalf("to=%+v", ad.to)
	}
}

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	if c.RatePerSec != 1 || c.Burst != 1 || c.RetryMax != 3 || c.SendTimeout != 15*time.Second || c.RetryMaxDelay != 10*time.Second {
		t.Fatalf("defaults=%+v", c)
	}
}
