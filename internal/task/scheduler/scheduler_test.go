package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "github.com/WaterInk0101/proactive-private-chat/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	cases := []struct {
		in    string
		kind  SpecKind
		every time.Duration
		cron  string
	}{
		{"*/30 * * * *", SpecCron, 0, "*/30 * * * *"},
		{"@hourly", SpecCron, 0, "@hourly"},
		{"cron: 0 9 * * *", SpecCron, 0, "0 9 * * *"},
		{"45m", SpecInterval, 45 * time.Minute, ""},
		{"02:30", SpecInterval, 2*time.Hour + 30*time.Minute, ""},
		{"every:10s", SpecInterval, 10 * time.Second, ""},
		{"Interval: 00:05", SpecInterval, 5 * time.Minute, ""},
	}
	for _, tc := range cases {
		ps, err := ParseSchedule(tc.in)
		if err != nil {
			t.Fatalf("ParseSchedule(%q): %v", tc.in, err)
		}
		if ps.Kind != tc.kind || ps.Every != tc.every || ps.Cron != tc.cron {
			t.Fatalf("ParseSchedule(%q)=%+v", tc.in, ps)
		}
	}
	for _, bad := range []string{"", "soon", "00:00", "1:75", "-5m", "every:", "not a schedule", "@fortnightly", "cron: 61 * * * *"} {
		if _, err := ParseSchedule(bad); err == nil {
			t.Fatalf("ParseSchedule(%q) should fail", bad)
		}
	}
}

func TestAddScheduleRejectsBadCron(t *testing.T) {
	s := New(Config{Enabled: true}, logx.Nop())
	if err := s.AddSchedule("x", "cron: not a cron", 0, func(context.Context) error { return nil }); err == nil {
		t.Fatalf("expected parse error")
	}
	if len(s.Snapshot().Schedules) != 0 {
		t.Fatalf("bad schedule kept")
	}
}

func TestIntervalJobRunsAndRecordsFailures(t *testing.T) {
	s := New(Config{Enabled: true}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	var runs atomic.Int32
	err := s.AddSchedule("sweep", "every:1s", time.Second, func(context.Context) error {
		runs.Add(1)
		return errors.New("boom")
	})
	if err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if runs.Load() == 0 {
		t.Fatalf("job never ran")
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Failed == 0 || snap.Schedules[0].LastErr != "boom" {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestSkipIfStillRunning(t *testing.T) {
	s := New(Config{Enabled: true}, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	release := make(chan struct{})
	var runs atomic.Int32
	_ = s.AddSchedule("slow", "1s", 0, func(context.Context) error {
		runs.Add(1)
		<-release
		return nil
	})

	deadline := time.Now().Add(5 * time.Second)
	for s.Snapshot().Schedules[0].Skipped == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	close(release)
	if got := s.Snapshot().Schedules[0]; got.Skipped == 0 || runs.Load() != 1 {
		t.Fatalf("skipped=%d runs=%d", got.Skipped, runs.Load())
	}
}

func TestDisabledKeepsDefinitions(t *testing.T) {
	s := New(Config{Enabled: false}, logx.Nop())
	s.Start(context.Background())
	_ = s.AddSchedule("a", "5m", 0, func(context.Context) error { return nil })
	snap := s.Snapshot()
	if snap.Running || len(snap.Schedules) != 1 {
		t.Fatalf("snapshot=%+v", snap)
	}
	if !s.Remove("a") || s.Remove("a") {
		t.Fatalf("Remove semantics")
	}
}
