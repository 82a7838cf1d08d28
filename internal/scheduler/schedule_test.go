package scheduler

import (
	"testing"
	"time"

	"github.com/rosterlabs/roster/internal/fault"
)

func TestParse_Cron_NextFire(t *testing.T) {
	sched, err := Parse(KindCron, "0 9 * * *")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	now := time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)
	next, ok := sched.Next(now, nil)
	if !ok {
		t.Fatal("cron schedule must always have a next fire")
	}
	want := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestParse_Cron_NoFutureMatch(t *testing.T) {
	// Feb 30 never exists; the schedule parses but has no next fire.
	sched, err := Parse(KindCron, "0 0 30 2 *")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	next, ok := sched.Next(time.Now(), nil)
	if ok {
		t.Errorf("next = %v (ok=true), want no next fire", next)
	}
}

func TestParse_Interval(t *testing.T) {
	sched, err := Parse(KindInterval, "90")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if sched.Interval != 90*time.Second {
		t.Errorf("interval = %v, want 90s", sched.Interval)
	}

	now := time.Now()

	// Never run: next relative to now.
	next, ok := sched.Next(now, nil)
	if !ok || !next.Equal(now.Add(90*time.Second)) {
		t.Errorf("first next = %v (ok=%v)", next, ok)
	}

	// Recent run: next = last + d.
	last := now.Add(-30 * time.Second)
	next, ok = sched.Next(now, &last)
	if !ok || !next.Equal(last.Add(90*time.Second)) {
		t.Errorf("next after recent run = %v (ok=%v)", next, ok)
	}

	// Overdue: clamped to now.
	stale := now.Add(-time.Hour)
	next, ok = sched.Next(now, &stale)
	if !ok || !next.Equal(now) {
		t.Errorf("overdue next = %v (ok=%v), want now", next, ok)
	}
}

func TestParse_IntervalRejectsNonPositive(t *testing.T) {
	for _, spec := range []string{"0", "-5", "abc", ""} {
		if _, err := Parse(KindInterval, spec); fault.KindOf(err) != fault.ConfigInvalid {
			t.Errorf("Parse(interval, %q): kind = %q, want ConfigInvalid", spec, fault.KindOf(err))
		}
	}
}

func TestParse_Once(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sched, err := Parse(KindOnce, at.Format(time.RFC3339))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	// Future instant fires at the instant.
	next, ok := sched.Next(at.Add(-time.Hour), nil)
	if !ok || !next.Equal(at) {
		t.Errorf("future once: next = %v (ok=%v), want %v", next, ok, at)
	}

	// Past instant fires immediately.
	now := at.Add(time.Hour)
	next, ok = sched.Next(now, nil)
	if !ok || !next.Equal(now) {
		t.Errorf("past once: next = %v (ok=%v), want %v", next, ok, now)
	}
}

func TestParse_BadInputs(t *testing.T) {
	cases := []struct{ kind, spec string }{
		{KindCron, "not a cron"},
		{KindOnce, "yesterday"},
		{"hourly", "1"},
	}
	for _, tc := range cases {
		if _, err := Parse(tc.kind, tc.spec); fault.KindOf(err) != fault.ConfigInvalid {
			t.Errorf("Parse(%q, %q): kind = %q, want ConfigInvalid", tc.kind, tc.spec, fault.KindOf(err))
		}
	}
}
