package recurrence

import (
	"testing"
	"time"
)

var t0 = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func TestOnceRunsOnce(t *testing.T) {
	t.Parallel()
	p := Once(t0)
	if !p.Executable() {
		t.Fatal("fresh once policy must be executable")
	}
	if !p.DueDate().Equal(t0) || !p.StartDate().Equal(t0) {
		t.Fatalf("due/start = %v/%v, want %v", p.DueDate(), p.StartDate(), t0)
	}
	p.RecordRun(t0.Add(time.Second))
	if p.Executable() {
		t.Fatal("once policy still executable after a run")
	}
}

func TestEveryMeasuresFromLastRun(t *testing.T) {
	t.Parallel()
	if _, err := Every(0, t0); err == nil {
		t.Fatal("expected error for zero interval")
	}
	p, err := Every(time.Minute, t0)
	if err != nil {
		t.Fatalf("Every: %v", err)
	}
	finished := t0.Add(20 * time.Second)
	p.RecordRun(finished)
	if got, want := p.DueDate(), finished.Add(time.Minute); !got.Equal(want) {
		t.Fatalf("due = %v, want %v", got, want)
	}
	if !p.Executable() {
		t.Fatal("interval policy must stay executable")
	}
}

func TestCronAdvances(t *testing.T) {
	t.Parallel()
	p, err := Cron("0 * * * *", t0.Add(time.Minute), time.UTC)
	if err != nil {
		t.Fatalf("Cron: %v", err)
	}
	first := t0.Add(time.Hour)
	if !p.DueDate().Equal(first) {
		t.Fatalf("due = %v, want %v", p.DueDate(), first)
	}

	// finishing early must not repeat the same activation
	p.RecordRun(first.Add(-time.Second))
	if got, want := p.DueDate(), first.Add(time.Hour); !got.Equal(want) {
		t.Fatalf("due after early run = %v, want %v", got, want)
	}

	if _, err := Cron("bogus", t0, time.UTC); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestCronUsesLocation(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+7", 7*3600)
	p, err := Cron("30 2 * * *", t0, loc)
	if err != nil {
		t.Fatalf("Cron: %v", err)
	}
	got := p.DueDate().In(loc)
	if got.Hour() != 2 || got.Minute() != 30 {
		t.Fatalf("due = %v, want 02:30 local", got)
	}
}

func TestWithNotBefore(t *testing.T) {
	t.Parallel()
	later := t0.Add(time.Hour)
	p := WithNotBefore(Once(t0), later)
	if !p.StartDate().Equal(later) {
		t.Fatalf("start = %v, want %v", p.StartDate(), later)
	}
	if !p.DueDate().Equal(t0) {
		t.Fatalf("due = %v, want %v", p.DueDate(), t0)
	}

	p = WithNotBefore(Once(later), t0)
	if !p.StartDate().Equal(later) {
		t.Fatalf("start = %v, want %v", p.StartDate(), later)
	}
	if q := Once(t0); WithNotBefore(q, time.Time{}) != Policy(q) {
		t.Fatal("zero not-before should return the policy unchanged")
	}
}

func TestTimesLimitsRuns(t *testing.T) {
	t.Parallel()
	inner, _ := Every(time.Second, t0)
	p := Times(inner, 2)
	p.RecordRun(t0)
	if !p.Executable() {
		t.Fatal("exhausted after one of two runs")
	}
	p.RecordRun(t0.Add(time.Second))
	if p.Executable() {
		t.Fatal("still executable after two runs")
	}
	if got, want := inner.DueDate(), t0.Add(2*time.Second); !got.Equal(want) {
		t.Fatalf("inner due = %v, want %v", got, want)
	}
}

func TestWithSpreadShiftsFirstRunOnly(t *testing.T) {
	t.Parallel()
	window := 30 * time.Second
	off := SpreadOffset(window, "backup")
	if off < 0 || off >= window {
		t.Fatalf("offset %v outside [0,%v)", off, window)
	}
	if again := SpreadOffset(window, "backup"); again != off {
		t.Fatalf("offset not stable: %v vs %v", off, again)
	}

	inner, _ := Every(time.Minute, t0)
	p := WithSpread(inner, window, "backup")
	if got, want := p.StartDate(), t0.Add(off); !got.Equal(want) {
		t.Fatalf("first start = %v, want %v", got, want)
	}
	p.RecordRun(t0.Add(off))
	if got, want := p.StartDate(), t0.Add(off).Add(time.Minute); !got.Equal(want) {
		t.Fatalf("second start = %v, want %v", got, want)
	}
}
