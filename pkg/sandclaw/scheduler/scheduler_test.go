package scheduler

import (
	"strings"
	"testing"
	"time"

	"github.com/jholhewres/sandclaw/pkg/sandclaw/store"
)

func TestCalculateNextRun_Cron(t *testing.T) {
	t.Parallel()

	next := CalculateNextRun(store.ScheduleCron, "*/5 * * * *", "UTC", nil)
	if next == "" {
		t.Fatal("cron schedule should produce a next run")
	}
	parsed, err := time.Parse(time.RFC3339Nano, next)
	if err != nil {
		t.Fatalf("next run is not RFC3339: %v", err)
	}
	until := time.Until(parsed)
	if until <= 0 || until > 5*time.Minute {
		t.Errorf("*/5 cron next run %s away, want within 5 minutes", until)
	}
	if parsed.Minute()%5 != 0 {
		t.Errorf("next run minute = %d, want multiple of 5", parsed.Minute())
	}
}

func TestCalculateNextRun_CronTimezone(t *testing.T) {
	t.Parallel()

	// Daily at 09:00 in Berlin: the UTC instant must correspond to 09:00
	// local time there.
	next := CalculateNextRun(store.ScheduleCron, "0 9 * * *", "Europe/Berlin", nil)
	if next == "" {
		t.Fatal("cron schedule should produce a next run")
	}
	parsed, err := time.Parse(time.RFC3339Nano, next)
	if err != nil {
		t.Fatal(err)
	}
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	if got := parsed.In(loc).Hour(); got != 9 {
		t.Errorf("next run at %d:00 Berlin time, want 9:00", got)
	}
}

func TestCalculateNextRun_Interval(t *testing.T) {
	t.Parallel()

	next := CalculateNextRun(store.ScheduleInterval, "60000", "UTC", nil)
	if next == "" {
		t.Fatal("interval schedule should produce a next run")
	}
	parsed, err := time.Parse(time.RFC3339Nano, next)
	if err != nil {
		t.Fatal(err)
	}
	until := time.Until(parsed)
	if until < 55*time.Second || until > 65*time.Second {
		t.Errorf("interval next run %s away, want ~60s", until)
	}
}

func TestCalculateNextRun_InvalidInputs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		scheduleType  string
		scheduleValue string
	}{
		{"once has no next run", store.ScheduleOnce, ""},
		{"bad cron", store.ScheduleCron, "not a cron"},
		{"bad interval", store.ScheduleInterval, "abc"},
		{"negative interval", store.ScheduleInterval, "-5"},
		{"unknown type", "weekly", "monday"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if next := CalculateNextRun(tt.scheduleType, tt.scheduleValue, "UTC", nil); next != "" {
				t.Errorf("next run = %q, want empty", next)
			}
		})
	}
}

func TestCalculateNextRun_BadTimezoneFallsBackToUTC(t *testing.T) {
	t.Parallel()

	if next := CalculateNextRun(store.ScheduleCron, "*/5 * * * *", "Not/AZone", nil); next == "" {
		t.Error("bad timezone should fall back to UTC, not fail")
	}
}

func TestFirstRun_Once(t *testing.T) {
	t.Parallel()

	instant := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	next := FirstRun(store.ScheduleOnce, instant, "UTC", nil)
	if next == "" {
		t.Fatal("once task should get its instant as first run")
	}
	parsed, err := time.Parse(time.RFC3339Nano, next)
	if err != nil {
		t.Fatal(err)
	}
	want, _ := time.Parse(time.RFC3339, instant)
	if !parsed.Equal(want) {
		t.Errorf("first run = %v, want %v", parsed, want)
	}

	if FirstRun(store.ScheduleOnce, "not a time", "UTC", nil) != "" {
		t.Error("invalid once instant should yield empty first run")
	}
}

func TestResultSummary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		result  string
		errText string
		want    string
	}{
		{"error wins", "partial", "connection refused", "Error: connection refused"},
		{"default", "", "", "Completed"},
		{"short passthrough", "Done: 42 items", "", "Done: 42 items"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ResultSummary(tt.result, tt.errText); got != tt.want {
				t.Errorf("ResultSummary = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResultSummary_Truncates(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", 300)
	if got := ResultSummary(long, ""); len(got) != maxResultSummary {
		t.Errorf("summary length = %d, want %d", len(got), maxResultSummary)
	}
}
