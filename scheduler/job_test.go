package scheduler

import (
	"testing"
	"time"

	"github.com/gantry-io/gantry/workflow"
)

func TestComputeNextRunCron(t *testing.T) {
	j := &Job{
		Name:    "nightly",
		Trigger: workflow.Trigger{Type: workflow.TriggerCron, CronExpr: "0 3 * * *"},
	}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	next, err := j.ComputeNextRun(now)
	if err != nil {
		t.Fatalf("ComputeNextRun: %v", err)
	}
	want := time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC)
	if next == nil || !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestComputeNextRunCronTimezone(t *testing.T) {
	j := &Job{
		Name: "nightly",
		Trigger: workflow.Trigger{
			Type:     workflow.TriggerCron,
			CronExpr: "0 3 * * *",
			Timezone: "America/New_York",
		},
	}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	next, err := j.ComputeNextRun(now)
	if err != nil {
		t.Fatalf("ComputeNextRun: %v", err)
	}
	// 03:00 New York is 07:00 UTC during daylight saving.
	want := time.Date(2025, 6, 2, 7, 0, 0, 0, time.UTC)
	if next == nil || !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestComputeNextRunInvalidCron(t *testing.T) {
	j := &Job{
		Name:    "broken",
		Trigger: workflow.Trigger{Type: workflow.TriggerCron, CronExpr: "not a cron"},
	}
	if _, err := j.ComputeNextRun(time.Now()); err == nil {
		t.Fatal("invalid cron expression accepted")
	}
}

func TestComputeNextRunInterval(t *testing.T) {
	j := &Job{
		Name:    "poll",
		Trigger: workflow.Trigger{Type: workflow.TriggerInterval, Interval: 10 * time.Minute},
	}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	next, err := j.ComputeNextRun(now)
	if err != nil {
		t.Fatalf("ComputeNextRun: %v", err)
	}
	if next == nil || !next.Equal(now.Add(10*time.Minute)) {
		t.Fatalf("next = %v", next)
	}

	j.Trigger.Interval = 0
	if _, err := j.ComputeNextRun(now); err == nil {
		t.Fatal("zero interval accepted")
	}
}

func TestComputeNextRunManualAndEvent(t *testing.T) {
	for _, typ := range []workflow.TriggerType{workflow.TriggerManual, workflow.TriggerEvent} {
		j := &Job{Name: "j", Trigger: workflow.Trigger{Type: typ}}
		next, err := j.ComputeNextRun(time.Now())
		if err != nil {
			t.Fatalf("%s: %v", typ, err)
		}
		if next != nil {
			t.Fatalf("%s trigger got next run %v", typ, next)
		}
	}
}

func TestDue(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Second)
	future := now.Add(time.Hour)

	cases := []struct {
		name string
		job  Job
		want bool
	}{
		{"past and enabled", Job{Enabled: true, NextRunAt: &past}, true},
		{"future", Job{Enabled: true, NextRunAt: &future}, false},
		{"disabled", Job{Enabled: false, NextRunAt: &past}, false},
		{"no schedule", Job{Enabled: true}, false},
	}
	for _, tc := range cases {
		if got := tc.job.Due(now); got != tc.want {
			t.Errorf("%s: Due = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestDedupKey(t *testing.T) {
	j := &Job{Name: "sync"}
	if j.DedupKey() != "sync" {
		t.Fatalf("DedupKey = %q", j.DedupKey())
	}
	j.UniqueKey = "sync:eu"
	if j.DedupKey() != "sync:eu" {
		t.Fatalf("DedupKey = %q", j.DedupKey())
	}
}
