package workflow

import (
	"context"
	"errors"
	"testing"
	"time"
)

func noop(ctx context.Context, sc *StepContext) Outcome { return Done() }

func TestBuildDiamond(t *testing.T) {
	def, err := New("order-pipeline").
		Step("reserve", noop).
		Step("charge", noop, DependsOn("reserve")).
		Step("notify", noop, DependsOn("reserve")).
		Step("ship", noop, DependsOn("charge", "notify")).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if def.Name != "order-pipeline" || def.Version != 1 {
		t.Fatalf("unexpected identity: %s v%d", def.Name, def.Version)
	}
	if len(def.Order) != 4 || def.Order[0] != "reserve" || def.Order[3] != "ship" {
		t.Fatalf("unexpected order: %v", def.Order)
	}
	if got := def.Graph.Dependencies("ship"); len(got) != 2 {
		t.Fatalf("ship dependencies = %v", got)
	}
}

func TestBuildUndeclaredDependency(t *testing.T) {
	_, err := New("wf").
		Step("a", noop, DependsOn("ghost")).
		Build()
	if !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("expected ErrInvalidDefinition, got %v", err)
	}
}

func TestBuildCycle(t *testing.T) {
	_, err := New("wf").
		Step("a", noop, DependsOn("b")).
		Step("b", noop, DependsOn("a")).
		Build()
	if !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("expected ErrInvalidDefinition, got %v", err)
	}
}

func TestBuildDuplicateStep(t *testing.T) {
	_, err := New("wf").
		Step("a", noop).
		Step("a", noop).
		Build()
	if !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("expected ErrInvalidDefinition, got %v", err)
	}
}

func TestBuildMissingHandler(t *testing.T) {
	_, err := New("wf").Step("a", nil).Build()
	if !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("expected ErrInvalidDefinition, got %v", err)
	}
}

func TestBuildEmpty(t *testing.T) {
	_, err := New("wf").Build()
	if !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("expected ErrInvalidDefinition, got %v", err)
	}
}

func TestBuildGroups(t *testing.T) {
	def, err := New("wf").
		Step("fetch", noop).
		Step("resize", noop, DependsOn("fetch"), InGroup("render")).
		Step("caption", noop, DependsOn("fetch"), InGroup("render")).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := def.Groups["render"]; len(got) != 2 {
		t.Fatalf("render group = %v", got)
	}
}

func TestBuildGraftTracked(t *testing.T) {
	expand := func(ctx context.Context, sc *StepContext) ([]GraftStep, error) {
		return nil, nil
	}
	def, err := New("wf").
		Step("scan", noop).
		Graft("fanout", expand, DependsOn("scan")).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(def.Grafts) != 1 || def.Grafts[0] != "fanout" {
		t.Fatalf("grafts = %v", def.Grafts)
	}
}

func TestBuildDependsOnAnyKind(t *testing.T) {
	def, err := New("wf").
		Step("a", noop).
		Step("b", noop).
		Step("c", noop, DependsOnAny("a", "b")).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	kind, ok := def.Graph.Edge("a", "c")
	if !ok || kind != DepAny {
		t.Fatalf("edge a->c kind = %v ok=%v", kind, ok)
	}
}

func TestStepDefaults(t *testing.T) {
	def, err := New("wf").
		StepDefaults(5*time.Second, 3, time.Second).
		Step("plain", noop).
		Step("tuned", noop, WithTimeout(time.Minute), WithRetries(7, 2*time.Second, BackoffExponential)).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	plain, ok := def.SpecFor("plain")
	if !ok {
		t.Fatal("plain step missing")
	}
	if plain.Timeout != 5*time.Second || plain.MaxRetries != 3 || plain.RetryDelay != time.Second {
		t.Fatalf("defaults not applied: %+v", plain)
	}
	if plain.RetryBackoff != BackoffFixed || plain.OnError != OnErrorFail {
		t.Fatalf("implicit policy defaults not applied: %+v", plain)
	}

	tuned, _ := def.SpecFor("tuned")
	if tuned.Timeout != time.Minute || tuned.MaxRetries != 7 || tuned.RetryBackoff != BackoffExponential {
		t.Fatalf("explicit options lost: %+v", tuned)
	}
}

func TestTriggers(t *testing.T) {
	def, err := New("nightly").
		Cron("0 3 * * *", "America/New_York").
		Step("sweep", noop).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if def.Trigger.Type != TriggerCron || def.Trigger.CronExpr != "0 3 * * *" {
		t.Fatalf("trigger = %+v", def.Trigger)
	}

	def, err = New("poller").Every(30 * time.Second).Step("poll", noop).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if def.Trigger.Type != TriggerInterval || def.Trigger.Interval != 30*time.Second {
		t.Fatalf("trigger = %+v", def.Trigger)
	}
}
