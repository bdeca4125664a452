package saga

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestSagaStepEvents(t *testing.T) {
	store := NewMemoryStore()
	s := New(store, "echo", "workflow", "workflow")
	ctx := context.Background()

	s.Phase(ctx, "provisioning")
	s.StepStart(ctx, "write")
	s.StepComplete(ctx, "write", 12)
	s.StepFailed(ctx, "check", errors.New("exit status 1"))

	events, err := store.ListBySaga(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 4 {
		t.Fatalf("events = %d, want 4", len(events))
	}
	actions := []string{"run.phase", "step.start", "step.complete", "step.failed"}
	for i, a := range actions {
		if events[i].Action != a {
			t.Errorf("event %d action = %s, want %s", i, events[i].Action, a)
		}
	}
	if events[2].Metadata["durationMs"] != "12" {
		t.Errorf("durationMs = %q", events[2].Metadata["durationMs"])
	}
	if events[3].Metadata["error"] != "exit status 1" {
		t.Errorf("error metadata = %q", events[3].Metadata["error"])
	}

	out := Format(events)
	if !strings.Contains(out, "✓ write completed") || !strings.Contains(out, "✗ check failed: exit status 1") {
		t.Errorf("Format =\n%s", out)
	}
}

func TestMemoryStoreNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	a := New(store, "a", "test", "workflow")
	b := New(store, "b", "test", "workflow")
	for i := 0; i < 3; i++ {
		a.StepStart(ctx, "x")
		b.StepStart(ctx, "y")
	}
	recent, _ := store.ListRecent(ctx, 2)
	if len(recent) != 2 || recent[0].Workflow != "b" {
		t.Errorf("recent = %+v", recent)
	}
	onlyA, _ := store.ListByWorkflow(ctx, "a", 0)
	if len(onlyA) != 3 {
		t.Errorf("workflow a events = %d, want 3", len(onlyA))
	}
	for _, e := range onlyA {
		if e.Workflow != "a" {
			t.Errorf("unexpected workflow %s", e.Workflow)
		}
	}
}

func TestListByStep(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	a := New(store, "a", "test", "workflow")
	b := New(store, "b", "test", "workflow")
	a.Phase(ctx, "running(0)")
	a.StepStart(ctx, "build")
	b.StepStart(ctx, "build")
	a.StepFailed(ctx, "build", errors.New("exit status 2"))
	a.StepStart(ctx, "test")

	events, err := store.ListByStep(ctx, a.ID, "build")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].Action != "step.start" || events[1].Action != "step.failed" {
		t.Fatalf("build events = %+v", events)
	}
	for _, e := range events {
		if e.SagaID != a.ID || e.Step() != "build" {
			t.Errorf("event from wrong run or step: %+v", e)
		}
	}
	if none, _ := store.ListByStep(ctx, a.ID, ""); len(none) != 0 {
		t.Errorf("empty step matched %d run-level events", len(none))
	}
}
