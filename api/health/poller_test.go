package health

import (
	"context"
	"sync"
	"testing"

	"skiff/api/hub"
	"skiff/api/runtime"
	"skiff/api/runtime/runtimetest"
)

type recorder struct {
	mu     sync.Mutex
	events []hub.Event
}

func (r *recorder) Broadcast(evt hub.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func TestPollReportsExitedOnce(t *testing.T) {
	ctx := context.Background()
	f := runtimetest.New()
	managed := map[string]string{runtime.LabelManaged: "true", runtime.LabelRun: "run-1", runtime.LabelFamily: "node"}
	crash, err := f.Create(ctx, runtime.CreateOpts{Name: "skiff-node-a", Image: "node:20-alpine", Labels: managed})
	if err != nil {
		t.Fatal(err)
	}
	gone, err := f.Create(ctx, runtime.CreateOpts{Name: "skiff-node-b", Image: "node:20-alpine", Labels: map[string]string{runtime.LabelManaged: "true"}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Create(ctx, runtime.CreateOpts{Name: "other", Image: "alpine"}); err != nil {
		t.Fatal(err)
	}

	rec := &recorder{}
	p := &Poller{RT: f, WS: rec}
	if got := p.Poll(ctx); len(got) != 0 {
		t.Fatalf("first pass exited = %v", got)
	}
	if p.Watching() != 2 {
		t.Errorf("watching %d, want 2 managed containers", p.Watching())
	}

	f.Stop(ctx, crash, 0)
	f.Remove(ctx, gone)

	exited := p.Poll(ctx)
	if len(exited) != 1 || exited[0].ID != crash {
		t.Fatalf("exited = %+v", exited)
	}
	if len(rec.events) != 1 {
		t.Fatalf("events = %+v", rec.events)
	}
	evt := rec.events[0]
	if evt.Type != "env.exited" || evt.RunID != "run-1" {
		t.Errorf("event = %+v", evt)
	}

	if got := p.Poll(ctx); len(got) != 0 {
		t.Errorf("exit reported twice: %+v", got)
	}
	if p.Watching() != 0 {
		t.Errorf("watching %d after exit", p.Watching())
	}
}
