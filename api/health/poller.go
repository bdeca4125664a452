// Package health watches managed environments and reports containers that
// stopped on their own, e.g. a detached server that crashed while a kept
// environment was idle.
package health

import (
	"context"
	"log"
	"sync"
	"time"

	"skiff/api/hub"
	"skiff/api/runtime"
)

const DefaultInterval = 30 * time.Second

// Poller lists managed containers on an interval and broadcasts env.exited
// when one that was running is no longer.
type Poller struct {
	RT       runtime.Runtime
	WS       hub.Publisher
	Interval time.Duration

	mu      sync.Mutex
	running map[string]runtime.Summary
}

// Run starts the polling loop. It blocks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	if p.Interval == 0 {
		p.Interval = DefaultInterval
	}
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	p.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll runs one pass and returns the containers seen to exit since the
// previous pass. Containers that were removed are forgotten silently;
// teardown already announced them.
func (p *Poller) Poll(ctx context.Context) []runtime.Summary {
	list, err := p.RT.List(ctx, map[string]string{runtime.LabelManaged: "true"})
	if err != nil {
		log.Printf("health: list: %v", err)
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running == nil {
		p.running = map[string]runtime.Summary{}
	}

	var exited []runtime.Summary
	next := make(map[string]runtime.Summary, len(list))
	for _, s := range list {
		if s.State == "running" {
			next[s.ID] = s
			continue
		}
		if _, was := p.running[s.ID]; was {
			exited = append(exited, s)
		}
	}
	p.running = next

	for _, s := range exited {
		log.Printf("health: %s (%s) is %s", s.Name, s.ID, s.State)
		if p.WS == nil {
			continue
		}
		p.WS.Broadcast(hub.Event{
			Type:  "env.exited",
			RunID: s.Labels[runtime.LabelRun],
			Payload: map[string]any{
				"id":     s.ID,
				"name":   s.Name,
				"state":  s.State,
				"family": s.Labels[runtime.LabelFamily],
			},
		})
	}
	return exited
}

// Watching returns the number of running managed containers seen last pass.
func (p *Poller) Watching() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}
