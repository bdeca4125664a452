// Package janitor removes managed containers that outlived their TTL, for
// example after the server was killed in the middle of a run.
package janitor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"skiff/api/hub"
	"skiff/api/model"
	"skiff/api/runtime"
	"skiff/api/saga"
	"skiff/api/sandbox"
)

const (
	DefaultSchedule = "@every 10m"
	DefaultTTL      = 2 * time.Hour
)

type Janitor struct {
	cron      *cron.Cron
	rt        runtime.Runtime
	prov      *sandbox.Provisioner
	schedule  string
	TTL       time.Duration
	WS        hub.Publisher
	SagaStore saga.Store
	// Active reports whether a run is still in flight. Environments owned by
	// such a run are never swept, whatever their age.
	Active    func(runID string) bool
	now       func() time.Time

	mu       sync.Mutex
	lastRun  time.Time
	lastSeen int
}

func New(rt runtime.Runtime, prov *sandbox.Provisioner, schedule string, ttl time.Duration) *Janitor {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Janitor{
		cron:     cron.New(),
		rt:       rt,
		prov:     prov,
		schedule: schedule,
		TTL:      ttl,
		now:      time.Now,
	}
}

func (j *Janitor) Start() error {
	_, err := j.cron.AddFunc(j.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := j.Sweep(ctx); err != nil {
			log.Printf("janitor: sweep: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("janitor schedule %q: %w", j.schedule, err)
	}
	j.cron.Start()
	log.Printf("janitor: started (%s, ttl %s)", j.schedule, j.TTL)
	return nil
}

func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
	log.Println("janitor: stopped")
}

type SweepResult struct {
	Checked  int      `json:"checked"`
	Removed  []string `json:"removed"`
	InUse    []string `json:"inUse,omitempty"` // expired but owned by a run in flight
	Warnings []string `json:"warnings,omitempty"`
}

// Sweep tears down every managed container created more than TTL ago.
// Containers without a creation label, and those owned by a run still in
// flight, are left alone.
func (j *Janitor) Sweep(ctx context.Context) (*SweepResult, error) {
	list, err := j.rt.List(ctx, map[string]string{runtime.LabelManaged: "true"})
	if err != nil {
		return nil, err
	}
	res := &SweepResult{Checked: len(list), Removed: []string{}}
	cutoff := j.now().Add(-j.TTL)

	var sg *saga.Saga
	for _, c := range list {
		if c.CreatedAt.IsZero() || c.CreatedAt.After(cutoff) {
			continue
		}
		if run := c.Labels[runtime.LabelRun]; run != "" && j.Active != nil && j.Active(run) {
			res.InUse = append(res.InUse, c.Name)
			continue
		}
		env := &model.Environment{ID: c.ID, Name: c.Name, State: model.EnvCreated, CreatedAt: c.CreatedAt}
		if c.State == "running" {
			env.State = model.EnvRunning
		}
		warnings := j.prov.Teardown(ctx, env)
		res.Warnings = append(res.Warnings, warnings...)
		if len(warnings) > 0 {
			continue
		}
		res.Removed = append(res.Removed, c.Name)

		if j.SagaStore != nil {
			if sg == nil {
				sg = saga.New(j.SagaStore, "", "janitor", "janitor")
			}
			sg.Log(ctx, "env.expired", fmt.Sprintf("removed %s (age %s)", c.Name, j.now().Sub(c.CreatedAt).Round(time.Second)),
				map[string]string{"environment": c.ID})
		}
		if j.WS != nil {
			j.WS.Broadcast(hub.Event{Type: "env.removed", Payload: map[string]string{"environment": c.ID, "reason": "expired"}})
		}
	}

	j.mu.Lock()
	j.lastRun = j.now()
	j.lastSeen = len(list)
	j.mu.Unlock()

	if len(res.Removed) > 0 {
		log.Printf("janitor: removed %d expired environment(s)", len(res.Removed))
	}
	return res, nil
}

type Status struct {
	Schedule string    `json:"schedule"`
	TTL      string    `json:"ttl"`
	LastRun  time.Time `json:"lastRun,omitempty"`
	Managed  int       `json:"managed"`
	Next     time.Time `json:"next,omitempty"`
}

func (j *Janitor) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	st := Status{Schedule: j.schedule, TTL: j.TTL.String(), LastRun: j.lastRun, Managed: j.lastSeen}
	if entries := j.cron.Entries(); len(entries) > 0 {
		st.Next = entries[0].Next
	}
	return st
}
