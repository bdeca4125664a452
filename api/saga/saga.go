package saga

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type Event struct {
	ID        string            `json:"id"`
	SagaID    string            `json:"sagaId"`
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source"`
	Workflow  string            `json:"workflow"`
	Category  string            `json:"category"` // workflow, environment, janitor
	Action    string            `json:"action"`   // run.phase, step.start, step.complete, step.failed, ...
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Step returns the step the event is about, or "" for run-level events.
func (e *Event) Step() string {
	return e.Metadata["step"]
}

type Store interface {
	Append(ctx context.Context, evt *Event) error
	ListBySaga(ctx context.Context, sagaID string) ([]Event, error)
	// ListByStep returns one step's events within a saga, oldest first.
	ListByStep(ctx context.Context, sagaID, step string) ([]Event, error)
	ListByWorkflow(ctx context.Context, workflow string, limit int) ([]Event, error)
	ListRecent(ctx context.Context, limit int) ([]Event, error)
}

// Saga records the structured event trail of one run. The saga ID doubles
// as the run ID.
type Saga struct {
	ID       string
	Workflow string
	Source   string
	Category string
	store    Store
}

func New(store Store, workflow, source, category string) *Saga {
	return &Saga{
		ID:       uuid.New().String(),
		Workflow: workflow,
		Source:   source,
		Category: category,
		store:    store,
	}
}

func (s *Saga) Log(ctx context.Context, action, message string, metadata map[string]string) error {
	evt := &Event{
		ID:        uuid.New().String(),
		SagaID:    s.ID,
		Timestamp: time.Now(),
		Source:    s.Source,
		Workflow:  s.Workflow,
		Category:  s.Category,
		Action:    action,
		Message:   message,
		Metadata:  metadata,
	}
	return s.store.Append(ctx, evt)
}

func (s *Saga) Phase(ctx context.Context, phase string) error {
	return s.Log(ctx, "run.phase", phase, map[string]string{"phase": phase})
}

func (s *Saga) StepStart(ctx context.Context, step string) error {
	return s.Log(ctx, "step.start", step+" started", map[string]string{"step": step})
}

func (s *Saga) StepComplete(ctx context.Context, step string, durationMs int64) error {
	return s.Log(ctx, "step.complete", step+" completed", map[string]string{
		"step":       step,
		"durationMs": strconv.FormatInt(durationMs, 10),
	})
}

func (s *Saga) StepFailed(ctx context.Context, step string, err error) error {
	return s.Log(ctx, "step.failed", step+" failed: "+err.Error(), map[string]string{
		"step":  step,
		"error": err.Error(),
	})
}
