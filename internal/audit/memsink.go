package audit

import (
	"context"
	"sync"

	"github.com/pitabwire/escalator/model"
)

// MemorySink keeps events in memory for tests and local runs.
type MemorySink struct {
	mu     sync.RWMutex
	events []model.EscalationEvent
	err    error
}

// NewMemorySink creates an empty memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Append stores a copy of event.
func (s *MemorySink) Append(_ context.Context, event model.EscalationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

// ListByInstance returns the events for one instance in append order.
func (s *MemorySink) ListByInstance(_ context.Context, tenantID, instanceID string) ([]model.EscalationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.EscalationEvent
	for _, e := range s.events {
		if e.TenantID == tenantID && e.WorkflowInstanceID == instanceID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Events returns a copy of every stored event. For testing.
func (s *MemorySink) Events() []model.EscalationEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.EscalationEvent, len(s.events))
	copy(out, s.events)
	return out
}

// FailWith makes subsequent appends return err; nil restores normal
// behavior. For testing.
func (s *MemorySink) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}
