package engine

import (
	"sync"

	"pushpilot/internal/automation"
)

// registry is the single source of truth for in-flight executions.
// At most one Run exists per automation id.
type registry struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

func newRegistry() *registry {
	return &registry{runs: map[string]*Run{}}
}

// register installs the run, reporting whether it is now the active one.
// A second registration for the same id is refused.
func (r *registry) register(run *Run) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runs[run.AutomationID]; exists {
		return false
	}
	r.runs[run.AutomationID] = run
	return true
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	delete(r.runs, id)
	r.mu.Unlock()
}

func (r *registry) get(id string) *Run {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.runs[id]
}

func (r *registry) active(id string) bool {
	return r.get(id) != nil
}

// requestAbort flags the run for cooperative shutdown. Returns false when
// no execution is active for the id.
func (r *registry) requestAbort(id, reason string) bool {
	run := r.get(id)
	if run == nil {
		return false
	}
	run.requestAbort(reason)
	return true
}

func (r *registry) list() []*Run {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Run, 0, len(r.runs))
	for _, run := range r.runs {
		out = append(out, run)
	}
	return out
}

// ExecutionStatus is the observable snapshot of a live run.
type ExecutionStatus struct {
	AutomationID         string           `json:"automationId"`
	Phase                automation.Phase `json:"phase"`
	StartedAt            string           `json:"startedAt"`
	CancellationDeadline string           `json:"cancellationDeadline"`
	CanCancel            bool             `json:"canCancel"`
}
