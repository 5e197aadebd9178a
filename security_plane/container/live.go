package container

import (
	"context"
	"sync"
)

// LiveRegistry tracks running execution contexts by instance. It exists so
// revocation and suspension can forcibly terminate everything an instance
// currently has in flight.
type LiveRegistry struct {
	mu         sync.Mutex
	byInstance map[string]map[string]context.CancelFunc
}

// NewLiveRegistry creates an empty registry.
func NewLiveRegistry() *LiveRegistry {
	return &LiveRegistry{byInstance: make(map[string]map[string]context.CancelFunc)}
}

func (r *LiveRegistry) add(instanceID, execID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	execs, ok := r.byInstance[instanceID]
	if !ok {
		execs = make(map[string]context.CancelFunc)
		r.byInstance[instanceID] = execs
	}
	execs[execID] = cancel
}

func (r *LiveRegistry) remove(instanceID, execID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	execs, ok := r.byInstance[instanceID]
	if !ok {
		return
	}
	delete(execs, execID)
	if len(execs) == 0 {
		delete(r.byInstance, instanceID)
	}
}

// Count returns the number of live executions for an instance.
func (r *LiveRegistry) Count(instanceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byInstance[instanceID])
}

// KillInstance cancels every live execution for the instance and returns how
// many were signalled. The contexts are torn down by their own Execute
// calls, which always destroy on the way out.
func (r *LiveRegistry) KillInstance(instanceID string) int {
	r.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(r.byInstance[instanceID]))
	for _, cancel := range r.byInstance[instanceID] {
		cancels = append(cancels, cancel)
	}
	r.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}
