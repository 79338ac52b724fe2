package chat

import (
	"context"
	"sync"
)

// CancelRegistry maps in-flight request IDs to their cancel functions so
// a stop signal arriving on a side channel can halt the matching stream.
type CancelRegistry struct {
	mu sync.Mutex
	m  map[string]context.CancelFunc
}

func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{m: make(map[string]context.CancelFunc)}
}

func (r *CancelRegistry) Register(requestID string, cancel context.CancelFunc) {
	if requestID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[requestID] = cancel
}

// Cancel fires the request's cancel function and reports whether the
// request was known.
func (r *CancelRegistry) Cancel(requestID string) bool {
	r.mu.Lock()
	cancel, ok := r.m[requestID]
	delete(r.m, requestID)
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (r *CancelRegistry) Release(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, requestID)
}
