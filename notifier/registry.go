package notifier

import (
	"sync"
	"sync/atomic"
)

// Registry holds the attached subscribers. Readers take an immutable snapshot;
// writers copy under mu.
type Registry struct {
	mu   sync.Mutex
	subs atomic.Pointer[[]*Subscriber]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	empty := []*Subscriber{}
	r.subs.Store(&empty)
	return r
}

func (r *Registry) add(s *Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := *r.subs.Load()
	next := make([]*Subscriber, 0, len(cur)+1)
	next = append(next, cur...)
	next = append(next, s)
	r.subs.Store(&next)
}

func (r *Registry) remove(s *Subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := *r.subs.Load()
	next := make([]*Subscriber, 0, len(cur))
	for _, existing := range cur {
		if existing != s {
			next = append(next, existing)
		}
	}
	if len(next) == len(cur) {
		return false
	}
	r.subs.Store(&next)
	return true
}

// Snapshot returns the subscribers attached right now.
func (r *Registry) Snapshot() []*Subscriber { return *r.subs.Load() }

// Len returns the number of attached subscribers.
func (r *Registry) Len() int { return len(*r.subs.Load()) }
