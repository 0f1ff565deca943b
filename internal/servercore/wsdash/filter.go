package wsdash

import (
	"sync"

	"github.com/google/uuid"
)

// filter holds one dashboard connection's subscription state. Per spec.md
// §6, "target" filtering (subscribe/unsubscribe) and "traffic" filtering
// (subscribe_traffic/unsubscribe_traffic) are independent: each stays
// unfiltered — forwarding everything in its scope — until its own first
// non-empty subscription arrives.
type filter struct {
	mu        sync.RWMutex
	targetIDs map[uuid.UUID]struct{}
	agentIDs  map[uuid.UUID]struct{}
}

func newFilter() *filter {
	return &filter{
		targetIDs: make(map[uuid.UUID]struct{}),
		agentIDs:  make(map[uuid.UUID]struct{}),
	}
}

func (f *filter) setTargets(ids []uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.targetIDs[id] = struct{}{}
	}
}

func (f *filter) clearTargets(ids []uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.targetIDs, id)
	}
}

func (f *filter) setAgents(ids []uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.agentIDs[id] = struct{}{}
	}
}

func (f *filter) clearAgents(ids []uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.agentIDs, id)
	}
}

// allowsTarget reports whether a message tagged with this target_id should
// be forwarded: always true while the target set is empty (nothing
// subscribed yet, or everything unsubscribed again) or when the message
// carries no target_id, otherwise only when the id is a member.
func (f *filter) allowsTarget(id *uuid.UUID) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.targetIDs) == 0 {
		return true
	}
	if id == nil {
		return true
	}
	_, ok := f.targetIDs[*id]
	return ok
}

func (f *filter) allowsAgent(id uuid.UUID) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.agentIDs) == 0 {
		return true
	}
	_, ok := f.agentIDs[id]
	return ok
}
