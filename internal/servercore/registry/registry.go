// Package registry implements the Server Agent Registry: an in-memory,
// process-wide index of live agent sessions with a per-agent bounded
// outbound queue.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/courage2groww/network-master/internal/protocol"
)

// outboundCapacity matches spec.md §5's "Outbound agent channel: bounded
// (256); producers block rather than drop."
const outboundCapacity = 256

// ConnectedAgent is one live agent session.
type ConnectedAgent struct {
	AgentID        uuid.UUID
	Name           string
	ConnectedAt    time.Time
	ActiveTargetIDs map[uuid.UUID]struct{}

	outbound chan protocol.Envelope
	// done is closed under Registry.mu when the agent is unregistered.
	// outbound itself is never closed: SendToAgent clones the channel
	// handle and sends after releasing the guard, so a concurrent
	// Unregister closing outbound could race a send-on-closed-channel
	// panic. done gives SendToAgent a second, always-safe-to-select
	// case to fail on instead.
	done chan struct{}
}

// Registry is the concurrent agent_id -> ConnectedAgent map.
type Registry struct {
	mu     sync.RWMutex
	agents map[uuid.UUID]*ConnectedAgent
}

func New() *Registry {
	return &Registry{agents: make(map[uuid.UUID]*ConnectedAgent)}
}

// Register creates and stores a ConnectedAgent, returning the outbound
// channel its writer task should drain.
func (r *Registry) Register(agentID uuid.UUID, name string, targetIDs []uuid.UUID) (*ConnectedAgent, <-chan protocol.Envelope) {
	active := make(map[uuid.UUID]struct{}, len(targetIDs))
	for _, id := range targetIDs {
		active[id] = struct{}{}
	}

	ca := &ConnectedAgent{
		AgentID:         agentID,
		Name:            name,
		ConnectedAt:     time.Now().UTC(),
		ActiveTargetIDs: active,
		outbound:        make(chan protocol.Envelope, outboundCapacity),
		done:            make(chan struct{}),
	}

	r.mu.Lock()
	r.agents[agentID] = ca
	r.mu.Unlock()

	return ca, ca.outbound
}

// Unregister removes an agent. Safe to call even if already removed. The
// outbound channel itself is never closed here — only done is, under the
// same lock that guards the map — so a SendToAgent that already cloned the
// channel handle before this call can never observe a closed outbound
// channel; it observes done closing instead and returns an error, per
// spec.md §4.6/§8 ("Send failure returns an error", "Never fatal").
func (r *Registry) Unregister(agentID uuid.UUID) {
	r.mu.Lock()
	ca, ok := r.agents[agentID]
	delete(r.agents, agentID)
	if ok {
		close(ca.done)
	}
	r.mu.Unlock()
}

// SendToAgent clones the outbound send handle under the map guard, drops
// the guard, then blocks sending — per spec.md §9's "clone the send
// handle, drop the guard, then await" discipline, so the registry's lock
// is never held across a channel send. The select also watches ca.done,
// which Unregister closes instead of closing outbound directly, so a
// disconnect racing this send returns an error rather than panicking.
func (r *Registry) SendToAgent(ctx context.Context, agentID uuid.UUID, env protocol.Envelope) error {
	r.mu.RLock()
	ca, ok := r.agents[agentID]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("registry: agent %s is not connected", agentID)
	}

	select {
	case ca.outbound <- env:
		return nil
	case <-ca.done:
		return fmt.Errorf("registry: agent %s disconnected", agentID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) IsOnline(agentID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[agentID]
	return ok
}

func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

func (r *Registry) OnlineAgentIDs() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	return ids
}
