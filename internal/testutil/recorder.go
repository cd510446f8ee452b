package testutil

import (
	"sync"

	"github.com/hupe1980/chatmesh/core"
)

// Recorder is a core.Observer keeping every snapshot it receives. It is safe
// for concurrent use.
type Recorder struct {
	mu        sync.Mutex
	snapshots []*core.Conversation
}

var _ core.Observer = (*Recorder)(nil)

// OnStateUpdate implements core.Observer.
func (r *Recorder) OnStateUpdate(snapshot *core.Conversation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.snapshots = append(r.snapshots, snapshot)
}

// Snapshots returns the received snapshots in arrival order.
func (r *Recorder) Snapshots() []*core.Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*core.Conversation, len(r.snapshots))
	copy(out, r.snapshots)

	return out
}

// Len returns the number of received snapshots.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.snapshots)
}

// Statuses returns the status of every snapshot in arrival order.
func (r *Recorder) Statuses() []core.Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]core.Status, len(r.snapshots))
	for i, s := range r.snapshots {
		out[i] = s.Status
	}

	return out
}
