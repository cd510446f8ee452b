package core

import "sync"

// Observer receives conversation snapshots whenever the turn loop changes a
// conversation. Observers must tolerate duplicate and out-of-order
// snapshots; Seq orders them.
type Observer interface {
	OnStateUpdate(snapshot *Conversation)
}

// ObserverFunc adapts a func to Observer.
type ObserverFunc func(snapshot *Conversation)

// OnStateUpdate implements Observer.
func (f ObserverFunc) OnStateUpdate(snapshot *Conversation) { f(snapshot) }

// Observers fans a snapshot out to every member in order.
type Observers []Observer

// OnStateUpdate implements Observer.
func (o Observers) OnStateUpdate(snapshot *Conversation) {
	for _, obs := range o {
		if obs != nil {
			obs.OnStateUpdate(snapshot)
		}
	}
}

// LatestSnapshots keeps the newest snapshot per conversation id. A snapshot
// with a lower Seq than the stored one is ignored.
type LatestSnapshots struct {
	mu   sync.RWMutex
	byID map[string]*Conversation
}

// NewLatestSnapshots creates an empty LatestSnapshots.
func NewLatestSnapshots() *LatestSnapshots {
	return &LatestSnapshots{byID: map[string]*Conversation{}}
}

// OnStateUpdate implements Observer.
func (l *LatestSnapshots) OnStateUpdate(snapshot *Conversation) {
	if snapshot == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.byID[snapshot.ID]; ok && cur.Seq > snapshot.Seq {
		return
	}

	l.byID[snapshot.ID] = snapshot
}

// Get returns the newest snapshot for id.
func (l *LatestSnapshots) Get(id string) (*Conversation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	c, ok := l.byID[id]

	return c, ok
}
