package call

import "sync"

type activeCall struct {
	peer   string
	callID string
}

// Tracker remembers which two users are in an active call so a socket
// close can hang up for the peer. At most one active call per user; a
// new binding replaces any prior one.
type Tracker struct {
	mu    sync.Mutex
	calls map[string]activeCall
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{calls: make(map[string]activeCall)}
}

// Bind records an active call between two users.
func (t *Tracker) Bind(a, b, callID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remove(a)
	t.remove(b)
	t.calls[a] = activeCall{peer: b, callID: callID}
	t.calls[b] = activeCall{peer: a, callID: callID}
}

// Unbind removes the user's active call, clearing the peer's side too.
func (t *Tracker) Unbind(user string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remove(user)
}

// Drop removes the user's active call and returns the peer to notify.
func (t *Tracker) Drop(user string) (peer, callID string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, found := t.calls[user]
	if !found {
		return "", "", false
	}
	t.remove(user)
	return c.peer, c.callID, true
}

// remove deletes both directions of the user's binding. Caller holds the
// lock.
func (t *Tracker) remove(user string) {
	c, ok := t.calls[user]
	if !ok {
		return
	}
	delete(t.calls, user)
	if p, ok := t.calls[c.peer]; ok && p.callID == c.callID {
		delete(t.calls, c.peer)
	}
}
