// Package presence implements the connection manager: the live socket
// table, the one-session-per-user invariant, ping tracking with stale
// sweeps, and the two presence tiers (active and registered) mirrored
// into the KV store for cross-instance visibility.
package presence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/whisper-relay/protocol"
	"github.com/opd-ai/whisper-relay/store"
)

const (
	// ActiveTTL is the KV lifetime of the active-presence marker,
	// refreshed on every ping.
	ActiveTTL = 5 * time.Minute
	// RegisteredTTL marks a user as recently authenticated for admin
	// counts. Does not affect routing.
	RegisteredTTL = 24 * time.Hour
	// StaleAfter is how long a session may go without a ping before the
	// sweep closes it.
	StaleAfter = 2 * time.Minute
	// SweepInterval is how often the stale sweep runs.
	SweepInterval = 60 * time.Second

	// CloseNormal is the close code for supersession, shutdown, and
	// account deletion.
	CloseNormal = 1000
	// ClosePolicy is the close code for bans and policy violations.
	ClosePolicy = 1008

	// SupersededReason is the close reason for an evicted prior session.
	SupersededReason = "New connection established"
)

// Conn is the writable half of a live socket. The gateway's client type
// implements it; services below the gateway only see this interface.
type Conn interface {
	// SocketID returns the client-assigned socket identifier.
	SocketID() string
	// Send serializes one outbound frame. Safe for concurrent use.
	Send(frameType string, payload any) error
	// CloseWith closes the socket with a status code and reason.
	CloseWith(code int, reason string) error
}

// Session is one authenticated live socket.
type Session struct {
	WhisperID   string
	Conn        Conn
	ConnectedAt time.Time

	mu       sync.Mutex
	lastPing time.Time
	prefs    protocol.PrivacyPrefs
}

// LastPing returns the time of the most recent ping.
func (s *Session) LastPing() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPing
}

// Prefs returns the session's privacy preferences.
func (s *Session) Prefs() protocol.PrivacyPrefs {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prefs
}

// SetPrefs replaces the session's privacy preferences.
func (s *Session) SetPrefs(p protocol.PrivacyPrefs) {
	s.mu.Lock()
	s.prefs = p
	s.mu.Unlock()
}

// Manager holds the local socket table. The table is instance-local; the
// KV markers and presence pub/sub events provide the cross-instance view.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	kv       store.KV
	now      func() time.Time
}

// NewManager creates a connection manager over the given store.
func NewManager(kv store.KV) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		kv:       kv,
		now:      time.Now,
	}
}

// SetClock overrides the time source for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Register binds an authenticated socket to a Whisper ID, evicting any
// prior session with a normal close. Returns the new session.
func (m *Manager) Register(ctx context.Context, whisperID string, conn Conn, prefs protocol.PrivacyPrefs) *Session {
	m.mu.Lock()
	prior := m.sessions[whisperID]
	now := m.now()
	session := &Session{
		WhisperID:   whisperID,
		Conn:        conn,
		ConnectedAt: now,
		lastPing:    now,
		prefs:       prefs,
	}
	m.sessions[whisperID] = session
	m.mu.Unlock()

	if prior != nil {
		logrus.WithFields(logrus.Fields{
			"whisper_id": whisperID,
			"old_socket": prior.Conn.SocketID(),
			"new_socket": conn.SocketID(),
		}).Info("Session superseded")
		_ = prior.Conn.CloseWith(CloseNormal, SupersededReason)
		_ = m.kv.Del(ctx, store.SocketKey(prior.Conn.SocketID()))
	}

	// Best-effort KV markers; a lost write means a lost optimization,
	// never a broken session.
	if err := m.kv.Set(ctx, store.PresenceKey(whisperID), "1", ActiveTTL); err != nil {
		logrus.WithField("error", err.Error()).Warn("Failed to write presence marker")
	}
	_ = m.kv.Set(ctx, store.SocketKey(conn.SocketID()), whisperID, ActiveTTL)
	_ = m.kv.Set(ctx, store.RegisteredKey(whisperID), "1", RegisteredTTL)
	_ = m.kv.Publish(ctx, store.ChannelPresence, `{"whisperId":"`+whisperID+`","online":true}`)

	return session
}

// Unregister removes the binding if it still points at the given socket.
// Later sessions registered under the same Whisper ID are untouched, so
// the disconnect path of an evicted socket cannot take down its
// successor.
func (m *Manager) Unregister(ctx context.Context, whisperID, socketID string) {
	m.mu.Lock()
	session, ok := m.sessions[whisperID]
	if ok && session.Conn.SocketID() == socketID {
		delete(m.sessions, whisperID)
	} else {
		session = nil
	}
	m.mu.Unlock()

	if session == nil {
		return
	}

	_ = m.kv.Del(ctx, store.PresenceKey(whisperID), store.SocketKey(socketID))
	_ = m.kv.Publish(ctx, store.ChannelPresence, `{"whisperId":"`+whisperID+`","online":false}`)

	logrus.WithFields(logrus.Fields{
		"whisper_id": whisperID,
		"socket_id":  socketID,
	}).Info("Session closed")
}

// Get returns the live session for routing, regardless of privacy
// preferences.
func (m *Manager) Get(whisperID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[whisperID]
	return s, ok
}

// Ping refreshes the session's liveness and the KV presence marker.
func (m *Manager) Ping(ctx context.Context, whisperID string) {
	m.mu.RLock()
	session, ok := m.sessions[whisperID]
	now := m.now()
	m.mu.RUnlock()
	if !ok {
		return
	}

	session.mu.Lock()
	session.lastPing = now
	session.mu.Unlock()

	_ = m.kv.Expire(ctx, store.PresenceKey(whisperID), ActiveTTL)
	_ = m.kv.Expire(ctx, store.SocketKey(session.Conn.SocketID()), ActiveTTL)
}

// IsOnline reports raw liveness across all instances: a local session or
// an unexpired KV presence marker.
func (m *Manager) IsOnline(ctx context.Context, whisperID string) bool {
	if _, ok := m.Get(whisperID); ok {
		return true
	}
	ok, err := m.kv.Exists(ctx, store.PresenceKey(whisperID))
	if err != nil {
		return false
	}
	return ok
}

// AppearsOnline answers presence queries, honoring hideOnlineStatus.
// Routing must use Get/IsOnline instead; hidden users still receive
// frames on their live socket.
func (m *Manager) AppearsOnline(ctx context.Context, whisperID string) bool {
	if session, ok := m.Get(whisperID); ok {
		return !session.Prefs().HideOnlineStatus
	}
	if !m.IsOnline(ctx, whisperID) {
		return false
	}
	// Remote instance holds the socket; consult the stored prefs.
	raw, err := m.kv.Get(ctx, store.PrefsKey(whisperID))
	if err == nil && raw != "" {
		var prefs protocol.PrivacyPrefs
		if json.Unmarshal([]byte(raw), &prefs) == nil && prefs.HideOnlineStatus {
			return false
		}
	}
	return true
}

// Count returns the number of local live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// LocalWhisperIDs returns the Whisper IDs of all local sessions.
func (m *Manager) LocalWhisperIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}

// SweepStale closes sessions whose last ping is older than StaleAfter.
// Idempotent; the disconnect handlers run via the normal close path.
func (m *Manager) SweepStale(ctx context.Context) int {
	m.mu.RLock()
	now := m.now()
	var stale []*Session
	for _, s := range m.sessions {
		if now.Sub(s.LastPing()) > StaleAfter {
			stale = append(stale, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range stale {
		logrus.WithFields(logrus.Fields{
			"whisper_id": s.WhisperID,
			"last_ping":  s.LastPing(),
		}).Info("Closing stale connection")
		_ = s.Conn.CloseWith(CloseNormal, "ping timeout")
		m.Unregister(ctx, s.WhisperID, s.Conn.SocketID())
	}
	return len(stale)
}

// CloseAll closes every local session with a normal close. Used on
// shutdown.
func (m *Manager) CloseAll(ctx context.Context, reason string) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		_ = s.Conn.CloseWith(CloseNormal, reason)
		m.Unregister(ctx, s.WhisperID, s.Conn.SocketID())
	}
}

// Run sweeps stale sessions until the stop channel closes.
func (m *Manager) Run(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.SweepStale(ctx)
		}
	}
}
