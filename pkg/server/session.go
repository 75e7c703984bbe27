package server

import (
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// DefaultOutboundQueue is the per-connection buffer of pending frames.
const DefaultOutboundQueue = 64

// Session represents one live transport connection. It is anonymous until
// a REGISTER binds a username.
type Session struct {
	ID         uint64
	Conn       *SafeConn
	RemoteAddr string
	Identity   string // Verified token username, empty when auth is disabled

	mu       sync.RWMutex // Protects username
	username string

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
}

var _ Handle = (*Session)(nil)

// Username returns the registered username, or "" while anonymous.
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

func (s *Session) setUsername(name string) {
	s.mu.Lock()
	s.username = name
	s.mu.Unlock()
}

// Push queues a pre-encoded frame for the writer goroutine. It never
// blocks: when the queue is full or the session is closed the frame is
// dropped and false is returned.
func (s *Session) Push(frame []byte) bool {
	select {
	case <-s.closed:
		return false
	default:
	}

	select {
	case s.send <- frame:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Dropped returns how many frames were discarded because the queue was full.
func (s *Session) Dropped() uint64 {
	return s.dropped.Load()
}

// Done is closed once the session is shut down.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.Conn != nil {
			s.Conn.Close()
		}
	})
}

// SessionManager tracks every open connection so broadcasts reach
// anonymous connections too.
type SessionManager struct {
	sessions  map[uint64]*Session
	nextID    uint64
	queueSize int
	mu        sync.RWMutex
	metrics   *Metrics
}

// NewSessionManager creates a new session manager
func NewSessionManager(queueSize int) *SessionManager {
	if queueSize <= 0 {
		queueSize = DefaultOutboundQueue
	}
	return &SessionManager{
		sessions:  make(map[uint64]*Session),
		nextID:    1,
		queueSize: queueSize,
	}
}

// SetMetrics attaches metrics to the session manager
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// CreateSession registers a new connection. conn may be nil in tests.
func (sm *SessionManager) CreateSession(conn *websocket.Conn, identity string) *Session {
	// Allocate session ID atomically (no lock needed)
	sessionID := atomic.AddUint64(&sm.nextID, 1) - 1

	sess := &Session{
		ID:       sessionID,
		Identity: identity,
		send:     make(chan []byte, sm.queueSize),
		closed:   make(chan struct{}),
	}
	if conn != nil {
		sess.Conn = NewSafeConn(conn)
		sess.RemoteAddr = sess.Conn.RemoteAddr().String()
	}

	// Only acquire lock for map insertion (critical section)
	sm.mu.Lock()
	sm.sessions[sessionID] = sess
	count := len(sm.sessions)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordActiveConnections(count)
		sm.metrics.RecordConnectionOpened()
	}
	return sess
}

// GetSession returns a session by ID
func (sm *SessionManager) GetSession(sessionID uint64) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sess, ok := sm.sessions[sessionID]
	return sess, ok
}

// GetAllSessions returns all open sessions
func (sm *SessionManager) GetAllSessions() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// RemoveSession removes a session and closes its connection. It reports
// whether the session was still tracked.
func (sm *SessionManager) RemoveSession(sessionID uint64) bool {
	sm.mu.Lock()
	sess, ok := sm.sessions[sessionID]
	if !ok {
		sm.mu.Unlock()
		return false
	}
	delete(sm.sessions, sessionID)
	count := len(sm.sessions)
	sm.mu.Unlock()

	sess.close()

	if sm.metrics != nil {
		sm.metrics.RecordActiveConnections(count)
	}
	return true
}

// CloseAll closes every session
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	sessions := sm.sessions
	sm.sessions = make(map[uint64]*Session)
	sm.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}

	if sm.metrics != nil {
		sm.metrics.RecordActiveConnections(0)
	}
}

// Count returns the number of open sessions
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}
