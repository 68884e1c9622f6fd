package sync

import (
	"sync"
	"time"
)

// SessionState is one step of the session state machine
type SessionState string

const (
	StateIdle               SessionState = "IDLE"
	StateNegotiating        SessionState = "NEGOTIATING"
	StateIncrementalRunning SessionState = "INCREMENTAL_RUNNING"
	StateFullRunning        SessionState = "FULL_RUNNING"
	StateCompleted          SessionState = "COMPLETED"
	StateFailed             SessionState = "FAILED"
)

// Session tracks one sync exchange with a peer. At most one session
// per peer runs at a time, and at most one full-mode session runs
// process-wide.
type Session struct {
	ID        string
	PeerID    string
	Mode      string
	Initiator bool
	StartedAt time.Time

	state         SessionState
	eventsSent    int64
	eventsApplied int64
	bytes         int64
	mu            sync.Mutex

	// ackCh delivers event acks to the sending loop
	ackCh chan *ackSignal
	// beginCh delivers the negotiation outcome to the initiator
	beginCh chan *beginSignal
	// doneCh closes when the session reaches a terminal state
	doneCh   chan struct{}
	doneOnce sync.Once
}

type ackSignal struct {
	watermarks map[string]int64
	applied    int
	skipped    int
}

type beginSignal struct {
	mode     string
	strategy string
	reason   string
}

func newSession(id, peerID string, initiator bool) *Session {
	return &Session{
		ID:        id,
		PeerID:    peerID,
		Initiator: initiator,
		StartedAt: time.Now(),
		state:     StateNegotiating,
		ackCh:     make(chan *ackSignal, 1),
		beginCh:   make(chan *beginSignal, 1),
		doneCh:    make(chan struct{}),
	}
}

// State returns the current session state
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Done returns a channel closed when the session terminates
func (s *Session) Done() <-chan struct{} {
	return s.doneCh
}

func (s *Session) finish(state SessionState) {
	s.setState(state)
	s.doneOnce.Do(func() { close(s.doneCh) })
}

func (s *Session) addSent(n int64)    { s.mu.Lock(); s.eventsSent += n; s.mu.Unlock() }
func (s *Session) addApplied(n int64) { s.mu.Lock(); s.eventsApplied += n; s.mu.Unlock() }
func (s *Session) addBytes(n int64)   { s.mu.Lock(); s.bytes += n; s.mu.Unlock() }

// Counters returns the session's transfer counters
func (s *Session) Counters() (sent, applied, bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventsSent, s.eventsApplied, s.bytes
}
