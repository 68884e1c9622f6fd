package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/shopsync/shopsync/internal/observability"
	"github.com/shopsync/shopsync/internal/store"
	"github.com/shopsync/shopsync/internal/sync"
)

// Server exposes the operator surface over HTTP: peer and session
// inspection, conflict and partition history, and a manual full-sync
// trigger. It binds on the admin port and serves JSON only.
type Server struct {
	db      *store.DB
	manager *sync.Manager
	nodeID  string
	port    int
	started time.Time
	server  *http.Server
	logger  *observability.Logger
	mu      stdsync.Mutex
}

// NewServer creates the admin server
func NewServer(db *store.DB, manager *sync.Manager, nodeID string, port int, logger *observability.Logger) *Server {
	return &Server{
		db:      db,
		manager: manager,
		nodeID:  nodeID,
		port:    port,
		started: time.Now(),
		logger:  logger,
	}
}

// Start begins serving in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/peers", s.handlePeers)
	mux.HandleFunc("/sessions", s.handleSessions)
	mux.HandleFunc("/conflicts", s.handleConflicts)
	mux.HandleFunc("/partitions", s.handlePartitions)
	mux.HandleFunc("/sync", s.handleSync)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	go func() {
		s.logger.Info("admin server listening", zap.Int("port", s.port))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("admin server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop shuts the server down
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	events, err := s.db.CountEvents()
	status := "ok"
	if err != nil {
		status = "degraded"
	}
	records, _ := s.db.CountRecords()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         status,
		"node_id":        s.nodeID,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"events":         events,
		"records":        records,
	})
}

type peerView struct {
	PeerID    string    `json:"peer_id"`
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	Port      int       `json:"port"`
	Reachable bool      `json:"reachable"`
	LastSeen  time.Time `json:"last_seen"`
	Syncing   bool      `json:"syncing"`
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers, err := s.db.ListPeers()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	views := make([]peerView, 0, len(peers))
	for _, p := range peers {
		views = append(views, peerView{
			PeerID:    p.PeerID,
			Name:      p.Name,
			Address:   p.Address,
			Port:      p.Port,
			Reachable: p.Reachable,
			LastSeen:  p.LastSeen,
			Syncing:   s.manager.SessionForPeer(p.PeerID) != nil,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

type sessionView struct {
	SessionID     string     `json:"session_id"`
	PeerID        string     `json:"peer_id"`
	Mode          string     `json:"mode"`
	State         string     `json:"state"`
	Initiator     bool       `json:"initiator"`
	EventsSent    int64      `json:"events_sent"`
	EventsApplied int64      `json:"events_applied"`
	Bytes         int64      `json:"bytes_transferred"`
	Error         string     `json:"error,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.db.RecentSessions(50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, sessionView{
			SessionID:     sess.SessionID,
			PeerID:        sess.PeerID,
			Mode:          sess.Mode,
			State:         sess.State,
			Initiator:     sess.Initiator,
			EventsSent:    sess.EventsSent,
			EventsApplied: sess.EventsApplied,
			Bytes:         sess.BytesTransferred,
			Error:         sess.Error,
			StartedAt:     sess.StartedAt,
			FinishedAt:    sess.FinishedAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

type conflictView struct {
	ConflictID      string    `json:"conflict_id"`
	TableName       string    `json:"table_name"`
	RecordID        string    `json:"record_id"`
	WinnerNode      string    `json:"winner_node"`
	LoserNode       string    `json:"loser_node"`
	WinnerTimestamp time.Time `json:"winner_timestamp"`
	LoserTimestamp  time.Time `json:"loser_timestamp"`
	LoserPayload    string    `json:"loser_payload,omitempty"`
	ResolvedAt      time.Time `json:"resolved_at"`
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := s.db.RecentConflicts(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	views := make([]conflictView, 0, len(conflicts))
	for _, c := range conflicts {
		views = append(views, conflictView{
			ConflictID:      c.ConflictID,
			TableName:       c.TableName,
			RecordID:        c.RecordID,
			WinnerNode:      c.WinnerNode,
			LoserNode:       c.LoserNode,
			WinnerTimestamp: c.WinnerTimestamp,
			LoserTimestamp:  c.LoserTimestamp,
			LoserPayload:    string(c.LoserPayload),
			ResolvedAt:      c.ResolvedAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

type partitionView struct {
	PartitionID   string     `json:"partition_id"`
	PeerID        string     `json:"peer_id"`
	DetectedAt    time.Time  `json:"detected_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	MissedWindows int        `json:"missed_windows"`
}

func (s *Server) handlePartitions(w http.ResponseWriter, r *http.Request) {
	partitions, err := s.db.ListPartitions(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	views := make([]partitionView, 0, len(partitions))
	for _, p := range partitions {
		views = append(views, partitionView{
			PartitionID:   p.PartitionID,
			PeerID:        p.PeerID,
			DetectedAt:    p.DetectedAt,
			ResolvedAt:    p.ResolvedAt,
			MissedWindows: p.MissedWindows,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

type syncRequest struct {
	PeerID string `json:"peer_id"`
	Full   bool   `json:"full"`
}

// handleSync triggers a sync session with a peer on demand
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
		return
	}
	if req.PeerID == "" {
		http.Error(w, "peer_id is required", http.StatusBadRequest)
		return
	}

	sess, err := s.manager.StartSync(req.PeerID, req.Full)
	if err != nil {
		status := http.StatusInternalServerError
		if err == sync.ErrSessionAlreadyRunning || err == sync.ErrFullSyncInProgress {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"session_id": sess.ID,
		"peer_id":    sess.PeerID,
	})
}
