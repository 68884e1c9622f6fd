package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shopsync/shopsync/internal/config"
	"github.com/shopsync/shopsync/internal/fullsync"
	"github.com/shopsync/shopsync/internal/network/messages"
	"github.com/shopsync/shopsync/internal/observability"
	"github.com/shopsync/shopsync/internal/store"
)

// Messenger delivers messages to a peer by node id
type Messenger interface {
	Send(peerID string, msg *messages.Message) error
}

// HandshakeHandler processes hello messages during connection setup
type HandshakeHandler interface {
	HandleMessage(msg *messages.Message) error
}

// Manager owns the sync session state machine. It enforces one session
// per peer and one full-mode session process-wide, routes incoming
// protocol messages to the right session, and pushes locally recorded
// changes to reachable peers as they happen.
type Manager struct {
	db        *store.DB
	cfg       *config.Config
	tracker   *Tracker
	engine    *fullsync.Engine
	messenger Messenger
	logger    *observability.Logger
	metrics   *observability.Metrics
	nodeID    string

	mu             sync.Mutex
	sessionsByPeer map[string]*Session
	sessionsByID   map[string]*Session
	receivers      map[string]*fullsync.Receiver
	snapshotAcks   map[string]chan fullsync.ChunkAck
	fullHolders    map[string]bool
	needsFull      map[string]bool

	// fullSlot is the process-wide full-sync ceiling: cap 1, acquired
	// with a non-blocking send, released in finishSession.
	fullSlot chan struct{}

	handshake   HandshakeHandler
	heartbeatFn func(nodeID string)
	peersFn     func() []string

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a session manager and subscribes it to the
// tracker's local change feed.
func NewManager(db *store.DB, cfg *config.Config, tracker *Tracker, engine *fullsync.Engine,
	logger *observability.Logger, metrics *observability.Metrics) *Manager {

	m := &Manager{
		db:             db,
		cfg:            cfg,
		tracker:        tracker,
		engine:         engine,
		logger:         logger,
		metrics:        metrics,
		nodeID:         tracker.NodeID(),
		sessionsByPeer: make(map[string]*Session),
		sessionsByID:   make(map[string]*Session),
		receivers:      make(map[string]*fullsync.Receiver),
		snapshotAcks:   make(map[string]chan fullsync.ChunkAck),
		fullHolders:    make(map[string]bool),
		needsFull:      make(map[string]bool),
		fullSlot:       make(chan struct{}, 1),
		stopCh:         make(chan struct{}),
	}

	tracker.OnChange(m.broadcastEvent)
	return m
}

// SetMessenger wires the outbound message path
func (m *Manager) SetMessenger(messenger Messenger) {
	m.messenger = messenger
}

// SetHandshakeHandler routes hello messages to the handshake layer
func (m *Manager) SetHandshakeHandler(h HandshakeHandler) {
	m.handshake = h
}

// SetHeartbeatHandler routes heartbeat messages to the connection layer
func (m *Manager) SetHeartbeatHandler(fn func(nodeID string)) {
	m.heartbeatFn = fn
}

// SetPeerLister supplies the set of currently reachable peer ids,
// used when pushing changes in near real time.
func (m *Manager) SetPeerLister(fn func() []string) {
	m.peersFn = fn
}

// Stop fails every in-flight session and stops background work
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	active := make([]*Session, 0, len(m.sessionsByID))
	for _, sess := range m.sessionsByID {
		active = append(active, sess)
	}
	m.mu.Unlock()

	for _, sess := range active {
		m.finishSession(sess, StateFailed, "shutting down")
	}
	m.wg.Wait()
}

// ActiveSessions returns a snapshot of the in-flight sessions
func (m *Manager) ActiveSessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessionsByID))
	for _, sess := range m.sessionsByID {
		out = append(out, sess)
	}
	return out
}

// SessionForPeer returns the running session with a peer, if any
func (m *Manager) SessionForPeer(peerID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionsByPeer[peerID]
}

// PeerNeedsFull reports whether the next session with the peer has
// been escalated to full mode.
func (m *Manager) PeerNeedsFull(peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.needsFull[peerID]
}

// StartSync opens a sync session with a peer. The returned session is
// already registered; its Done channel closes when it terminates. A
// second call for the same peer fails with ErrSessionAlreadyRunning
// until the first session finishes.
func (m *Manager) StartSync(peerID string, forceFull bool) (*Session, error) {
	if m.messenger == nil {
		return nil, fmt.Errorf("no messenger configured")
	}

	m.mu.Lock()
	if _, running := m.sessionsByPeer[peerID]; running {
		m.mu.Unlock()
		return nil, ErrSessionAlreadyRunning
	}
	if m.needsFull[peerID] {
		forceFull = true
	}
	sess := newSession("sess-"+uuid.New().String(), peerID, true)
	m.sessionsByPeer[peerID] = sess
	m.sessionsByID[sess.ID] = sess
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runInitiator(sess, forceFull)
	}()

	return sess, nil
}

func (m *Manager) runInitiator(sess *Session, forceFull bool) {
	ctx := context.Background()
	m.persistSession(sess)
	m.metrics.SyncActiveSessions.Add(ctx, 1)

	watermarks, err := m.localWatermarks()
	if err != nil {
		m.failSession(sess, fmt.Sprintf("cannot compute watermarks: %v", err), true)
		return
	}

	req := messages.NewMessage(messages.TypeSyncRequest, m.nodeID, messages.SyncRequestMessage{
		SessionID:  sess.ID,
		Watermarks: watermarks,
		Strategies: []string{messages.StrategySnapshot, messages.StrategyRecordStream},
		ForceFull:  forceFull,
	})
	if err := m.messenger.Send(sess.PeerID, req); err != nil {
		m.failSession(sess, fmt.Sprintf("%v: %v", ErrPeerUnreachable, err), false)
		return
	}

	timeout := time.Duration(m.cfg.Sync.SessionTimeout) * time.Second
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var begin *beginSignal
	select {
	case begin = <-sess.beginCh:
	case <-sess.doneCh:
		return
	case <-m.stopCh:
		m.finishSession(sess, StateFailed, "shutting down")
		return
	case <-timer.C:
		m.failSession(sess, ErrSessionTimeout.Error(), true)
		return
	}

	sess.Mode = begin.mode
	if begin.mode == messages.ModeFull {
		if !m.acquireFullSlot(sess) {
			m.failSession(sess, ErrFullSyncInProgress.Error(), true)
			return
		}
		sess.setState(StateFullRunning)
		m.logger.Info("full sync negotiated",
			zap.String("session_id", sess.ID),
			zap.String("peer_id", sess.PeerID),
			zap.String("strategy", begin.strategy),
			zap.String("reason", begin.reason))
	} else {
		sess.setState(StateIncrementalRunning)
	}
	if err := m.db.UpdateSessionMode(sess.ID, begin.mode, string(sess.State())); err != nil {
		m.logger.Error("cannot persist session mode", zap.String("session_id", sess.ID), zap.Error(err))
	}

	// The receive path drives the session from here: batches and
	// snapshot chunks arrive via HandleMessage until a terminal
	// message or the wall-clock budget runs out.
	select {
	case <-sess.doneCh:
	case <-m.stopCh:
		m.finishSession(sess, StateFailed, "shutting down")
	case <-timer.C:
		m.failSession(sess, ErrSessionTimeout.Error(), true)
	}
}

// handleSyncRequest runs the responder side of session negotiation
func (m *Manager) handleSyncRequest(peerID string, req *messages.SyncRequestMessage) error {
	m.mu.Lock()
	if _, running := m.sessionsByPeer[peerID]; running {
		m.mu.Unlock()
		m.sendComplete(peerID, req.SessionID, false, ErrSessionAlreadyRunning.Error())
		return nil
	}
	sess := newSession(req.SessionID, peerID, false)
	m.sessionsByPeer[peerID] = sess
	m.sessionsByID[sess.ID] = sess
	m.mu.Unlock()

	m.persistSession(sess)
	m.metrics.SyncActiveSessions.Add(context.Background(), 1)

	mode, reason, err := m.decideMode(peerID, req)
	if err != nil {
		m.failSession(sess, err.Error(), true)
		return nil
	}

	strategy := ""
	if mode == messages.ModeFull {
		if !m.acquireFullSlot(sess) {
			m.failSession(sess, ErrFullSyncInProgress.Error(), true)
			return nil
		}
		strategy, err = m.pickStrategy(req.Strategies)
		if err != nil {
			m.failSession(sess, err.Error(), true)
			return nil
		}
	}

	begin := messages.NewMessage(messages.TypeSyncBegin, m.nodeID, messages.SyncBeginMessage{
		SessionID: sess.ID,
		Mode:      mode,
		Strategy:  strategy,
		Reason:    reason,
	})
	if err := m.messenger.Send(peerID, begin); err != nil {
		m.failSession(sess, fmt.Sprintf("cannot send sync begin: %v", err), false)
		return nil
	}

	sess.Mode = mode
	if mode == messages.ModeFull {
		sess.setState(StateFullRunning)
	} else {
		sess.setState(StateIncrementalRunning)
	}
	if err := m.db.UpdateSessionMode(sess.ID, mode, string(sess.State())); err != nil {
		m.logger.Error("cannot persist session mode", zap.String("session_id", sess.ID), zap.Error(err))
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if mode == messages.ModeFull {
			m.runFullResponder(sess, strategy)
		} else {
			m.runIncrementalResponder(sess, req.Watermarks)
		}
	}()
	return nil
}

// decideMode picks incremental unless the requester forced a full sync,
// a previous overflow flagged the peer, or its watermark fell behind
// the retained event horizon.
func (m *Manager) decideMode(peerID string, req *messages.SyncRequestMessage) (string, string, error) {
	if req.ForceFull {
		return messages.ModeFull, "requested by peer", nil
	}

	m.mu.Lock()
	flagged := m.needsFull[peerID]
	m.mu.Unlock()
	if flagged {
		return messages.ModeFull, "offline queue overflow", nil
	}

	origins, err := m.db.Origins()
	if err != nil {
		return "", "", fmt.Errorf("cannot list event origins: %w", err)
	}
	for _, origin := range origins {
		if origin == peerID {
			continue
		}
		minSeq, err := m.db.MinRetainedSeq(origin)
		if err != nil {
			return "", "", err
		}
		// A watermark below minSeq-1 means events the peer never saw
		// have already been pruned.
		if minSeq > 1 && req.Watermarks[origin] < minSeq-1 {
			return messages.ModeFull, ErrRetentionExceeded.Error(), nil
		}
	}
	return messages.ModeIncremental, "", nil
}

// pickStrategy chooses snapshot when the local dump tool exists and the
// requester can apply one, falling back to streaming full records.
func (m *Manager) pickStrategy(offered []string) (string, error) {
	supports := make(map[string]bool, len(offered))
	for _, s := range offered {
		supports[s] = true
	}
	if m.engine.SupportsSnapshot() && supports[messages.StrategySnapshot] {
		return messages.StrategySnapshot, nil
	}
	if supports[messages.StrategyRecordStream] {
		return messages.StrategyRecordStream, nil
	}
	return "", fmt.Errorf("no common full-sync strategy in %v", offered)
}

// runIncrementalResponder streams every retained event the requester is
// missing, origin by origin, and advances the stored watermarks as the
// peer acknowledges batches. Events the peer originated are never sent
// back to it.
func (m *Manager) runIncrementalResponder(sess *Session, peerWatermarks map[string]int64) {
	batchSize := m.cfg.Sync.BatchSize

	origins, err := m.db.Origins()
	if err != nil {
		m.failSession(sess, fmt.Sprintf("cannot list event origins: %v", err), true)
		return
	}

	for _, origin := range origins {
		if origin == sess.PeerID {
			continue
		}
		after := peerWatermarks[origin]
		for {
			events, err := m.db.EventsSince(origin, after, batchSize)
			if err != nil {
				m.failSession(sess, fmt.Sprintf("cannot read events: %v", err), true)
				return
			}
			if len(events) == 0 {
				break
			}
			if err := m.sendEventBatch(sess, events, false); err != nil {
				m.failSession(sess, err.Error(), false)
				return
			}
			after = events[len(events)-1].OriginSeq
		}
	}

	// Empty final frame tells the peer the stream is complete.
	if err := m.sendEventBatch(sess, nil, true); err != nil {
		m.failSession(sess, err.Error(), false)
		return
	}

	// The initiator closes the session with sync_complete.
	select {
	case <-sess.doneCh:
	case <-m.stopCh:
		m.finishSession(sess, StateFailed, "shutting down")
	case <-time.After(time.Duration(m.cfg.Sync.SessionTimeout) * time.Second):
		m.failSession(sess, ErrSessionTimeout.Error(), true)
	}
}

// sendEventBatch ships one batch and blocks until the peer acknowledges
// it, then persists the acknowledged watermarks.
func (m *Manager) sendEventBatch(sess *Session, events []*store.Event, final bool) error {
	payload := make([]messages.EventPayload, 0, len(events))
	for _, ev := range events {
		payload = append(payload, eventToWire(ev))
	}

	msg := messages.NewMessage(messages.TypeEventBatch, m.nodeID, messages.EventBatchMessage{
		SessionID: sess.ID,
		Events:    payload,
		Final:     final,
	})
	if err := m.messenger.Send(sess.PeerID, msg); err != nil {
		return fmt.Errorf("cannot send event batch: %w", err)
	}

	select {
	case ack := <-sess.ackCh:
		sess.addSent(int64(len(events)))
		m.metrics.EventsSentTotal.Add(context.Background(), int64(len(events)))
		for origin, seq := range ack.watermarks {
			if err := m.db.SetWatermark(sess.PeerID, origin, seq); err != nil {
				return fmt.Errorf("cannot persist watermark: %w", err)
			}
		}
		// An event becomes prunable only once every known peer holds
		// it, not just this session's peer.
		if _, err := m.db.MarkFullyAcknowledged(); err != nil {
			return fmt.Errorf("cannot mark events acknowledged: %w", err)
		}
		return nil
	case <-sess.doneCh:
		return fmt.Errorf("session terminated while awaiting ack")
	case <-m.stopCh:
		return fmt.Errorf("shutting down")
	case <-time.After(time.Duration(m.cfg.Sync.SessionTimeout) * time.Second):
		return ErrSessionTimeout
	}
}

// runFullResponder transfers the whole data set with the negotiated
// strategy, then waits for the receiver's verdict.
func (m *Manager) runFullResponder(sess *Session, strategy string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-sess.doneCh:
			cancel()
		case <-m.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	send := func(msg *messages.Message) error {
		msg.SenderID = m.nodeID
		return m.messenger.Send(sess.PeerID, msg)
	}

	switch strategy {
	case messages.StrategySnapshot:
		snap, err := m.engine.BuildSnapshot(ctx)
		if err != nil {
			m.failSession(sess, fmt.Sprintf("cannot build snapshot: %v", err), true)
			return
		}
		acks := make(chan fullsync.ChunkAck, 1)
		m.mu.Lock()
		m.snapshotAcks[sess.ID] = acks
		m.mu.Unlock()

		bytes, err := m.engine.SendSnapshot(ctx, sess.ID, snap, send, acks)
		sess.addBytes(bytes)
		if err != nil {
			m.failSession(sess, fmt.Sprintf("snapshot transfer failed: %v", err), true)
			return
		}
	case messages.StrategyRecordStream:
		sent, err := m.engine.SendRecordStream(ctx, sess.ID, m.cfg.Sync.BatchSize, send)
		sess.addSent(sent)
		if err != nil {
			m.failSession(sess, fmt.Sprintf("record stream failed: %v", err), true)
			return
		}
	default:
		m.failSession(sess, fmt.Sprintf("unknown strategy %q", strategy), true)
		return
	}

	// The initiator reports verification via snapshot_complete or
	// sync_complete; either terminates the session.
	select {
	case <-sess.doneCh:
	case <-m.stopCh:
		m.finishSession(sess, StateFailed, "shutting down")
	case <-time.After(time.Duration(m.cfg.Sync.SessionTimeout) * time.Second):
		m.failSession(sess, ErrSessionTimeout.Error(), true)
	}
}

// HandleMessage implements transport.MessageHandler. The transport
// decodes the envelope only; payloads arrive as generic JSON and are
// re-decoded into their typed form here.
func (m *Manager) HandleMessage(msg *messages.Message) error {
	switch msg.Type {
	case messages.TypeHello, messages.TypeHelloAck, messages.TypeHelloComplete:
		if m.handshake != nil {
			return m.handshake.HandleMessage(msg)
		}
		return fmt.Errorf("no handshake handler for %s", msg.Type)
	case messages.TypeHeartbeat:
		if m.heartbeatFn != nil {
			m.heartbeatFn(msg.SenderID)
		}
		return nil
	}

	payload, err := decodePayload(msg)
	if err != nil {
		return err
	}

	switch p := payload.(type) {
	case *messages.SyncRequestMessage:
		return m.handleSyncRequest(msg.SenderID, p)
	case *messages.SyncBeginMessage:
		return m.handleSyncBegin(p)
	case *messages.EventBatchMessage:
		return m.handleEventBatch(msg.SenderID, p)
	case *messages.EventAckMessage:
		return m.handleEventAck(p)
	case *messages.SyncCompleteMessage:
		return m.handleSyncComplete(p)
	case *messages.SnapshotBeginMessage:
		return m.handleSnapshotBegin(msg.SenderID, p)
	case *messages.SnapshotChunkMessage:
		return m.handleSnapshotChunk(msg.SenderID, p)
	case *messages.SnapshotAckMessage:
		return m.handleSnapshotAck(p)
	case *messages.SnapshotCompleteMessage:
		return m.handleSnapshotComplete(p)
	case *messages.RecordBatchMessage:
		return m.handleRecordBatch(msg.SenderID, p)
	default:
		return fmt.Errorf("unhandled message type: %s", msg.Type)
	}
}

func (m *Manager) handleSyncBegin(begin *messages.SyncBeginMessage) error {
	sess := m.sessionByID(begin.SessionID)
	if sess == nil {
		return fmt.Errorf("sync begin for unknown session %s", begin.SessionID)
	}
	select {
	case sess.beginCh <- &beginSignal{mode: begin.Mode, strategy: begin.Strategy, reason: begin.Reason}:
	default:
	}
	return nil
}

// handleEventBatch applies a batch of remote events. Batches with a
// session id belong to a running incremental session and are
// acknowledged; batches without one are near-real-time pushes.
func (m *Manager) handleEventBatch(senderID string, batch *messages.EventBatchMessage) error {
	applied, skipped := 0, 0
	touched := make(map[string]bool)

	for i := range batch.Events {
		ev := eventFromWire(&batch.Events[i])
		res, err := m.tracker.ApplyRemote(ev)
		if err != nil {
			m.logger.Error("failed to apply remote event",
				zap.String("event_id", ev.EventID),
				zap.Error(err))
			if batch.SessionID != "" {
				if sess := m.sessionByID(batch.SessionID); sess != nil {
					m.failSession(sess, fmt.Sprintf("cannot apply event %s: %v", ev.EventID, err), true)
				}
			}
			return err
		}
		touched[ev.OriginNode] = true
		if res.Applied {
			applied++
		} else {
			skipped++
		}
	}

	if batch.SessionID == "" {
		return nil
	}

	sess := m.sessionByID(batch.SessionID)
	if sess == nil {
		return fmt.Errorf("event batch for unknown session %s", batch.SessionID)
	}
	sess.addApplied(int64(applied))

	watermarks := make(map[string]int64, len(touched))
	for origin := range touched {
		seq, err := m.db.LatestSeq(origin)
		if err != nil {
			return err
		}
		watermarks[origin] = seq
	}

	ack := messages.NewMessage(messages.TypeEventAck, m.nodeID, messages.EventAckMessage{
		SessionID:  batch.SessionID,
		Watermarks: watermarks,
		Applied:    applied,
		Skipped:    skipped,
	})
	if err := m.messenger.Send(sess.PeerID, ack); err != nil {
		m.failSession(sess, fmt.Sprintf("cannot send ack: %v", err), false)
		return err
	}

	if batch.Final {
		m.sendComplete(sess.PeerID, sess.ID, true, "")
		m.finishSession(sess, StateCompleted, "")
	}
	return nil
}

func (m *Manager) handleEventAck(ack *messages.EventAckMessage) error {
	sess := m.sessionByID(ack.SessionID)
	if sess == nil {
		return fmt.Errorf("event ack for unknown session %s", ack.SessionID)
	}
	select {
	case sess.ackCh <- &ackSignal{watermarks: ack.Watermarks, applied: ack.Applied, skipped: ack.Skipped}:
	default:
	}
	return nil
}

func (m *Manager) handleSyncComplete(done *messages.SyncCompleteMessage) error {
	sess := m.sessionByID(done.SessionID)
	if sess == nil {
		// Already finished locally; nothing to do.
		return nil
	}
	if done.Success {
		// A completed full sync means the peer now holds our whole
		// data set, whichever strategy carried it.
		if !sess.Initiator && sess.Mode == messages.ModeFull {
			if err := m.advanceAllWatermarks(sess.PeerID); err != nil {
				m.logger.Warn("cannot advance watermarks after full sync", zap.Error(err))
			}
			m.clearNeedsFull(sess.PeerID)
		}
		m.finishSession(sess, StateCompleted, "")
	} else {
		m.finishSession(sess, StateFailed, done.Error)
	}
	return nil
}

func (m *Manager) handleSnapshotBegin(senderID string, begin *messages.SnapshotBeginMessage) error {
	sess := m.sessionByID(begin.SessionID)
	if sess == nil {
		return fmt.Errorf("snapshot begin for unknown session %s", begin.SessionID)
	}
	m.mu.Lock()
	m.receivers[begin.SessionID] = m.engine.NewReceiver(begin)
	m.mu.Unlock()
	m.logger.Info("receiving snapshot",
		zap.String("session_id", begin.SessionID),
		zap.Int64("total_size", begin.TotalSize),
		zap.Int("chunks", begin.ChunkCount))
	return nil
}

func (m *Manager) handleSnapshotChunk(senderID string, chunk *messages.SnapshotChunkMessage) error {
	sess := m.sessionByID(chunk.SessionID)
	m.mu.Lock()
	receiver := m.receivers[chunk.SessionID]
	m.mu.Unlock()
	if sess == nil || receiver == nil {
		return fmt.Errorf("snapshot chunk for unknown session %s", chunk.SessionID)
	}

	ack := receiver.HandleChunk(chunk)
	ackMsg := messages.NewMessage(messages.TypeSnapshotAck, m.nodeID, ack)
	if err := m.messenger.Send(sess.PeerID, ackMsg); err != nil {
		m.failSession(sess, fmt.Sprintf("cannot send chunk ack: %v", err), false)
		return err
	}
	if !ack.OK {
		m.failSession(sess, ack.Error, false)
		return nil
	}
	sess.addBytes(int64(len(chunk.Data)))

	if receiver.Complete() {
		count, err := receiver.Finalize()
		result := messages.SnapshotCompleteMessage{
			SessionID:   chunk.SessionID,
			Verified:    err == nil,
			RecordCount: count,
		}
		if err != nil {
			result.Error = err.Error()
		}
		doneMsg := messages.NewMessage(messages.TypeSnapshotComplete, m.nodeID, result)
		if sendErr := m.messenger.Send(sess.PeerID, doneMsg); sendErr != nil {
			m.logger.Warn("cannot send snapshot result", zap.Error(sendErr))
		}
		if err != nil {
			m.failSession(sess, fmt.Sprintf("snapshot rejected: %v", err), false)
			return nil
		}
		m.finishSession(sess, StateCompleted, "")
	}
	return nil
}

func (m *Manager) handleSnapshotAck(ack *messages.SnapshotAckMessage) error {
	m.mu.Lock()
	ch := m.snapshotAcks[ack.SessionID]
	m.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("snapshot ack for unknown session %s", ack.SessionID)
	}
	select {
	case ch <- fullsync.ChunkAck{ChunkIndex: ack.ChunkIndex, OK: ack.OK, Error: ack.Error}:
	default:
	}
	return nil
}

// handleSnapshotComplete closes the sending side of a snapshot
// session. A verified snapshot means the peer now holds everything we
// hold, so the stored watermarks jump to our latest sequence per
// origin.
func (m *Manager) handleSnapshotComplete(done *messages.SnapshotCompleteMessage) error {
	sess := m.sessionByID(done.SessionID)
	if sess == nil {
		return nil
	}
	if !done.Verified {
		m.failSession(sess, fmt.Sprintf("peer rejected snapshot: %s", done.Error), false)
		return nil
	}

	if err := m.advanceAllWatermarks(sess.PeerID); err != nil {
		m.logger.Warn("cannot advance watermarks after full sync", zap.Error(err))
	}
	m.clearNeedsFull(sess.PeerID)
	m.finishSession(sess, StateCompleted, "")
	return nil
}

// handleRecordBatch applies one frame of a record-stream full sync
func (m *Manager) handleRecordBatch(senderID string, batch *messages.RecordBatchMessage) error {
	sess := m.sessionByID(batch.SessionID)
	if sess == nil {
		return fmt.Errorf("record batch for unknown session %s", batch.SessionID)
	}

	applied, err := m.engine.ApplyRecords(batch.Records)
	if err != nil {
		m.sendComplete(sess.PeerID, sess.ID, false, err.Error())
		m.failSession(sess, fmt.Sprintf("cannot apply records: %v", err), false)
		return err
	}
	sess.addApplied(applied)

	if batch.Final {
		m.sendComplete(sess.PeerID, sess.ID, true, "")
		m.finishSession(sess, StateCompleted, "")
	}
	return nil
}

// broadcastEvent pushes a locally recorded change to every reachable
// peer. Unreachable peers and failed sends fall back to the offline
// queue for later delivery.
func (m *Manager) broadcastEvent(ev *store.Event) {
	if m.messenger == nil {
		return
	}
	select {
	case <-m.stopCh:
		return
	default:
	}

	reachable := make(map[string]bool)
	if m.peersFn != nil {
		for _, id := range m.peersFn() {
			reachable[id] = true
		}
	}

	peers, err := m.db.ListPeers()
	if err != nil {
		m.logger.Error("cannot list peers for push", zap.Error(err))
		return
	}

	msg := messages.NewMessage(messages.TypeEventBatch, m.nodeID, messages.EventBatchMessage{
		Events: []messages.EventPayload{eventToWire(ev)},
	})

	for _, peer := range peers {
		if peer.PeerID == m.nodeID || peer.PeerID == ev.OriginNode {
			continue
		}
		if !reachable[peer.PeerID] {
			m.queueOffline(peer.PeerID, ev.EventID)
			continue
		}
		if err := m.messenger.Send(peer.PeerID, msg); err != nil {
			m.logger.Debug("push failed, queueing offline",
				zap.String("peer_id", peer.PeerID),
				zap.Error(err))
			m.queueOffline(peer.PeerID, ev.EventID)
		}
	}
}

func (m *Manager) sessionByID(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionsByID[id]
}

func (m *Manager) acquireFullSlot(sess *Session) bool {
	select {
	case m.fullSlot <- struct{}{}:
		m.mu.Lock()
		m.fullHolders[sess.ID] = true
		m.mu.Unlock()
		return true
	default:
		return false
	}
}

func (m *Manager) clearNeedsFull(peerID string) {
	m.mu.Lock()
	delete(m.needsFull, peerID)
	m.mu.Unlock()
}

func (m *Manager) persistSession(sess *Session) {
	err := m.db.InsertSession(&store.Session{
		SessionID: sess.ID,
		PeerID:    sess.PeerID,
		Mode:      sess.Mode,
		State:     string(sess.State()),
		Initiator: sess.Initiator,
		StartedAt: sess.StartedAt,
	})
	if err != nil {
		m.logger.Error("cannot persist session", zap.String("session_id", sess.ID), zap.Error(err))
	}
}

// failSession terminates a session on error, optionally telling the
// peer why.
func (m *Manager) failSession(sess *Session, errMsg string, notifyPeer bool) {
	if notifyPeer {
		m.sendComplete(sess.PeerID, sess.ID, false, errMsg)
	}
	m.finishSession(sess, StateFailed, errMsg)
}

func (m *Manager) sendComplete(peerID, sessionID string, success bool, errMsg string) {
	if m.messenger == nil {
		return
	}
	msg := messages.NewMessage(messages.TypeSyncComplete, m.nodeID, messages.SyncCompleteMessage{
		SessionID: sessionID,
		Success:   success,
		Error:     errMsg,
	})
	if err := m.messenger.Send(peerID, msg); err != nil {
		m.logger.Debug("cannot send sync complete",
			zap.String("peer_id", peerID),
			zap.Error(err))
	}
}

// finishSession moves a session to a terminal state exactly once,
// releasing the full-sync slot and persisting the outcome.
func (m *Manager) finishSession(sess *Session, state SessionState, errMsg string) {
	m.mu.Lock()
	_, active := m.sessionsByID[sess.ID]
	delete(m.sessionsByID, sess.ID)
	if cur, ok := m.sessionsByPeer[sess.PeerID]; ok && cur == sess {
		delete(m.sessionsByPeer, sess.PeerID)
	}
	delete(m.receivers, sess.ID)
	delete(m.snapshotAcks, sess.ID)
	holder := m.fullHolders[sess.ID]
	delete(m.fullHolders, sess.ID)
	m.mu.Unlock()

	if !active {
		return
	}
	if holder {
		<-m.fullSlot
	}

	sess.finish(state)

	ctx := context.Background()
	sent, applied, bytes := sess.Counters()
	if err := m.db.FinishSession(sess.ID, string(state), errMsg, sent, applied, bytes); err != nil {
		m.logger.Error("cannot persist session outcome", zap.String("session_id", sess.ID), zap.Error(err))
	}

	m.metrics.SyncActiveSessions.Add(ctx, -1)
	m.metrics.SyncSessionsTotal.Add(ctx, 1)
	m.metrics.SyncSessionDuration.Record(ctx, time.Since(sess.StartedAt).Seconds())

	if state == StateFailed {
		m.metrics.ErrorSessionFailures.Add(ctx, 1)
		m.logger.Warn("sync session failed",
			zap.String("session_id", sess.ID),
			zap.String("peer_id", sess.PeerID),
			zap.String("error", errMsg))
	} else {
		m.logger.Info("sync session completed",
			zap.String("session_id", sess.ID),
			zap.String("peer_id", sess.PeerID),
			zap.String("mode", sess.Mode),
			zap.Int64("events_sent", sent),
			zap.Int64("events_applied", applied),
			zap.Int64("bytes", bytes),
			zap.Duration("duration", time.Since(sess.StartedAt)))
	}
}

// localWatermarks reports the highest sequence this node holds per
// origin, including its own.
func (m *Manager) localWatermarks() (map[string]int64, error) {
	origins, err := m.db.Origins()
	if err != nil {
		return nil, err
	}
	marks := make(map[string]int64, len(origins)+1)
	for _, origin := range origins {
		seq, err := m.db.LatestSeq(origin)
		if err != nil {
			return nil, err
		}
		marks[origin] = seq
	}
	if _, ok := marks[m.nodeID]; !ok {
		marks[m.nodeID] = 0
	}
	return marks, nil
}

// advanceAllWatermarks jumps every stored watermark for the peer to
// the local head, used after a verified full sync.
func (m *Manager) advanceAllWatermarks(peerID string) error {
	origins, err := m.db.Origins()
	if err != nil {
		return err
	}
	for _, origin := range origins {
		seq, err := m.db.LatestSeq(origin)
		if err != nil {
			return err
		}
		if err := m.db.SetWatermark(peerID, origin, seq); err != nil {
			return err
		}
	}
	if _, err := m.db.MarkFullyAcknowledged(); err != nil {
		return err
	}
	return nil
}

func eventToWire(ev *store.Event) messages.EventPayload {
	return messages.EventPayload{
		EventID:     ev.EventID,
		OriginNode:  ev.OriginNode,
		OriginSeq:   ev.OriginSeq,
		Timestamp:   ev.Timestamp.UnixMilli(),
		EventType:   ev.EventType,
		TableName:   ev.TableName,
		RecordID:    ev.RecordID,
		Payload:     ev.Payload,
		VectorClock: ev.VectorClock,
	}
}

func eventFromWire(p *messages.EventPayload) *store.Event {
	return &store.Event{
		EventID:     p.EventID,
		OriginNode:  p.OriginNode,
		OriginSeq:   p.OriginSeq,
		Timestamp:   time.UnixMilli(p.Timestamp),
		EventType:   p.EventType,
		TableName:   p.TableName,
		RecordID:    p.RecordID,
		Payload:     p.Payload,
		VectorClock: p.VectorClock,
	}
}

// decodePayload re-decodes a generically unmarshalled payload into the
// typed message for its type.
func decodePayload(msg *messages.Message) (interface{}, error) {
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("cannot re-encode payload: %w", err)
	}
	return messages.DecodePayload(raw, msg.Type)
}
