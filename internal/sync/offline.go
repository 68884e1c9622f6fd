package sync

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/shopsync/shopsync/internal/network/messages"
)

// queueOffline stores an event for later delivery to an unreachable
// peer. When the queue passes its per-peer limit the backlog is dropped
// and the peer is escalated to a full sync instead.
func (m *Manager) queueOffline(peerID, eventID string) {
	if err := m.db.EnqueueOffline(peerID, eventID); err != nil {
		m.logger.Error("cannot queue offline event",
			zap.String("peer_id", peerID),
			zap.String("event_id", eventID),
			zap.Error(err))
		return
	}

	depth, err := m.db.QueueDepth(peerID)
	if err != nil {
		m.logger.Error("cannot read offline queue depth", zap.Error(err))
		return
	}
	m.metrics.OfflineQueueDepth.Add(context.Background(), 1)

	if depth > int64(m.cfg.Sync.OfflineQueueLimit) {
		m.escalateOffline(peerID, fmt.Sprintf("offline queue overflow: %d entries", depth))
	}
}

// escalateOffline abandons incremental catch-up for a peer: the queued
// backlog is dropped and the peer's next session is forced to full mode.
func (m *Manager) escalateOffline(peerID, reason string) {
	if err := m.db.ClearQueue(peerID); err != nil {
		m.logger.Error("cannot clear offline queue", zap.String("peer_id", peerID), zap.Error(err))
	}

	m.mu.Lock()
	m.needsFull[peerID] = true
	m.mu.Unlock()

	m.metrics.OfflineEscalationsTotal.Add(context.Background(), 1)
	m.logger.Warn("escalating peer to full sync",
		zap.String("peer_id", peerID),
		zap.String("reason", reason))
}

// HandlePeerReachable delivers any queued events to a peer that just
// came back and then opens a sync session to pull what this node
// missed in the meantime.
func (m *Manager) HandlePeerReachable(peerID string) {
	if m.messenger == nil {
		return
	}

	m.deliverQueued(peerID)

	if _, err := m.StartSync(peerID, false); err != nil && err != ErrSessionAlreadyRunning {
		m.logger.Warn("cannot start sync with returning peer",
			zap.String("peer_id", peerID),
			zap.Error(err))
	}
}

// deliverQueued drains the offline queue for a peer in batches. Entries
// that keep failing past the attempt limit trigger escalation.
func (m *Manager) deliverQueued(peerID string) {
	batchSize := m.cfg.Sync.BatchSize
	ctx := context.Background()

	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		entries, err := m.db.DequeueOffline(peerID, batchSize)
		if err != nil {
			m.logger.Error("cannot read offline queue", zap.String("peer_id", peerID), zap.Error(err))
			return
		}
		if len(entries) == 0 {
			return
		}

		ids := make([]int64, 0, len(entries))
		eventIDs := make([]string, 0, len(entries))
		exhausted := false
		for _, entry := range entries {
			if entry.Attempts >= m.cfg.Sync.OfflineMaxAttempts {
				exhausted = true
			}
			ids = append(ids, entry.ID)
			eventIDs = append(eventIDs, entry.EventID)
		}
		if exhausted {
			m.escalateOffline(peerID, "offline delivery attempts exhausted")
			return
		}

		events, err := m.db.EventsByIDs(eventIDs)
		if err != nil {
			m.logger.Error("cannot load queued events", zap.Error(err))
			return
		}

		// Events pruned since queueing cannot be replayed incrementally.
		if len(events) < len(eventIDs) {
			m.escalateOffline(peerID, "queued events pruned from log")
			return
		}

		payload := make([]messages.EventPayload, 0, len(events))
		for _, ev := range events {
			payload = append(payload, eventToWire(ev))
		}
		msg := messages.NewMessage(messages.TypeEventBatch, m.nodeID, messages.EventBatchMessage{
			Events: payload,
		})

		if err := m.messenger.Send(peerID, msg); err != nil {
			m.logger.Debug("offline delivery failed",
				zap.String("peer_id", peerID),
				zap.Error(err))
			if incErr := m.db.IncrementAttempts(ids); incErr != nil {
				m.logger.Error("cannot record delivery attempt", zap.Error(incErr))
			}
			return
		}

		if err := m.db.RemoveQueueEntries(ids); err != nil {
			m.logger.Error("cannot remove delivered queue entries", zap.Error(err))
			return
		}
		m.metrics.OfflineQueueDepth.Add(ctx, -int64(len(ids)))
		m.metrics.EventsSentTotal.Add(ctx, int64(len(events)))

		m.logger.Info("delivered queued events",
			zap.String("peer_id", peerID),
			zap.Int("count", len(events)))
	}
}
