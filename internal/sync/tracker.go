package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shopsync/shopsync/internal/observability"
	"github.com/shopsync/shopsync/internal/store"
	"github.com/shopsync/shopsync/internal/sync/conflict"
)

// ChangeListener is notified after a local change lands in the event log
type ChangeListener func(ev *store.Event)

// Tracker records every local data change as an event in the
// append-only log and applies remote events to the local database.
// Local events get a per-node monotonically increasing sequence number;
// remote events are deduplicated by event id and never re-shipped to
// their origin.
type Tracker struct {
	db        *store.DB
	nodeID    string
	resolver  *conflict.Resolver
	logger    *observability.Logger
	metrics   *observability.Metrics
	clock     VectorClock
	nextSeq   int64
	mu        sync.Mutex
	listeners []ChangeListener
}

// NewTracker creates a change tracker, restoring the sequence counter
// and vector clock from the persisted event log.
func NewTracker(db *store.DB, nodeID string, resolver *conflict.Resolver, logger *observability.Logger, metrics *observability.Metrics) (*Tracker, error) {
	lastSeq, err := db.LatestSeq(nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to restore sequence counter: %w", err)
	}

	t := &Tracker{
		db:       db,
		nodeID:   nodeID,
		resolver: resolver,
		logger:   logger,
		metrics:  metrics,
		clock:    NewVectorClock(),
		nextSeq:  lastSeq + 1,
	}
	t.clock.Set(nodeID, lastSeq)

	return t, nil
}

// NodeID returns the local node identifier
func (t *Tracker) NodeID() string {
	return t.nodeID
}

// Clock returns a copy of the current vector clock
func (t *Tracker) Clock() VectorClock {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clock.Copy()
}

// OnChange registers a listener for locally originated events
func (t *Tracker) OnChange(listener ChangeListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, listener)
}

// RecordChange applies a local data change and appends it to the event
// log in one step. eventType is one of store.EventCreate, EventUpdate,
// EventDelete; payload is the record body (ignored for deletes).
func (t *Tracker) RecordChange(eventType, tableName, recordID string, payload []byte) (*store.Event, error) {
	t.mu.Lock()
	seq := t.nextSeq
	t.nextSeq++
	t.clock.Increment(t.nodeID)
	clock := t.clock.Copy()
	listeners := make([]ChangeListener, len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.Unlock()

	now := time.Now()

	ev := &store.Event{
		EventID:     uuid.New().String(),
		OriginNode:  t.nodeID,
		OriginSeq:   seq,
		Timestamp:   now,
		EventType:   eventType,
		TableName:   tableName,
		RecordID:    recordID,
		Payload:     payload,
		VectorClock: clock,
	}

	if err := t.applyToRecords(ev); err != nil {
		return nil, fmt.Errorf("failed to apply local change: %w", err)
	}
	if _, err := t.db.AppendEvent(ev); err != nil {
		return nil, err
	}

	t.metrics.EventsRecordedTotal.Add(context.Background(), 1)
	t.logger.Debug("recorded change",
		zap.String("event_id", ev.EventID),
		zap.String("table", tableName),
		zap.String("record_id", recordID),
		zap.Int64("seq", seq))

	for _, listener := range listeners {
		listener(ev)
	}

	return ev, nil
}

// ApplyResult describes what happened to one remote event
type ApplyResult struct {
	Applied    bool
	Skipped    bool
	Conflicted bool
}

// ApplyRemote applies an event received from a peer. Application is
// idempotent: echoes of our own events and already-seen event ids are
// acknowledged but not re-applied. Concurrent edits go through the
// conflict resolver; a remote loss still stores the event so the log
// converges on all nodes.
func (t *Tracker) ApplyRemote(ev *store.Event) (ApplyResult, error) {
	// Echo suppression: never re-apply our own changes
	if ev.OriginNode == t.nodeID {
		return ApplyResult{Skipped: true}, nil
	}

	seen, err := t.db.HasEvent(ev.EventID)
	if err != nil {
		return ApplyResult{}, err
	}
	if seen {
		return ApplyResult{Skipped: true}, nil
	}

	result := ApplyResult{}

	current, err := t.db.GetRecord(ev.TableName, ev.RecordID)
	if err != nil {
		return ApplyResult{}, err
	}

	applyRemoteVersion := true
	if current != nil {
		localClock := VectorClock(current.VectorClock)
		remoteClock := VectorClock(ev.VectorClock)

		switch remoteClock.Compare(localClock) {
		case -1:
			// Remote change is causally older than what we hold
			applyRemoteVersion = false
		case 1:
			// Remote strictly newer, applies cleanly
		default:
			if localClock.IsConcurrent(remoteClock) {
				outcome, err := t.resolver.ResolveAndRecord(ev.TableName, ev.RecordID,
					conflict.Version{
						NodeID:    current.UpdatedBy,
						Timestamp: current.UpdatedAt,
						Payload:   current.Payload,
						Deleted:   current.Deleted,
					},
					conflict.Version{
						NodeID:    ev.OriginNode,
						Timestamp: ev.Timestamp,
						Payload:   ev.Payload,
						Deleted:   ev.EventType == store.EventDelete,
					})
				if err != nil {
					return ApplyResult{}, fmt.Errorf("failed to resolve conflict: %w", err)
				}
				result.Conflicted = true
				applyRemoteVersion = outcome.RemoteWins
				t.metrics.ConflictsDetectedTotal.Add(context.Background(), 1)
				t.logger.Info("resolved concurrent edit",
					zap.String("table", ev.TableName),
					zap.String("record_id", ev.RecordID),
					zap.String("winner", outcome.Winner.NodeID))
			}
		}
	}

	if applyRemoteVersion {
		if err := t.applyToRecords(ev); err != nil {
			return ApplyResult{}, fmt.Errorf("failed to apply remote change: %w", err)
		}
		result.Applied = true
		t.metrics.EventsAppliedTotal.Add(context.Background(), 1)
	} else if result.Conflicted {
		// Losing version: keep the record, but merge clocks so the
		// concurrency is not re-detected on the next event.
		if current != nil {
			merged := VectorClock(current.VectorClock).Copy()
			merged.Merge(VectorClock(ev.VectorClock))
			current.VectorClock = merged
			if err := t.db.UpsertRecord(current); err != nil {
				return ApplyResult{}, err
			}
		}
		result.Skipped = true
		t.metrics.EventsSkippedTotal.Add(context.Background(), 1)
	} else {
		result.Skipped = true
		t.metrics.EventsSkippedTotal.Add(context.Background(), 1)
	}

	// Store the event regardless of outcome so this node can relay it
	// and dedupe retransmissions.
	if _, err := t.db.AppendEvent(ev); err != nil {
		return ApplyResult{}, err
	}

	t.mu.Lock()
	t.clock.Merge(VectorClock(ev.VectorClock))
	t.mu.Unlock()

	return result, nil
}

// applyToRecords writes an event's effect into the records table
func (t *Tracker) applyToRecords(ev *store.Event) error {
	if ev.EventType == store.EventDelete {
		return t.db.DeleteRecord(ev.TableName, ev.RecordID, ev.OriginNode, ev.Timestamp, ev.VectorClock)
	}

	merged := ev.VectorClock
	if current, err := t.db.GetRecord(ev.TableName, ev.RecordID); err == nil && current != nil {
		mergedClock := VectorClock(current.VectorClock).Copy()
		mergedClock.Merge(VectorClock(ev.VectorClock))
		merged = mergedClock
	}

	return t.db.UpsertRecord(&store.Record{
		TableName:   ev.TableName,
		RecordID:    ev.RecordID,
		Payload:     ev.Payload,
		Deleted:     false,
		UpdatedBy:   ev.OriginNode,
		UpdatedAt:   ev.Timestamp,
		VectorClock: merged,
	})
}
