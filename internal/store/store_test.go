package store_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopsync/shopsync/internal/store"
)

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNodeIDPersists(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := store.NewDB(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	first, err := db.NodeID()
	if err != nil {
		t.Fatalf("Failed to get node ID: %v", err)
	}
	if first == "" {
		t.Fatal("Expected non-empty node ID")
	}
	db.Close()

	db, err = store.NewDB(dbPath)
	if err != nil {
		t.Fatalf("Failed to reopen database: %v", err)
	}
	defer db.Close()

	second, err := db.NodeID()
	if err != nil {
		t.Fatalf("Failed to get node ID after reopen: %v", err)
	}
	if first != second {
		t.Errorf("Node ID changed across restarts: %s != %s", first, second)
	}
}

func TestRecordLifecycle(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	rec := &store.Record{
		TableName:   "customers",
		RecordID:    "cust-1",
		Payload:     []byte(`{"name":"Ada"}`),
		UpdatedBy:   "node-a",
		UpdatedAt:   now,
		VectorClock: map[string]int64{"node-a": 1},
	}
	if err := db.UpsertRecord(rec); err != nil {
		t.Fatalf("Failed to upsert record: %v", err)
	}

	got, err := db.GetRecord("customers", "cust-1")
	if err != nil {
		t.Fatalf("Failed to get record: %v", err)
	}
	if got == nil {
		t.Fatal("Expected record, got nil")
	}
	if string(got.Payload) != `{"name":"Ada"}` {
		t.Errorf("Unexpected payload: %s", got.Payload)
	}
	if got.VectorClock["node-a"] != 1 {
		t.Errorf("Vector clock not persisted: %v", got.VectorClock)
	}

	// Update in place
	rec.Payload = []byte(`{"name":"Ada Lovelace"}`)
	rec.VectorClock = map[string]int64{"node-a": 2}
	if err := db.UpsertRecord(rec); err != nil {
		t.Fatalf("Failed to update record: %v", err)
	}
	got, _ = db.GetRecord("customers", "cust-1")
	if got.VectorClock["node-a"] != 2 {
		t.Errorf("Expected clock 2, got %v", got.VectorClock)
	}

	// Tombstone
	if err := db.DeleteRecord("customers", "cust-1", "node-a", now, map[string]int64{"node-a": 3}); err != nil {
		t.Fatalf("Failed to delete record: %v", err)
	}
	got, err = db.GetRecord("customers", "cust-1")
	if err != nil {
		t.Fatalf("Failed to get tombstone: %v", err)
	}
	if got == nil || !got.Deleted {
		t.Error("Expected tombstone after delete")
	}

	live, err := db.ListRecords("customers")
	if err != nil {
		t.Fatalf("Failed to list records: %v", err)
	}
	if len(live) != 0 {
		t.Errorf("Tombstoned record listed as live: %d", len(live))
	}

	count, err := db.CountRecords()
	if err != nil {
		t.Fatalf("Failed to count records: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 row including tombstone, got %d", count)
	}
}

func TestGetRecordMissing(t *testing.T) {
	db := openTestDB(t)

	got, err := db.GetRecord("customers", "missing")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got != nil {
		t.Error("Expected nil for missing record")
	}
}

func makeEvent(origin string, seq int64, recordID string) *store.Event {
	return &store.Event{
		EventID:     origin + "-ev-" + recordID,
		OriginNode:  origin,
		OriginSeq:   seq,
		Timestamp:   time.Now(),
		EventType:   store.EventUpdate,
		TableName:   "products",
		RecordID:    recordID,
		Payload:     []byte(`{"price":10}`),
		VectorClock: map[string]int64{origin: seq},
	}
}

func TestEventLogOrdering(t *testing.T) {
	db := openTestDB(t)

	for i := int64(1); i <= 5; i++ {
		if _, err := db.AppendEvent(makeEvent("node-a", i, string(rune('a'+i)))); err != nil {
			t.Fatalf("Failed to append event %d: %v", i, err)
		}
	}

	latest, err := db.LatestSeq("node-a")
	if err != nil {
		t.Fatalf("Failed to read latest seq: %v", err)
	}
	if latest != 5 {
		t.Errorf("Expected latest seq 5, got %d", latest)
	}

	events, err := db.EventsSince("node-a", 2, 100)
	if err != nil {
		t.Fatalf("Failed to read events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Expected 3 events after seq 2, got %d", len(events))
	}
	for i, ev := range events {
		if ev.OriginSeq != int64(i)+3 {
			t.Errorf("Events out of order: got seq %d at index %d", ev.OriginSeq, i)
		}
	}

	seen, err := db.HasEvent(events[0].EventID)
	if err != nil {
		t.Fatalf("HasEvent failed: %v", err)
	}
	if !seen {
		t.Error("Expected event to be present")
	}
	seen, _ = db.HasEvent("never-appended")
	if seen {
		t.Error("Unknown event reported as present")
	}
}

func TestEventLogDuplicateRejected(t *testing.T) {
	db := openTestDB(t)

	ev := makeEvent("node-a", 1, "p1")
	if _, err := db.AppendEvent(ev); err != nil {
		t.Fatalf("Failed to append event: %v", err)
	}
	if _, err := db.AppendEvent(ev); err == nil {
		t.Error("Expected unique constraint error on duplicate event id")
	}
}

func registerPeer(t *testing.T, db *store.DB, peerID string) {
	t.Helper()
	err := db.UpsertPeer(&store.Peer{
		PeerID:   peerID,
		Name:     peerID,
		Address:  "10.0.0.9",
		Port:     7465,
		LastSeen: time.Now(),
	})
	if err != nil {
		t.Fatalf("Failed to register peer %s: %v", peerID, err)
	}
}

func TestPruneKeepsUnacknowledged(t *testing.T) {
	db := openTestDB(t)

	for i := int64(1); i <= 10; i++ {
		if _, err := db.AppendEvent(makeEvent("node-a", i, string(rune('a'+i)))); err != nil {
			t.Fatalf("Failed to append: %v", err)
		}
	}
	registerPeer(t, db, "peer-1")
	registerPeer(t, db, "peer-2")
	if err := db.SetWatermark("peer-1", "node-a", 10); err != nil {
		t.Fatalf("Failed to set watermark: %v", err)
	}
	if err := db.SetWatermark("peer-2", "node-a", 8); err != nil {
		t.Fatalf("Failed to set watermark: %v", err)
	}

	flagged, err := db.MarkFullyAcknowledged()
	if err != nil {
		t.Fatalf("Failed to mark acknowledged: %v", err)
	}
	if flagged != 8 {
		t.Errorf("Expected 8 events flagged up to the slowest watermark, got %d", flagged)
	}

	pruned, err := db.PruneEvents(4)
	if err != nil {
		t.Fatalf("Failed to prune: %v", err)
	}
	if pruned != 6 {
		t.Errorf("Expected 6 pruned events, got %d", pruned)
	}

	count, _ := db.CountEvents()
	if count != 4 {
		t.Errorf("Expected 4 retained events, got %d", count)
	}

	// The unacknowledged tail must survive
	minSeq, err := db.MinRetainedSeq("node-a")
	if err != nil {
		t.Fatalf("Failed to read min retained seq: %v", err)
	}
	if minSeq != 7 {
		t.Errorf("Expected min retained seq 7, got %d", minSeq)
	}
}

func TestSinglePeerAckDoesNotReleaseEvents(t *testing.T) {
	db := openTestDB(t)

	for i := int64(1); i <= 5; i++ {
		if _, err := db.AppendEvent(makeEvent("node-a", i, string(rune('a'+i)))); err != nil {
			t.Fatalf("Failed to append: %v", err)
		}
	}
	registerPeer(t, db, "peer-1")
	registerPeer(t, db, "peer-2")

	// peer-1 is fully caught up, peer-2 has never synced
	if err := db.SetWatermark("peer-1", "node-a", 5); err != nil {
		t.Fatalf("Failed to set watermark: %v", err)
	}

	flagged, err := db.MarkFullyAcknowledged()
	if err != nil {
		t.Fatalf("Failed to mark acknowledged: %v", err)
	}
	if flagged != 0 {
		t.Errorf("Events flagged while a peer still lags: %d", flagged)
	}
	pruned, err := db.PruneEvents(0)
	if err != nil {
		t.Fatalf("Failed to prune: %v", err)
	}
	if pruned != 0 {
		t.Errorf("Events pruned before every peer acknowledged: %d", pruned)
	}

	// The lagging peer catches up partway
	if err := db.SetWatermark("peer-2", "node-a", 3); err != nil {
		t.Fatalf("Failed to advance watermark: %v", err)
	}
	flagged, err = db.MarkFullyAcknowledged()
	if err != nil {
		t.Fatalf("Failed to mark acknowledged: %v", err)
	}
	if flagged != 3 {
		t.Errorf("Expected 3 events flagged at the shared watermark, got %d", flagged)
	}
	pruned, _ = db.PruneEvents(0)
	if pruned != 3 {
		t.Errorf("Expected 3 prunable events, got %d", pruned)
	}

	count, _ := db.CountEvents()
	if count != 2 {
		t.Errorf("Expected 2 retained events, got %d", count)
	}
}

func TestWatermarkNeverMovesBackwards(t *testing.T) {
	db := openTestDB(t)

	if err := db.SetWatermark("peer-1", "node-a", 10); err != nil {
		t.Fatalf("Failed to set watermark: %v", err)
	}
	if err := db.SetWatermark("peer-1", "node-a", 5); err != nil {
		t.Fatalf("Failed to set lower watermark: %v", err)
	}

	seq, err := db.GetWatermark("peer-1", "node-a")
	if err != nil {
		t.Fatalf("Failed to get watermark: %v", err)
	}
	if seq != 10 {
		t.Errorf("Watermark regressed: expected 10, got %d", seq)
	}

	if err := db.SetWatermark("peer-1", "node-b", 3); err != nil {
		t.Fatalf("Failed to set second watermark: %v", err)
	}
	marks, err := db.Watermarks("peer-1")
	if err != nil {
		t.Fatalf("Failed to read watermarks: %v", err)
	}
	if marks["node-a"] != 10 || marks["node-b"] != 3 {
		t.Errorf("Unexpected watermarks: %v", marks)
	}
}

func TestWatermarkMissingIsZero(t *testing.T) {
	db := openTestDB(t)

	seq, err := db.GetWatermark("peer-x", "node-x")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if seq != 0 {
		t.Errorf("Expected 0 for unknown watermark, got %d", seq)
	}
}

func TestOfflineQueue(t *testing.T) {
	db := openTestDB(t)

	for _, id := range []string{"ev-1", "ev-2", "ev-3"} {
		if err := db.EnqueueOffline("peer-1", id); err != nil {
			t.Fatalf("Failed to enqueue: %v", err)
		}
	}
	// Duplicate pair is a no-op
	if err := db.EnqueueOffline("peer-1", "ev-1"); err != nil {
		t.Fatalf("Duplicate enqueue errored: %v", err)
	}

	depth, err := db.QueueDepth("peer-1")
	if err != nil {
		t.Fatalf("Failed to read depth: %v", err)
	}
	if depth != 3 {
		t.Errorf("Expected depth 3, got %d", depth)
	}

	entries, err := db.DequeueOffline("peer-1", 2)
	if err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0].EventID != "ev-1" {
		t.Errorf("Expected oldest first, got %s", entries[0].EventID)
	}

	if err := db.IncrementAttempts([]int64{entries[0].ID}); err != nil {
		t.Fatalf("Failed to increment attempts: %v", err)
	}
	retried, _ := db.DequeueOffline("peer-1", 1)
	if retried[0].Attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", retried[0].Attempts)
	}

	if err := db.RemoveQueueEntries([]int64{entries[0].ID, entries[1].ID}); err != nil {
		t.Fatalf("Failed to remove entries: %v", err)
	}
	depth, _ = db.QueueDepth("peer-1")
	if depth != 1 {
		t.Errorf("Expected depth 1 after removal, got %d", depth)
	}

	if err := db.ClearQueue("peer-1"); err != nil {
		t.Fatalf("Failed to clear queue: %v", err)
	}
	depth, _ = db.QueueDepth("peer-1")
	if depth != 0 {
		t.Errorf("Expected empty queue, got %d", depth)
	}
}

func TestSessionPersistence(t *testing.T) {
	db := openTestDB(t)

	sess := &store.Session{
		SessionID: "sess-1",
		PeerID:    "peer-1",
		Mode:      "incremental",
		State:     "NEGOTIATING",
		Initiator: true,
		StartedAt: time.Now(),
	}
	if err := db.InsertSession(sess); err != nil {
		t.Fatalf("Failed to insert session: %v", err)
	}
	if err := db.UpdateSessionMode("sess-1", "full", "FULL_RUNNING"); err != nil {
		t.Fatalf("Failed to update mode: %v", err)
	}
	if err := db.FinishSession("sess-1", "COMPLETED", "", 42, 40, 1024); err != nil {
		t.Fatalf("Failed to finish session: %v", err)
	}

	sessions, err := db.RecentSessions(10)
	if err != nil {
		t.Fatalf("Failed to list sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("Expected 1 session, got %d", len(sessions))
	}
	got := sessions[0]
	if got.State != "COMPLETED" || got.Mode != "full" {
		t.Errorf("Unexpected session state: %s/%s", got.State, got.Mode)
	}
	if got.EventsSent != 42 || got.EventsApplied != 40 || got.BytesTransferred != 1024 {
		t.Errorf("Counters not persisted: %d/%d/%d",
			got.EventsSent, got.EventsApplied, got.BytesTransferred)
	}
	if got.FinishedAt == nil {
		t.Error("Expected finished_at to be set")
	}
}

func TestPartitionLifecycle(t *testing.T) {
	db := openTestDB(t)

	p := &store.Partition{
		PartitionID:   "part-1",
		PeerID:        "peer-1",
		DetectedAt:    time.Now(),
		MissedWindows: 3,
	}
	if err := db.InsertPartition(p); err != nil {
		t.Fatalf("Failed to insert partition: %v", err)
	}

	open, err := db.OpenPartition("peer-1")
	if err != nil {
		t.Fatalf("Failed to read open partition: %v", err)
	}
	if open == nil || open.PartitionID != "part-1" {
		t.Fatal("Expected open partition for peer-1")
	}

	if err := db.ResolvePartition("peer-1"); err != nil {
		t.Fatalf("Failed to resolve partition: %v", err)
	}
	open, err = db.OpenPartition("peer-1")
	if err != nil {
		t.Fatalf("Failed to re-read partition: %v", err)
	}
	if open != nil {
		t.Error("Expected no open partition after resolve")
	}

	all, err := db.ListPartitions(10)
	if err != nil {
		t.Fatalf("Failed to list partitions: %v", err)
	}
	if len(all) != 1 || all[0].ResolvedAt == nil {
		t.Error("Expected one resolved partition in history")
	}
}
