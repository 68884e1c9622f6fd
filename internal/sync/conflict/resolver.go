// Package conflict decides which version of a record survives when two
// nodes edited it independently.
package conflict

import (
	"time"

	"github.com/google/uuid"

	"github.com/shopsync/shopsync/internal/store"
)

// Version is one side of a concurrent edit
type Version struct {
	NodeID    string
	Timestamp time.Time
	Payload   []byte
	Deleted   bool
}

// Outcome is the result of resolving two versions
type Outcome struct {
	Winner     Version
	Loser      Version
	RemoteWins bool
}

// Resolver applies last-write-wins resolution and records an audit row
// for every conflict it decides.
type Resolver struct {
	db *store.DB
}

// NewResolver creates a conflict resolver
func NewResolver(db *store.DB) *Resolver {
	return &Resolver{db: db}
}

// Resolve picks a winner between the local and remote version of a
// record. Later wall-clock timestamp wins; on an exact tie the
// lexicographically larger node id wins so every node picks the same
// version without coordination.
func Resolve(local, remote Version) Outcome {
	remoteWins := false
	if remote.Timestamp.After(local.Timestamp) {
		remoteWins = true
	} else if remote.Timestamp.Equal(local.Timestamp) && remote.NodeID > local.NodeID {
		remoteWins = true
	}

	if remoteWins {
		return Outcome{Winner: remote, Loser: local, RemoteWins: true}
	}
	return Outcome{Winner: local, Loser: remote, RemoteWins: false}
}

// ResolveAndRecord resolves a conflict and persists the audit row. The
// losing payload is kept in the audit trail so an operator can recover
// overwritten data.
func (r *Resolver) ResolveAndRecord(tableName, recordID string, local, remote Version) (Outcome, error) {
	outcome := Resolve(local, remote)

	audit := &store.Conflict{
		ConflictID:      uuid.New().String(),
		TableName:       tableName,
		RecordID:        recordID,
		WinnerNode:      outcome.Winner.NodeID,
		LoserNode:       outcome.Loser.NodeID,
		WinnerTimestamp: outcome.Winner.Timestamp,
		LoserTimestamp:  outcome.Loser.Timestamp,
		WinnerPayload:   outcome.Winner.Payload,
		LoserPayload:    outcome.Loser.Payload,
		ResolvedAt:      time.Now(),
	}

	if err := r.db.InsertConflict(audit); err != nil {
		return outcome, err
	}
	return outcome, nil
}
