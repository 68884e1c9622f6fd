package sync

import "errors"

// Sentinel errors surfaced by the session manager
var (
	// ErrSessionAlreadyRunning is returned when a sync with the same
	// peer is already in flight.
	ErrSessionAlreadyRunning = errors.New("sync session already running for peer")

	// ErrFullSyncInProgress is returned when a full sync is requested
	// while another full sync holds the process-wide slot.
	ErrFullSyncInProgress = errors.New("a full sync is already in progress")

	// ErrRetentionExceeded signals that a peer has fallen behind the
	// retained event horizon and must take a full sync.
	ErrRetentionExceeded = errors.New("peer watermark precedes retained events")

	// ErrSessionTimeout is returned when a session exceeds its wall-clock budget
	ErrSessionTimeout = errors.New("sync session timed out")

	// ErrPeerUnreachable is returned when no transport path to the peer works
	ErrPeerUnreachable = errors.New("peer is unreachable")
)
