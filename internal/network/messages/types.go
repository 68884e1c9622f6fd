package messages

// Message type constants
const (
	TypePresence         = "presence"
	TypeHello            = "hello"
	TypeHelloAck         = "hello_ack"
	TypeHelloComplete    = "hello_complete"
	TypeSyncRequest      = "sync_request"
	TypeSyncBegin        = "sync_begin"
	TypeEventBatch       = "event_batch"
	TypeEventAck         = "event_ack"
	TypeSyncComplete     = "sync_complete"
	TypeSnapshotBegin    = "snapshot_begin"
	TypeSnapshotChunk    = "snapshot_chunk"
	TypeSnapshotAck      = "snapshot_ack"
	TypeSnapshotComplete = "snapshot_complete"
	TypeRecordBatch      = "record_batch"
	TypeHeartbeat        = "heartbeat"
)

// Sync modes carried in negotiation messages
const (
	ModeIncremental = "incremental"
	ModeFull        = "full"
)

// Full-sync transfer strategies
const (
	StrategySnapshot     = "snapshot"      // database dump streamed in chunks
	StrategyRecordStream = "record_stream" // row-by-row transfer when no dump tool
)

// PresenceMessage is broadcast on the discovery port. RegKeyHash carries
// a hash of the shared registration key, never the key itself; receivers
// compare it in constant time before registering the peer. Capabilities
// lists the full-sync strategies the node can serve, so peers learn at
// discovery time whether a snapshot transfer is on offer.
type PresenceMessage struct {
	NodeID       string   `json:"node_id"`
	Name         string   `json:"name"`
	IPAddress    string   `json:"ip_address,omitempty"`
	Port         int      `json:"port"`
	RegKeyHash   string   `json:"reg_key_hash"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// HelloMessage opens the authenticated handshake on a new connection
type HelloMessage struct {
	NodeID        string `json:"node_id"`
	PublicKey     string `json:"public_key"`
	Nonce         []byte `json:"nonce"`
	AuthChallenge []byte `json:"auth_challenge,omitempty"`
}

// HelloAckMessage answers a hello with the responder's challenge
type HelloAckMessage struct {
	NodeID        string `json:"node_id"`
	AuthResponse  []byte `json:"auth_response"`
	PublicKey     string `json:"public_key"`
	Nonce         []byte `json:"nonce"`
	AuthChallenge []byte `json:"auth_challenge"`
}

// HelloCompleteMessage finishes the handshake
type HelloCompleteMessage struct {
	AuthResponse []byte `json:"auth_response"`
}

// SyncRequestMessage opens session negotiation. Watermarks maps origin
// node id to the highest origin_seq the requester already holds.
type SyncRequestMessage struct {
	SessionID  string           `json:"session_id"`
	Watermarks map[string]int64 `json:"watermarks"`
	Strategies []string         `json:"strategies"` // full-sync strategies the requester can apply
	ForceFull  bool             `json:"force_full,omitempty"`
}

// SyncBeginMessage accepts a sync request and fixes the negotiated mode
type SyncBeginMessage struct {
	SessionID string `json:"session_id"`
	Mode      string `json:"mode"`
	Strategy  string `json:"strategy,omitempty"` // set when Mode is full
	Reason    string `json:"reason,omitempty"`   // why full sync was chosen
}

// EventPayload is one change event on the wire
type EventPayload struct {
	EventID     string           `json:"event_id"`
	OriginNode  string           `json:"origin_node"`
	OriginSeq   int64            `json:"origin_seq"`
	Timestamp   int64            `json:"timestamp"` // unix millis
	EventType   string           `json:"event_type"`
	TableName   string           `json:"table_name"`
	RecordID    string           `json:"record_id"`
	Payload     []byte           `json:"payload,omitempty"`
	VectorClock map[string]int64 `json:"vector_clock"`
}

// EventBatchMessage carries a batch of ordered change events
type EventBatchMessage struct {
	SessionID string         `json:"session_id"`
	Events    []EventPayload `json:"events"`
	Final     bool           `json:"final"` // no more batches follow
}

// EventAckMessage confirms application of a batch up to a watermark
type EventAckMessage struct {
	SessionID  string           `json:"session_id"`
	Watermarks map[string]int64 `json:"watermarks"`
	Applied    int              `json:"applied"`
	Skipped    int              `json:"skipped"`
}

// SyncCompleteMessage closes a session from either side
type SyncCompleteMessage struct {
	SessionID string `json:"session_id"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// SnapshotBeginMessage announces an incoming database snapshot
type SnapshotBeginMessage struct {
	SessionID   string `json:"session_id"`
	Strategy    string `json:"strategy"`
	TotalSize   int64  `json:"total_size"`   // compressed bytes
	ChunkCount  int    `json:"chunk_count"`
	Checksum    string `json:"checksum"`     // blake3 of the uncompressed dump
	Compression string `json:"compression"`
	RecordCount int64  `json:"record_count"` // rows the receiver must end up with
}

// SnapshotChunkMessage is one chunk of the compressed snapshot stream
type SnapshotChunkMessage struct {
	SessionID  string `json:"session_id"`
	ChunkIndex int    `json:"chunk_index"`
	Data       []byte `json:"data"`
	ChunkHash  string `json:"chunk_hash"` // blake3 of this chunk's compressed bytes
}

// SnapshotAckMessage confirms receipt of a chunk
type SnapshotAckMessage struct {
	SessionID  string `json:"session_id"`
	ChunkIndex int    `json:"chunk_index"`
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
}

// SnapshotCompleteMessage reports the receiver's verification outcome
type SnapshotCompleteMessage struct {
	SessionID   string `json:"session_id"`
	Verified    bool   `json:"verified"`
	RecordCount int64  `json:"record_count"`
	Error       string `json:"error,omitempty"`
}

// RecordPayload is one full record on the wire, used by the
// record-stream full-sync strategy.
type RecordPayload struct {
	TableName   string           `json:"table_name"`
	RecordID    string           `json:"record_id"`
	Payload     []byte           `json:"payload,omitempty"`
	Deleted     bool             `json:"deleted"`
	UpdatedBy   string           `json:"updated_by"`
	UpdatedAt   int64            `json:"updated_at"` // unix millis
	VectorClock map[string]int64 `json:"vector_clock"`
}

// RecordBatchMessage carries full records during a record-stream full sync
type RecordBatchMessage struct {
	SessionID string          `json:"session_id"`
	Records   []RecordPayload `json:"records"`
	Final     bool            `json:"final"`
}

// HeartbeatMessage keeps idle connections alive
type HeartbeatMessage struct {
	NodeID    string `json:"node_id"`
	Timestamp int64  `json:"timestamp"`
}
