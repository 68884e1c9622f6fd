package messages_test

import (
	"encoding/json"
	"testing"

	"github.com/shopsync/shopsync/internal/network/messages"
)

func TestNewMessageFillsEnvelope(t *testing.T) {
	msg := messages.NewMessage(messages.TypeHeartbeat, "node-a", messages.HeartbeatMessage{NodeID: "node-a"})

	if msg.ID == "" {
		t.Error("Expected a generated message ID")
	}
	if msg.Type != messages.TypeHeartbeat {
		t.Errorf("Expected heartbeat type, got %s", msg.Type)
	}
	if msg.SenderID != "node-a" {
		t.Errorf("Expected sender node-a, got %s", msg.SenderID)
	}
	if msg.Timestamp == 0 {
		t.Error("Expected a timestamp")
	}
}

func TestEncodeDecodeMessage(t *testing.T) {
	original := messages.NewMessage(messages.TypeSyncRequest, "node-a", messages.SyncRequestMessage{
		SessionID:  "sess-1",
		Watermarks: map[string]int64{"node-a": 12, "node-b": 4},
		Strategies: []string{messages.StrategySnapshot, messages.StrategyRecordStream},
	})

	data, err := original.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := messages.DecodeMessage(data)
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}
	if decoded.ID != original.ID || decoded.Type != original.Type || decoded.SenderID != original.SenderID {
		t.Error("Envelope fields changed through encode/decode")
	}

	// The wire payload is re-decoded into its typed form by message type
	raw, err := json.Marshal(decoded.Payload)
	if err != nil {
		t.Fatalf("Failed to re-marshal payload: %v", err)
	}
	payload, err := messages.DecodePayload(raw, decoded.Type)
	if err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	req, ok := payload.(*messages.SyncRequestMessage)
	if !ok {
		t.Fatalf("Expected *SyncRequestMessage, got %T", payload)
	}
	if req.SessionID != "sess-1" || req.Watermarks["node-a"] != 12 {
		t.Errorf("Payload fields lost: %+v", req)
	}
	if len(req.Strategies) != 2 {
		t.Errorf("Expected 2 strategies, got %v", req.Strategies)
	}
}

func TestDecodePayloadEventBatchPreservesBinaryPayload(t *testing.T) {
	batch := messages.EventBatchMessage{
		SessionID: "sess-1",
		Events: []messages.EventPayload{{
			EventID:     "evt-1",
			OriginNode:  "node-a",
			OriginSeq:   7,
			Timestamp:   1700000000000,
			EventType:   "update",
			TableName:   "products",
			RecordID:    "p1",
			Payload:     []byte(`{"price":250}`),
			VectorClock: map[string]int64{"node-a": 7},
		}},
		Final: true,
	}

	raw, err := messages.EncodePayload(batch)
	if err != nil {
		t.Fatalf("EncodePayload failed: %v", err)
	}
	decoded, err := messages.DecodePayload(raw, messages.TypeEventBatch)
	if err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	got := decoded.(*messages.EventBatchMessage)
	if !got.Final || len(got.Events) != 1 {
		t.Fatalf("Batch structure lost: %+v", got)
	}
	ev := got.Events[0]
	if string(ev.Payload) != `{"price":250}` {
		t.Errorf("Event payload changed: %s", ev.Payload)
	}
	if ev.OriginSeq != 7 || ev.VectorClock["node-a"] != 7 {
		t.Errorf("Event ordering fields lost: %+v", ev)
	}
}

func TestDecodePayloadPresenceCarriesCapabilities(t *testing.T) {
	presence := messages.PresenceMessage{
		NodeID:       "node-a",
		Name:         "till-1",
		IPAddress:    "10.0.0.1",
		Port:         7465,
		RegKeyHash:   "abc123",
		Version:      "1.0.0",
		Capabilities: []string{messages.StrategySnapshot, messages.StrategyRecordStream},
	}

	raw, err := messages.EncodePayload(presence)
	if err != nil {
		t.Fatalf("EncodePayload failed: %v", err)
	}
	decoded, err := messages.DecodePayload(raw, messages.TypePresence)
	if err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	got := decoded.(*messages.PresenceMessage)
	if got.IPAddress != "10.0.0.1" {
		t.Errorf("Announced address lost: %q", got.IPAddress)
	}
	if len(got.Capabilities) != 2 || got.Capabilities[0] != messages.StrategySnapshot {
		t.Errorf("Capabilities lost on the wire: %v", got.Capabilities)
	}
}

func TestDecodePayloadUnknownType(t *testing.T) {
	if _, err := messages.DecodePayload([]byte(`{}`), "no-such-type"); err == nil {
		t.Error("Expected error for unknown message type")
	}
}

func TestDecodePayloadMalformedJSON(t *testing.T) {
	if _, err := messages.DecodePayload([]byte(`{"session_id":`), messages.TypeSyncBegin); err == nil {
		t.Error("Expected error for malformed payload")
	}
}

func TestWithCorrelationID(t *testing.T) {
	msg := messages.NewMessage(messages.TypeEventAck, "node-a", messages.EventAckMessage{}).
		WithCorrelationID("msg-123")
	if msg.CorrelationID == nil || *msg.CorrelationID != "msg-123" {
		t.Error("Correlation ID not set")
	}

	data, _ := msg.Encode()
	decoded, err := messages.DecodeMessage(data)
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}
	if decoded.CorrelationID == nil || *decoded.CorrelationID != "msg-123" {
		t.Error("Correlation ID lost on the wire")
	}
}
