package syncproto

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message types exchanged over the appointment channel.
const (
	// Client to server.
	MessageHeartbeat      = "heartbeat"
	MessageDateChange     = "date_change"
	MessageRequestRefresh = "request_refresh"

	// Server to client. The server also sends MessageHeartbeat as a liveness probe.
	MessageInitialData  = "initial_data"
	MessageDateData     = "date_data"
	MessageBatchUpdates = "batch_updates"
	MessageHeartbeatAck = "heartbeat_ack"
)

// Envelope is the decoded form of any message on the channel. Only the
// fields relevant to Type are populated.
type Envelope struct {
	Type         string              `json:"type"`
	Timestamp    int64               `json:"timestamp"`
	Date         string              `json:"date,omitempty"`
	Appointments []AppointmentRecord `json:"appointments,omitempty"`
	Updates      []ChangeEvent       `json:"updates,omitempty"`
}

// DecodeEnvelope parses a raw frame.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("syncproto: decode envelope: %w", err)
	}
	envelope.Type = strings.TrimSpace(envelope.Type)
	if envelope.Type == "" {
		return Envelope{}, fmt.Errorf("syncproto: envelope type required")
	}
	return envelope, nil
}

// SnapshotMessage carries initial_data and date_data.
type SnapshotMessage struct {
	Type         string              `json:"type"`
	Timestamp    int64               `json:"timestamp"`
	Date         string              `json:"date"`
	Appointments []AppointmentRecord `json:"appointments"`
}

// NewSnapshotMessage builds a snapshot message, never emitting a null appointment list.
func NewSnapshotMessage(messageType, date string, appointments []AppointmentRecord, timestamp int64) SnapshotMessage {
	if appointments == nil {
		appointments = []AppointmentRecord{}
	}
	return SnapshotMessage{
		Type:         messageType,
		Timestamp:    timestamp,
		Date:         date,
		Appointments: appointments,
	}
}

// BatchMessage carries batch_updates.
type BatchMessage struct {
	Type      string        `json:"type"`
	Timestamp int64         `json:"timestamp"`
	Updates   []ChangeEvent `json:"updates"`
}

// NewBatchMessage builds a batch_updates message.
func NewBatchMessage(updates []ChangeEvent, timestamp int64) BatchMessage {
	return BatchMessage{Type: MessageBatchUpdates, Timestamp: timestamp, Updates: updates}
}

// ControlMessage carries payload-free messages (heartbeat, heartbeat_ack, request_refresh).
type ControlMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// DateChangeMessage is sent by clients switching the viewed date.
type DateChangeMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Date      string `json:"date"`
}
