// Package envelope implements the Envelope Layer (Component E): the
// canonical wire wrapper every message on the messaging substrate is
// carried in, the correlation_id table that links TaskResult back to
// TaskRequest, and the pending-ACK table for qos requires_ack=true
// deliveries. Grounded on the teacher's orchestration/interfaces.go
// envelope-shape idiom and google/uuid for id generation.
package envelope

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Version is the envelope and protocol version this package emits.
// Receivers must tolerate unknown optional fields from other versions.
const Version = "0.1"

// MessageType selects the payload shape and routing.
type MessageType string

const (
	TaskRequest            MessageType = "TaskRequest"
	TaskResult             MessageType = "TaskResult"
	Fact                   MessageType = "Fact"
	CapabilityAdvertisement MessageType = "CapabilityAdvertisement"
	Acknowledgement        MessageType = "Acknowledgement"
)

// Priority is the qos_parameters.priority enum.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// QoSParameters carries delivery requirements for one envelope.
type QoSParameters struct {
	RequiresAck bool     `json:"requires_ack"`
	Priority    Priority `json:"priority"`
}

// Envelope is the canonical wrapper for every payload crossing the
// messaging substrate (spec §4.4).
type Envelope struct {
	HSPEnvelopeVersion string          `json:"hsp_envelope_version"`
	MessageID          string          `json:"message_id"`
	CorrelationID      *string         `json:"correlation_id"`
	SenderAIID         string          `json:"sender_ai_id"`
	RecipientAIID      string          `json:"recipient_ai_id"`
	TimestampSent      time.Time       `json:"timestamp_sent"`
	MessageType        MessageType     `json:"message_type"`
	ProtocolVersion    string          `json:"protocol_version"`
	QoSParameters      QoSParameters   `json:"qos_parameters"`
	PayloadSchemaURI   string          `json:"payload_schema_uri"`
	Payload            json.RawMessage `json:"payload"`
}

// New builds an envelope with a fresh message_id and the given payload
// marshaled into the payload field. correlationID may be empty for
// messages that do not correlate back to a request (e.g. a Fact).
func New(senderAIID, recipientAIID string, msgType MessageType, correlationID string, qos QoSParameters, schemaURI string, payload interface{}) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var corr *string
	if correlationID != "" {
		corr = &correlationID
	}
	return &Envelope{
		HSPEnvelopeVersion: Version,
		MessageID:          uuid.NewString(),
		CorrelationID:      corr,
		SenderAIID:         senderAIID,
		RecipientAIID:      recipientAIID,
		TimestampSent:      time.Now().UTC(),
		MessageType:        msgType,
		ProtocolVersion:    Version,
		QoSParameters:      qos,
		PayloadSchemaURI:   schemaURI,
		Payload:            raw,
	}, nil
}

// Marshal serializes the envelope to its wire bytes.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses wire bytes into an Envelope. Unknown optional fields
// in the payload are tolerated by virtue of leaving Payload as raw JSON
// for the message-type-specific decoder to interpret.
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// DecodePayload unmarshals the envelope's payload into dst, dispatched
// by the caller on MessageType (spec §6.1: "receivers... route by
// message_type; unknown types are logged and dropped").
func (e *Envelope) DecodePayload(dst interface{}) error {
	return json.Unmarshal(e.Payload, dst)
}

// TaskRequestPayload is the payload shape for MessageType TaskRequest.
type TaskRequestPayload struct {
	RequestID       string                 `json:"request_id"`
	CapabilityID    string                 `json:"capability_id"`
	Parameters      map[string]interface{} `json:"parameters"`
	CallbackAddress string                 `json:"callback_address"`
	RequesterAIID   string                 `json:"requester_ai_id"`
}

// ErrorDetails is the TaskResult error shape.
type ErrorDetails struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// TaskResultPayload is the payload shape for MessageType TaskResult.
// Payload is untyped because a peer's result can be a bare string, a
// number, or a structured map (spec §8 scenario 3 returns a plain
// string; §6.1's schema otherwise leaves the shape to the capability).
type TaskResultPayload struct {
	RequestID     string        `json:"request_id"`
	CorrelationID string        `json:"correlation_id"`
	ExecutingAIID string        `json:"executing_ai_id"`
	Status        string        `json:"status"`
	Payload       interface{}   `json:"payload,omitempty"`
	ErrorDetails  *ErrorDetails `json:"error_details,omitempty"`
}

// FactPayload is the payload shape for MessageType Fact.
type FactPayload struct {
	ID          string    `json:"id"`
	Subject     string    `json:"subject"`
	Predicate   string    `json:"predicate"`
	Object      string    `json:"object"`
	Confidence  float64   `json:"confidence"`
	SourceAIID  string    `json:"source_ai_id"`
	ObservedAt  time.Time `json:"observed_at"`
}

// AcknowledgementPayload is the payload shape for MessageType Acknowledgement.
type AcknowledgementPayload struct {
	AckedMessageID string `json:"acked_message_id"`
	Status         string `json:"status"`
}
