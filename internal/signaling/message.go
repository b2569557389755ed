// Package signaling carries call control messages between peers over a
// WebSocket relay. The wire format is a JSON envelope addressed by user id;
// SDP and ICE payloads are opaque to the relay.
package signaling

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies the kind of signaling message.
type MessageType string

const (
	MsgOffer             MessageType = "offer"
	MsgAnswer            MessageType = "answer"
	MsgCandidate         MessageType = "candidate"
	MsgHangup            MessageType = "hangup"
	MsgReject            MessageType = "reject"
	MsgBusy              MessageType = "busy"
	MsgRenegotiate       MessageType = "renegotiate"
	MsgRenegotiateAnswer MessageType = "renegotiate-answer"

	// Client ↔ relay only; never delivered to the call core.
	MsgRegistered MessageType = "registered"
	MsgError      MessageType = "error"
)

// Envelope is the JSON structure exchanged over the WebSocket.
// From is stamped by the relay on forwarded messages; CallID correlates all
// messages of one call attempt in logs.
type Envelope struct {
	Type    MessageType     `json:"type"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	CallID  string          `json:"callId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CallerInfo identifies the calling user inside an offer payload.
type CallerInfo struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

// OfferPayload starts a call: the initial SDP offer plus caller identity.
type OfferPayload struct {
	SDP      string     `json:"sdp"`
	CallType string     `json:"callType"` // "voice" or "video"
	Caller   CallerInfo `json:"caller"`
}

// AnswerPayload carries the SDP answer accepting a call.
type AnswerPayload struct {
	SDP string `json:"sdp"`
}

// CandidatePayload carries one ICE candidate as a JSON-encoded
// ICECandidateInit, matching what the negotiation engine emits.
type CandidatePayload struct {
	Candidate string `json:"candidate"`
}

// RenegotiatePayload carries the SDP for a mid-call track-change round trip.
// Used for both renegotiate and renegotiate-answer messages.
type RenegotiatePayload struct {
	SDP string `json:"sdp"`
}

// RegisteredPayload confirms relay registration and echoes the assigned id.
type RegisteredPayload struct {
	ID string `json:"id"`
}

// ErrorPayload reports a relay-side delivery problem back to the sender.
type ErrorPayload struct {
	Reason string `json:"reason"`
}

// NewEnvelope builds an envelope with a marshalled payload. A nil payload
// produces an envelope with no payload field (hangup, reject, busy).
func NewEnvelope(t MessageType, to, callID string, payload any) (Envelope, error) {
	env := Envelope{Type: t, To: to, CallID: callID}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		env.Payload = data
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into dst.
func (e Envelope) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}
