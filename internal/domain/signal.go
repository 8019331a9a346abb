package domain

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// SignalType identifies a call signaling message.
type SignalType string

const (
	SignalCallStart SignalType = "call-start"
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "ice-candidate"
	SignalCallEnd   SignalType = "call-end"
)

// Signal is one immutable signaling message relayed between the two
// endpoints. Field names mirror the call_signals relay rows. The ID is
// used to drop duplicate deliveries on the at-least-once transport.
type Signal struct {
	ID       string          `json:"id,omitempty"`
	RoomID   string          `json:"room_id"`
	Sender   string          `json:"sender"`
	Receiver string          `json:"receiver"`
	Type     SignalType      `json:"signal_type"`
	Payload  json.RawMessage `json:"signal_data,omitempty"`
}

// NewSignal builds a signal with a fresh id and the payload marshalled to JSON.
func NewSignal(roomID, sender, receiver string, typ SignalType, payload any) (Signal, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Signal{}, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		raw = data
	}
	return Signal{
		ID:       uuid.NewString(),
		RoomID:   roomID,
		Sender:   sender,
		Receiver: receiver,
		Type:     typ,
		Payload:  raw,
	}, nil
}

// CallStartPayload rides on call-start signals.
type CallStartPayload struct {
	IsVideo bool `json:"isVideo"`
}

// SDPPayload is the JSON structure for offer/answer descriptions. The SDP
// body is opaque to the signaling layer.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// CandidatePayload is the JSON structure for ice-candidate signals.
type CandidatePayload struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
}

// CallEndPayload rides on call-end signals.
type CallEndPayload struct {
	Reason string `json:"reason"`
}

// call-end payload reasons.
const (
	CallEndRejected = "rejected"
	CallEndEnded    = "ended"
)

// CallStart decodes the payload of a call-start signal.
func (s Signal) CallStart() (CallStartPayload, error) {
	var p CallStartPayload
	if err := json.Unmarshal(s.Payload, &p); err != nil {
		return CallStartPayload{}, fmt.Errorf("decode call-start payload: %w", err)
	}
	return p, nil
}

// SessionDescription decodes the payload of an offer or answer signal.
func (s Signal) SessionDescription() (SDPPayload, error) {
	var p SDPPayload
	if err := json.Unmarshal(s.Payload, &p); err != nil {
		return SDPPayload{}, fmt.Errorf("decode %s payload: %w", s.Type, err)
	}
	if p.SDP == "" {
		return SDPPayload{}, fmt.Errorf("decode %s payload: empty sdp", s.Type)
	}
	return p, nil
}

// IceCandidate decodes the payload of an ice-candidate signal.
func (s Signal) IceCandidate() (CandidatePayload, error) {
	var p CandidatePayload
	if err := json.Unmarshal(s.Payload, &p); err != nil {
		return CandidatePayload{}, fmt.Errorf("decode ice-candidate payload: %w", err)
	}
	return p, nil
}

// CallEnd decodes the payload of a call-end signal. A missing or malformed
// payload counts as a plain hangup.
func (s Signal) CallEnd() CallEndPayload {
	var p CallEndPayload
	if err := json.Unmarshal(s.Payload, &p); err != nil || p.Reason == "" {
		return CallEndPayload{Reason: CallEndEnded}
	}
	return p
}
