package models

import "time"

// Phase is the position of the current attempt in the correlation protocol.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseValidating    Phase = "validating"
	PhaseSubmitting    Phase = "submitting"
	PhaseAwaitingToken Phase = "awaiting-token"
	PhaseChannelOpen   Phase = "channel-open"
	PhaseExtracting    Phase = "extracting"
	PhaseSettled       Phase = "settled"
)

// Outcome qualifies a settled attempt.
type Outcome string

const (
	OutcomeNone         Outcome = ""
	OutcomeSuccess      Outcome = "success"
	OutcomeInvalidImage Outcome = "invalid-image"
	OutcomeError        Outcome = "error"
)

// ErrorKind classifies why an attempt settled with an error.
type ErrorKind string

const (
	ErrorKindNone       ErrorKind = ""
	ErrorKindValidation ErrorKind = "validation"
	ErrorKindTransport  ErrorKind = "transport"
	ErrorKindSemantic   ErrorKind = "semantic"
	ErrorKindProtocol   ErrorKind = "protocol"
)

// SessionState is the snapshot a renderer draws from.
type SessionState struct {
	SessionID string            `json:"sessionId" msgpack:"sessionId"`
	Attempt   uint64            `json:"attempt" msgpack:"attempt"`
	Phase     Phase             `json:"phase" msgpack:"phase"`
	Outcome   Outcome           `json:"outcome,omitempty" msgpack:"outcome,omitempty"`
	ErrorKind ErrorKind         `json:"errorKind,omitempty" msgpack:"errorKind,omitempty"`
	Reason    string            `json:"reason,omitempty" msgpack:"reason,omitempty"`
	Message   string            `json:"message,omitempty" msgpack:"message,omitempty"`
	Result    *ExtractionResult `json:"result,omitempty" msgpack:"result,omitempty"`
	UpdatedAt time.Time         `json:"updatedAt" msgpack:"updatedAt"`
}

// Settled reports whether the attempt has reached a terminal state.
func (s SessionState) Settled() bool {
	return s.Phase == PhaseSettled
}

// Processing is true while the remote side is extracting, the point at which
// a renderer shows its spinner.
func (s SessionState) Processing() bool {
	return s.Phase == PhaseExtracting
}

// Busy is true from submission until the attempt settles.
func (s SessionState) Busy() bool {
	switch s.Phase {
	case PhaseValidating, PhaseSubmitting, PhaseAwaitingToken, PhaseChannelOpen, PhaseExtracting:
		return true
	}
	return false
}
