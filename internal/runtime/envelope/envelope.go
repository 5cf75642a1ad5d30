// Package envelope defines the record that carries one message through the
// outbound and inbound pipelines.
package envelope

import (
	idspkg "github.com/drblury/rpcflow/internal/runtime/ids"
	metadatapkg "github.com/drblury/rpcflow/internal/runtime/metadata"
)

// Kind tells requests, responses and notifications apart. It is fixed when the
// envelope is created.
type Kind int

const (
	KindUnknown Kind = iota
	KindRequest
	KindResponse
	KindNotify
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "Request"
	case KindResponse:
		return "Response"
	case KindNotify:
		return "Notify"
	default:
		return "Unknown"
	}
}

// Envelope holds either a typed Body or a serialized Payload, never both.
// Stages move it between the two states with SetBody and SetPayload.
type Envelope struct {
	MessageID       string
	RelatesTo       string
	From            string
	SessionID       string
	CustomSessionID string
	Version         string
	ContentType     string

	Body    any
	Payload []byte

	Properties metadatapkg.Metadata

	kind Kind
}

func newEnvelope(kind Kind, body any) *Envelope {
	return &Envelope{
		MessageID:  idspkg.NewMessageID(),
		Body:       body,
		Properties: metadatapkg.Metadata{},
		kind:       kind,
	}
}

// NewRequest creates a request envelope with a fresh message id.
func NewRequest(body any) *Envelope {
	return newEnvelope(KindRequest, body)
}

// NewResponse creates a response to the request identified by relatesTo.
func NewResponse(relatesTo string, body any) *Envelope {
	env := newEnvelope(KindResponse, body)
	env.RelatesTo = relatesTo
	return env
}

// NewNotify creates a notification envelope.
func NewNotify(body any) *Envelope {
	return newEnvelope(KindNotify, body)
}

// FromInbound rebuilds an envelope received from a transport. The message id
// is preserved rather than generated.
func FromInbound(kind Kind, messageID string, payload []byte, props metadatapkg.Metadata) *Envelope {
	if props == nil {
		props = metadatapkg.Metadata{}
	}
	return &Envelope{
		MessageID:  messageID,
		Payload:    payload,
		Properties: props,
		kind:       kind,
	}
}

// Kind returns the kind the envelope was created with.
func (e *Envelope) Kind() Kind { return e.kind }

// SetPayload replaces the body with serialized bytes.
func (e *Envelope) SetPayload(payload []byte) {
	e.Payload = payload
	e.Body = nil
}

// SetBody replaces the payload with a typed body.
func (e *Envelope) SetBody(body any) {
	e.Body = body
	e.Payload = nil
}

// Size is the length of the inline payload.
func (e *Envelope) Size() int { return len(e.Payload) }

// HasBody reports whether the envelope is in the typed state.
func (e *Envelope) HasBody() bool { return e.Body != nil }
