// Package bus adapts Watermill publishers and subscribers to the transport
// contract used by the channels: receive with complete/abandon, per-destination
// senders and an explicit closed state.
package bus

import (
	"context"

	"github.com/drblury/rpcflow/internal/runtime/envelope"
)

// Sender delivers serialized envelopes to one destination. A false
// acknowledgement without an error asks the caller to try again; an error is
// final.
type Sender interface {
	Send(ctx context.Context, env *envelope.Envelope) (bool, error)
	Close() error
}

// Transport is one subscription plus the ability to create senders.
type Transport interface {
	// Receive blocks until a message arrives, ctx ends or the transport closes.
	// A closed transport yields errors.ErrTransportClosed.
	Receive(ctx context.Context) (*Delivery, error)
	// CreateSender returns a sender publishing to the destination wire topic.
	CreateSender(destination, sessionID string) (Sender, error)
	// Topic is the wire topic this transport listens on.
	Topic() string
	Close() error
	IsClosed() bool
}

// Delivery is one received message awaiting a complete or abandon decision.
// Only the first decision takes effect.
type Delivery struct {
	Envelope *envelope.Envelope

	complete func() bool
	abandon  func() bool
	done     bool
}

// NewDelivery wraps env with the acknowledgement callbacks of its transport.
func NewDelivery(env *envelope.Envelope, complete, abandon func() bool) *Delivery {
	return &Delivery{Envelope: env, complete: complete, abandon: abandon}
}

// Complete acknowledges the message.
func (d *Delivery) Complete() bool {
	if d.done {
		return false
	}
	d.done = true
	return d.complete()
}

// Abandon returns the message to the transport for redelivery.
func (d *Delivery) Abandon() bool {
	if d.done {
		return false
	}
	d.done = true
	return d.abandon()
}
