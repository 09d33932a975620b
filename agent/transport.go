package agent

import (
	"context"
	"errors"

	"github.com/rbaliyan/secmsg"
)

// ErrNoReceiver is returned by a Transport when nothing listens at the
// destination, e.g. the tab was closed.
var ErrNoReceiver = errors.New("agent: no receiver at destination")

// Destination addresses a message.
type Destination struct {
	// TabID selects the content context of a tab on the runtime transport.
	// Zero addresses the background context.
	TabID int

	// Window names the target window on the window transport.
	Window string

	// TargetOrigin is the origin the target window must have for the
	// message to be delivered. Required on the window transport; "*" is
	// rejected.
	TargetOrigin string
}

// Inbound is a raw envelope as delivered by a transport, before validation.
type Inbound struct {
	Envelope secmsg.Envelope

	// Source is what the transport observed about the sender. Agents
	// decide the transport kind themselves; only Origin is taken from it.
	Source secmsg.Source

	// TabID is the sender's tab on the runtime transport, 0 for the
	// background context.
	TabID int
}

// RawListener receives every envelope arriving on a transport. A non-nil
// envelope is sent back to the sender as the response.
type RawListener func(ctx context.Context, in Inbound) (*secmsg.Envelope, error)

// Subscription is a registered RawListener.
type Subscription interface {
	Unsubscribe() error
}

// Transport moves envelopes between contexts. Implementations must be safe
// for concurrent use.
type Transport interface {
	// Send delivers env to dest and returns the receiver's response, if
	// any, with what the transport observed about the responder. Deadlines
	// come from ctx.
	Send(ctx context.Context, dest Destination, env secmsg.Envelope) (*Inbound, error)

	// Listen registers fn for envelopes addressed to this context.
	Listen(fn RawListener) (Subscription, error)
}
