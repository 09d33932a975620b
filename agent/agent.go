// Package agent binds a secmsg.Manager to a concrete transport. Outbound
// payloads are sealed with the newest generation; inbound envelopes reach
// the application handler only after validation.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rbaliyan/secmsg"
)

var (
	// ErrSendFailed wraps transport failures surfaced to SendMessage
	// callers. Sends are never retried.
	ErrSendFailed = errors.New("agent: send failed")

	// ErrTargetOriginRequired is returned when a window message has no
	// explicit target origin, uses "*", or targets an origin that is not
	// allowed.
	ErrTargetOriginRequired = errors.New("agent: explicit allowed target origin required")

	// ErrResponseRejected is returned when the response to a message does
	// not validate.
	ErrResponseRejected = errors.New("agent: response rejected")
)

// Validator is the part of secmsg.Manager an agent uses.
type Validator interface {
	Config() secmsg.Config
	EncryptWithNewest(ctx context.Context, payload secmsg.MessageData) (secmsg.Envelope, error)
	ValidationProcess(ctx context.Context, env secmsg.Envelope, src secmsg.Source) *secmsg.MessageData
}

var _ Validator = (*secmsg.Manager)(nil)

// Message is a validated inbound message.
type Message struct {
	Data secmsg.MessageData

	// TabID is the sender's tab on the runtime transport.
	TabID int

	// Origin is the sender's origin on the window transport.
	Origin string
}

// Handler processes a validated message. A non-nil result is sealed and
// returned to the sender as the response.
type Handler func(ctx context.Context, msg Message) (*secmsg.MessageData, error)

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the logger. Dropped envelopes are logged at debug level.
func WithLogger(l zerolog.Logger) Option {
	return func(a *Agent) { a.log = l }
}

// Agent sends and receives messages of one transport kind.
type Agent struct {
	kind      string
	validator Validator
	transport Transport
	log       zerolog.Logger

	mu  sync.Mutex
	sub Subscription
}

// NewRuntime creates an agent for extension runtime messaging between the
// background and content contexts. Runtime traffic carries no origin;
// runtime ID comparison alone establishes trust.
func NewRuntime(v Validator, t Transport, opts ...Option) (*Agent, error) {
	return newAgent(secmsg.TransportRuntime, v, t, opts)
}

// NewWindow creates an agent for cross-document messaging between the
// content context and the editor frame. Inbound envelopes from origins
// outside AllowedOrigins are dropped before validation.
func NewWindow(v Validator, t Transport, opts ...Option) (*Agent, error) {
	return newAgent(secmsg.TransportWindow, v, t, opts)
}

func newAgent(kind string, v Validator, t Transport, opts []Option) (*Agent, error) {
	if v == nil {
		return nil, fmt.Errorf("agent: nil validator")
	}
	if t == nil {
		return nil, fmt.Errorf("agent: nil transport")
	}
	a := &Agent{
		kind:      kind,
		validator: v,
		transport: t,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.With().Str("agent", kind).Logger()
	return a, nil
}

// Kind returns secmsg.TransportRuntime or secmsg.TransportWindow.
func (a *Agent) Kind() string { return a.kind }

// SendMessage seals payload and sends it to dest. If the receiver responds,
// the response is validated and returned; a response that fails validation
// yields ErrResponseRejected. A nil result means no response.
//
// Window responses are checked against the origin the transport observed
// for the responder, which must also be dest.TargetOrigin.
func (a *Agent) SendMessage(ctx context.Context, payload secmsg.MessageData, dest Destination) (*secmsg.MessageData, error) {
	if a.kind == secmsg.TransportWindow {
		if dest.TargetOrigin == "" || dest.TargetOrigin == "*" || !a.validator.Config().OriginAllowed(dest.TargetOrigin) {
			return nil, fmt.Errorf("%w: %q", ErrTargetOriginRequired, dest.TargetOrigin)
		}
	}

	env, err := a.validator.EncryptWithNewest(ctx, payload)
	if err != nil {
		return nil, err
	}

	resp, err := a.transport.Send(ctx, dest, env)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	if resp == nil {
		return nil, nil
	}

	if a.kind == secmsg.TransportWindow && resp.Source.Origin != dest.TargetOrigin {
		a.log.Debug().Str("reason", "origin").Str("origin", resp.Source.Origin).Msg("Response dropped")
		return nil, ErrResponseRejected
	}
	msg := a.validator.ValidationProcess(ctx, resp.Envelope, a.source(resp.Source.Origin))
	if msg == nil {
		return nil, ErrResponseRejected
	}
	return msg, nil
}

// AddListener registers h for validated inbound messages, replacing any
// previous handler.
func (a *Agent) AddListener(h Handler) error {
	if h == nil {
		return fmt.Errorf("agent: nil handler")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sub != nil {
		if err := a.sub.Unsubscribe(); err != nil {
			return fmt.Errorf("agent: replace listener: %w", err)
		}
		a.sub = nil
	}

	sub, err := a.transport.Listen(a.receive(h))
	if err != nil {
		return fmt.Errorf("agent: listen: %w", err)
	}
	a.sub = sub
	return nil
}

// RemoveListener unregisters the handler. It is safe to call repeatedly
// and when no handler is registered.
func (a *Agent) RemoveListener() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sub == nil {
		return nil
	}
	err := a.sub.Unsubscribe()
	a.sub = nil
	return err
}

func (a *Agent) source(origin string) secmsg.Source {
	if a.kind == secmsg.TransportWindow {
		return secmsg.WindowSource(origin)
	}
	return secmsg.RuntimeSource()
}

// receive wraps h as the transport-level listener. Nothing raised while
// handling hostile input escapes it: invalid envelopes are dropped and
// panics are recovered.
func (a *Agent) receive(h Handler) RawListener {
	return func(ctx context.Context, in Inbound) (resp *secmsg.Envelope, err error) {
		defer func() {
			if r := recover(); r != nil {
				a.log.Error().Interface("panic", r).Msg("Listener panic recovered")
				resp, err = nil, fmt.Errorf("agent: handler panic: %v", r)
			}
		}()

		src := a.source(in.Source.Origin)
		if a.kind == secmsg.TransportWindow && !a.validator.Config().OriginAllowed(src.Origin) {
			a.log.Debug().Str("reason", "origin").Str("origin", src.Origin).Msg("Envelope dropped")
			return nil, nil
		}

		data := a.validator.ValidationProcess(ctx, in.Envelope, src)
		if data == nil {
			return nil, nil
		}

		out, err := h(ctx, Message{Data: *data, TabID: in.TabID, Origin: src.Origin})
		if err != nil {
			a.log.Warn().Err(err).Str("message", data.Message).Msg("Handler failed")
			return nil, err
		}
		if out == nil {
			return nil, nil
		}

		env, err := a.validator.EncryptWithNewest(ctx, *out)
		if err != nil {
			return nil, err
		}
		return &env, nil
	}
}
