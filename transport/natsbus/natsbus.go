// Package natsbus carries runtime messages between contexts running in
// separate processes over NATS request-reply. The background context
// listens on "<prefix>.background" and each content context on
// "<prefix>.tab.<id>".
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rbaliyan/config/codec"
	"github.com/rs/zerolog"

	"github.com/rbaliyan/secmsg"
	"github.com/rbaliyan/secmsg/agent"
)

const (
	// DefaultPrefix is the subject prefix used when none is configured.
	DefaultPrefix = "secmsg"

	// DefaultTimeout bounds a request when the caller's context has no
	// deadline.
	DefaultTimeout = 5 * time.Second

	// HeaderTab carries the sender's tab ID.
	HeaderTab = "Secmsg-Tab"

	// HeaderStatus tells the sender how to read a reply.
	HeaderStatus = "Secmsg-Status"

	// HeaderError carries the receiver's error text when HeaderStatus is
	// "error".
	HeaderError = "Secmsg-Error"
)

const (
	statusOK    = "ok"
	statusEmpty = "empty"
	statusError = "error"
)

// ErrRemote wraps an error reported by the receiving context.
var ErrRemote = errors.New("natsbus: receiver failed")

// unknownTab is reported when the sender's tab header is missing or
// unparsable.
const unknownTab = -1

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithPrefix sets the subject prefix.
func WithPrefix(prefix string) Option {
	return func(e *Endpoint) {
		if prefix != "" {
			e.prefix = prefix
		}
	}
}

// WithTimeout sets the request timeout used when ctx has no deadline.
func WithTimeout(d time.Duration) Option {
	return func(e *Endpoint) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Endpoint) { e.log = l }
}

// Endpoint is the runtime transport of one context. It implements
// agent.Transport.
type Endpoint struct {
	nc      *nats.Conn
	tabID   int
	prefix  string
	timeout time.Duration
	codec   codec.Codec
	log     zerolog.Logger
}

// New returns the endpoint of the context at tabID (0 for the background).
func New(nc *nats.Conn, tabID int, opts ...Option) (*Endpoint, error) {
	if nc == nil {
		return nil, fmt.Errorf("natsbus: nil connection")
	}
	if tabID < 0 {
		return nil, fmt.Errorf("natsbus: invalid tab ID %d", tabID)
	}
	e := &Endpoint{
		nc:      nc,
		tabID:   tabID,
		prefix:  DefaultPrefix,
		timeout: DefaultTimeout,
		codec:   codec.JSON(),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// TabID returns the endpoint's tab.
func (e *Endpoint) TabID() int { return e.tabID }

// Subject returns the subject the context at tabID listens on.
func (e *Endpoint) Subject(tabID int) string {
	if tabID == 0 {
		return e.prefix + ".background"
	}
	return e.prefix + ".tab." + strconv.Itoa(tabID)
}

// Send implements agent.Transport.
func (e *Endpoint) Send(ctx context.Context, dest agent.Destination, env secmsg.Envelope) (*agent.Inbound, error) {
	data, err := e.codec.Encode(env)
	if err != nil {
		return nil, fmt.Errorf("natsbus: encode envelope: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	msg := nats.NewMsg(e.Subject(dest.TabID))
	msg.Header.Set(HeaderTab, strconv.Itoa(e.tabID))
	msg.Data = data

	reply, err := e.nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("%w: tab %d", agent.ErrNoReceiver, dest.TabID)
		}
		return nil, fmt.Errorf("natsbus: request %s: %w", msg.Subject, err)
	}

	switch reply.Header.Get(HeaderStatus) {
	case statusOK:
		var resp secmsg.Envelope
		if err := e.codec.Decode(reply.Data, &resp); err != nil {
			return nil, fmt.Errorf("natsbus: decode response: %w", err)
		}
		return &agent.Inbound{Envelope: resp, Source: secmsg.RuntimeSource(), TabID: dest.TabID}, nil
	case statusError:
		return nil, fmt.Errorf("%w: %s", ErrRemote, reply.Header.Get(HeaderError))
	default:
		return nil, nil
	}
}

// Listen implements agent.Transport. Undecodable payloads are passed on as
// an empty envelope so the agent drops them like any other invalid input.
func (e *Endpoint) Listen(fn agent.RawListener) (agent.Subscription, error) {
	if fn == nil {
		return nil, fmt.Errorf("natsbus: nil listener")
	}

	subject := e.Subject(e.tabID)
	sub, err := e.nc.Subscribe(subject, func(m *nats.Msg) {
		e.handle(m, fn)
	})
	if err != nil {
		return nil, fmt.Errorf("natsbus: subscribe %s: %w", subject, err)
	}
	e.log.Debug().Str("subject", subject).Msg("Subscribed")
	return &subscription{sub: sub}, nil
}

func (e *Endpoint) handle(m *nats.Msg, fn agent.RawListener) {
	var env secmsg.Envelope
	if err := e.codec.Decode(m.Data, &env); err != nil {
		env = secmsg.Envelope{}
	}

	tab, err := strconv.Atoi(m.Header.Get(HeaderTab))
	if err != nil {
		tab = unknownTab
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	resp, err := fn(ctx, agent.Inbound{Envelope: env, Source: secmsg.RuntimeSource(), TabID: tab})
	if m.Reply == "" {
		return
	}

	reply := nats.NewMsg(m.Reply)
	switch {
	case err != nil:
		reply.Header.Set(HeaderStatus, statusError)
		reply.Header.Set(HeaderError, err.Error())
	case resp == nil:
		reply.Header.Set(HeaderStatus, statusEmpty)
	default:
		data, err := e.codec.Encode(resp)
		if err != nil {
			reply.Header.Set(HeaderStatus, statusError)
			reply.Header.Set(HeaderError, "encode response")
			break
		}
		reply.Header.Set(HeaderStatus, statusOK)
		reply.Data = data
	}

	if err := m.RespondMsg(reply); err != nil {
		e.log.Warn().Err(err).Str("subject", m.Subject).Msg("Reply failed")
	}
}

type subscription struct {
	once sync.Once
	sub  *nats.Subscription
	err  error
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			s.err = err
		}
	})
	return s.err
}

var _ agent.Transport = (*Endpoint)(nil)
