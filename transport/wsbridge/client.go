package wsbridge

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rbaliyan/secmsg"
	"github.com/rbaliyan/secmsg/agent"
)

// DefaultHandlerTimeout bounds a listener call for an inbound message.
const DefaultHandlerTimeout = 5 * time.Second

// DefaultMaxInflight bounds inbound messages handled at once. Posts beyond
// it are answered with ErrBusy.
const DefaultMaxInflight = 32

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the client logger.
func WithClientLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// WithHandlerTimeout bounds listener calls.
func WithHandlerTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.handlerTimeout = d
		}
	}
}

// WithMaxInflight bounds inbound messages handled at once.
func WithMaxInflight(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxInflight = n
		}
	}
}

type clientListener struct {
	id uint64
	fn agent.RawListener
}

// Client is one window connected to a Server. It implements
// agent.Transport.
type Client struct {
	conn           *websocket.Conn
	name           string
	origin         string
	log            zerolog.Logger
	handlerTimeout time.Duration
	maxInflight    int
	inflight       errgroup.Group

	writeMu sync.Mutex

	mu        sync.Mutex
	pending   map[string]chan frame
	listeners []clientListener
	nextID    uint64

	done chan struct{}
}

// Dial connects to the hub at rawURL as window name living at origin.
func Dial(ctx context.Context, rawURL, name, origin string, opts ...ClientOption) (*Client, error) {
	if name == "" {
		return nil, fmt.Errorf("wsbridge: empty window name")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("wsbridge: parse url: %w", err)
	}
	q := u.Query()
	q.Set(WindowParam, name)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Origin", origin)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("wsbridge: dial %s: %w", u.Redacted(), err)
	}

	c := &Client{
		conn:           conn,
		name:           name,
		origin:         origin,
		log:            zerolog.Nop(),
		handlerTimeout: DefaultHandlerTimeout,
		maxInflight:    DefaultMaxInflight,
		pending:        make(map[string]chan frame),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("window", name).Logger()
	c.inflight.SetLimit(c.maxInflight)

	go c.readLoop()
	return c, nil
}

// Name returns the window name.
func (c *Client) Name() string { return c.name }

// Origin returns the origin the window connected from.
func (c *Client) Origin() string { return c.origin }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close ends the connection and waits for the read loop to exit.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()

	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) write(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.conn, f)
}

// Send implements agent.Transport.
func (c *Client) Send(ctx context.Context, dest agent.Destination, env secmsg.Envelope) (*agent.Inbound, error) {
	if dest.TargetOrigin == "" || dest.TargetOrigin == "*" {
		return nil, fmt.Errorf("%w: %q", agent.ErrTargetOriginRequired, dest.TargetOrigin)
	}

	id := uuid.NewString()
	ch := make(chan frame, 1)

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return nil, ErrClosed
	default:
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	err := c.write(frame{
		Type:         framePost,
		ID:           id,
		Window:       dest.Window,
		TargetOrigin: dest.TargetOrigin,
		Envelope:     &env,
	})
	if err != nil {
		return nil, fmt.Errorf("wsbridge: write: %w", err)
	}

	select {
	case f := <-ch:
		if err := replyError(f); err != nil {
			return nil, err
		}
		if f.Envelope == nil {
			return nil, nil
		}
		return &agent.Inbound{Envelope: *f.Envelope, Source: secmsg.WindowSource(f.From)}, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Listen implements agent.Transport.
func (c *Client) Listen(fn agent.RawListener) (agent.Subscription, error) {
	if fn == nil {
		return nil, fmt.Errorf("wsbridge: nil listener")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.listeners = append(c.listeners, clientListener{id: id, fn: fn})

	return &subscription{remove: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.listeners = slices.DeleteFunc(c.listeners, func(l clientListener) bool { return l.id == id })
	}}, nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		f, ok, err := readFrame(c.conn)
		if err != nil {
			c.log.Debug().Err(err).Msg("Read ended")
			return
		}
		if !ok {
			continue
		}
		switch f.Type {
		case framePost:
			if !c.inflight.TryGo(func() error {
				c.serve(f)
				return nil
			}) {
				c.log.Warn().Str("from", f.From).Msg("Too many messages in flight, post refused")
				if err := c.write(frame{Type: frameReply, ID: f.ID, Error: codeBusy}); err != nil {
					c.log.Debug().Err(err).Msg("Reply failed")
				}
			}
		case frameReply:
			c.mu.Lock()
			ch, found := c.pending[f.ID]
			c.mu.Unlock()
			if found {
				select {
				case ch <- f:
				default:
				}
			}
		}
	}
}

// serve runs the listeners for an inbound post and writes the reply.
func (c *Client) serve(f frame) {
	c.mu.Lock()
	targets := slices.Clone(c.listeners)
	c.mu.Unlock()

	reply := frame{Type: frameReply, ID: f.ID}
	if len(targets) == 0 {
		reply.Error = codeNoReceiver
	} else {
		reply.Envelope, reply.Error = c.dispatch(targets, f)
	}

	if err := c.write(reply); err != nil {
		c.log.Debug().Err(err).Msg("Reply failed")
	}
}

func (c *Client) dispatch(targets []clientListener, f frame) (*secmsg.Envelope, string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.handlerTimeout)
	defer cancel()

	in := agent.Inbound{Source: secmsg.WindowSource(f.From)}
	if f.Envelope != nil {
		in.Envelope = *f.Envelope
	}

	var firstErr error
	for _, l := range targets {
		resp, err := l.fn(ctx, in)
		if resp != nil {
			return resp, ""
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return nil, firstErr.Error()
	}
	return nil, ""
}

type subscription struct {
	once   sync.Once
	remove func()
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(s.remove)
	return nil
}

var _ agent.Transport = (*Client)(nil)
