package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rbaliyan/secmsg"
	"github.com/rbaliyan/secmsg/agent"
)

// ErrOriginConflict is returned when a window name is reused with another
// origin.
var ErrOriginConflict = errors.New("memory: window exists at another origin")

type windowListener struct {
	id uint64
	fn agent.RawListener
}

type window struct {
	origin    string
	listeners []windowListener
}

// WindowBus models cross-document messaging between named windows, each
// with a fixed origin. Delivery requires the target window's origin to
// match the sender's target origin exactly.
type WindowBus struct {
	mu      sync.RWMutex
	windows map[string]*window
	nextID  uint64
}

// NewWindowBus creates an empty bus.
func NewWindowBus() *WindowBus {
	return &WindowBus{windows: make(map[string]*window)}
}

// Window returns the transport of the window name living at origin. A
// window keeps its origin for the life of the bus; asking for the same name
// with another origin fails with ErrOriginConflict.
func (b *WindowBus) Window(name, origin string) (*WindowEndpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w, ok := b.windows[name]; !ok {
		b.windows[name] = &window{origin: origin}
	} else if w.origin != origin {
		return nil, fmt.Errorf("%w: %q is at %q, not %q", ErrOriginConflict, name, w.origin, origin)
	}
	return &WindowEndpoint{bus: b, name: name, origin: origin}, nil
}

// Post delivers env to the named window as if a script at fromOrigin had
// posted it, skipping the target origin check.
func (b *WindowBus) Post(ctx context.Context, name, fromOrigin string, env secmsg.Envelope) (*secmsg.Envelope, error) {
	resp, err := b.deliver(ctx, name, "", agent.Inbound{
		Envelope: env,
		Source:   secmsg.WindowSource(fromOrigin),
	})
	if resp == nil {
		return nil, err
	}
	return &resp.Envelope, nil
}

// deliver runs the listeners of the named window. The response carries the
// window's own origin.
func (b *WindowBus) deliver(ctx context.Context, name, targetOrigin string, in agent.Inbound) (*agent.Inbound, error) {
	b.mu.RLock()
	w, ok := b.windows[name]
	var targets []windowListener
	if ok {
		targets = slices.Clone(w.listeners)
	}
	b.mu.RUnlock()

	switch {
	case !ok || len(targets) == 0:
		return nil, fmt.Errorf("%w: window %q", agent.ErrNoReceiver, name)
	case targetOrigin != "" && w.origin != targetOrigin:
		return nil, fmt.Errorf("%w: window %q is not at %q", agent.ErrNoReceiver, name, targetOrigin)
	}

	var firstErr error
	for _, l := range targets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp, err := l.fn(ctx, in)
		if resp != nil {
			return &agent.Inbound{Envelope: *resp, Source: secmsg.WindowSource(w.origin)}, nil
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

// WindowEndpoint is one window's view of a WindowBus.
type WindowEndpoint struct {
	bus    *WindowBus
	name   string
	origin string
}

// Send implements agent.Transport. dest.TargetOrigin must be set.
func (e *WindowEndpoint) Send(ctx context.Context, dest agent.Destination, env secmsg.Envelope) (*agent.Inbound, error) {
	if dest.TargetOrigin == "" || dest.TargetOrigin == "*" {
		return nil, fmt.Errorf("%w: %q", agent.ErrTargetOriginRequired, dest.TargetOrigin)
	}
	return e.bus.deliver(ctx, dest.Window, dest.TargetOrigin, agent.Inbound{
		Envelope: env,
		Source:   secmsg.WindowSource(e.origin),
	})
}

// Listen implements agent.Transport.
func (e *WindowEndpoint) Listen(fn agent.RawListener) (agent.Subscription, error) {
	if fn == nil {
		return nil, fmt.Errorf("memory: nil listener")
	}

	b := e.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	w := b.windows[e.name]
	w.listeners = append(w.listeners, windowListener{id: id, fn: fn})

	return &subscription{remove: func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		w.listeners = slices.DeleteFunc(w.listeners, func(l windowListener) bool { return l.id == id })
	}}, nil
}

var _ agent.Transport = (*WindowEndpoint)(nil)
