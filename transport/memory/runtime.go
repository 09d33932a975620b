// Package memory provides in-process transports for embedding several
// contexts in one process and for tests. Inject and Post deliver arbitrary
// envelopes the way a hostile party on the shared bus could.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rbaliyan/secmsg"
	"github.com/rbaliyan/secmsg/agent"
)

// InjectedTabID is the sender tab reported for injected envelopes.
const InjectedTabID = -1

type runtimeListener struct {
	id    uint64
	owner *RuntimeEndpoint
	fn    agent.RawListener
}

// RuntimeBus models extension runtime messaging: the background context
// at tab 0 and one content context per tab.
type RuntimeBus struct {
	mu        sync.RWMutex
	listeners map[int][]runtimeListener
	nextID    uint64
}

// NewRuntimeBus creates an empty bus.
func NewRuntimeBus() *RuntimeBus {
	return &RuntimeBus{listeners: make(map[int][]runtimeListener)}
}

// Endpoint returns the transport of the context at tabID (0 for the
// background).
func (b *RuntimeBus) Endpoint(tabID int) *RuntimeEndpoint {
	return &RuntimeEndpoint{bus: b, tabID: tabID}
}

// Inject delivers env to the context at tabID as if some other party had
// sent it.
func (b *RuntimeBus) Inject(ctx context.Context, tabID int, env secmsg.Envelope) (*secmsg.Envelope, error) {
	return b.deliver(ctx, nil, tabID, agent.Inbound{
		Envelope: env,
		Source:   secmsg.RuntimeSource(),
		TabID:    InjectedTabID,
	})
}

// deliver calls every listener at tabID except those owned by from. The
// first response wins; an error is returned only if no listener responded.
func (b *RuntimeBus) deliver(ctx context.Context, from *RuntimeEndpoint, tabID int, in agent.Inbound) (*secmsg.Envelope, error) {
	b.mu.RLock()
	targets := slices.DeleteFunc(slices.Clone(b.listeners[tabID]), func(l runtimeListener) bool {
		return l.owner == from
	})
	b.mu.RUnlock()

	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: tab %d", agent.ErrNoReceiver, tabID)
	}

	var firstErr error
	for _, l := range targets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp, err := l.fn(ctx, in)
		if resp != nil {
			return resp, nil
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

func (b *RuntimeBus) listen(owner *RuntimeEndpoint, fn agent.RawListener) agent.Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	l := runtimeListener{id: b.nextID, owner: owner, fn: fn}
	b.listeners[owner.tabID] = append(b.listeners[owner.tabID], l)
	return &subscription{remove: func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.listeners[owner.tabID] = slices.DeleteFunc(b.listeners[owner.tabID], func(x runtimeListener) bool {
			return x.id == l.id
		})
	}}
}

// RuntimeEndpoint is one context's view of a RuntimeBus.
type RuntimeEndpoint struct {
	bus   *RuntimeBus
	tabID int
}

// TabID returns the endpoint's tab (0 for the background).
func (e *RuntimeEndpoint) TabID() int { return e.tabID }

// Send implements agent.Transport.
func (e *RuntimeEndpoint) Send(ctx context.Context, dest agent.Destination, env secmsg.Envelope) (*agent.Inbound, error) {
	resp, err := e.bus.deliver(ctx, e, dest.TabID, agent.Inbound{
		Envelope: env,
		Source:   secmsg.RuntimeSource(),
		TabID:    e.tabID,
	})
	if resp == nil {
		return nil, err
	}
	return &agent.Inbound{Envelope: *resp, Source: secmsg.RuntimeSource(), TabID: dest.TabID}, nil
}

// Listen implements agent.Transport.
func (e *RuntimeEndpoint) Listen(fn agent.RawListener) (agent.Subscription, error) {
	if fn == nil {
		return nil, fmt.Errorf("memory: nil listener")
	}
	return e.bus.listen(e, fn), nil
}

type subscription struct {
	once   sync.Once
	remove func()
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(s.remove)
	return nil
}

var _ agent.Transport = (*RuntimeEndpoint)(nil)
