package secmsg

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rbaliyan/secmsg/session"
)

// AlertStorageUnavailable names the alert raised when session storage fails.
const AlertStorageUnavailable = "StorageUnavailable"

// Manager owns the rotating validator pool of one execution context.
//
// The pool is ordered oldest to newest and never holds more than
// MaxMessageValidators entries. Each Refresh appends a new generation and
// evicts the oldest once the pool is full. Outbound messages are sealed by
// the newest generation; inbound envelopes are tried newest to oldest.
//
// Contexts that share a session.Storage and a clock derive the same
// generation numbers and therefore the same keys and tokens.
type Manager struct {
	cfg     Config
	storage session.Storage
	opts    options
	log     zerolog.Logger
	tel     *telemetry

	// refreshMu serializes Refresh; mu guards pool. The pool slice is
	// never mutated in place, only replaced.
	refreshMu sync.Mutex
	mu        sync.RWMutex
	pool      []*Validator
}

// NewManager validates cfg and populates the pool, so a returned Manager
// always has at least one validator.
//
// A nil storage or a failing storage yields an AlertError named
// StorageUnavailable wrapping ErrStorageUnavailable.
func NewManager(ctx context.Context, cfg Config, storage session.Storage, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if storage == nil {
		return nil, Alert(AlertStorageUnavailable, fmt.Errorf("%w: no session storage", ErrStorageUnavailable))
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	m := &Manager{
		cfg:     cfg.clone(),
		storage: storage,
		opts:    o,
		log:     o.logger.With().Str("component", "secmsg").Str("runtime_id", cfg.RuntimeID).Logger(),
	}

	tel, err := newTelemetry(o.meter, o.tracer, func() int { return len(m.Validators()) })
	if err != nil {
		return nil, err
	}
	m.tel = tel

	if err := m.populate(ctx); err != nil {
		_ = tel.close()
		return nil, err
	}
	return m, nil
}

// Config returns a copy of the manager's configuration.
func (m *Manager) Config() Config {
	return m.cfg.clone()
}

// Validators returns the current pool, oldest first. The slice is a copy.
func (m *Manager) Validators() []*Validator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.pool)
}

// Newest returns the validator used for outbound messages.
func (m *Manager) Newest() (*Validator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.pool) == 0 {
		return nil, ErrNoValidator
	}
	return m.pool[len(m.pool)-1], nil
}

// epoch returns the generation of the current refresh interval.
func (m *Manager) epoch() int64 {
	return m.opts.clock.Now().UnixNano() / int64(m.cfg.ValidatorRefreshInterval)
}

// populate builds the initial pool: the current epoch, preceded by the
// previous one when the pool has room, so a context started just after a
// boundary still accepts traffic from contexts that have not rotated yet.
func (m *Manager) populate(ctx context.Context) error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	gen := m.epoch()
	if m.cfg.MaxMessageValidators >= 2 {
		if err := m.add(ctx, gen-1); err != nil {
			return err
		}
	}
	return m.add(ctx, gen)
}

// Refresh appends a new generation and evicts the oldest if the pool
// exceeds MaxMessageValidators. The new generation is the current epoch, or
// newest+1 if the epoch is not ahead of the pool. Concurrent calls run one
// after another.
func (m *Manager) Refresh(ctx context.Context) error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	gen := m.epoch()
	if v, err := m.Newest(); err == nil && gen <= v.generation {
		gen = v.generation + 1
	}
	return m.add(ctx, gen)
}

// refreshIfDue refreshes only if the current epoch is ahead of the newest
// generation. It reports whether a generation was added.
func (m *Manager) refreshIfDue(ctx context.Context) (bool, error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	gen := m.epoch()
	if v, err := m.Newest(); err == nil && gen <= v.generation {
		return false, nil
	}
	return true, m.add(ctx, gen)
}

// add appends generation gen and evicts the oldest generations beyond
// capacity. Evicted generations are removed from session storage on a
// best-effort basis. The caller holds refreshMu.
func (m *Manager) add(ctx context.Context, gen int64) error {
	ctx, span := m.tel.tracer.Start(ctx, "secmsg.Refresh")
	defer span.End()

	v, err := newValidator(ctx, m.cfg, m.storage, gen, &m.opts)
	if err != nil {
		fail(span, err)
		m.log.Error().Err(err).Int64("generation", gen).Msg("Validator refresh failed")
		if errors.Is(err, ErrStorageUnavailable) {
			return Alert(AlertStorageUnavailable, err)
		}
		return err
	}

	next := append(m.Validators(), v)
	var evicted []*Validator
	if over := len(next) - m.cfg.MaxMessageValidators; over > 0 {
		evicted = next[:over]
		next = next[over:]
	}

	m.mu.Lock()
	m.pool = next
	m.mu.Unlock()

	m.tel.rotations.Add(ctx, 1)
	m.log.Debug().
		Int64("generation", gen).
		Int("pool_size", len(next)).
		Int("evicted", len(evicted)).
		Msg("Validator pool refreshed")

	for _, old := range evicted {
		if err := old.discard(ctx, m.storage); err != nil {
			m.log.Warn().Err(err).Int64("generation", old.generation).Msg("Failed to discard evicted generation")
		}
	}
	return nil
}

// Run refreshes the pool every ValidatorRefreshInterval until ctx ends.
// A tick adds a generation only if the epoch moved past the newest one, so
// a pool that already caught up through ValidationProcess is not pushed
// ahead of the other contexts. Failures are logged and retried on the next
// tick.
func (m *Manager) Run(ctx context.Context) error {
	ticker := m.opts.clock.NewTicker(m.cfg.ValidatorRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.refreshIfDue(ctx); err != nil && ctx.Err() == nil {
				m.log.Error().Err(err).Msg("Scheduled refresh failed")
			}
		}
	}
}

// Close releases telemetry registrations.
func (m *Manager) Close() error {
	return m.tel.close()
}

// EncryptWithNewest seals payload with the newest generation.
func (m *Manager) EncryptWithNewest(ctx context.Context, payload MessageData) (Envelope, error) {
	ctx, span := m.tel.tracer.Start(ctx, "secmsg.EncryptWithNewest")
	defer span.End()

	v, err := m.Newest()
	if err != nil {
		fail(span, err)
		return Envelope{}, err
	}
	env, err := v.Encrypt(ctx, payload)
	if err != nil {
		fail(span, err)
		return Envelope{}, err
	}
	return env, nil
}

// ValidationProcess tries env against the pool from newest to oldest and
// returns the message of the first validator that accepts it. A nil result
// means the envelope must be dropped; the reason is logged at debug level
// and counted, never returned.
func (m *Manager) ValidationProcess(ctx context.Context, env Envelope, src Source) *MessageData {
	ctx, span := m.tel.tracer.Start(ctx, "secmsg.ValidationProcess")
	defer span.End()

	if env.Token == "" || env.MessageData == "" {
		m.dropped(ctx, env, src, reasonMalformed)
		return nil
	}

	pool := m.Validators()
	if len(pool) == 0 {
		m.dropped(ctx, env, src, reasonEmptyPool)
		return nil
	}
	slices.Reverse(pool)

	msg, errs := m.validate(ctx, pool, env, src)
	if msg == nil && m.catchUp(ctx, pool, env, errs) {
		pool = m.Validators()
		slices.Reverse(pool)
		msg, errs = m.validate(ctx, pool, env, src)
	}

	if msg != nil {
		m.tel.accepted.Add(ctx, 1)
		return msg
	}
	m.dropped(ctx, env, src, summarize(errs))
	return nil
}

func (m *Manager) validate(ctx context.Context, newestFirst []*Validator, env Envelope, src Source) (*MessageData, []error) {
	if m.opts.concurrent && len(newestFirst) > 1 {
		return validateConcurrently(ctx, newestFirst, env, src)
	}
	return validateSequentially(ctx, newestFirst, env, src)
}

// catchUp handles a sender that rotated before this context did: when no
// generation recognized the token and the envelope names exactly the
// current epoch, which is ahead of the pool, the due refresh runs now. An
// attacker can at most bring forward a refresh that was about to happen.
func (m *Manager) catchUp(ctx context.Context, newestFirst []*Validator, env Envelope, errs []error) bool {
	if summarize(errs) != reasonToken {
		return false
	}
	gen, ok := peekGeneration(env.MessageData)
	if !ok || gen <= newestFirst[0].generation || gen != m.epoch() {
		return false
	}
	added, err := m.refreshIfDue(ctx)
	if err != nil {
		return false
	}
	if added {
		m.log.Debug().Int64("generation", gen).Msg("Caught up with newer generation")
	}
	v, err := m.Newest()
	return err == nil && v.generation >= gen
}

func validateSequentially(ctx context.Context, newestFirst []*Validator, env Envelope, src Source) (*MessageData, []error) {
	errs := make([]error, 0, len(newestFirst))
	for _, v := range newestFirst {
		msg, err := v.IsValid(ctx, env, src)
		if err == nil {
			return msg, nil
		}
		errs = append(errs, err)
	}
	return nil, errs
}

// validateConcurrently runs every validator in parallel. The winner is the
// lowest index (newest generation) that succeeded, regardless of which
// goroutine finished first; validators older than a known winner skip work.
func validateConcurrently(ctx context.Context, newestFirst []*Validator, env Envelope, src Source) (*MessageData, []error) {
	results := make([]*MessageData, len(newestFirst))
	errs := make([]error, len(newestFirst))

	var best atomic.Int64
	best.Store(int64(len(newestFirst)))

	var g errgroup.Group
	for i, v := range newestFirst {
		g.Go(func() error {
			if best.Load() < int64(i) {
				return nil
			}
			msg, err := v.IsValid(ctx, env, src)
			if err != nil {
				errs[i] = err
				return nil
			}
			results[i] = msg
			for {
				cur := best.Load()
				if cur <= int64(i) || best.CompareAndSwap(cur, int64(i)) {
					return nil
				}
			}
		})
	}
	_ = g.Wait()

	if w := best.Load(); w < int64(len(newestFirst)) {
		return results[w], nil
	}
	return nil, errs
}

// summarize picks the most specific drop reason: any reason beyond a token
// mismatch means some generation recognized the envelope.
func summarize(errs []error) string {
	reason := reasonToken
	for _, err := range errs {
		if err == nil {
			continue
		}
		if r := dropReason(err); r != reasonToken {
			return r
		}
	}
	return reason
}

func (m *Manager) dropped(ctx context.Context, env Envelope, src Source, reason string) {
	m.tel.drop(ctx, reason)
	m.log.Debug().
		Str("reason", reason).
		Str("transport", src.Transport).
		Str("origin", src.Origin).
		Str("token_fp", fingerprint(env.Token)).
		Msg("Envelope dropped")
}
