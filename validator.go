package secmsg

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"

	"github.com/rbaliyan/secmsg/clock"
	"github.com/rbaliyan/secmsg/session"
)

var (
	errForeignRuntime = fmt.Errorf("%w: foreign runtime ID", ErrAuthenticationMismatch)
	errOrigin         = fmt.Errorf("%w: origin not allowed", ErrAuthenticationMismatch)
)

// Validator authenticates and decrypts the envelopes of one key generation
// and seals outbound messages for it. A Validator is immutable once built.
type Validator struct {
	cfg        Config
	generation int64
	token      string
	agent      *CryptoAgent
	clock      clock.Clock
	keySlot    string
	tokenSlot  string
}

// NewValidator generates the key and token of a generation in storage, or
// adopts them if another context sharing storage already did, and builds
// the validator around them.
func NewValidator(ctx context.Context, cfg Config, storage session.Storage, generation int64, opts ...Option) (*Validator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return newValidator(ctx, cfg.clone(), storage, generation, &o)
}

func newValidator(ctx context.Context, cfg Config, storage session.Storage, generation int64, o *options) (*Validator, error) {
	keySlot := session.KeySlot(cfg.RuntimeID, generation)
	tokenSlot := session.TokenSlot(cfg.RuntimeID, generation)

	keys := session.NewKeyProvider(storage, keySlot)
	if _, err := keys.Generate(ctx); err != nil {
		return nil, err
	}
	tokens := session.NewTokenProvider(storage, tokenSlot)
	token, err := tokens.Generate(ctx)
	if err != nil {
		return nil, err
	}

	agent, err := NewCryptoAgent(o.codec, keys, strconv.FormatInt(generation, 10), o.clock)
	if err != nil {
		return nil, err
	}

	return &Validator{
		cfg:        cfg,
		generation: generation,
		token:      token,
		agent:      agent,
		clock:      o.clock,
		keySlot:    keySlot,
		tokenSlot:  tokenSlot,
	}, nil
}

// Generation returns the generation number of the validator.
func (v *Validator) Generation() int64 { return v.generation }

// Token returns the generation token carried by every envelope it seals.
func (v *Validator) Token() string { return v.token }

// Encrypt seals m into an envelope. An empty RuntimeID is filled with the
// configured runtime ID.
func (v *Validator) Encrypt(ctx context.Context, m MessageData) (Envelope, error) {
	if m.RuntimeID == "" {
		m.RuntimeID = v.cfg.RuntimeID
	}
	data, err := v.agent.Encrypt(ctx, m)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Token: v.token, MessageData: data}, nil
}

// IsValid returns the decrypted message if env was sealed by this
// generation for this runtime and arrived from an acceptable source.
// Checks run in order: token, decryption, runtime ID, origin (window
// transport only), freshness (when MaxMessageAge is set).
//
// The token check only skips decryption for other generations' traffic. A
// matching token proves nothing; the later checks authenticate.
func (v *Validator) IsValid(ctx context.Context, env Envelope, src Source) (*MessageData, error) {
	if subtle.ConstantTimeCompare([]byte(env.Token), []byte(v.token)) != 1 {
		return nil, ErrTokenMismatch
	}

	m, issuedAt, err := v.agent.Open(ctx, env.MessageData)
	if err != nil {
		return nil, err
	}

	if m.RuntimeID != v.cfg.RuntimeID {
		return nil, fmt.Errorf("%w %q", errForeignRuntime, m.RuntimeID)
	}

	switch src.Transport {
	case TransportRuntime:
	case TransportWindow:
		if !v.cfg.OriginAllowed(src.Origin) {
			return nil, fmt.Errorf("%w %q", errOrigin, src.Origin)
		}
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", errOrigin, src.Transport)
	}

	if maxAge := v.cfg.MaxMessageAge; maxAge > 0 {
		age := v.clock.Now().Sub(issuedAt)
		if age > maxAge || age < -maxAge {
			return nil, fmt.Errorf("%w: issued %s ago", ErrStaleMessage, age)
		}
	}

	return &m, nil
}

// discard removes the generation's secrets from session storage.
func (v *Validator) discard(ctx context.Context, storage session.Storage) error {
	return errors.Join(
		storage.Delete(ctx, v.keySlot),
		storage.Delete(ctx, v.tokenSlot),
	)
}

// dropReason classifies a validation error for logs and metrics.
func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrTokenMismatch):
		return reasonToken
	case errors.Is(err, ErrStaleMessage):
		return reasonStale
	case errors.Is(err, ErrAuthenticationMismatch):
		if errors.Is(err, errOrigin) {
			return reasonOrigin
		}
		return reasonRuntimeID
	case errors.Is(err, ErrInvalidFormat):
		return reasonMalformed
	default:
		return reasonDecrypt
	}
}
