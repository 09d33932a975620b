package secmsg

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rbaliyan/secmsg/clock"
	"github.com/rbaliyan/secmsg/session"
)

func testManager(t *testing.T, cfg Config, storage session.Storage, clk clock.Clock, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithClock(clk)}, opts...)
	m, err := NewManager(context.Background(), cfg, storage, opts...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// rotate advances the clock one interval and refreshes every manager.
func rotate(t *testing.T, clk *clock.FakeClock, managers ...*Manager) {
	t.Helper()
	clk.Advance(testInterval)
	for _, m := range managers {
		if err := m.Refresh(context.Background()); err != nil {
			t.Fatalf("Refresh: %v", err)
		}
	}
}

func TestNewManagerPopulatesPool(t *testing.T) {
	epoch := testEpoch.UnixNano() / int64(testInterval)

	m := testManager(t, testConfig(), testStorage(t), clock.Fake(testEpoch))
	pool := m.Validators()
	if len(pool) != 2 {
		t.Fatalf("pool size: got %d, want 2", len(pool))
	}
	if pool[0].Generation() != epoch-1 || pool[1].Generation() != epoch {
		t.Errorf("generations: got %d, %d, want %d, %d", pool[0].Generation(), pool[1].Generation(), epoch-1, epoch)
	}

	cfg := testConfig()
	cfg.MaxMessageValidators = 1
	single := testManager(t, cfg, testStorage(t), clock.Fake(testEpoch))
	if pool := single.Validators(); len(pool) != 1 || pool[0].Generation() != epoch {
		t.Errorf("single-slot pool: got %d validators", len(pool))
	}
}

func TestNewManagerInvalidConfig(t *testing.T) {
	ctx := context.Background()
	storage := testStorage(t)

	cases := map[string]func(*Config){
		"no runtime ID":    func(c *Config) { c.RuntimeID = "" },
		"no origins":       func(c *Config) { c.AllowedOrigins = nil },
		"wildcard origin":  func(c *Config) { c.AllowedOrigins = []string{"*"} },
		"trailing slash":   func(c *Config) { c.AllowedOrigins = []string{testOrigin + "/"} },
		"zero validators":  func(c *Config) { c.MaxMessageValidators = 0 },
		"zero interval":    func(c *Config) { c.ValidatorRefreshInterval = 0 },
		"negative max age": func(c *Config) { c.MaxMessageAge = -time.Second },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			mutate(&cfg)
			if _, err := NewManager(ctx, cfg, storage); !IsInvalidConfig(err) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestNewManagerStorageUnavailable(t *testing.T) {
	ctx := context.Background()

	for name, storage := range map[string]session.Storage{
		"nil":     nil,
		"failing": failingStorage{},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewManager(ctx, testConfig(), storage)
			if !IsStorageUnavailable(err) {
				t.Fatalf("expected ErrStorageUnavailable, got %v", err)
			}
			alert, ok := AsAlert(err)
			if !ok {
				t.Fatalf("expected an AlertError, got %T", err)
			}
			if alert.Name != AlertStorageUnavailable {
				t.Errorf("alert name: got %q, want %q", alert.Name, AlertStorageUnavailable)
			}
		})
	}
}

func TestManagerConfigIsCopy(t *testing.T) {
	m := testManager(t, testConfig(), testStorage(t), clock.Fake(testEpoch))
	cfg := m.Config()
	cfg.AllowedOrigins[0] = "https://evil.example"
	if m.Config().AllowedOrigins[0] != testOrigin {
		t.Error("Config() exposes internal origin slice")
	}
}

// Pool length never exceeds MaxMessageValidators and stays ordered oldest
// to newest.
func TestManagerPoolBound(t *testing.T) {
	clk := clock.Fake(testEpoch)
	for _, limit := range []int{1, 2, 3, 5} {
		cfg := testConfig()
		cfg.MaxMessageValidators = limit
		m := testManager(t, cfg, testStorage(t), clk)

		for i := range 12 {
			rotate(t, clk, m)
			pool := m.Validators()
			if len(pool) > limit {
				t.Fatalf("limit %d, refresh %d: pool size %d", limit, i, len(pool))
			}
			for j := 1; j < len(pool); j++ {
				if pool[j].Generation() <= pool[j-1].Generation() {
					t.Fatalf("pool not ordered oldest to newest: %d then %d", pool[j-1].Generation(), pool[j].Generation())
				}
			}
		}
		if len(m.Validators()) != limit {
			t.Errorf("limit %d: steady-state pool size %d", limit, len(m.Validators()))
		}
	}
}

func TestManagerRefreshWithoutClockAdvance(t *testing.T) {
	m := testManager(t, testConfig(), testStorage(t), clock.Fake(testEpoch))

	before, err := m.Newest()
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	after, err := m.Newest()
	if err != nil {
		t.Fatal(err)
	}
	if after.Generation() != before.Generation()+1 {
		t.Errorf("generation: got %d, want %d", after.Generation(), before.Generation()+1)
	}
}

func TestManagerConcurrentRefresh(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessageValidators = 4
	m := testManager(t, cfg, testStorage(t), clock.Fake(testEpoch))

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Refresh(context.Background()); err != nil {
				t.Errorf("Refresh: %v", err)
			}
		}()
	}
	wg.Wait()

	pool := m.Validators()
	if len(pool) != 4 {
		t.Fatalf("pool size: got %d, want 4", len(pool))
	}
	seen := make(map[int64]bool)
	for _, v := range pool {
		if seen[v.Generation()] {
			t.Fatalf("generation %d appears twice", v.Generation())
		}
		seen[v.Generation()] = true
	}
}

func TestManagerEvictionDeletesSecrets(t *testing.T) {
	clk := clock.Fake(testEpoch)
	storage := testStorage(t)
	cfg := testConfig()
	cfg.MaxMessageValidators = 2
	m := testManager(t, cfg, storage, clk)

	rotate(t, clk, m)
	rotate(t, clk, m)
	rotate(t, clk, m)

	if got, want := storage.Len(), 2*cfg.MaxMessageValidators; got != want {
		t.Errorf("storage slots: got %d, want %d", got, want)
	}
}

// Scenario A: with three validators a message survives two rotations and is
// rejected after the third.
func TestManagerRotationWindow(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(testEpoch)
	m := testManager(t, testConfig(), testStorage(t), clk)

	env, err := m.EncryptWithNewest(ctx, MessageData{RuntimeID: testRuntimeID, Message: "t0"})
	if err != nil {
		t.Fatalf("EncryptWithNewest: %v", err)
	}

	rotate(t, clk, m)
	rotate(t, clk, m)
	if got := m.ValidationProcess(ctx, env, RuntimeSource()); got == nil {
		t.Fatal("message rejected after two rotations")
	}

	rotate(t, clk, m)
	if got := m.ValidationProcess(ctx, env, RuntimeSource()); got != nil {
		t.Fatalf("message accepted after full eviction: %+v", got)
	}
}

// A receiver configured like the sender keeps validating a message for
// MaxMessageValidators-1 further rotations, and no longer.
func TestManagerRotationSafetyAcrossContexts(t *testing.T) {
	ctx := context.Background()
	for _, limit := range []int{1, 2, 4} {
		clk := clock.Fake(testEpoch)
		storage := testStorage(t)
		cfg := testConfig()
		cfg.MaxMessageValidators = limit
		sender := testManager(t, cfg, storage, clk)
		receiver := testManager(t, cfg, storage, clk)

		env, err := sender.EncryptWithNewest(ctx, MessageData{Message: "m"})
		if err != nil {
			t.Fatal(err)
		}
		for i := 0; i < limit-1; i++ {
			rotate(t, clk, sender, receiver)
		}
		if receiver.ValidationProcess(ctx, env, RuntimeSource()) == nil {
			t.Fatalf("limit %d: rejected after %d rotations", limit, limit-1)
		}
		rotate(t, clk, sender, receiver)
		if receiver.ValidationProcess(ctx, env, RuntimeSource()) != nil {
			t.Fatalf("limit %d: accepted after %d rotations", limit, limit)
		}
	}
}

// Scenario B: two contexts with the same configuration exchange a message.
func TestManagerExchange(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(testEpoch)
	storage := testStorage(t)
	sender := testManager(t, testConfig(), storage, clk)
	receiver := testManager(t, testConfig(), storage, clk)

	env, err := sender.EncryptWithNewest(ctx, MessageData{RuntimeID: "X", Message: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	got := receiver.ValidationProcess(ctx, env, RuntimeSource())
	if got == nil {
		t.Fatal("receiver dropped the message")
	}
	if want := (MessageData{RuntimeID: "X", Message: "hello"}); *got != want {
		t.Errorf("got %+v, want %+v", *got, want)
	}
}

// Scenario C: a message for a foreign runtime is dropped by the receiver.
func TestManagerForeignRuntime(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(testEpoch)
	storage := testStorage(t)
	sender := testManager(t, testConfig(), storage, clk)
	receiver := testManager(t, testConfig(), storage, clk)

	env, err := sender.EncryptWithNewest(ctx, MessageData{RuntimeID: "Y", Message: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if got := receiver.ValidationProcess(ctx, env, RuntimeSource()); got != nil {
		t.Errorf("foreign runtime accepted: %+v", got)
	}
}

// Every validator in the pool rejects a correctly sealed message that names
// a foreign runtime.
func TestManagerForeignRuntimeRejectedByWholePool(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(testEpoch)
	m := testManager(t, testConfig(), testStorage(t), clk)
	rotate(t, clk, m)
	rotate(t, clk, m)

	for _, v := range m.Validators() {
		env, err := v.Encrypt(ctx, MessageData{RuntimeID: "Y", Message: "m"})
		if err != nil {
			t.Fatal(err)
		}
		for _, other := range m.Validators() {
			if _, err := other.IsValid(ctx, env, RuntimeSource()); err == nil {
				t.Fatalf("generation %d accepted foreign runtime", other.Generation())
			}
		}
		if m.ValidationProcess(ctx, env, RuntimeSource()) != nil {
			t.Fatal("ValidationProcess accepted foreign runtime")
		}
	}
}

func TestManagerOriginEnforcement(t *testing.T) {
	ctx := context.Background()
	m := testManager(t, testConfig(), testStorage(t), clock.Fake(testEpoch))

	env, err := m.EncryptWithNewest(ctx, MessageData{Message: "m"})
	if err != nil {
		t.Fatal(err)
	}
	if m.ValidationProcess(ctx, env, WindowSource(testOrigin)) == nil {
		t.Error("allowed origin rejected")
	}
	if m.ValidationProcess(ctx, env, WindowSource("https://evil.example")) != nil {
		t.Error("foreign origin accepted")
	}
}

func TestManagerDropsMalformed(t *testing.T) {
	ctx := context.Background()
	m := testManager(t, testConfig(), testStorage(t), clock.Fake(testEpoch))
	v, err := m.Newest()
	if err != nil {
		t.Fatal(err)
	}

	envelopes := []Envelope{
		{},
		{Token: v.Token()},
		{MessageData: "AAAA"},
		{Token: "garbage", MessageData: "garbage"},
		{Token: v.Token(), MessageData: "%%% not base64 %%%"},
		{Token: v.Token(), MessageData: base64.StdEncoding.EncodeToString([]byte("SM\x01\x01\xff"))},
		{Token: v.Token(), MessageData: base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x42}, 512))},
	}
	for _, env := range envelopes {
		if got := m.ValidationProcess(ctx, env, RuntimeSource()); got != nil {
			t.Errorf("ValidationProcess(%+v) accepted: %+v", env, got)
		}
	}
}

func TestManagerConcurrentValidationMatchesSequential(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(testEpoch)
	storage := testStorage(t)
	cfg := testConfig()
	cfg.MaxMessageValidators = 4
	seq := testManager(t, cfg, storage, clk)
	par := testManager(t, cfg, storage, clk, WithConcurrentValidation(true))

	var envs []Envelope
	for i := range 4 {
		env, err := seq.EncryptWithNewest(ctx, MessageData{Message: strings.Repeat("m", i+1)})
		if err != nil {
			t.Fatal(err)
		}
		envs = append(envs, env)
		rotate(t, clk, seq, par)
	}
	foreign, err := seq.EncryptWithNewest(ctx, MessageData{RuntimeID: "Y"})
	if err != nil {
		t.Fatal(err)
	}
	envs = append(envs, foreign, Envelope{Token: "x", MessageData: "y"})

	for _, env := range envs {
		want := seq.ValidationProcess(ctx, env, RuntimeSource())
		got := par.ValidationProcess(ctx, env, RuntimeSource())
		if (want == nil) != (got == nil) || (want != nil && *want != *got) {
			t.Errorf("concurrent %+v, sequential %+v", got, want)
		}
	}
}

func TestManagerLogsDropsWithoutSecrets(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	m := testManager(t, testConfig(), testStorage(t), clock.Fake(testEpoch), WithLogger(logger))

	env, err := m.EncryptWithNewest(ctx, MessageData{RuntimeID: "Y", Message: "m"})
	if err != nil {
		t.Fatal(err)
	}
	buf.Reset()
	if m.ValidationProcess(ctx, env, RuntimeSource()) != nil {
		t.Fatal("foreign runtime accepted")
	}

	out := buf.String()
	if !strings.Contains(out, `"reason":"runtime_id"`) {
		t.Errorf("log lacks drop reason: %s", out)
	}
	if !strings.Contains(out, `"token_fp":"`+fingerprint(env.Token)+`"`) {
		t.Errorf("log lacks token fingerprint: %s", out)
	}
	if strings.Contains(out, env.Token) {
		t.Error("log contains the raw token")
	}
}

func TestManagerRun(t *testing.T) {
	clk := clock.Fake(testEpoch)
	m := testManager(t, testConfig(), testStorage(t), clk)
	start, _ := m.Newest()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	clk.WaitForTickers(1)
	clk.Advance(testInterval)

	deadline := time.Now().Add(5 * time.Second)
	for {
		newest, _ := m.Newest()
		if newest.Generation() == start.Generation()+1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Run did not refresh the pool")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run: got %v, want context.Canceled", err)
	}
}

// A context that has not rotated yet catches up when a peer's envelope
// names the current epoch.
func TestManagerCatchUp(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(testEpoch)
	storage := testStorage(t)
	sender := testManager(t, testConfig(), storage, clk)
	receiver := testManager(t, testConfig(), storage, clk)

	clk.Advance(testInterval)
	if err := sender.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	env, err := sender.EncryptWithNewest(ctx, MessageData{Message: "early"})
	if err != nil {
		t.Fatal(err)
	}

	if got := receiver.ValidationProcess(ctx, env, RuntimeSource()); got == nil || got.Message != "early" {
		t.Fatalf("receiver did not catch up: %+v", got)
	}
	s, _ := sender.Newest()
	r, _ := receiver.Newest()
	if s.Generation() != r.Generation() || s.Token() != r.Token() {
		t.Errorf("receiver at generation %d, sender at %d", r.Generation(), s.Generation())
	}
}

// Envelopes naming any generation other than the current epoch never move
// the pool.
func TestManagerCatchUpIgnoresFutureGenerations(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(testEpoch)
	storage := testStorage(t)
	m := testManager(t, testConfig(), storage, clk)
	before, _ := m.Newest()

	future, err := NewValidator(ctx, testConfig(), testStorage(t), before.Generation()+5)
	if err != nil {
		t.Fatal(err)
	}
	env, err := future.Encrypt(ctx, MessageData{Message: "m"})
	if err != nil {
		t.Fatal(err)
	}
	if m.ValidationProcess(ctx, env, RuntimeSource()) != nil {
		t.Fatal("future generation accepted")
	}
	after, _ := m.Newest()
	if after.Generation() != before.Generation() {
		t.Errorf("pool moved to generation %d", after.Generation())
	}
}

// A context started just after an interval boundary accepts traffic from
// a peer that has not rotated yet.
func TestManagerStartAfterBoundary(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(testEpoch)
	storage := testStorage(t)
	sender := testManager(t, testConfig(), storage, clk)

	clk.Advance(testInterval)
	receiver := testManager(t, testConfig(), storage, clk)

	env, err := sender.EncryptWithNewest(ctx, MessageData{Message: "late"})
	if err != nil {
		t.Fatal(err)
	}
	if receiver.ValidationProcess(ctx, env, RuntimeSource()) == nil {
		t.Error("receiver rejected a peer one generation behind")
	}
}

func TestEncryptWithNewestUsesNewest(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(testEpoch)
	m := testManager(t, testConfig(), testStorage(t), clk)
	rotate(t, clk, m)

	env, err := m.EncryptWithNewest(ctx, MessageData{Message: "m"})
	if err != nil {
		t.Fatal(err)
	}
	newest, _ := m.Newest()
	if env.Token != newest.Token() {
		t.Error("envelope not sealed by the newest generation")
	}
}

func TestEncryptWithNewestSerializationError(t *testing.T) {
	m := testManager(t, testConfig(), testStorage(t), clock.Fake(testEpoch), WithCodec(failingCodec{}))
	_, err := m.EncryptWithNewest(context.Background(), MessageData{Message: "m"})
	if !IsSerialization(err) {
		t.Errorf("expected ErrSerialization, got %v", err)
	}
}

type failingCodec struct{}

func (failingCodec) Name() string               { return "failing" }
func (failingCodec) Encode(any) ([]byte, error) { return nil, errors.New("encode failed") }
func (failingCodec) Decode([]byte, any) error   { return errors.New("decode failed") }
