package secmsg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rbaliyan/config/codec"

	"github.com/rbaliyan/secmsg/clock"
	"github.com/rbaliyan/secmsg/session"
)

const (
	testRuntimeID = "X"
	testOrigin    = "https://editor.example"
	testInterval  = time.Minute
)

var testEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		RuntimeID:                testRuntimeID,
		AllowedOrigins:           []string{testOrigin},
		MaxMessageValidators:     3,
		ValidatorRefreshInterval: testInterval,
	}
}

func testStorage(t testing.TB) *session.MemoryStorage {
	t.Helper()
	s, err := session.NewMemoryStorage()
	if err != nil {
		t.Fatalf("NewMemoryStorage: %v", err)
	}
	return s
}

// testKeys returns a generated key provider on its own storage.
func testKeys(t testing.TB, slot string) *session.KeyProvider {
	t.Helper()
	p := session.NewKeyProvider(testStorage(t), slot)
	if _, err := p.Generate(context.Background()); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return p
}

func testAgent(t testing.TB) *CryptoAgent {
	t.Helper()
	a, err := NewCryptoAgent(codec.JSON(), testKeys(t, "test/1/key"), "1", clock.Fake(testEpoch))
	if err != nil {
		t.Fatalf("NewCryptoAgent: %v", err)
	}
	return a
}

func makeKey(n int) []byte {
	key := make([]byte, n)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

// failingStorage fails every operation.
type failingStorage struct{}

var errBroken = errors.New("storage broken")

func (failingStorage) LoadOrStore(context.Context, string, []byte) ([]byte, bool, error) {
	return nil, false, errBroken
}

func (failingStorage) Delete(context.Context, string) error { return errBroken }
