package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rbaliyan/secmsg"
)

func TestLoadConfigMissingFile(t *testing.T) {
	c, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), c)
	assert.ErrorIs(t, c.Validate(), secmsg.ErrInvalidConfig)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secmsgd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
secmsg:
  runtime_id: abcdefghijklmnop
  allowed_origins:
    - https://chat.openai.com
    - chrome-extension://abcdefghijklmnop
  validator_refresh_interval: 30m
  max_message_age: 2m
nats:
  url: nats://nats.internal:4222
session:
  bucket: ext-session
  ttl: 3h
  kek_file: /etc/secmsgd/session.kek
bridge:
  editor_origin: chrome-extension://abcdefghijklmnop
log:
  level: debug
  console: false
`), 0o600))

	c, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, "abcdefghijklmnop", c.Secmsg.RuntimeID)
	assert.Equal(t, 30*time.Minute, c.Secmsg.ValidatorRefreshInterval)
	assert.Equal(t, 2*time.Minute, c.Secmsg.MaxMessageAge)
	assert.Equal(t, 3, c.Secmsg.MaxMessageValidators, "default kept")
	assert.Equal(t, "nats://nats.internal:4222", c.NATS.URL)
	assert.Equal(t, "ext-session", c.Session.Bucket)
	assert.Equal(t, 3*time.Hour, c.Session.TTL)
	assert.Equal(t, "/etc/secmsgd/session.kek", c.Session.KEKFile)
	assert.Equal(t, "/ws", c.Bridge.Path, "default kept")
	assert.Equal(t, "debug", c.Log.Level)
	assert.False(t, c.Log.Console)
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("secmsg: [unclosed"), 0o600))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestValidateRequiresNATS(t *testing.T) {
	c := DefaultConfig()
	c.Secmsg.RuntimeID = "X"
	c.Secmsg.AllowedOrigins = []string{"https://chat.openai.com"}
	c.Session.KEKFile = "session.kek"
	require.NoError(t, c.Validate())

	c.NATS.URL = ""
	assert.Error(t, c.Validate())
}

func TestValidateRequiresSessionKey(t *testing.T) {
	c := DefaultConfig()
	c.Secmsg.RuntimeID = "X"
	c.Secmsg.AllowedOrigins = []string{"https://chat.openai.com"}
	assert.ErrorContains(t, c.Validate(), "session.kek_file")
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := versionCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, version+"\n", out.String())
}
