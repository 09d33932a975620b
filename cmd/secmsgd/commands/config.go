package commands

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rbaliyan/secmsg"
	"github.com/rbaliyan/secmsg/session/natskv"
	"github.com/rbaliyan/secmsg/transport/natsbus"
	"github.com/rbaliyan/secmsg/worker"
)

// Config is the daemon configuration file.
type Config struct {
	Secmsg  secmsg.Config `yaml:"secmsg"`
	NATS    NATSConfig    `yaml:"nats"`
	Session natskv.Config `yaml:"session"`
	Bus     BusConfig     `yaml:"bus"`
	Store   StoreConfig   `yaml:"store"`
	Bridge  BridgeConfig  `yaml:"bridge"`
	Worker  WorkerConfig  `yaml:"worker"`
	Log     LogConfig     `yaml:"log"`
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL             string        `yaml:"url"`
	Name            string        `yaml:"name"`
	CredentialsFile string        `yaml:"credentials_file"`
	ReconnectWait   time.Duration `yaml:"reconnect_wait"`
	MaxReconnects   int           `yaml:"max_reconnects"`
}

// BusConfig configures the runtime transport.
type BusConfig struct {
	Prefix  string        `yaml:"prefix"`
	Timeout time.Duration `yaml:"timeout"`
}

// StoreConfig configures the background database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// BridgeConfig configures the window hub of a content context.
type BridgeConfig struct {
	Listen       string `yaml:"listen"`
	Path         string `yaml:"path"`
	PageWindow   string `yaml:"page_window"`
	EditorWindow string `yaml:"editor_window"`
	EditorOrigin string `yaml:"editor_origin"`
}

// WorkerConfig configures the background worker.
type WorkerConfig struct {
	ChatOrigin string `yaml:"chat_origin"`
	PreviewDir string `yaml:"preview_dir"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

// DefaultConfig returns the configuration used for missing fields.
func DefaultConfig() *Config {
	return &Config{
		Secmsg: secmsg.Config{
			MaxMessageValidators:     3,
			ValidatorRefreshInterval: time.Hour,
		},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			Name:          "secmsgd",
			ReconnectWait: 2 * time.Second,
			MaxReconnects: -1,
		},
		Session: natskv.Config{Bucket: natskv.DefaultBucket},
		Bus: BusConfig{
			Prefix:  natsbus.DefaultPrefix,
			Timeout: natsbus.DefaultTimeout,
		},
		Store: StoreConfig{Path: "secmsg.db"},
		Bridge: BridgeConfig{
			Listen:       "127.0.0.1:8765",
			Path:         "/ws",
			PageWindow:   "page",
			EditorWindow: "editor",
		},
		Worker: WorkerConfig{
			ChatOrigin: worker.DefaultChatOrigin,
			PreviewDir: os.TempDir(),
		},
		Log: LogConfig{Level: "info", Console: true},
	}
}

// LoadConfig reads path over DefaultConfig. A missing file yields the
// defaults, which still fail Validate until a runtime ID and origins are
// set.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings every subcommand needs.
func (c *Config) Validate() error {
	if err := c.Secmsg.Validate(); err != nil {
		return err
	}
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	if c.Session.KEKFile == "" {
		return fmt.Errorf("session.kek_file is required")
	}
	return nil
}
