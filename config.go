package secmsg

import (
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
)

// Config is supplied when a Manager is constructed. RuntimeID,
// AllowedOrigins, MaxMessageValidators and ValidatorRefreshInterval are
// required; there are no defaults for them.
type Config struct {
	// RuntimeID is the extension's own runtime identity. Every accepted
	// message must carry it.
	RuntimeID string `yaml:"runtime_id"`

	// AllowedOrigins lists the origins window messages may come from.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// MaxMessageValidators bounds the validator pool. Keep it at 2 or more
	// so a just-superseded generation survives one more interval.
	MaxMessageValidators int `yaml:"max_message_validators"`

	// ValidatorRefreshInterval is the time between key rotations.
	ValidatorRefreshInterval time.Duration `yaml:"validator_refresh_interval"`

	// MaxMessageAge rejects messages issued longer ago (or further in the
	// future) than this. Zero disables the check.
	MaxMessageAge time.Duration `yaml:"max_message_age"`
}

// Validate reports the first problem with the configuration.
func (c Config) Validate() error {
	if c.RuntimeID == "" {
		return fmt.Errorf("%w: runtime ID is required", ErrInvalidConfig)
	}
	if len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("%w: allowed origins are required", ErrInvalidConfig)
	}
	for _, o := range c.AllowedOrigins {
		if o == "" || o == "*" {
			return fmt.Errorf("%w: allowed origin %q is not an explicit origin", ErrInvalidConfig, o)
		}
		if strings.HasSuffix(o, "/") {
			return fmt.Errorf("%w: allowed origin %q must not end with a slash", ErrInvalidConfig, o)
		}
	}
	if c.MaxMessageValidators < 1 {
		return fmt.Errorf("%w: max message validators must be at least 1, got %d", ErrInvalidConfig, c.MaxMessageValidators)
	}
	if c.ValidatorRefreshInterval <= 0 {
		return fmt.Errorf("%w: validator refresh interval must be positive, got %s", ErrInvalidConfig, c.ValidatorRefreshInterval)
	}
	if c.MaxMessageAge < 0 {
		return fmt.Errorf("%w: max message age must not be negative, got %s", ErrInvalidConfig, c.MaxMessageAge)
	}
	return nil
}

// OriginAllowed reports whether origin is in AllowedOrigins.
func (c Config) OriginAllowed(origin string) bool {
	return origin != "" && lo.Contains(c.AllowedOrigins, origin)
}

// clone returns a copy that does not share the origin slice.
func (c Config) clone() Config {
	c.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	return c
}
