package config

import "github.com/proservcore/engine/internal/domain"

// EngineConfig holds configuration shared by the recurrence and orchestration
// engines regardless of which binary embeds them.
type EngineConfig struct {
	// DefaultTimezone is the IANA zone used for a rule whose Timezone field is
	// unset. Rules created through enginectl or the API should set this
	// explicitly; this is a deployment-wide fallback only.
	DefaultTimezone string `env:"ENGINE_DEFAULT_TIMEZONE"`

	// RNGSeed seeds retry jitter for deterministic test/replay runs. Zero
	// leaves jitter on math/rand's default, non-seeded source.
	RNGSeed int64 `env:"ENGINE_RNG_SEED"`

	// MaxConcurrentPerTenant caps in-flight Advance dispatches per tenant.
	// Zero means unlimited.
	MaxConcurrentPerTenant int `env:"ENGINE_MAX_CONCURRENT_PER_TENANT"`
}

// Validate applies defaults and rejects malformed values.
func (c *EngineConfig) Validate() error {
	if c.DefaultTimezone == "" {
		c.DefaultTimezone = "UTC"
	}
	if c.MaxConcurrentPerTenant < 0 {
		return domain.ErrBadInput
	}
	return nil
}
