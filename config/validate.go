package config

import (
	"fmt"
	"strings"

	"github.com/Panmoni/yapbay-sub000/crypto"
)

var (
	MinDepositWindowSeconds = uint64(60)
	MinFiatWindowSeconds    = uint64(60)
)

// Validate checks the configuration. Engine-level constraints are checked
// again by escrow.Params.Validate when the engine is built.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("DataDir must be set")
	}
	switch c.Environment {
	case EnvDevelopment, EnvProduction, "test":
	default:
		return fmt.Errorf("environment: unknown value %q", c.Environment)
	}

	arbitrator, err := crypto.ParseAddress(c.Ledger.Arbitrator)
	if err != nil {
		return fmt.Errorf("ledger: arbitrator: %w", err)
	}
	if c.Environment == EnvProduction && arbitrator == DevArbitrator {
		return fmt.Errorf("ledger: production config still uses the development arbitrator")
	}
	if c.Ledger.Token == "" {
		return fmt.Errorf("ledger: token must be set")
	}
	if c.Ledger.Token == c.Ledger.RentToken {
		return fmt.Errorf("ledger: rent token must differ from escrow token")
	}
	if c.Ledger.DepositWindowSecs < MinDepositWindowSeconds {
		return fmt.Errorf("ledger: deposit window too small")
	}
	if c.Ledger.FiatWindowSecs < MinFiatWindowSeconds {
		return fmt.Errorf("ledger: fiat window too small")
	}
	if c.Ledger.DisputeResponseWindowSecs == 0 {
		return fmt.Errorf("ledger: dispute response window must be positive")
	}

	switch c.Storage.Backend {
	case BackendLevelDB, BackendMemory, BackendBolt:
	default:
		return fmt.Errorf("storage: unknown backend %q", c.Storage.Backend)
	}
	if c.Events.History < 0 {
		return fmt.Errorf("events: history must not be negative")
	}
	if c.RateLimit.PerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: values must not be negative")
	}
	if c.RateLimit.PerSecond > 0 && c.RateLimit.Burst == 0 {
		return fmt.Errorf("rate_limit: burst must be positive when a rate is set")
	}
	if (c.Quota.MaxRequestsPerEpoch > 0 || c.Quota.MaxValuePerEpoch > 0) && c.Quota.EpochSeconds == 0 {
		return fmt.Errorf("quota: EpochSeconds must be set when limits are configured")
	}
	if _, err := c.EngineParams(); err != nil {
		return err
	}
	return nil
}
