package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/Panmoni/yapbay-sub000/crypto"
	"github.com/Panmoni/yapbay-sub000/native/escrow"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	BackendLevelDB = "leveldb"
	BackendMemory  = "memory"
	BackendBolt    = "bbolt"
)

// DevArbitrator is the arbitrator written into freshly generated config
// files. Production configs must replace it.
var DevArbitrator = crypto.DeriveAddress([]byte("yapbay"), []byte("dev-arbitrator"))

type Config struct {
	DataDir     string `toml:"DataDir"`
	Environment string `toml:"Environment"`

	Ledger    Ledger    `toml:"ledger"`
	Storage   Storage   `toml:"storage"`
	Events    Events    `toml:"events"`
	Logging   Logging   `toml:"logging"`
	Telemetry Telemetry `toml:"telemetry"`
	Metrics   Metrics   `toml:"metrics"`
	RateLimit RateLimit `toml:"rate_limit"`
	Quota     Quota     `toml:"quota"`
	Pauses    Pauses    `toml:"pauses"`
}

// Default returns a development configuration with the platform defaults.
func Default() *Config {
	clock := escrow.DefaultDeadlineClock()
	return &Config{
		DataDir:     "./yapbay-data",
		Environment: EnvDevelopment,
		Ledger: Ledger{
			Arbitrator:                DevArbitrator.String(),
			Token:                     escrow.DefaultToken,
			MaxAmount:                 escrow.DefaultMaxAmount,
			FeeBps:                    escrow.DefaultFeeBps,
			BondBps:                   escrow.DefaultBondBps,
			DepositWindowSecs:         uint64(clock.DepositWindow.Seconds()),
			FiatWindowSecs:            uint64(clock.FiatWindow.Seconds()),
			DisputeResponseWindowSecs: uint64(clock.DisputeResponseWindow.Seconds()),
			RentToken:                 escrow.DefaultRentToken,
			EscrowRent:                escrow.DefaultEscrowRent,
			BondRent:                  escrow.DefaultBondRent,
		},
		Storage: Storage{Backend: BackendLevelDB},
		Events:  Events{SQLitePath: "events.db", History: 4096},
		Logging: Logging{Level: "info"},
		Metrics: Metrics{ListenAddress: "127.0.0.1:9464"},
		RateLimit: RateLimit{
			PerSecond: 20,
			Burst:     40,
		},
	}
}

// Load loads the configuration from the given path, writing a default file
// first when none exists.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Environment = strings.ToLower(strings.TrimSpace(c.Environment))
	if c.Environment == "" {
		c.Environment = EnvDevelopment
	}
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendLevelDB
	}
	c.Ledger.Token = strings.ToUpper(strings.TrimSpace(c.Ledger.Token))
	c.Ledger.RentToken = strings.ToUpper(strings.TrimSpace(c.Ledger.RentToken))
}

// ResolvePath anchors a relative path under DataDir.
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
