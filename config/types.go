package config

// Ledger captures the escrow engine parameters.
type Ledger struct {
	// Arbitrator is the bech32 address allowed to resolve disputes.
	Arbitrator string
	Token      string
	MaxAmount  uint64
	FeeBps     uint32
	BondBps    uint32

	DepositWindowSecs         uint64
	FiatWindowSecs            uint64
	DisputeResponseWindowSecs uint64

	RentToken  string
	EscrowRent uint64
	BondRent   uint64
}

// Storage selects the key-value backend for ledger state.
type Storage struct {
	Backend string // "leveldb", "bbolt" or "memory"
}

// Events controls the durable event log.
type Events struct {
	// SQLitePath is relative to DataDir unless absolute. Empty keeps events
	// in memory only.
	SQLitePath string
	History    int
}

type Logging struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Telemetry configures the OTLP exporters.
type Telemetry struct {
	Endpoint string
	Insecure bool
	Headers  string
	Traces   bool
	Metrics  bool
}

type Metrics struct {
	ListenAddress string
}

// RateLimit bounds how fast a single caller may submit instructions.
type RateLimit struct {
	PerSecond float64
	Burst     int
}

// Quota bounds the instructions and value a caller may commit per epoch.
type Quota struct {
	MaxRequestsPerEpoch uint32
	MaxValuePerEpoch    uint64
	EpochSeconds        uint32
}

// Pauses lists modules rejected at startup.
type Pauses struct {
	Escrow bool
}
