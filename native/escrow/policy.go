package escrow

import (
	"fmt"
	"math"
)

const (
	// DefaultMaxAmount caps a single escrow at 100 tokens of a 6-decimal asset.
	DefaultMaxAmount uint64 = 100_000_000
	// DefaultFeeBps is the 1% platform fee collected on release.
	DefaultFeeBps uint32 = 100
	// DefaultBondBps is the 5% dispute bond.
	DefaultBondBps uint32 = 500

	bpsDenominator = 10_000
)

// AmountPolicy validates principal amounts and derives the fee and bond
// owed for them. All arithmetic is integer and truncating.
type AmountPolicy struct {
	MaxAmount uint64
	FeeBps    uint32
	BondBps   uint32
}

// DefaultAmountPolicy returns the platform defaults.
func DefaultAmountPolicy() AmountPolicy {
	return AmountPolicy{
		MaxAmount: DefaultMaxAmount,
		FeeBps:    DefaultFeeBps,
		BondBps:   DefaultBondBps,
	}
}

// Validate checks the policy itself. The product amount*bps must fit in a
// uint64 for every admissible amount.
func (p AmountPolicy) Validate() error {
	if p.MaxAmount == 0 {
		return fmt.Errorf("escrow policy: max amount must be positive")
	}
	if p.FeeBps > bpsDenominator {
		return fmt.Errorf("escrow policy: fee bps out of range: %d", p.FeeBps)
	}
	if p.BondBps > bpsDenominator {
		return fmt.Errorf("escrow policy: bond bps out of range: %d", p.BondBps)
	}
	if p.MaxAmount > math.MaxUint64/bpsDenominator {
		return fmt.Errorf("escrow policy: max amount %d overflows fee arithmetic", p.MaxAmount)
	}
	return nil
}

// CheckAmount enforces 0 < amount <= MaxAmount.
func (p AmountPolicy) CheckAmount(amount uint64) error {
	if amount == 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	if amount > p.MaxAmount {
		return fmt.Errorf("%w: %d > %d", ErrExceedsMaximum, amount, p.MaxAmount)
	}
	return nil
}

// Fee returns the platform fee owed on amount.
func (p AmountPolicy) Fee(amount uint64) uint64 {
	return amount * uint64(p.FeeBps) / bpsDenominator
}

// Bond returns the collateral a disputing party stakes for amount.
func (p AmountPolicy) Bond(amount uint64) uint64 {
	return amount * uint64(p.BondBps) / bpsDenominator
}

// Total returns the value the seller deposits at funding: principal plus fee.
func (p AmountPolicy) Total(amount uint64) uint64 {
	return amount + p.Fee(amount)
}
