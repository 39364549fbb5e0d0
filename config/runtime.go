package config

import (
	"time"

	"github.com/Panmoni/yapbay-sub000/crypto"
	nativecommon "github.com/Panmoni/yapbay-sub000/native/common"
	"github.com/Panmoni/yapbay-sub000/native/escrow"
)

// EngineParams converts the ledger section into escrow engine parameters.
func (c *Config) EngineParams() (escrow.Params, error) {
	arbitrator, err := crypto.ParseAddress(c.Ledger.Arbitrator)
	if err != nil {
		return escrow.Params{}, err
	}
	params := escrow.Params{
		Arbitrator: arbitrator,
		Token:      c.Ledger.Token,
		Policy: escrow.AmountPolicy{
			MaxAmount: c.Ledger.MaxAmount,
			FeeBps:    c.Ledger.FeeBps,
			BondBps:   c.Ledger.BondBps,
		},
		Clock: escrow.DeadlineClock{
			DepositWindow:         seconds(c.Ledger.DepositWindowSecs),
			FiatWindow:            seconds(c.Ledger.FiatWindowSecs),
			DisputeResponseWindow: seconds(c.Ledger.DisputeResponseWindowSecs),
		},
		Rent: escrow.RentPolicy{
			Token:  c.Ledger.RentToken,
			Escrow: c.Ledger.EscrowRent,
			Bond:   c.Ledger.BondRent,
		},
	}
	if err := params.Validate(); err != nil {
		return escrow.Params{}, err
	}
	return params, nil
}

// PauseSet returns the runtime pause switches seeded from the config.
func (c *Config) PauseSet() *nativecommon.PauseSet {
	set := nativecommon.NewPauseSet()
	set.Set(escrow.ModuleName, c.Pauses.Escrow)
	return set
}

// EscrowQuota returns the per-caller quota applied by the dispatcher.
func (c *Config) EscrowQuota() nativecommon.Quota {
	return nativecommon.Quota{
		MaxRequestsPerEpoch: c.Quota.MaxRequestsPerEpoch,
		MaxValuePerEpoch:    c.Quota.MaxValuePerEpoch,
		EpochSeconds:        c.Quota.EpochSeconds,
	}
}

func seconds(v uint64) time.Duration {
	return time.Duration(v) * time.Second
}
