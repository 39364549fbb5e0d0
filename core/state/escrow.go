package state

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/Panmoni/yapbay-sub000/crypto"
	"github.com/Panmoni/yapbay-sub000/native/escrow"
)

// storedEscrow is the RLP layout of an escrow record. RLP has no signed
// integers so timestamps are stored as uint64.
type storedEscrow struct {
	EscrowID              uint64
	TradeID               uint64
	Key                   [32]byte
	Seller                [32]byte
	Buyer                 [32]byte
	Arbitrator            [32]byte
	Amount                uint64
	Fee                   uint64
	TrackedBalance        uint64
	State                 uint8
	DepositDeadline       uint64
	FiatDeadline          uint64
	FiatPaid              bool
	Sequential            bool
	SequentialAddress     [32]byte
	Counter               uint64
	CreatedAt             uint64
	RentPayer             [32]byte
	Rent                  uint64
	DisputeInitiator      [32]byte
	DisputeInitiatedAt    uint64
	DisputeRespondedAt    uint64
	DisputeEvidenceBuyer  [32]byte
	DisputeEvidenceSeller [32]byte
	DisputeResolutionHash [32]byte
}

func newStoredEscrow(e *escrow.Escrow) *storedEscrow {
	return &storedEscrow{
		EscrowID:              e.EscrowID,
		TradeID:               e.TradeID,
		Key:                   e.Key,
		Seller:                e.Seller,
		Buyer:                 e.Buyer,
		Arbitrator:            e.Arbitrator,
		Amount:                e.Amount,
		Fee:                   e.Fee,
		TrackedBalance:        e.TrackedBalance,
		State:                 uint8(e.State),
		DepositDeadline:       uint64(e.DepositDeadline),
		FiatDeadline:          uint64(e.FiatDeadline),
		FiatPaid:              e.FiatPaid,
		Sequential:            e.Sequential,
		SequentialAddress:     e.SequentialAddress,
		Counter:               e.Counter,
		CreatedAt:             uint64(e.CreatedAt),
		RentPayer:             e.RentPayer,
		Rent:                  e.Rent,
		DisputeInitiator:      e.DisputeInitiator,
		DisputeInitiatedAt:    uint64(e.DisputeInitiatedAt),
		DisputeRespondedAt:    uint64(e.DisputeRespondedAt),
		DisputeEvidenceBuyer:  e.DisputeEvidenceBuyer,
		DisputeEvidenceSeller: e.DisputeEvidenceSeller,
		DisputeResolutionHash: e.DisputeResolutionHash,
	}
}

func (s *storedEscrow) toEscrow() (*escrow.Escrow, error) {
	out := &escrow.Escrow{
		EscrowID:              s.EscrowID,
		TradeID:               s.TradeID,
		Key:                   s.Key,
		Seller:                crypto.Address(s.Seller),
		Buyer:                 crypto.Address(s.Buyer),
		Arbitrator:            crypto.Address(s.Arbitrator),
		Amount:                s.Amount,
		Fee:                   s.Fee,
		TrackedBalance:        s.TrackedBalance,
		State:                 escrow.State(s.State),
		DepositDeadline:       int64(s.DepositDeadline),
		FiatDeadline:          int64(s.FiatDeadline),
		FiatPaid:              s.FiatPaid,
		Sequential:            s.Sequential,
		SequentialAddress:     crypto.Address(s.SequentialAddress),
		Counter:               s.Counter,
		CreatedAt:             int64(s.CreatedAt),
		RentPayer:             crypto.Address(s.RentPayer),
		Rent:                  s.Rent,
		DisputeInitiator:      crypto.Address(s.DisputeInitiator),
		DisputeInitiatedAt:    int64(s.DisputeInitiatedAt),
		DisputeRespondedAt:    int64(s.DisputeRespondedAt),
		DisputeEvidenceBuyer:  s.DisputeEvidenceBuyer,
		DisputeEvidenceSeller: s.DisputeEvidenceSeller,
		DisputeResolutionHash: s.DisputeResolutionHash,
	}
	if !out.State.Valid() {
		return nil, fmt.Errorf("escrow %s: invalid stored state %d", out.Ref(), s.State)
	}
	return out, nil
}

type storedTombstone struct {
	Key      [32]byte
	State    uint8
	ClosedAt uint64
}

type storedBond struct {
	EscrowKey [32]byte
	Party     uint8
	Owner     [32]byte
	Balance   uint64
	CreatedAt uint64
	RentPayer [32]byte
	Rent      uint64
}

func newStoredBond(b *escrow.BondAccount) *storedBond {
	return &storedBond{
		EscrowKey: b.EscrowKey,
		Party:     uint8(b.Party),
		Owner:     b.Owner,
		Balance:   b.Balance,
		CreatedAt: uint64(b.CreatedAt),
		RentPayer: b.RentPayer,
		Rent:      b.Rent,
	}
}

func (s *storedBond) toBond() (*escrow.BondAccount, error) {
	party := escrow.Party(s.Party)
	if !party.Valid() {
		return nil, fmt.Errorf("bond: invalid stored party %d", s.Party)
	}
	return &escrow.BondAccount{
		EscrowKey: s.EscrowKey,
		Party:     party,
		Owner:     crypto.Address(s.Owner),
		Balance:   s.Balance,
		CreatedAt: int64(s.CreatedAt),
		RentPayer: crypto.Address(s.RentPayer),
		Rent:      s.Rent,
	}, nil
}

func encodeEscrow(e *escrow.Escrow) ([]byte, error) {
	clean, err := escrow.SanitizeEscrow(e)
	if err != nil {
		return nil, err
	}
	return rlp.EncodeToBytes(newStoredEscrow(clean))
}

func decodeEscrow(data []byte) (*escrow.Escrow, error) {
	stored := new(storedEscrow)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, err
	}
	return stored.toEscrow()
}

func encodeTombstone(t *escrow.Tombstone) ([]byte, error) {
	return rlp.EncodeToBytes(&storedTombstone{Key: t.Key, State: uint8(t.State), ClosedAt: uint64(t.ClosedAt)})
}

func decodeTombstone(data []byte) (*escrow.Tombstone, error) {
	stored := new(storedTombstone)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, err
	}
	return &escrow.Tombstone{Key: stored.Key, State: escrow.State(stored.State), ClosedAt: int64(stored.ClosedAt)}, nil
}

func encodeBond(b *escrow.BondAccount) ([]byte, error) {
	return rlp.EncodeToBytes(newStoredBond(b))
}

func decodeBond(data []byte) (*escrow.BondAccount, error) {
	stored := new(storedBond)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, err
	}
	return stored.toBond()
}
