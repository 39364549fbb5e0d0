package escrow

import (
	"fmt"
	"strings"

	"github.com/Panmoni/yapbay-sub000/core/types"
	"github.com/Panmoni/yapbay-sub000/crypto"
)

// State represents the lifecycle states of an escrow.
type State uint8

const (
	StateCreated State = iota
	StateFunded
	StateReleased
	StateCancelled
	StateDisputed
	StateResolved
)

var stateNames = map[State]string{
	StateCreated:   "created",
	StateFunded:    "funded",
	StateReleased:  "released",
	StateCancelled: "cancelled",
	StateDisputed:  "disputed",
	StateResolved:  "resolved",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Valid reports whether the state value is within the supported range.
func (s State) Valid() bool {
	_, ok := stateNames[s]
	return ok
}

// Terminal reports whether the state closes the escrow.
func (s State) Terminal() bool {
	return s == StateReleased || s == StateCancelled || s == StateResolved
}

// ParseState converts a state name back to its value.
func ParseState(name string) (State, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for state, candidate := range stateNames {
		if candidate == normalized {
			return state, nil
		}
	}
	return 0, fmt.Errorf("escrow: unknown state %q", name)
}

// Party names the side of the trade a bond or dispute belongs to.
type Party uint8

const (
	PartyBuyer Party = iota + 1
	PartySeller
)

func (p Party) String() string {
	switch p {
	case PartyBuyer:
		return "buyer"
	case PartySeller:
		return "seller"
	default:
		return fmt.Sprintf("party(%d)", uint8(p))
	}
}

// Valid reports whether p is buyer or seller.
func (p Party) Valid() bool { return p == PartyBuyer || p == PartySeller }

// Counterparty returns the other side of the trade.
func (p Party) Counterparty() Party {
	if p == PartyBuyer {
		return PartySeller
	}
	return PartyBuyer
}

// ParseParty accepts "buyer" or "seller".
func ParseParty(name string) (Party, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "buyer":
		return PartyBuyer, nil
	case "seller":
		return PartySeller, nil
	default:
		return 0, fmt.Errorf("escrow: unknown party %q", name)
	}
}

// Ref identifies an escrow by its externally assigned identifiers.
type Ref struct {
	EscrowID uint64 `json:"escrowId"`
	TradeID  uint64 `json:"tradeId"`
}

func (r Ref) String() string {
	return fmt.Sprintf("%d/%d", r.EscrowID, r.TradeID)
}

// Escrow is the custody record governing one trade leg's held funds.
type Escrow struct {
	EscrowID   uint64
	TradeID    uint64
	Key        [32]byte
	Seller     crypto.Address
	Buyer      crypto.Address
	Arbitrator crypto.Address

	Amount         uint64
	Fee            uint64
	TrackedBalance uint64
	State          State

	DepositDeadline int64
	FiatDeadline    int64
	FiatPaid        bool

	Sequential        bool
	SequentialAddress crypto.Address

	Counter   uint64
	CreatedAt int64
	RentPayer crypto.Address
	Rent      uint64

	DisputeInitiator      crypto.Address
	DisputeInitiatedAt    int64
	DisputeRespondedAt    int64
	DisputeEvidenceBuyer  [32]byte
	DisputeEvidenceSeller [32]byte
	DisputeResolutionHash [32]byte
}

// Ref returns the identifiers of the escrow.
func (e *Escrow) Ref() Ref {
	return Ref{EscrowID: e.EscrowID, TradeID: e.TradeID}
}

// Clone returns a copy of the escrow so callers can mutate it without
// affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	return &clone
}

// PartyOf reports which side of the trade addr is on.
func (e *Escrow) PartyOf(addr crypto.Address) (Party, bool) {
	switch addr {
	case e.Buyer:
		return PartyBuyer, true
	case e.Seller:
		return PartySeller, true
	default:
		return 0, false
	}
}

// AddressOf returns the identity for the given side of the trade.
func (e *Escrow) AddressOf(p Party) crypto.Address {
	if p == PartyBuyer {
		return e.Buyer
	}
	return e.Seller
}

// EvidenceOf returns the evidence hash recorded for a party.
func (e *Escrow) EvidenceOf(p Party) [32]byte {
	if p == PartyBuyer {
		return e.DisputeEvidenceBuyer
	}
	return e.DisputeEvidenceSeller
}

func (e *Escrow) setEvidence(p Party, hash [32]byte) {
	if p == PartyBuyer {
		e.DisputeEvidenceBuyer = hash
		return
	}
	e.DisputeEvidenceSeller = hash
}

// Disputed reports whether a dispute has been opened on the escrow.
func (e *Escrow) Disputed() bool {
	return !e.DisputeInitiator.IsZero()
}

// Custody returns the address holding the escrow's tokens.
func (e *Escrow) Custody() crypto.Address { return CustodyAddress(e.Key) }

// SanitizeEscrow validates the supplied escrow definition, returning a clone.
// The function does not mutate the original value.
func SanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("nil escrow")
	}
	clone := e.Clone()
	if !clone.State.Valid() {
		return nil, fmt.Errorf("invalid escrow state: %d", clone.State)
	}
	if clone.Key != EscrowKey(clone.Ref()) {
		return nil, fmt.Errorf("escrow key does not match identifiers %s", clone.Ref())
	}
	if clone.Seller.IsZero() || clone.Buyer.IsZero() || clone.Arbitrator.IsZero() {
		return nil, fmt.Errorf("escrow parties must be set")
	}
	return clone, nil
}

// BondAccount holds the collateral one party staked on a dispute.
type BondAccount struct {
	EscrowKey [32]byte
	Party     Party
	Owner     crypto.Address
	Balance   uint64
	CreatedAt int64
	RentPayer crypto.Address
	Rent      uint64
}

// Address returns the custody address of the bond.
func (b *BondAccount) Address() crypto.Address { return BondAddress(b.EscrowKey, b.Party) }

// Clone returns a copy of the bond account.
func (b *BondAccount) Clone() *BondAccount {
	if b == nil {
		return nil
	}
	clone := *b
	return &clone
}

// Tombstone records the terminal state of a closed escrow. Its presence
// blocks reuse of the identifier pair.
type Tombstone struct {
	Key      [32]byte
	State    State
	ClosedAt int64
}

// Receipt is returned by every successful instruction.
type Receipt struct {
	Ref Ref
	// State after the instruction. For closed escrows this is the terminal state.
	State State
	// Escrow is the post-instruction snapshot, nil once the escrow is closed.
	Escrow *Escrow
	Events []*types.Event
}
