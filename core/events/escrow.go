package events

import (
	"strconv"

	"github.com/Panmoni/yapbay-sub000/core/types"
	"github.com/Panmoni/yapbay-sub000/crypto"
)

const (
	TypeEscrowCreated            = "escrow.created"
	TypeFundsDeposited           = "escrow.funds_deposited"
	TypeFiatMarkedPaid           = "escrow.fiat_marked_paid"
	TypeEscrowReleased           = "escrow.released"
	TypeEscrowCancelled          = "escrow.cancelled"
	TypeDisputeOpened            = "escrow.dispute_opened"
	TypeDisputeResponseSubmitted = "escrow.dispute_response_submitted"
	TypeDisputeResolved          = "escrow.dispute_resolved"
	TypeSequentialAddressUpdated = "escrow.sequential_address_updated"
	TypeEscrowBalanceChanged     = "escrow.balance_changed"
	TypeBondAccountInitialized   = "escrow.bond_account_initialized"
)

type EscrowCreated struct {
	EscrowID          uint64
	TradeID           uint64
	Seller            crypto.Address
	Buyer             crypto.Address
	Arbitrator        crypto.Address
	Amount            uint64
	Fee               uint64
	DepositDeadline   int64
	Sequential        bool
	SequentialAddress crypto.Address
	Timestamp         int64
}

func (EscrowCreated) EventType() string { return TypeEscrowCreated }

func (e EscrowCreated) Event() *types.Event {
	attrs := refAttrs(e.EscrowID, e.TradeID, e.Timestamp)
	attrs["seller"] = addr(e.Seller)
	attrs["buyer"] = addr(e.Buyer)
	attrs["arbitrator"] = addr(e.Arbitrator)
	attrs["amount"] = u64(e.Amount)
	attrs["fee"] = u64(e.Fee)
	attrs["depositDeadline"] = i64(e.DepositDeadline)
	attrs["sequential"] = strconv.FormatBool(e.Sequential)
	if !e.SequentialAddress.IsZero() {
		attrs["sequentialAddress"] = addr(e.SequentialAddress)
	}
	return &types.Event{Type: TypeEscrowCreated, Attributes: attrs}
}

type FundsDeposited struct {
	EscrowID     uint64
	TradeID      uint64
	Seller       crypto.Address
	Amount       uint64
	Fee          uint64
	Counter      uint64
	FiatDeadline int64
	Timestamp    int64
}

func (FundsDeposited) EventType() string { return TypeFundsDeposited }

func (e FundsDeposited) Event() *types.Event {
	attrs := refAttrs(e.EscrowID, e.TradeID, e.Timestamp)
	attrs["seller"] = addr(e.Seller)
	attrs["amount"] = u64(e.Amount)
	attrs["fee"] = u64(e.Fee)
	attrs["total"] = u64(e.Amount + e.Fee)
	attrs["counter"] = u64(e.Counter)
	attrs["fiatDeadline"] = i64(e.FiatDeadline)
	return &types.Event{Type: TypeFundsDeposited, Attributes: attrs}
}

type FiatMarkedPaid struct {
	EscrowID  uint64
	TradeID   uint64
	Buyer     crypto.Address
	Timestamp int64
}

func (FiatMarkedPaid) EventType() string { return TypeFiatMarkedPaid }

func (e FiatMarkedPaid) Event() *types.Event {
	attrs := refAttrs(e.EscrowID, e.TradeID, e.Timestamp)
	attrs["buyer"] = addr(e.Buyer)
	return &types.Event{Type: TypeFiatMarkedPaid, Attributes: attrs}
}

type EscrowReleased struct {
	EscrowID   uint64
	TradeID    uint64
	Caller     crypto.Address
	Recipient  crypto.Address
	Arbitrator crypto.Address
	Amount     uint64
	Fee        uint64
	Sequential bool
	Timestamp  int64
}

func (EscrowReleased) EventType() string { return TypeEscrowReleased }

func (e EscrowReleased) Event() *types.Event {
	attrs := refAttrs(e.EscrowID, e.TradeID, e.Timestamp)
	attrs["caller"] = addr(e.Caller)
	attrs["recipient"] = addr(e.Recipient)
	attrs["arbitrator"] = addr(e.Arbitrator)
	attrs["amount"] = u64(e.Amount)
	attrs["fee"] = u64(e.Fee)
	attrs["sequential"] = strconv.FormatBool(e.Sequential)
	return &types.Event{Type: TypeEscrowReleased, Attributes: attrs}
}

type EscrowCancelled struct {
	EscrowID  uint64
	TradeID   uint64
	Caller    crypto.Address
	Seller    crypto.Address
	Refunded  uint64
	Funded    bool
	Timestamp int64
}

func (EscrowCancelled) EventType() string { return TypeEscrowCancelled }

func (e EscrowCancelled) Event() *types.Event {
	attrs := refAttrs(e.EscrowID, e.TradeID, e.Timestamp)
	attrs["caller"] = addr(e.Caller)
	attrs["seller"] = addr(e.Seller)
	attrs["refunded"] = u64(e.Refunded)
	attrs["funded"] = strconv.FormatBool(e.Funded)
	return &types.Event{Type: TypeEscrowCancelled, Attributes: attrs}
}

type DisputeOpened struct {
	EscrowID     uint64
	TradeID      uint64
	Initiator    crypto.Address
	Party        string
	Bond         uint64
	EvidenceHash [32]byte
	Timestamp    int64
}

func (DisputeOpened) EventType() string { return TypeDisputeOpened }

func (e DisputeOpened) Event() *types.Event {
	attrs := refAttrs(e.EscrowID, e.TradeID, e.Timestamp)
	attrs["initiator"] = addr(e.Initiator)
	attrs["party"] = e.Party
	attrs["bond"] = u64(e.Bond)
	attrs["evidenceHash"] = hash(e.EvidenceHash)
	return &types.Event{Type: TypeDisputeOpened, Attributes: attrs}
}

type DisputeResponseSubmitted struct {
	EscrowID     uint64
	TradeID      uint64
	Responder    crypto.Address
	Party        string
	Bond         uint64
	EvidenceHash [32]byte
	Timestamp    int64
}

func (DisputeResponseSubmitted) EventType() string { return TypeDisputeResponseSubmitted }

func (e DisputeResponseSubmitted) Event() *types.Event {
	attrs := refAttrs(e.EscrowID, e.TradeID, e.Timestamp)
	attrs["responder"] = addr(e.Responder)
	attrs["party"] = e.Party
	attrs["bond"] = u64(e.Bond)
	attrs["evidenceHash"] = hash(e.EvidenceHash)
	return &types.Event{Type: TypeDisputeResponseSubmitted, Attributes: attrs}
}

type DisputeResolved struct {
	EscrowID         uint64
	TradeID          uint64
	Arbitrator       crypto.Address
	Winner           string
	Recipient        crypto.Address
	RecipientPayout  uint64
	ArbitratorPayout uint64
	ResolutionHash   [32]byte
	ByDefault        bool
	Timestamp        int64
}

func (DisputeResolved) EventType() string { return TypeDisputeResolved }

func (e DisputeResolved) Event() *types.Event {
	attrs := refAttrs(e.EscrowID, e.TradeID, e.Timestamp)
	attrs["arbitrator"] = addr(e.Arbitrator)
	attrs["winner"] = e.Winner
	attrs["recipient"] = addr(e.Recipient)
	attrs["recipientPayout"] = u64(e.RecipientPayout)
	attrs["arbitratorPayout"] = u64(e.ArbitratorPayout)
	attrs["resolutionHash"] = hash(e.ResolutionHash)
	attrs["byDefault"] = strconv.FormatBool(e.ByDefault)
	return &types.Event{Type: TypeDisputeResolved, Attributes: attrs}
}

type SequentialAddressUpdated struct {
	EscrowID  uint64
	TradeID   uint64
	Buyer     crypto.Address
	Previous  crypto.Address
	Next      crypto.Address
	Timestamp int64
}

func (SequentialAddressUpdated) EventType() string { return TypeSequentialAddressUpdated }

func (e SequentialAddressUpdated) Event() *types.Event {
	attrs := refAttrs(e.EscrowID, e.TradeID, e.Timestamp)
	attrs["buyer"] = addr(e.Buyer)
	attrs["previous"] = addr(e.Previous)
	attrs["next"] = addr(e.Next)
	return &types.Event{Type: TypeSequentialAddressUpdated, Attributes: attrs}
}

// EscrowBalanceChanged accompanies every instruction that moves value into
// or out of escrow custody.
type EscrowBalanceChanged struct {
	EscrowID  uint64
	TradeID   uint64
	Previous  uint64
	Balance   uint64
	Reason    string
	Timestamp int64
}

func (EscrowBalanceChanged) EventType() string { return TypeEscrowBalanceChanged }

func (e EscrowBalanceChanged) Event() *types.Event {
	attrs := refAttrs(e.EscrowID, e.TradeID, e.Timestamp)
	attrs["previous"] = u64(e.Previous)
	attrs["balance"] = u64(e.Balance)
	attrs["reason"] = e.Reason
	return &types.Event{Type: TypeEscrowBalanceChanged, Attributes: attrs}
}

type BondAccountInitialized struct {
	EscrowID  uint64
	TradeID   uint64
	Party     string
	Owner     crypto.Address
	Account   crypto.Address
	Timestamp int64
}

func (BondAccountInitialized) EventType() string { return TypeBondAccountInitialized }

func (e BondAccountInitialized) Event() *types.Event {
	attrs := refAttrs(e.EscrowID, e.TradeID, e.Timestamp)
	attrs["party"] = e.Party
	attrs["owner"] = addr(e.Owner)
	attrs["account"] = addr(e.Account)
	return &types.Event{Type: TypeBondAccountInitialized, Attributes: attrs}
}
