package dispatch

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/Panmoni/yapbay-sub000/core/types"
	"github.com/Panmoni/yapbay-sub000/crypto"
	nativecommon "github.com/Panmoni/yapbay-sub000/native/common"
	"github.com/Panmoni/yapbay-sub000/native/escrow"
)

// Kind names a ledger instruction on the wire.
type Kind string

const (
	KindCreate                  Kind = "create"
	KindFund                    Kind = "fund"
	KindMarkFiatPaid            Kind = "mark_fiat_paid"
	KindRelease                 Kind = "release"
	KindCancel                  Kind = "cancel"
	KindUpdateSequentialAddress Kind = "update_sequential_address"
	KindInitializeBondAccount   Kind = "initialize_bond_account"
	KindOpenDispute             Kind = "open_dispute"
	KindRespondToDispute        Kind = "respond_to_dispute"
	KindResolveDispute          Kind = "resolve_dispute"
	KindDefaultJudgment         Kind = "default_judgment"
)

var (
	ErrUnknownInstruction = errors.New("dispatch: unknown instruction")
	ErrInvalidRequest     = errors.New("dispatch: invalid request")
	ErrRateLimited        = errors.New("dispatch: rate limited")
)

// Instruction is the transport envelope of one ledger instruction. Caller is
// the identity already authenticated by the transport.
type Instruction struct {
	RequestID string `json:"requestId,omitempty"`
	Kind      Kind   `json:"kind"`
	Caller    string `json:"caller"`
	EscrowID  uint64 `json:"escrowId"`
	TradeID   uint64 `json:"tradeId"`

	Amount            uint64 `json:"amount,omitempty"`
	Buyer             string `json:"buyer,omitempty"`
	Arbitrator        string `json:"arbitrator,omitempty"`
	Sequential        bool   `json:"sequential,omitempty"`
	SequentialAddress string `json:"sequentialAddress,omitempty"`

	Party      string `json:"party,omitempty"`
	Evidence   string `json:"evidence,omitempty"`
	Resolution string `json:"resolution,omitempty"`
	BuyerWins  bool   `json:"buyerWins,omitempty"`

	// amountErr holds a wire amount that has no uint64 form (negative,
	// fractional or too large). Create reports it as the engine would.
	amountErr error
}

// UnmarshalJSON accepts any JSON number for amount so that out-of-range
// values surface as amount errors rather than decoding failures.
func (i *Instruction) UnmarshalJSON(data []byte) error {
	type plain Instruction
	aux := struct {
		*plain
		Amount json.Number `json:"amount,omitempty"`
	}{plain: (*plain)(i)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	i.Amount, i.amountErr = decodeAmount(aux.Amount)
	return nil
}

func decodeAmount(n json.Number) (uint64, error) {
	if n == "" {
		return 0, nil
	}
	v, ok := new(big.Float).SetPrec(256).SetString(n.String())
	if !ok {
		return 0, fmt.Errorf("%w: amount %q", escrow.ErrInvalidAmount, n)
	}
	if v.Sign() <= 0 {
		return 0, fmt.Errorf("%w: amount %s must be positive", escrow.ErrInvalidAmount, n)
	}
	if !v.IsInt() {
		return 0, fmt.Errorf("%w: amount %s must be whole base units", escrow.ErrInvalidAmount, n)
	}
	whole, _ := v.Int(nil)
	if !whole.IsUint64() {
		return 0, fmt.Errorf("%w: amount %s", escrow.ErrExceedsMaximum, n)
	}
	return whole.Uint64(), nil
}

// Ref returns the escrow identifiers carried by the instruction.
func (i Instruction) Ref() escrow.Ref {
	return escrow.Ref{EscrowID: i.EscrowID, TradeID: i.TradeID}
}

// Outcome is the transport response for one instruction.
type Outcome struct {
	RequestID string         `json:"requestId,omitempty"`
	Kind      Kind           `json:"kind"`
	EscrowID  uint64         `json:"escrowId"`
	TradeID   uint64         `json:"tradeId"`
	OK        bool           `json:"ok"`
	State     string         `json:"state,omitempty"`
	Escrow    *EscrowJSON    `json:"escrow,omitempty"`
	Events    []*types.Event `json:"events,omitempty"`
	ErrorKind string         `json:"errorKind,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// EscrowJSON renders an escrow record for transport clients.
type EscrowJSON struct {
	EscrowID          string  `json:"escrowId"`
	TradeID           string  `json:"tradeId"`
	Seller            string  `json:"seller"`
	Buyer             string  `json:"buyer"`
	Arbitrator        string  `json:"arbitrator"`
	Custody           string  `json:"custody"`
	Amount            string  `json:"amount"`
	Fee               string  `json:"fee"`
	TrackedBalance    string  `json:"trackedBalance"`
	State             string  `json:"state"`
	DepositDeadline   int64   `json:"depositDeadline"`
	FiatDeadline      int64   `json:"fiatDeadline"`
	FiatPaid          bool    `json:"fiatPaid"`
	Sequential        bool    `json:"sequential"`
	SequentialAddress *string `json:"sequentialAddress,omitempty"`
	Counter           uint64  `json:"counter"`
	CreatedAt         int64   `json:"createdAt"`

	DisputeInitiator      *string `json:"disputeInitiator,omitempty"`
	DisputeInitiatedAt    int64   `json:"disputeInitiatedAt,omitempty"`
	DisputeRespondedAt    int64   `json:"disputeRespondedAt,omitempty"`
	DisputeEvidenceBuyer  string  `json:"disputeEvidenceBuyer,omitempty"`
	DisputeEvidenceSeller string  `json:"disputeEvidenceSeller,omitempty"`
}

// FormatEscrow converts a record into its transport form.
func FormatEscrow(rec *escrow.Escrow) *EscrowJSON {
	if rec == nil {
		return nil
	}
	out := &EscrowJSON{
		EscrowID:              strconv.FormatUint(rec.EscrowID, 10),
		TradeID:               strconv.FormatUint(rec.TradeID, 10),
		Seller:                rec.Seller.String(),
		Buyer:                 rec.Buyer.String(),
		Arbitrator:            rec.Arbitrator.String(),
		Custody:               rec.Custody().String(),
		Amount:                strconv.FormatUint(rec.Amount, 10),
		Fee:                   strconv.FormatUint(rec.Fee, 10),
		TrackedBalance:        strconv.FormatUint(rec.TrackedBalance, 10),
		State:                 rec.State.String(),
		DepositDeadline:       rec.DepositDeadline,
		FiatDeadline:          rec.FiatDeadline,
		FiatPaid:              rec.FiatPaid,
		Sequential:            rec.Sequential,
		Counter:               rec.Counter,
		CreatedAt:             rec.CreatedAt,
		DisputeInitiatedAt:    rec.DisputeInitiatedAt,
		DisputeRespondedAt:    rec.DisputeRespondedAt,
		DisputeEvidenceBuyer:  formatDigest(rec.EvidenceOf(escrow.PartyBuyer)),
		DisputeEvidenceSeller: formatDigest(rec.EvidenceOf(escrow.PartySeller)),
	}
	if !rec.SequentialAddress.IsZero() {
		addr := rec.SequentialAddress.String()
		out.SequentialAddress = &addr
	}
	if rec.Disputed() {
		addr := rec.DisputeInitiator.String()
		out.DisputeInitiator = &addr
	}
	return out
}

func formatDigest(digest [32]byte) string {
	if digest == ([32]byte{}) {
		return ""
	}
	return hex.EncodeToString(digest[:])
}

func parseAddress(field, value string) (crypto.Address, error) {
	addr, err := crypto.ParseAddress(value)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: %s: %v", escrow.ErrInvalidAddress, field, err)
	}
	return addr, nil
}

// parseOptionalAddress returns the zero address for an empty value.
func parseOptionalAddress(field, value string) (crypto.Address, error) {
	if strings.TrimSpace(value) == "" {
		return crypto.Address{}, nil
	}
	return parseAddress(field, value)
}

// parseDigest decodes a 32-byte hex digest, with or without 0x prefix.
func parseDigest(field, value string) ([32]byte, error) {
	var out [32]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil || len(raw) != len(out) {
		return out, fmt.Errorf("%w: %s must be 32 hex-encoded bytes", escrow.ErrInvalidEvidenceHash, field)
	}
	copy(out[:], raw)
	return out, nil
}

// ErrorKind extends escrow.ErrorKind with the transport-level failures.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnknownInstruction):
		return "unknown_instruction"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, nativecommon.ErrQuotaRequestsExceeded),
		errors.Is(err, nativecommon.ErrQuotaValueCapExceeded),
		errors.Is(err, nativecommon.ErrQuotaCounterOverflow):
		return "quota_exceeded"
	}
	return escrow.ErrorKind(err)
}
