package escrow

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/Panmoni/yapbay-sub000/core/events"
	"github.com/Panmoni/yapbay-sub000/core/types"
	"github.com/Panmoni/yapbay-sub000/crypto"
	nativecommon "github.com/Panmoni/yapbay-sub000/native/common"
)

// ModuleName is the pause-guard key of the escrow ledger.
const ModuleName = "escrow"

const (
	DefaultToken      = "USDC"
	DefaultRentToken  = "SOL"
	DefaultEscrowRent = 2_039_280
	DefaultBondRent   = 1_461_600

	lockStripes = 256
)

// RentPolicy prices the storage an escrow or bond record occupies. Rent is
// taken from whoever creates the record and refunded to them on close.
type RentPolicy struct {
	Token  string
	Escrow uint64
	Bond   uint64
}

// Params is the immutable configuration of an Engine.
type Params struct {
	Arbitrator crypto.Address
	Token      string
	Policy     AmountPolicy
	Clock      DeadlineClock
	Rent       RentPolicy
}

// DefaultParams returns the platform defaults bound to arbitrator.
func DefaultParams(arbitrator crypto.Address) Params {
	return Params{
		Arbitrator: arbitrator,
		Token:      DefaultToken,
		Policy:     DefaultAmountPolicy(),
		Clock:      DefaultDeadlineClock(),
		Rent: RentPolicy{
			Token:  DefaultRentToken,
			Escrow: DefaultEscrowRent,
			Bond:   DefaultBondRent,
		},
	}
}

// Validate checks the parameters before an engine is built from them.
func (p Params) Validate() error {
	if p.Arbitrator.IsZero() {
		return fmt.Errorf("%w: arbitrator must be set", ErrInvalidAddress)
	}
	if strings.TrimSpace(p.Token) == "" {
		return fmt.Errorf("escrow params: token must be set")
	}
	if err := p.Policy.Validate(); err != nil {
		return err
	}
	if err := p.Clock.Validate(); err != nil {
		return err
	}
	if (p.Rent.Escrow > 0 || p.Rent.Bond > 0) && strings.TrimSpace(p.Rent.Token) == "" {
		return fmt.Errorf("escrow params: rent token must be set when rent is charged")
	}
	return nil
}

// Engine executes escrow instructions. Instructions touching the same escrow
// are linearised by a striped lock; instructions on different escrows run in
// parallel and only meet at the state commit.
type Engine struct {
	params  Params
	state   Store
	emitter events.Emitter
	pauses  nativecommon.PauseView
	nowFn   func() int64
	locks   [lockStripes]sync.Mutex
}

// NewEngine creates an engine with a no-op emitter. The state backend must be
// supplied with SetState before instructions are accepted.
func NewEngine(params Params) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	params.Token = strings.ToUpper(strings.TrimSpace(params.Token))
	params.Rent.Token = strings.ToUpper(strings.TrimSpace(params.Rent.Token))
	return &Engine{
		params:  params,
		emitter: events.NoopEmitter{},
		nowFn:   params.Clock.Now,
	}, nil
}

// Params returns the configuration the engine was built with.
func (e *Engine) Params() Params { return e.params }

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state Store) { e.state = state }

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetPauses wires the module pause view consulted before value enters
// custody.
func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = e.params.Clock.Now
		return
	}
	e.nowFn = now
}

func (e *Engine) now() int64 {
	if e.nowFn == nil {
		return e.params.Clock.Now()
	}
	return e.nowFn()
}

func (e *Engine) guard() error {
	if err := nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return ErrModulePaused
	}
	return nil
}

func (e *Engine) lockFor(key [32]byte) *sync.Mutex {
	return &e.locks[key[0]]
}

// pending collects the outcome of one instruction while it is staged.
type pending struct {
	ref    Ref
	key    [32]byte
	now    int64
	record *Escrow
	final  State
	events []events.Event
}

func (p *pending) emit(evt events.Event) { p.events = append(p.events, evt) }

// primary records the instruction's own event ahead of anything emitted while
// staging it, such as a lazily created bond account.
func (p *pending) primary(evt events.Event) {
	p.events = append([]events.Event{evt}, p.events...)
}

// keep records the post-instruction snapshot of a live escrow.
func (p *pending) keep(rec *Escrow) {
	p.record = rec
	p.final = rec.State
}

// closed records that the escrow reached a terminal state.
func (p *pending) closed(final State) {
	p.record = nil
	p.final = final
}

func (e *Engine) execute(ref Ref, fn func(tx Txn, p *pending) error) (*Receipt, error) {
	if e.state == nil {
		return nil, errNilState
	}
	key := EscrowKey(ref)
	mu := e.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	p := &pending{ref: ref, key: key, now: e.now()}
	err := e.state.Update(func(tx Txn) error {
		p.events = p.events[:0]
		return fn(tx, p)
	})
	if err != nil {
		return nil, err
	}
	return e.publish(p), nil
}

// publish hands committed events to the emitter and builds the receipt.
// Events[0] is always the instruction's primary event. Any that follow are
// supplementary: EscrowBalanceChanged when custody value moved and
// BondAccountInitialized when a dispute created a bond slot.
func (e *Engine) publish(p *pending) *Receipt {
	receipt := &Receipt{Ref: p.ref, State: p.final, Escrow: p.record.Clone()}
	receipt.Events = make([]*types.Event, 0, len(p.events))
	for _, evt := range p.events {
		receipt.Events = append(receipt.Events, evt.Event())
		e.emitter.Emit(evt)
	}
	return receipt
}

func amountOf(v uint64) *big.Int { return new(big.Int).SetUint64(v) }

func loadLive(tx Txn, key [32]byte, ref Ref) (*Escrow, error) {
	rec, ok, err := tx.EscrowGet(key)
	if err != nil {
		return nil, err
	}
	if ok {
		return rec, nil
	}
	_, closed, err := tx.EscrowTombstone(key)
	if err != nil {
		return nil, err
	}
	if closed {
		return nil, fmt.Errorf("%w: %s", ErrEscrowClosed, ref)
	}
	return nil, fmt.Errorf("%w: %s", ErrEscrowNotFound, ref)
}

// hasSellerAuthority reports whether caller may release or cancel.
func (e *Engine) hasSellerAuthority(rec *Escrow, caller crypto.Address) bool {
	return caller == rec.Seller || caller == rec.Arbitrator
}

func (e *Engine) balanceChanged(p *pending, rec *Escrow, previous uint64, reason string) {
	p.emit(events.EscrowBalanceChanged{
		EscrowID:  rec.EscrowID,
		TradeID:   rec.TradeID,
		Previous:  previous,
		Balance:   rec.TrackedBalance,
		Reason:    reason,
		Timestamp: p.now,
	})
}

// closeEscrow refunds the record's rent and replaces it with a tombstone.
// Custody must already be drained. Bond slots still open are returned to
// their owners.
func (e *Engine) closeEscrow(tx Txn, p *pending, rec *Escrow, final State) error {
	if rec.TrackedBalance != 0 {
		return fmt.Errorf("escrow %s: tracked balance %d at close", rec.Ref(), rec.TrackedBalance)
	}
	for _, party := range []Party{PartyBuyer, PartySeller} {
		if _, err := e.settleBond(tx, rec, party, rec.AddressOf(party)); err != nil {
			return err
		}
	}
	if err := tx.Transfer(StorageAddress(rec.Key), rec.RentPayer, e.params.Rent.Token, amountOf(rec.Rent)); err != nil {
		return err
	}
	if err := tx.EscrowClose(rec.Key, final, p.now); err != nil {
		return err
	}
	p.closed(final)
	return nil
}

// CreateParams describes a new escrow. The caller of Create is the seller.
type CreateParams struct {
	Ref
	Amount            uint64
	Buyer             crypto.Address
	Sequential        bool
	SequentialAddress crypto.Address
	// Arbitrator may be left zero. When set it must name the configured
	// platform arbitrator.
	Arbitrator crypto.Address
}

// Create allocates escrow storage in the Created state. No principal moves;
// the seller pays the storage rent.
func (e *Engine) Create(caller crypto.Address, params CreateParams) (*Receipt, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	seller := caller
	if seller.IsZero() || params.Buyer.IsZero() {
		return nil, fmt.Errorf("%w: seller and buyer must be set", ErrInvalidAddress)
	}
	if seller == params.Buyer {
		return nil, fmt.Errorf("%w: seller and buyer must differ", ErrInvalidAddress)
	}
	if !params.Arbitrator.IsZero() && params.Arbitrator != e.params.Arbitrator {
		return nil, fmt.Errorf("%w: arbitrator is fixed by the platform", ErrUnauthorized)
	}
	if seller == e.params.Arbitrator || params.Buyer == e.params.Arbitrator {
		return nil, fmt.Errorf("%w: arbitrator cannot be a trade party", ErrInvalidAddress)
	}
	if err := e.params.Policy.CheckAmount(params.Amount); err != nil {
		return nil, err
	}
	if !params.Sequential && !params.SequentialAddress.IsZero() {
		return nil, fmt.Errorf("%w: sequential address on a non-sequential escrow", ErrInvalidAddress)
	}
	return e.execute(params.Ref, func(tx Txn, p *pending) error {
		rec := &Escrow{
			EscrowID:          params.EscrowID,
			TradeID:           params.TradeID,
			Key:               p.key,
			Seller:            seller,
			Buyer:             params.Buyer,
			Arbitrator:        e.params.Arbitrator,
			Amount:            params.Amount,
			Fee:               e.params.Policy.Fee(params.Amount),
			State:             StateCreated,
			DepositDeadline:   e.params.Clock.DepositDeadline(p.now),
			Sequential:        params.Sequential,
			SequentialAddress: params.SequentialAddress,
			CreatedAt:         p.now,
			RentPayer:         seller,
			Rent:              e.params.Rent.Escrow,
		}
		if err := tx.EscrowCreate(rec); err != nil {
			return err
		}
		if err := tx.Transfer(seller, StorageAddress(rec.Key), e.params.Rent.Token, amountOf(rec.Rent)); err != nil {
			return err
		}
		p.keep(rec)
		p.emit(events.EscrowCreated{
			EscrowID:          rec.EscrowID,
			TradeID:           rec.TradeID,
			Seller:            rec.Seller,
			Buyer:             rec.Buyer,
			Arbitrator:        rec.Arbitrator,
			Amount:            rec.Amount,
			Fee:               rec.Fee,
			DepositDeadline:   rec.DepositDeadline,
			Sequential:        rec.Sequential,
			SequentialAddress: rec.SequentialAddress,
			Timestamp:         p.now,
		})
		return nil
	})
}

// Fund moves amount+fee from the seller into escrow custody.
func (e *Engine) Fund(caller crypto.Address, ref Ref) (*Receipt, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	return e.execute(ref, func(tx Txn, p *pending) error {
		rec, err := loadLive(tx, p.key, ref)
		if err != nil {
			return err
		}
		if caller != rec.Seller {
			return fmt.Errorf("%w: only the seller funds %s", ErrUnauthorized, ref)
		}
		switch rec.State {
		case StateCreated:
		case StateFunded, StateDisputed:
			return fmt.Errorf("%w: escrow %s already funded", ErrAlreadyInUse, ref)
		default:
			return fmt.Errorf("%w: cannot fund in state %s", ErrInvalidStateTransition, rec.State)
		}
		if Expired(rec.DepositDeadline, p.now) {
			return fmt.Errorf("%w: deposit deadline %d passed", ErrDeadlineExpired, rec.DepositDeadline)
		}
		total := rec.Amount + rec.Fee
		if err := tx.Transfer(rec.Seller, rec.Custody(), e.params.Token, amountOf(total)); err != nil {
			return err
		}
		previous := rec.TrackedBalance
		rec.TrackedBalance = total
		rec.State = StateFunded
		rec.FiatDeadline = e.params.Clock.FiatDeadline(p.now)
		rec.Counter++
		if err := tx.EscrowPut(rec); err != nil {
			return err
		}
		p.keep(rec)
		p.emit(events.FundsDeposited{
			EscrowID:     rec.EscrowID,
			TradeID:      rec.TradeID,
			Seller:       rec.Seller,
			Amount:       rec.Amount,
			Fee:          rec.Fee,
			Counter:      rec.Counter,
			FiatDeadline: rec.FiatDeadline,
			Timestamp:    p.now,
		})
		e.balanceChanged(p, rec, previous, "funded")
		return nil
	})
}

// MarkFiatPaid records the buyer's confirmation that fiat was sent. Repeating
// the call once the flag is set succeeds without emitting anything.
func (e *Engine) MarkFiatPaid(caller crypto.Address, ref Ref) (*Receipt, error) {
	return e.execute(ref, func(tx Txn, p *pending) error {
		rec, err := loadLive(tx, p.key, ref)
		if err != nil {
			return err
		}
		if caller != rec.Buyer {
			return fmt.Errorf("%w: only the buyer marks fiat paid on %s", ErrUnauthorized, ref)
		}
		if rec.State != StateFunded {
			return fmt.Errorf("%w: cannot mark fiat paid in state %s", ErrInvalidStateTransition, rec.State)
		}
		if rec.FiatPaid {
			p.keep(rec)
			return nil
		}
		if Expired(rec.FiatDeadline, p.now) {
			return fmt.Errorf("%w: fiat deadline %d passed", ErrDeadlineExpired, rec.FiatDeadline)
		}
		rec.FiatPaid = true
		if err := tx.EscrowPut(rec); err != nil {
			return err
		}
		p.keep(rec)
		p.emit(events.FiatMarkedPaid{
			EscrowID:  rec.EscrowID,
			TradeID:   rec.TradeID,
			Buyer:     rec.Buyer,
			Timestamp: p.now,
		})
		return nil
	})
}

// Release pays the principal to the buyer, or to the sequential address, and
// the fee to the arbitrator, then closes the escrow.
func (e *Engine) Release(caller crypto.Address, ref Ref) (*Receipt, error) {
	return e.execute(ref, func(tx Txn, p *pending) error {
		rec, err := loadLive(tx, p.key, ref)
		if err != nil {
			return err
		}
		if !e.hasSellerAuthority(rec, caller) {
			return fmt.Errorf("%w: release of %s requires seller authority", ErrUnauthorized, ref)
		}
		if rec.State != StateFunded {
			return fmt.Errorf("%w: cannot release in state %s", ErrInvalidStateTransition, rec.State)
		}
		if !rec.FiatPaid {
			return fmt.Errorf("%w: fiat not marked paid", ErrInvalidStateTransition)
		}
		recipient := rec.Buyer
		if rec.Sequential {
			if rec.SequentialAddress.IsZero() {
				return fmt.Errorf("%w: sequential address not set", ErrInvalidAddress)
			}
			recipient = rec.SequentialAddress
		}
		custody := rec.Custody()
		if err := tx.Transfer(custody, recipient, e.params.Token, amountOf(rec.Amount)); err != nil {
			return err
		}
		if err := tx.Transfer(custody, rec.Arbitrator, e.params.Token, amountOf(rec.Fee)); err != nil {
			return err
		}
		previous := rec.TrackedBalance
		rec.TrackedBalance = 0
		rec.State = StateReleased
		if err := e.closeEscrow(tx, p, rec, StateReleased); err != nil {
			return err
		}
		p.emit(events.EscrowReleased{
			EscrowID:   rec.EscrowID,
			TradeID:    rec.TradeID,
			Caller:     caller,
			Recipient:  recipient,
			Arbitrator: rec.Arbitrator,
			Amount:     rec.Amount,
			Fee:        rec.Fee,
			Sequential: rec.Sequential,
			Timestamp:  p.now,
		})
		e.balanceChanged(p, rec, previous, "released")
		return nil
	})
}

// Cancel closes an escrow whose fiat leg was never confirmed, refunding any
// deposit to the seller in full. The arbitrator may only cancel once the
// deadline of the current phase has lapsed.
func (e *Engine) Cancel(caller crypto.Address, ref Ref) (*Receipt, error) {
	return e.execute(ref, func(tx Txn, p *pending) error {
		rec, err := loadLive(tx, p.key, ref)
		if err != nil {
			return err
		}
		if !e.hasSellerAuthority(rec, caller) {
			return fmt.Errorf("%w: cancel of %s requires seller authority", ErrUnauthorized, ref)
		}
		if rec.FiatPaid {
			return fmt.Errorf("%w: cannot cancel after fiat was marked paid", ErrInvalidStateTransition)
		}
		var deadline int64
		switch rec.State {
		case StateCreated:
			deadline = rec.DepositDeadline
		case StateFunded:
			deadline = rec.FiatDeadline
		default:
			return fmt.Errorf("%w: cannot cancel in state %s", ErrInvalidStateTransition, rec.State)
		}
		if caller != rec.Seller && !Expired(deadline, p.now) {
			return fmt.Errorf("%w: arbitrator may cancel after %d", ErrDeadlineNotReached, deadline)
		}
		funded := rec.State == StateFunded
		previous := rec.TrackedBalance
		if funded {
			if err := tx.Transfer(rec.Custody(), rec.Seller, e.params.Token, amountOf(previous)); err != nil {
				return err
			}
			rec.TrackedBalance = 0
		}
		rec.State = StateCancelled
		if err := e.closeEscrow(tx, p, rec, StateCancelled); err != nil {
			return err
		}
		p.emit(events.EscrowCancelled{
			EscrowID:  rec.EscrowID,
			TradeID:   rec.TradeID,
			Caller:    caller,
			Seller:    rec.Seller,
			Refunded:  previous,
			Funded:    funded,
			Timestamp: p.now,
		})
		if funded {
			e.balanceChanged(p, rec, previous, "cancelled")
		}
		return nil
	})
}

// UpdateSequentialAddress redirects the release destination of a sequential
// escrow.
func (e *Engine) UpdateSequentialAddress(caller crypto.Address, ref Ref, next crypto.Address) (*Receipt, error) {
	if next.IsZero() {
		return nil, fmt.Errorf("%w: sequential address must be set", ErrInvalidAddress)
	}
	return e.execute(ref, func(tx Txn, p *pending) error {
		rec, err := loadLive(tx, p.key, ref)
		if err != nil {
			return err
		}
		if caller != rec.Buyer {
			return fmt.Errorf("%w: only the buyer updates the sequential address of %s", ErrUnauthorized, ref)
		}
		if !rec.Sequential {
			return fmt.Errorf("%w: escrow %s is not sequential", ErrInvalidStateTransition, ref)
		}
		previous := rec.SequentialAddress
		rec.SequentialAddress = next
		if err := tx.EscrowPut(rec); err != nil {
			return err
		}
		p.keep(rec)
		p.emit(events.SequentialAddressUpdated{
			EscrowID:  rec.EscrowID,
			TradeID:   rec.TradeID,
			Buyer:     rec.Buyer,
			Previous:  previous,
			Next:      next,
			Timestamp: p.now,
		})
		return nil
	})
}

// Escrow returns the live record for ref.
func (e *Engine) Escrow(ref Ref) (*Escrow, error) {
	if e.state == nil {
		return nil, errNilState
	}
	var out *Escrow
	err := e.state.View(func(tx Txn) error {
		rec, err := loadLive(tx, EscrowKey(ref), ref)
		if err != nil {
			return err
		}
		out = rec
		return nil
	})
	return out, err
}

// Status returns the state of ref, including the terminal state of a closed
// escrow.
func (e *Engine) Status(ref Ref) (State, error) {
	if e.state == nil {
		return 0, errNilState
	}
	var out State
	err := e.state.View(func(tx Txn) error {
		key := EscrowKey(ref)
		rec, ok, err := tx.EscrowGet(key)
		if err != nil {
			return err
		}
		if ok {
			out = rec.State
			return nil
		}
		tomb, ok, err := tx.EscrowTombstone(key)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrEscrowNotFound, ref)
		}
		out = tomb.State
		return nil
	})
	return out, err
}
