package escrow

import (
	"errors"
	"reflect"
	"testing"

	"github.com/Panmoni/yapbay-sub000/core/events"
	"github.com/Panmoni/yapbay-sub000/crypto"
)

func TestCreateValidatesAmount(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name   string
		amount uint64
		want   error
	}{
		{name: "zero", amount: 0, want: ErrInvalidAmount},
		{name: "over cap", amount: DefaultMaxAmount + 1, want: ErrExceedsMaximum},
	}
	for i, tc := range cases {
		_, err := f.engine.Create(testSeller, CreateParams{Ref: f.ref(uint64(i + 1)), Amount: tc.amount, Buyer: testBuyer})
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	for i, amount := range []uint64{1, 99, 100, 12_345, testAmount, DefaultMaxAmount} {
		receipt := f.create(f.ref(uint64(100+i)), amount)
		if receipt.Escrow.Fee != amount/100 {
			t.Fatalf("amount %d: expected fee %d, got %d", amount, amount/100, receipt.Escrow.Fee)
		}
		if receipt.Escrow.TrackedBalance != 0 || receipt.State != StateCreated {
			t.Fatalf("amount %d: unexpected initial record %+v", amount, receipt.Escrow)
		}
	}
}

func TestCreateRejectsBadParties(t *testing.T) {
	f := newFixture(t)
	ref := f.ref(1)
	cases := []struct {
		name   string
		caller crypto.Address
		params CreateParams
		want   error
	}{
		{"missing buyer", testSeller, CreateParams{Ref: ref, Amount: testAmount}, ErrInvalidAddress},
		{"self trade", testSeller, CreateParams{Ref: ref, Amount: testAmount, Buyer: testSeller}, ErrInvalidAddress},
		{"foreign arbitrator", testSeller, CreateParams{Ref: ref, Amount: testAmount, Buyer: testBuyer, Arbitrator: testStranger}, ErrUnauthorized},
		{"arbitrator as buyer", testSeller, CreateParams{Ref: ref, Amount: testAmount, Buyer: testArbitrator}, ErrInvalidAddress},
		{"stray sequential address", testSeller, CreateParams{Ref: ref, Amount: testAmount, Buyer: testBuyer, SequentialAddress: testNextLeg}, ErrInvalidAddress},
	}
	for _, tc := range cases {
		if _, err := f.engine.Create(tc.caller, tc.params); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	if _, err := f.engine.Create(testSeller, CreateParams{Ref: ref, Amount: testAmount, Buyer: testBuyer, Arbitrator: testArbitrator}); err != nil {
		t.Fatalf("explicit platform arbitrator should be accepted: %v", err)
	}
}

func TestCreateInitialisesRecord(t *testing.T) {
	f := newFixture(t)
	ref := f.ref(1)
	receipt := f.create(ref, testAmount)
	rec := receipt.Escrow
	if rec.Key != EscrowKey(ref) {
		t.Fatalf("record key does not match derivation")
	}
	if rec.DepositDeadline != testStart+int64(DefaultDepositWindow.Seconds()) {
		t.Fatalf("unexpected deposit deadline %d", rec.DepositDeadline)
	}
	if rec.FiatDeadline != 0 {
		t.Fatalf("fiat deadline must be unset before funding, got %d", rec.FiatDeadline)
	}
	if rec.Arbitrator != testArbitrator {
		t.Fatalf("arbitrator not taken from configuration")
	}
	if got := f.rent(testSeller); got != startingRent-DefaultEscrowRent {
		t.Fatalf("seller rent balance %d", got)
	}
	if got := f.usdc(testSeller); got != startingTokens {
		t.Fatalf("create must not move principal, seller holds %d", got)
	}
	if !reflect.DeepEqual(f.emitter.types(), []string{events.TypeEscrowCreated}) {
		t.Fatalf("unexpected events %v", f.emitter.types())
	}
	if len(receipt.Events) != 1 || receipt.Events[0].Attributes["amount"] != "1000000" || receipt.Events[0].Attributes["fee"] != "10000" {
		t.Fatalf("unexpected receipt events %+v", receipt.Events)
	}
}

func TestCreateRejectsDuplicateIdentifiers(t *testing.T) {
	f := newFixture(t)
	ref := f.ref(1)
	f.create(ref, testAmount)
	if _, err := f.engine.Create(testSeller, CreateParams{Ref: ref, Amount: testAmount, Buyer: testBuyer}); !errors.Is(err, ErrAlreadyInUse) {
		t.Fatalf("expected already in use, got %v", err)
	}
}

func TestFundMovesTotalIntoCustody(t *testing.T) {
	f := newFixture(t)
	ref := f.ref(1)
	f.create(ref, testAmount)
	f.now += 60
	receipt := f.fund(ref)
	rec := receipt.Escrow

	if rec.State != StateFunded || rec.TrackedBalance != 1_010_000 || rec.Counter != 1 {
		t.Fatalf("unexpected funded record %+v", rec)
	}
	if rec.FiatDeadline <= f.now {
		t.Fatalf("fiat deadline %d must be after funding time %d", rec.FiatDeadline, f.now)
	}
	if got := f.usdc(testSeller); got != startingTokens-1_010_000 {
		t.Fatalf("seller balance %d", got)
	}
	if got := f.usdc(rec.Custody()); got != 1_010_000 {
		t.Fatalf("custody balance %d", got)
	}
	want := []string{events.TypeEscrowCreated, events.TypeFundsDeposited, events.TypeEscrowBalanceChanged}
	if !reflect.DeepEqual(f.emitter.types(), want) {
		t.Fatalf("unexpected events %v", f.emitter.types())
	}
}

func TestFundFailures(t *testing.T) {
	f := newFixture(t)
	ref := f.ref(1)
	f.create(ref, testAmount)

	if _, err := f.engine.Fund(testBuyer, ref); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := f.engine.Fund(testSeller, f.ref(99)); !errors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	f.fund(ref)
	if _, err := f.engine.Fund(testSeller, ref); !errors.Is(err, ErrAlreadyInUse) {
		t.Fatalf("expected already in use on double funding, got %v", err)
	}
	if got := f.escrow(ref).Counter; got != 1 {
		t.Fatalf("counter moved on failed funding: %d", got)
	}
}

func TestFundInsufficientBalanceLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	ref := f.ref(1)
	f.create(ref, DefaultMaxAmount)
	before := f.escrow(ref)
	emitted := len(f.emitter.events)

	if _, err := f.engine.Fund(testSeller, ref); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if after := f.escrow(ref); !reflect.DeepEqual(before, after) {
		t.Fatalf("failed instruction changed the record:\n%+v\n%+v", before, after)
	}
	if got := f.usdc(testSeller); got != startingTokens {
		t.Fatalf("seller balance changed to %d", got)
	}
	if len(f.emitter.events) != emitted {
		t.Fatalf("failed instruction emitted events")
	}
}

func TestFundAfterDepositDeadline(t *testing.T) {
	f := newFixture(t)
	ref := f.ref(1)
	rec := f.create(ref, testAmount).Escrow
	f.now = rec.DepositDeadline
	f.now++
	if _, err := f.engine.Fund(testSeller, ref); !errors.Is(err, ErrDeadlineExpired) {
		t.Fatalf("expected deadline expired, got %v", err)
	}
}

func TestMarkFiatPaid(t *testing.T) {
	f := newFixture(t)
	ref := f.ref(1)
	f.create(ref, testAmount)
	if _, err := f.engine.MarkFiatPaid(testBuyer, ref); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected invalid transition before funding, got %v", err)
	}
	f.fund(ref)
	if _, err := f.engine.MarkFiatPaid(testSeller, ref); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	f.markPaid(ref)
	if !f.escrow(ref).FiatPaid {
		t.Fatalf("fiat paid flag not set")
	}
	emitted := len(f.emitter.events)
	receipt, err := f.engine.MarkFiatPaid(testBuyer, ref)
	if err != nil {
		t.Fatalf("repeat mark should be a no-op: %v", err)
	}
	if len(receipt.Events) != 0 || len(f.emitter.events) != emitted {
		t.Fatalf("repeat mark emitted events")
	}
	if !receipt.Escrow.FiatPaid || receipt.State != StateFunded {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
}

func TestMarkFiatPaidAfterDeadline(t *testing.T) {
	f := newFixture(t)
	ref := f.funded(1)
	f.now = f.escrow(ref).FiatDeadline + 1
	if _, err := f.engine.MarkFiatPaid(testBuyer, ref); !errors.Is(err, ErrDeadlineExpired) {
		t.Fatalf("expected deadline expired, got %v", err)
	}
}

func TestReleaseConcreteScenario(t *testing.T) {
	f := newFixture(t)
	supply := f.state.supply(DefaultToken)
	ref := f.funded(1)
	custody := CustodyAddress(EscrowKey(ref))
	f.markPaid(ref)

	receipt, err := f.engine.Release(testSeller, ref)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if receipt.State != StateReleased || receipt.Escrow != nil {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if got := f.usdc(testBuyer); got != startingTokens+1_000_000 {
		t.Fatalf("buyer balance %d", got)
	}
	if got := f.usdc(testArbitrator); got != 10_000 {
		t.Fatalf("arbitrator balance %d", got)
	}
	if got := f.usdc(testSeller); got != startingTokens-1_010_000 {
		t.Fatalf("seller balance %d", got)
	}
	if got := f.usdc(custody); got != 0 {
		t.Fatalf("custody not drained: %d", got)
	}
	if got := f.rent(testSeller); got != startingRent {
		t.Fatalf("rent not refunded, seller holds %d", got)
	}
	if got := f.state.supply(DefaultToken); got != supply {
		t.Fatalf("supply changed from %d to %d", supply, got)
	}
	status, err := f.engine.Status(ref)
	if err != nil || status != StateReleased {
		t.Fatalf("status after release: %v %v", status, err)
	}
}

func TestReleaseRequiresFiatPaidAndAuthority(t *testing.T) {
	f := newFixture(t)
	ref := f.funded(1)
	if _, err := f.engine.Release(testSeller, ref); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected invalid transition before fiat paid, got %v", err)
	}
	f.markPaid(ref)
	for _, caller := range []crypto.Address{testBuyer, testStranger} {
		if _, err := f.engine.Release(caller, ref); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected unauthorized, got %v", err)
		}
	}
	if _, err := f.engine.Release(testArbitrator, ref); err != nil {
		t.Fatalf("arbitrator release: %v", err)
	}
}

func TestClosedEscrowRejectsEverything(t *testing.T) {
	f := newFixture(t)
	ref := f.funded(1)
	f.markPaid(ref)
	if _, err := f.engine.Release(testSeller, ref); err != nil {
		t.Fatalf("release: %v", err)
	}
	attempts := map[string]func() error{
		"fund":       func() error { _, err := f.engine.Fund(testSeller, ref); return err },
		"mark paid":  func() error { _, err := f.engine.MarkFiatPaid(testBuyer, ref); return err },
		"release":    func() error { _, err := f.engine.Release(testSeller, ref); return err },
		"cancel":     func() error { _, err := f.engine.Cancel(testSeller, ref); return err },
		"dispute":    func() error { _, err := f.engine.OpenDispute(testBuyer, ref, [32]byte{1}); return err },
		"resolve":    func() error { _, err := f.engine.ResolveDispute(testArbitrator, ref, true, [32]byte{1}); return err },
		"bond":       func() error { _, err := f.engine.InitializeBondAccount(testBuyer, ref, PartyBuyer); return err },
		"sequential": func() error { _, err := f.engine.UpdateSequentialAddress(testBuyer, ref, testNextLeg); return err },
	}
	for name, attempt := range attempts {
		err := attempt()
		if !errors.Is(err, ErrEscrowClosed) || !errors.Is(err, ErrInvalidStateTransition) {
			t.Fatalf("%s: expected closed escrow error, got %v", name, err)
		}
	}
	if _, err := f.engine.Create(testSeller, CreateParams{Ref: ref, Amount: testAmount, Buyer: testBuyer}); !errors.Is(err, ErrAlreadyInUse) {
		t.Fatalf("identifier reuse must fail, got %v", err)
	}
}

func TestCancelBeforeFundingRefundsRent(t *testing.T) {
	f := newFixture(t)
	ref := f.ref(1)
	f.create(ref, testAmount)
	receipt, err := f.engine.Cancel(testSeller, ref)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if receipt.State != StateCancelled {
		t.Fatalf("unexpected state %s", receipt.State)
	}
	if got := f.rent(testSeller); got != startingRent {
		t.Fatalf("rent not refunded: %d", got)
	}
	if got := f.rent(StorageAddress(EscrowKey(ref))); got != 0 {
		t.Fatalf("storage account keeps %d", got)
	}
	if got := f.usdc(CustodyAddress(EscrowKey(ref))); got != 0 {
		t.Fatalf("custody keeps %d", got)
	}
	want := []string{events.TypeEscrowCreated, events.TypeEscrowCancelled}
	if !reflect.DeepEqual(f.emitter.types(), want) {
		t.Fatalf("unexpected events %v", f.emitter.types())
	}
}

func TestCancelAfterFundingRefundsSeller(t *testing.T) {
	f := newFixture(t)
	ref := f.funded(1)
	before := f.usdc(testSeller)
	if _, err := f.engine.Cancel(testSeller, ref); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := f.usdc(testSeller) - before; got != 1_010_000 {
		t.Fatalf("expected refund of 1010000, got %d", got)
	}
	if got := f.usdc(testArbitrator); got != 0 {
		t.Fatalf("cancellation must not collect a fee, arbitrator holds %d", got)
	}
}

func TestCancelAfterFiatPaidAlwaysFails(t *testing.T) {
	f := newFixture(t)
	ref := f.funded(1)
	f.markPaid(ref)
	f.now += int64(DefaultFiatWindow.Seconds()) * 10
	for _, caller := range []crypto.Address{testSeller, testArbitrator} {
		if _, err := f.engine.Cancel(caller, ref); !errors.Is(err, ErrInvalidStateTransition) {
			t.Fatalf("expected invalid transition, got %v", err)
		}
	}

	disputed := f.funded(2)
	f.markPaid(disputed)
	if _, err := f.engine.OpenDispute(testBuyer, disputed, [32]byte{7}); err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	if _, err := f.engine.Cancel(testSeller, disputed); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected invalid transition while disputed, got %v", err)
	}
}

func TestArbitratorCancelWaitsForDeadline(t *testing.T) {
	f := newFixture(t)
	ref := f.ref(1)
	rec := f.create(ref, testAmount).Escrow
	if _, err := f.engine.Cancel(testArbitrator, ref); !errors.Is(err, ErrDeadlineNotReached) {
		t.Fatalf("expected deadline not reached, got %v", err)
	}
	f.now = rec.DepositDeadline + 1
	if _, err := f.engine.Cancel(testArbitrator, ref); err != nil {
		t.Fatalf("arbitrator cancel after deadline: %v", err)
	}
	if got := f.rent(testSeller); got != startingRent {
		t.Fatalf("rent must return to the original payer, seller holds %d", got)
	}

	funded := f.funded(2)
	if _, err := f.engine.Cancel(testArbitrator, funded); !errors.Is(err, ErrDeadlineNotReached) {
		t.Fatalf("expected deadline not reached, got %v", err)
	}
	f.now = f.escrow(funded).FiatDeadline + 1
	if _, err := f.engine.Cancel(testArbitrator, funded); err != nil {
		t.Fatalf("arbitrator cancel after fiat deadline: %v", err)
	}
	if got := f.usdc(testSeller); got != startingTokens {
		t.Fatalf("seller should be made whole, holds %d", got)
	}
	if _, err := f.engine.Cancel(testBuyer, f.funded(3)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestSequentialRelease(t *testing.T) {
	f := newFixture(t)
	ref := f.ref(1)
	if _, err := f.engine.Create(testSeller, CreateParams{Ref: ref, Amount: testAmount, Buyer: testBuyer, Sequential: true}); err != nil {
		t.Fatalf("create: %v", err)
	}
	f.fund(ref)
	f.markPaid(ref)
	if _, err := f.engine.Release(testSeller, ref); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected invalid address without destination, got %v", err)
	}

	if _, err := f.engine.UpdateSequentialAddress(testSeller, ref, testNextLeg); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := f.engine.UpdateSequentialAddress(testBuyer, ref, crypto.ZeroAddress); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected invalid address, got %v", err)
	}
	receipt, err := f.engine.UpdateSequentialAddress(testBuyer, ref, testNextLeg)
	if err != nil {
		t.Fatalf("update sequential address: %v", err)
	}
	evt := receipt.Events[0]
	if evt.Type != events.TypeSequentialAddressUpdated || evt.Attributes["previous"] != "" || evt.Attributes["next"] != testNextLeg.String() {
		t.Fatalf("unexpected audit event %+v", evt)
	}

	if _, err := f.engine.Release(testSeller, ref); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := f.usdc(testNextLeg); got != testAmount {
		t.Fatalf("sequential destination received %d", got)
	}
	if got := f.usdc(testBuyer); got != startingTokens {
		t.Fatalf("buyer balance must be unaffected, got %d", got)
	}
}

func TestUpdateSequentialAddressRequiresSequential(t *testing.T) {
	f := newFixture(t)
	ref := f.ref(1)
	f.create(ref, testAmount)
	if _, err := f.engine.UpdateSequentialAddress(testBuyer, ref, testNextLeg); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestPausedModuleBlocksNewValue(t *testing.T) {
	f := newFixture(t)
	ref := f.funded(1)
	pauses := pauseMap{ModuleName: true}
	f.engine.SetPauses(pauses)

	if _, err := f.engine.Create(testSeller, CreateParams{Ref: f.ref(2), Amount: testAmount, Buyer: testBuyer}); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected paused, got %v", err)
	}
	if _, err := f.engine.OpenDispute(testBuyer, ref, [32]byte{1}); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected paused, got %v", err)
	}
	if _, err := f.engine.Cancel(testSeller, ref); err != nil {
		t.Fatalf("exits stay open while paused: %v", err)
	}
}

func TestEngineWithoutState(t *testing.T) {
	engine, err := NewEngine(DefaultParams(testArbitrator))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if _, err := engine.Fund(testSeller, Ref{EscrowID: 1}); !errors.Is(err, errNilState) {
		t.Fatalf("expected nil state error, got %v", err)
	}
	if _, err := NewEngine(DefaultParams(crypto.ZeroAddress)); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected invalid arbitrator, got %v", err)
	}
}

func TestIndependentEscrowsDoNotCollide(t *testing.T) {
	f := newFixture(t)
	a := f.funded(1)
	b := f.funded(2)
	if EscrowKey(a) == EscrowKey(b) || CustodyAddress(EscrowKey(a)) == CustodyAddress(EscrowKey(b)) {
		t.Fatalf("escrow derivations collide")
	}
	if _, err := f.engine.Cancel(testSeller, a); err != nil {
		t.Fatalf("cancel a: %v", err)
	}
	if got := f.escrow(b).TrackedBalance; got != 1_010_000 {
		t.Fatalf("escrow b disturbed: %d", got)
	}
}
