package escrow

import (
	"errors"
	"reflect"
	"testing"

	"github.com/Panmoni/yapbay-sub000/core/events"
)

var (
	buyerEvidence  = [32]byte{0xb1}
	sellerEvidence = [32]byte{0x5e}
	resolutionHash = [32]byte{0xa5}
)

const testBond = testAmount * 5 / 100

// disputed returns a funded, paid escrow with both bonds posted.
func (f *fixture) disputed(id uint64) Ref {
	f.t.Helper()
	ref := f.funded(id)
	f.markPaid(ref)
	if _, err := f.engine.OpenDispute(testBuyer, ref, buyerEvidence); err != nil {
		f.t.Fatalf("open dispute: %v", err)
	}
	if _, err := f.engine.RespondToDispute(testSeller, ref, sellerEvidence); err != nil {
		f.t.Fatalf("respond: %v", err)
	}
	return ref
}

func TestOpenDisputePostsBond(t *testing.T) {
	f := newFixture(t)
	ref := f.funded(1)
	before := f.usdc(testBuyer)
	f.emitter.events = nil

	receipt, err := f.engine.OpenDispute(testBuyer, ref, buyerEvidence)
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	rec := receipt.Escrow
	if rec.State != StateDisputed || rec.DisputeInitiator != testBuyer || rec.DisputeInitiatedAt != f.now {
		t.Fatalf("unexpected disputed record %+v", rec)
	}
	if rec.DisputeEvidenceBuyer != buyerEvidence || rec.DisputeEvidenceSeller != ([32]byte{}) {
		t.Fatalf("evidence not recorded")
	}
	if rec.TrackedBalance != 1_010_000 {
		t.Fatalf("tracked balance must stay amount+fee while disputed, got %d", rec.TrackedBalance)
	}
	if got := before - f.usdc(testBuyer); got != testBond {
		t.Fatalf("buyer paid bond %d", got)
	}
	bond, err := f.engine.Bond(ref, PartyBuyer)
	if err != nil {
		t.Fatalf("bond: %v", err)
	}
	if bond.Balance != testBond || f.usdc(bond.Address()) != testBond {
		t.Fatalf("bond slot holds %d / %d", bond.Balance, f.usdc(bond.Address()))
	}
	want := []string{events.TypeDisputeOpened, events.TypeBondAccountInitialized}
	if !reflect.DeepEqual(f.emitter.types(), want) {
		t.Fatalf("unexpected events %v", f.emitter.types())
	}
}

func TestOpenDisputeValidation(t *testing.T) {
	f := newFixture(t)
	ref := f.ref(1)
	f.create(ref, testAmount)
	if _, err := f.engine.OpenDispute(testBuyer, ref, [32]byte{}); !errors.Is(err, ErrInvalidEvidenceHash) {
		t.Fatalf("expected invalid evidence, got %v", err)
	}
	if _, err := f.engine.OpenDispute(testBuyer, ref, buyerEvidence); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected invalid transition before funding, got %v", err)
	}
	f.fund(ref)
	if _, err := f.engine.OpenDispute(testArbitrator, ref, buyerEvidence); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := f.engine.OpenDispute(testSeller, ref, sellerEvidence); err != nil {
		t.Fatalf("seller may open: %v", err)
	}
	if _, err := f.engine.OpenDispute(testBuyer, ref, buyerEvidence); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected invalid transition on second open, got %v", err)
	}
}

func TestRespondToDispute(t *testing.T) {
	f := newFixture(t)
	ref := f.funded(1)
	if _, err := f.engine.RespondToDispute(testSeller, ref, sellerEvidence); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected invalid transition without dispute, got %v", err)
	}
	if _, err := f.engine.OpenDispute(testBuyer, ref, buyerEvidence); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.engine.RespondToDispute(testBuyer, ref, buyerEvidence); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("initiator cannot respond, got %v", err)
	}
	if _, err := f.engine.RespondToDispute(testSeller, ref, [32]byte{}); !errors.Is(err, ErrInvalidEvidenceHash) {
		t.Fatalf("expected invalid evidence, got %v", err)
	}
	receipt, err := f.engine.RespondToDispute(testSeller, ref, sellerEvidence)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if receipt.State != StateDisputed || receipt.Escrow.DisputeEvidenceSeller != sellerEvidence {
		t.Fatalf("unexpected receipt %+v", receipt.Escrow)
	}
	if _, err := f.engine.RespondToDispute(testSeller, ref, sellerEvidence); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected a single response, got %v", err)
	}
	if got := f.usdc(BondAddress(EscrowKey(ref), PartySeller)); got != testBond {
		t.Fatalf("seller bond holds %d", got)
	}
}

func TestRespondAfterWindow(t *testing.T) {
	f := newFixture(t)
	ref := f.funded(1)
	if _, err := f.engine.OpenDispute(testBuyer, ref, buyerEvidence); err != nil {
		t.Fatalf("open: %v", err)
	}
	f.now += int64(DefaultDisputeResponseWindow.Seconds()) + 1
	if _, err := f.engine.RespondToDispute(testSeller, ref, sellerEvidence); !errors.Is(err, ErrDeadlineExpired) {
		t.Fatalf("expected deadline expired, got %v", err)
	}
}

func TestResolveBuyerWins(t *testing.T) {
	f := newFixture(t)
	supply := f.state.supply(DefaultToken)
	ref := f.disputed(1)
	buyerBefore, arbBefore, sellerBefore := f.usdc(testBuyer), f.usdc(testArbitrator), f.usdc(testSeller)

	if _, err := f.engine.ResolveDispute(testSeller, ref, false, resolutionHash); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := f.engine.ResolveDispute(testArbitrator, ref, true, [32]byte{}); !errors.Is(err, ErrInvalidEvidenceHash) {
		t.Fatalf("expected invalid resolution hash, got %v", err)
	}
	receipt, err := f.engine.ResolveDispute(testArbitrator, ref, true, resolutionHash)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if receipt.State != StateResolved || receipt.Escrow != nil {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if got := f.usdc(testBuyer) - buyerBefore; got != testAmount+testBond {
		t.Fatalf("buyer gained %d", got)
	}
	if got := f.usdc(testArbitrator) - arbBefore; got != 10_000+testBond {
		t.Fatalf("arbitrator gained %d", got)
	}
	if got := f.usdc(testSeller); got != sellerBefore {
		t.Fatalf("seller balance moved to %d", got)
	}
	key := EscrowKey(ref)
	for _, party := range []Party{PartyBuyer, PartySeller} {
		if got := f.usdc(BondAddress(key, party)); got != 0 {
			t.Fatalf("%s bond not drained: %d", party, got)
		}
	}
	if got := f.usdc(CustodyAddress(key)); got != 0 {
		t.Fatalf("custody not drained: %d", got)
	}
	if f.rent(testBuyer) != startingRent || f.rent(testSeller) != startingRent {
		t.Fatalf("rent not refunded: buyer %d seller %d", f.rent(testBuyer), f.rent(testSeller))
	}
	if got := f.state.supply(DefaultToken); got != supply {
		t.Fatalf("supply changed from %d to %d", supply, got)
	}
	resolved := receipt.Events[0]
	if resolved.Type != events.TypeDisputeResolved || resolved.Attributes["winner"] != "buyer" || resolved.Attributes["arbitratorPayout"] != "60000" {
		t.Fatalf("unexpected resolution event %+v", resolved)
	}
}

func TestResolveSellerWins(t *testing.T) {
	f := newFixture(t)
	ref := f.disputed(1)
	buyerBefore, arbBefore, sellerBefore := f.usdc(testBuyer), f.usdc(testArbitrator), f.usdc(testSeller)

	if _, err := f.engine.ResolveDispute(testArbitrator, ref, false, resolutionHash); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := f.usdc(testSeller) - sellerBefore; got != testAmount+10_000+testBond {
		t.Fatalf("seller gained %d", got)
	}
	if got := f.usdc(testArbitrator) - arbBefore; got != testBond {
		t.Fatalf("arbitrator gained %d", got)
	}
	if got := f.usdc(testBuyer); got != buyerBefore {
		t.Fatalf("buyer balance moved to %d", got)
	}
	status, err := f.engine.Status(ref)
	if err != nil || status != StateResolved {
		t.Fatalf("status after resolve: %v %v", status, err)
	}
	if _, err := f.engine.ResolveDispute(testArbitrator, ref, false, resolutionHash); !errors.Is(err, ErrEscrowClosed) {
		t.Fatalf("expected closed escrow, got %v", err)
	}
}

func TestResolveWithoutResponse(t *testing.T) {
	f := newFixture(t)
	ref := f.funded(1)
	if _, err := f.engine.OpenDispute(testSeller, ref, sellerEvidence); err != nil {
		t.Fatalf("open: %v", err)
	}
	arbBefore := f.usdc(testArbitrator)
	if _, err := f.engine.ResolveDispute(testArbitrator, ref, true, resolutionHash); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// The buyer never posted a bond, so the arbitrator collects the fee plus
	// the seller's forfeited bond only.
	if got := f.usdc(testArbitrator) - arbBefore; got != 10_000+testBond {
		t.Fatalf("arbitrator gained %d", got)
	}
	if got := f.usdc(testBuyer); got != startingTokens+testAmount {
		t.Fatalf("buyer holds %d", got)
	}
}

func TestDefaultJudgment(t *testing.T) {
	f := newFixture(t)
	ref := f.funded(1)
	if _, err := f.engine.OpenDispute(testBuyer, ref, buyerEvidence); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.engine.DefaultJudgment(testBuyer, ref); !errors.Is(err, ErrDeadlineNotReached) {
		t.Fatalf("expected deadline not reached, got %v", err)
	}
	f.now += int64(DefaultDisputeResponseWindow.Seconds()) + 1
	if _, err := f.engine.DefaultJudgment(testSeller, ref); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	receipt, err := f.engine.DefaultJudgment(testBuyer, ref)
	if err != nil {
		t.Fatalf("default judgment: %v", err)
	}
	if receipt.State != StateResolved {
		t.Fatalf("unexpected state %s", receipt.State)
	}
	if got := f.usdc(testBuyer); got != startingTokens+testAmount {
		t.Fatalf("buyer holds %d", got)
	}
	if got := f.usdc(testArbitrator); got != 10_000 {
		t.Fatalf("arbitrator holds %d", got)
	}
	if receipt.Events[0].Attributes["byDefault"] != "true" {
		t.Fatalf("expected default judgment marker")
	}
}

func TestDefaultJudgmentRejectedAfterResponse(t *testing.T) {
	f := newFixture(t)
	ref := f.disputed(1)
	f.now += int64(DefaultDisputeResponseWindow.Seconds()) + 1
	if _, err := f.engine.DefaultJudgment(testArbitrator, ref); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestInitializeBondAccountIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ref := f.ref(1)
	f.create(ref, testAmount)
	if _, err := f.engine.InitializeBondAccount(testStranger, ref, PartyBuyer); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	first, err := f.engine.InitializeBondAccount(testBuyer, ref, PartyBuyer)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if len(first.Events) != 1 || first.Events[0].Type != events.TypeBondAccountInitialized {
		t.Fatalf("unexpected events %+v", first.Events)
	}
	second, err := f.engine.InitializeBondAccount(testBuyer, ref, PartyBuyer)
	if err != nil {
		t.Fatalf("second initialize: %v", err)
	}
	if len(second.Events) != 0 {
		t.Fatalf("second initialize emitted %d events", len(second.Events))
	}
	bond, err := f.engine.Bond(ref, PartyBuyer)
	if err != nil || bond.Balance != 0 || bond.Owner != testBuyer {
		t.Fatalf("unexpected bond %+v (%v)", bond, err)
	}
	if _, err := f.engine.Bond(ref, PartySeller); !errors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("expected missing seller bond, got %v", err)
	}

	// Closing the escrow returns the unused slot's rent.
	if _, err := f.engine.Cancel(testSeller, ref); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := f.rent(testBuyer); got != startingRent {
		t.Fatalf("bond rent not refunded: %d", got)
	}
}

func TestReceiptLeadsWithPrimaryEvent(t *testing.T) {
	f := newFixture(t)
	check := func(primary string, receipt *Receipt, err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("%s: %v", primary, err)
		}
		if len(receipt.Events) == 0 || receipt.Events[0].Type != primary {
			t.Fatalf("expected %s first, got %+v", primary, receipt.Events)
		}
		for _, evt := range receipt.Events[1:] {
			if evt.Type != events.TypeEscrowBalanceChanged && evt.Type != events.TypeBondAccountInitialized {
				t.Fatalf("unexpected supplementary event %s after %s", evt.Type, primary)
			}
		}
	}

	ref := f.ref(1)
	receipt, err := f.engine.Create(testSeller, CreateParams{Ref: ref, Amount: testAmount, Buyer: testBuyer})
	check(events.TypeEscrowCreated, receipt, err)
	receipt, err = f.engine.Fund(testSeller, ref)
	check(events.TypeFundsDeposited, receipt, err)
	receipt, err = f.engine.MarkFiatPaid(testBuyer, ref)
	check(events.TypeFiatMarkedPaid, receipt, err)
	receipt, err = f.engine.Release(testSeller, ref)
	check(events.TypeEscrowReleased, receipt, err)

	ref = f.funded(2)
	receipt, err = f.engine.OpenDispute(testBuyer, ref, buyerEvidence)
	check(events.TypeDisputeOpened, receipt, err)
	receipt, err = f.engine.RespondToDispute(testSeller, ref, sellerEvidence)
	check(events.TypeDisputeResponseSubmitted, receipt, err)
	receipt, err = f.engine.ResolveDispute(testArbitrator, ref, true, [32]byte{9})
	check(events.TypeDisputeResolved, receipt, err)
}
