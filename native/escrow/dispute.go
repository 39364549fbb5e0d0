package escrow

import (
	"fmt"

	"github.com/Panmoni/yapbay-sub000/core/events"
	"github.com/Panmoni/yapbay-sub000/crypto"
)

// OpenDispute moves a funded escrow into Disputed. The caller posts its bond
// and records its evidence digest.
func (e *Engine) OpenDispute(caller crypto.Address, ref Ref, evidence [32]byte) (*Receipt, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	if evidence == ([32]byte{}) {
		return nil, fmt.Errorf("%w: evidence digest is empty", ErrInvalidEvidenceHash)
	}
	return e.execute(ref, func(tx Txn, p *pending) error {
		rec, err := loadLive(tx, p.key, ref)
		if err != nil {
			return err
		}
		party, ok := rec.PartyOf(caller)
		if !ok {
			return fmt.Errorf("%w: only a trade party may dispute %s", ErrUnauthorized, ref)
		}
		if rec.State != StateFunded {
			return fmt.Errorf("%w: cannot dispute in state %s", ErrInvalidStateTransition, rec.State)
		}
		bond, err := e.postBond(tx, p, rec, party)
		if err != nil {
			return err
		}
		rec.State = StateDisputed
		rec.DisputeInitiator = caller
		rec.DisputeInitiatedAt = p.now
		rec.setEvidence(party, evidence)
		if err := tx.EscrowPut(rec); err != nil {
			return err
		}
		p.keep(rec)
		p.primary(events.DisputeOpened{
			EscrowID:     rec.EscrowID,
			TradeID:      rec.TradeID,
			Initiator:    caller,
			Party:        party.String(),
			Bond:         bond,
			EvidenceHash: evidence,
			Timestamp:    p.now,
		})
		return nil
	})
}

// RespondToDispute lets the counterparty of the initiator post its bond and
// evidence within the response window. Only one response is accepted.
func (e *Engine) RespondToDispute(caller crypto.Address, ref Ref, evidence [32]byte) (*Receipt, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	if evidence == ([32]byte{}) {
		return nil, fmt.Errorf("%w: evidence digest is empty", ErrInvalidEvidenceHash)
	}
	return e.execute(ref, func(tx Txn, p *pending) error {
		rec, err := loadLive(tx, p.key, ref)
		if err != nil {
			return err
		}
		if rec.State != StateDisputed {
			return fmt.Errorf("%w: no open dispute on %s", ErrInvalidStateTransition, ref)
		}
		party, ok := rec.PartyOf(caller)
		if !ok || caller == rec.DisputeInitiator {
			return fmt.Errorf("%w: only the counterparty may respond", ErrUnauthorized)
		}
		if rec.DisputeRespondedAt != 0 {
			return fmt.Errorf("%w: dispute already answered", ErrInvalidStateTransition)
		}
		deadline := e.params.Clock.ResponseDeadline(rec.DisputeInitiatedAt)
		if Expired(deadline, p.now) {
			return fmt.Errorf("%w: response window closed at %d", ErrDeadlineExpired, deadline)
		}
		bond, err := e.postBond(tx, p, rec, party)
		if err != nil {
			return err
		}
		rec.DisputeRespondedAt = p.now
		rec.setEvidence(party, evidence)
		if err := tx.EscrowPut(rec); err != nil {
			return err
		}
		p.keep(rec)
		p.primary(events.DisputeResponseSubmitted{
			EscrowID:     rec.EscrowID,
			TradeID:      rec.TradeID,
			Responder:    caller,
			Party:        party.String(),
			Bond:         bond,
			EvidenceHash: evidence,
			Timestamp:    p.now,
		})
		return nil
	})
}

// ResolveDispute settles a disputed escrow. Only the platform arbitrator may
// call it.
func (e *Engine) ResolveDispute(caller crypto.Address, ref Ref, buyerWins bool, resolution [32]byte) (*Receipt, error) {
	if resolution == ([32]byte{}) {
		return nil, fmt.Errorf("%w: resolution digest is empty", ErrInvalidEvidenceHash)
	}
	return e.execute(ref, func(tx Txn, p *pending) error {
		rec, err := loadLive(tx, p.key, ref)
		if err != nil {
			return err
		}
		if caller != rec.Arbitrator {
			return fmt.Errorf("%w: only the arbitrator resolves disputes", ErrUnauthorized)
		}
		if rec.State != StateDisputed {
			return fmt.Errorf("%w: no open dispute on %s", ErrInvalidStateTransition, ref)
		}
		return e.settleDispute(tx, p, rec, buyerWins, resolution, false)
	})
}

// DefaultJudgment settles an unanswered dispute in favour of its initiator
// once the response window has lapsed. The arbitrator or the initiator may
// request it.
func (e *Engine) DefaultJudgment(caller crypto.Address, ref Ref) (*Receipt, error) {
	return e.execute(ref, func(tx Txn, p *pending) error {
		rec, err := loadLive(tx, p.key, ref)
		if err != nil {
			return err
		}
		if caller != rec.Arbitrator && caller != rec.DisputeInitiator {
			return fmt.Errorf("%w: default judgment requires the arbitrator or the initiator", ErrUnauthorized)
		}
		if rec.State != StateDisputed {
			return fmt.Errorf("%w: no open dispute on %s", ErrInvalidStateTransition, ref)
		}
		if rec.DisputeRespondedAt != 0 {
			return fmt.Errorf("%w: dispute was answered", ErrInvalidStateTransition)
		}
		deadline := e.params.Clock.ResponseDeadline(rec.DisputeInitiatedAt)
		if !Expired(deadline, p.now) {
			return fmt.Errorf("%w: response window open until %d", ErrDeadlineNotReached, deadline)
		}
		buyerWins := rec.DisputeInitiator == rec.Buyer
		return e.settleDispute(tx, p, rec, buyerWins, [32]byte{}, true)
	})
}

// settleDispute distributes custody and both bonds and closes the escrow.
// Buyer wins: principal and own bond to the buyer, fee and the seller's bond
// to the arbitrator. Seller wins: principal, fee and own bond to the seller,
// the buyer's bond to the arbitrator.
func (e *Engine) settleDispute(tx Txn, p *pending, rec *Escrow, buyerWins bool, resolution [32]byte, byDefault bool) error {
	winner, loser := PartySeller, PartyBuyer
	if buyerWins {
		winner, loser = PartyBuyer, PartySeller
	}
	recipient := rec.AddressOf(winner)
	custody := rec.Custody()

	principal := rec.Amount
	var fee uint64
	if buyerWins {
		fee = rec.Fee
	} else {
		principal += rec.Fee
	}
	if err := tx.Transfer(custody, recipient, e.params.Token, amountOf(principal)); err != nil {
		return err
	}
	if err := tx.Transfer(custody, rec.Arbitrator, e.params.Token, amountOf(fee)); err != nil {
		return err
	}
	ownBond, err := e.settleBond(tx, rec, winner, recipient)
	if err != nil {
		return err
	}
	forfeited, err := e.settleBond(tx, rec, loser, rec.Arbitrator)
	if err != nil {
		return err
	}

	previous := rec.TrackedBalance
	rec.TrackedBalance = 0
	rec.State = StateResolved
	rec.DisputeResolutionHash = resolution
	if err := e.closeEscrow(tx, p, rec, StateResolved); err != nil {
		return err
	}
	p.emit(events.DisputeResolved{
		EscrowID:         rec.EscrowID,
		TradeID:          rec.TradeID,
		Arbitrator:       rec.Arbitrator,
		Winner:           winner.String(),
		Recipient:        recipient,
		RecipientPayout:  principal + ownBond,
		ArbitratorPayout: fee + forfeited,
		ResolutionHash:   resolution,
		ByDefault:        byDefault,
		Timestamp:        p.now,
	})
	e.balanceChanged(p, rec, previous, "resolved")
	return nil
}
