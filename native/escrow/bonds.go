package escrow

import (
	"fmt"

	"github.com/Panmoni/yapbay-sub000/core/events"
	"github.com/Panmoni/yapbay-sub000/crypto"
)

// InitializeBondAccount creates the empty bond slot of party on ref. The call
// is idempotent: an existing slot is left untouched and no event is emitted.
func (e *Engine) InitializeBondAccount(caller crypto.Address, ref Ref, party Party) (*Receipt, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	if !party.Valid() {
		return nil, fmt.Errorf("%w: unknown party %d", ErrInvalidAddress, party)
	}
	return e.execute(ref, func(tx Txn, p *pending) error {
		rec, err := loadLive(tx, p.key, ref)
		if err != nil {
			return err
		}
		if _, ok := rec.PartyOf(caller); !ok && caller != rec.Arbitrator {
			return fmt.Errorf("%w: %s is not a participant of %s", ErrUnauthorized, caller, ref)
		}
		if _, err := e.ensureBond(tx, p, rec, party, caller); err != nil {
			return err
		}
		p.keep(rec)
		return nil
	})
}

// Bond returns the bond account of party on ref.
func (e *Engine) Bond(ref Ref, party Party) (*BondAccount, error) {
	if e.state == nil {
		return nil, errNilState
	}
	var out *BondAccount
	err := e.state.View(func(tx Txn) error {
		key := EscrowKey(ref)
		if _, err := loadLive(tx, key, ref); err != nil {
			return err
		}
		bond, ok, err := tx.BondGet(key, party)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: no %s bond on %s", ErrEscrowNotFound, party, ref)
		}
		out = bond
		return nil
	})
	return out, err
}

// ensureBond returns the bond slot of party, creating it with payer covering
// the rent when it does not exist yet.
func (e *Engine) ensureBond(tx Txn, p *pending, rec *Escrow, party Party, payer crypto.Address) (*BondAccount, error) {
	bond, ok, err := tx.BondGet(rec.Key, party)
	if err != nil {
		return nil, err
	}
	if ok {
		return bond, nil
	}
	bond = &BondAccount{
		EscrowKey: rec.Key,
		Party:     party,
		Owner:     rec.AddressOf(party),
		CreatedAt: p.now,
		RentPayer: payer,
		Rent:      e.params.Rent.Bond,
	}
	if err := tx.BondCreate(bond); err != nil {
		return nil, err
	}
	if err := tx.Transfer(payer, BondStorageAddress(rec.Key, party), e.params.Rent.Token, amountOf(bond.Rent)); err != nil {
		return nil, err
	}
	p.emit(events.BondAccountInitialized{
		EscrowID:  rec.EscrowID,
		TradeID:   rec.TradeID,
		Party:     party.String(),
		Owner:     bond.Owner,
		Account:   bond.Address(),
		Timestamp: p.now,
	})
	return bond, nil
}

// postBond moves the dispute bond for amount from the party into its slot.
func (e *Engine) postBond(tx Txn, p *pending, rec *Escrow, party Party) (uint64, error) {
	owner := rec.AddressOf(party)
	bond, err := e.ensureBond(tx, p, rec, party, owner)
	if err != nil {
		return 0, err
	}
	size := e.params.Policy.Bond(rec.Amount)
	if err := tx.Transfer(owner, bond.Address(), e.params.Token, amountOf(size)); err != nil {
		return 0, err
	}
	bond.Balance += size
	if err := tx.BondPut(bond); err != nil {
		return 0, err
	}
	return size, nil
}

// settleBond pays the whole bond of party to recipient, refunds its rent and
// closes the slot. A party that never posted a bond settles for zero.
func (e *Engine) settleBond(tx Txn, rec *Escrow, party Party, recipient crypto.Address) (uint64, error) {
	bond, ok, err := tx.BondGet(rec.Key, party)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	if err := tx.Transfer(bond.Address(), recipient, e.params.Token, amountOf(bond.Balance)); err != nil {
		return 0, err
	}
	if err := tx.Transfer(BondStorageAddress(rec.Key, party), bond.RentPayer, e.params.Rent.Token, amountOf(bond.Rent)); err != nil {
		return 0, err
	}
	if err := tx.BondClose(rec.Key, party); err != nil {
		return 0, err
	}
	return bond.Balance, nil
}
