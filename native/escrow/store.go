package escrow

import (
	"math/big"

	"github.com/Panmoni/yapbay-sub000/crypto"
)

// Txn is the view of ledger state available to a single instruction. Writes
// are staged and only become visible once the surrounding Update commits.
type Txn interface {
	EscrowGet(key [32]byte) (*Escrow, bool, error)
	EscrowTombstone(key [32]byte) (*Tombstone, bool, error)
	// EscrowCreate stores a new record. It fails with ErrAlreadyInUse when
	// a live record or a tombstone already occupies the key.
	EscrowCreate(e *Escrow) error
	EscrowPut(e *Escrow) error
	// EscrowClose removes the live record and leaves a tombstone behind.
	EscrowClose(key [32]byte, final State, closedAt int64) error

	BondGet(key [32]byte, party Party) (*BondAccount, bool, error)
	BondCreate(b *BondAccount) error
	BondPut(b *BondAccount) error
	BondClose(key [32]byte, party Party) error

	Balance(addr crypto.Address, token string) (*big.Int, error)
	// Transfer moves amount between accounts and fails with
	// ErrInsufficientFunds when from cannot cover it.
	Transfer(from, to crypto.Address, token string, amount *big.Int) error
}

// Store runs instructions against ledger state. Update commits every write
// staged by fn atomically, or none of them when fn or the commit fails.
type Store interface {
	Update(fn func(Txn) error) error
	View(fn func(Txn) error) error
}
