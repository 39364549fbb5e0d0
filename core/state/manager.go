package state

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/Panmoni/yapbay-sub000/crypto"
	"github.com/Panmoni/yapbay-sub000/native/escrow"
	"github.com/Panmoni/yapbay-sub000/storage"
)

// Manager is the custody primitive backing the escrow ledger: token balances
// keyed by (address, token) plus the escrow, tombstone and bond records.
// Instructions read through a Txn overlay and commit in a single batch.
type Manager struct {
	db storage.Database
	// commitMu serialises commits so balance checks and create-only checks
	// see a stable view of the database.
	commitMu sync.Mutex
}

var _ escrow.Store = (*Manager)(nil)

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// Database exposes the underlying key-value store.
func (m *Manager) Database() storage.Database { return m.db }

func (m *Manager) get(key []byte) ([]byte, bool, error) {
	data, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (m *Manager) storedBalance(key []byte) (*big.Int, error) {
	data, ok, err := m.get(key)
	if err != nil {
		return nil, err
	}
	if !ok || len(data) == 0 {
		return big.NewInt(0), nil
	}
	amount := new(big.Int)
	if err := rlp.DecodeBytes(data, amount); err != nil {
		return nil, err
	}
	return amount, nil
}

// Balance retrieves the committed balance of addr for token.
func (m *Manager) Balance(addr crypto.Address, token string) (*big.Int, error) {
	return m.storedBalance(BalanceKey(addr, token))
}

// SetBalance overwrites a balance outside of any instruction. It is used to
// seed accounts in development and tests.
func (m *Manager) SetBalance(addr crypto.Address, token string, amount *big.Int) error {
	if addr.IsZero() {
		return fmt.Errorf("address must not be empty")
	}
	if normalizeToken(token) == "" {
		return fmt.Errorf("token symbol must not be empty")
	}
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("negative balance not allowed")
	}
	m.commitMu.Lock()
	defer m.commitMu.Unlock()
	return m.writeBalance(BalanceKey(addr, token), amount)
}

// Credit adds amount to the balance of addr.
func (m *Manager) Credit(addr crypto.Address, token string, amount *big.Int) (*big.Int, error) {
	if addr.IsZero() {
		return nil, fmt.Errorf("address must not be empty")
	}
	if normalizeToken(token) == "" {
		return nil, fmt.Errorf("token symbol must not be empty")
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("credit amount must be positive")
	}
	m.commitMu.Lock()
	defer m.commitMu.Unlock()
	key := BalanceKey(addr, token)
	current, err := m.storedBalance(key)
	if err != nil {
		return nil, err
	}
	next := new(big.Int).Add(current, amount)
	if err := m.writeBalance(key, next); err != nil {
		return nil, err
	}
	return next, nil
}

func (m *Manager) writeBalance(key []byte, amount *big.Int) error {
	if amount.Sign() == 0 {
		return m.db.Delete(key)
	}
	encoded, err := rlp.EncodeToBytes(amount)
	if err != nil {
		return err
	}
	return m.db.Put(key, encoded)
}

// Escrow returns the live record stored under key.
func (m *Manager) Escrow(key [32]byte) (*escrow.Escrow, bool, error) {
	data, ok, err := m.get(EscrowRecordKey(key))
	if err != nil || !ok {
		return nil, false, err
	}
	record, err := decodeEscrow(data)
	if err != nil {
		return nil, false, err
	}
	return record, true, nil
}

// Tombstone returns the terminal marker of a closed escrow.
func (m *Manager) Tombstone(key [32]byte) (*escrow.Tombstone, bool, error) {
	data, ok, err := m.get(EscrowTombstoneKey(key))
	if err != nil || !ok {
		return nil, false, err
	}
	tomb, err := decodeTombstone(data)
	if err != nil {
		return nil, false, err
	}
	return tomb, true, nil
}

// Bond returns the bond account of party on the escrow stored under key.
func (m *Manager) Bond(key [32]byte, party escrow.Party) (*escrow.BondAccount, bool, error) {
	data, ok, err := m.get(EscrowBondKey(key, party))
	if err != nil || !ok {
		return nil, false, err
	}
	bond, err := decodeBond(data)
	if err != nil {
		return nil, false, err
	}
	return bond, true, nil
}

// ForEachEscrow visits every live escrow in key order until fn returns false.
func (m *Manager) ForEachEscrow(fn func(*escrow.Escrow) (bool, error)) error {
	return m.db.Iterate(escrowRecordPrefix, func(_, value []byte) (bool, error) {
		record, err := decodeEscrow(value)
		if err != nil {
			return false, err
		}
		return fn(record)
	})
}

// ForEachBond visits every live bond account in key order.
func (m *Manager) ForEachBond(fn func(*escrow.BondAccount) (bool, error)) error {
	return m.db.Iterate(escrowBondPrefix, func(_, value []byte) (bool, error) {
		bond, err := decodeBond(value)
		if err != nil {
			return false, err
		}
		return fn(bond)
	})
}

// Update runs fn against a fresh overlay and commits the staged writes when
// fn succeeds. Nothing is written when fn or the commit fails.
func (m *Manager) Update(fn func(escrow.Txn) error) error {
	tx := newTxn(m)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

// View runs fn against an overlay that is discarded afterwards.
func (m *Manager) View(fn func(escrow.Txn) error) error {
	return fn(newTxn(m))
}

// Supply sums every balance held in token. Instructions only move value, so
// the supply changes only through Credit and SetBalance.
func (m *Manager) Supply(token string) (*big.Int, error) {
	prefix := prefixed(balancePrefix, []byte(normalizeToken(token)), []byte{'/'})
	total := new(big.Int)
	err := m.db.Iterate(prefix, func(_, value []byte) (bool, error) {
		amount := new(big.Int)
		if err := rlp.DecodeBytes(value, amount); err != nil {
			return false, err
		}
		total.Add(total, amount)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return total, nil
}
