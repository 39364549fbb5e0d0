package state

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/Panmoni/yapbay-sub000/crypto"
	"github.com/Panmoni/yapbay-sub000/native/escrow"
	"github.com/Panmoni/yapbay-sub000/storage"
)

type stagedWrite struct {
	value  []byte
	delete bool
}

// txn stages record writes and balance deltas. Balances are tracked as
// deltas rather than absolute values so concurrent instructions touching a
// shared account compose; commit re-validates each resulting balance.
type txn struct {
	m      *Manager
	writes map[string]stagedWrite
	// fresh holds keys that must not exist in the database at commit.
	fresh  map[string]struct{}
	deltas map[string]*big.Int
}

var _ escrow.Txn = (*txn)(nil)

func newTxn(m *Manager) *txn {
	return &txn{
		m:      m,
		writes: make(map[string]stagedWrite),
		fresh:  make(map[string]struct{}),
		deltas: make(map[string]*big.Int),
	}
}

func (tx *txn) get(key []byte) ([]byte, bool, error) {
	if staged, ok := tx.writes[string(key)]; ok {
		if staged.delete {
			return nil, false, nil
		}
		return staged.value, true, nil
	}
	return tx.m.get(key)
}

func (tx *txn) has(key []byte) (bool, error) {
	_, ok, err := tx.get(key)
	return ok, err
}

func (tx *txn) put(key, value []byte) {
	tx.writes[string(key)] = stagedWrite{value: value}
}

func (tx *txn) del(key []byte) {
	tx.writes[string(key)] = stagedWrite{delete: true}
}

func (tx *txn) EscrowGet(key [32]byte) (*escrow.Escrow, bool, error) {
	data, ok, err := tx.get(EscrowRecordKey(key))
	if err != nil || !ok {
		return nil, false, err
	}
	record, err := decodeEscrow(data)
	if err != nil {
		return nil, false, err
	}
	return record, true, nil
}

func (tx *txn) EscrowTombstone(key [32]byte) (*escrow.Tombstone, bool, error) {
	data, ok, err := tx.get(EscrowTombstoneKey(key))
	if err != nil || !ok {
		return nil, false, err
	}
	tomb, err := decodeTombstone(data)
	if err != nil {
		return nil, false, err
	}
	return tomb, true, nil
}

func (tx *txn) EscrowCreate(e *escrow.Escrow) error {
	if e == nil {
		return fmt.Errorf("escrow: nil record")
	}
	recordKey := EscrowRecordKey(e.Key)
	tombKey := EscrowTombstoneKey(e.Key)
	for _, key := range [][]byte{recordKey, tombKey} {
		exists, err := tx.has(key)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: escrow %s", escrow.ErrAlreadyInUse, e.Ref())
		}
	}
	encoded, err := encodeEscrow(e)
	if err != nil {
		return err
	}
	tx.put(recordKey, encoded)
	tx.fresh[string(recordKey)] = struct{}{}
	tx.fresh[string(tombKey)] = struct{}{}
	return nil
}

func (tx *txn) EscrowPut(e *escrow.Escrow) error {
	if e == nil {
		return fmt.Errorf("escrow: nil record")
	}
	key := EscrowRecordKey(e.Key)
	exists, err := tx.has(key)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", escrow.ErrEscrowNotFound, e.Ref())
	}
	encoded, err := encodeEscrow(e)
	if err != nil {
		return err
	}
	tx.put(key, encoded)
	return nil
}

func (tx *txn) EscrowClose(key [32]byte, final escrow.State, closedAt int64) error {
	if !final.Terminal() {
		return fmt.Errorf("escrow: cannot close in state %s", final)
	}
	recordKey := EscrowRecordKey(key)
	exists, err := tx.has(recordKey)
	if err != nil {
		return err
	}
	if !exists {
		return escrow.ErrEscrowNotFound
	}
	encoded, err := encodeTombstone(&escrow.Tombstone{Key: key, State: final, ClosedAt: closedAt})
	if err != nil {
		return err
	}
	tx.del(recordKey)
	tx.put(EscrowTombstoneKey(key), encoded)
	return nil
}

func (tx *txn) BondGet(key [32]byte, party escrow.Party) (*escrow.BondAccount, bool, error) {
	data, ok, err := tx.get(EscrowBondKey(key, party))
	if err != nil || !ok {
		return nil, false, err
	}
	bond, err := decodeBond(data)
	if err != nil {
		return nil, false, err
	}
	return bond, true, nil
}

func (tx *txn) BondCreate(b *escrow.BondAccount) error {
	if b == nil {
		return fmt.Errorf("bond: nil account")
	}
	key := EscrowBondKey(b.EscrowKey, b.Party)
	exists, err := tx.has(key)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s bond", escrow.ErrAlreadyInUse, b.Party)
	}
	encoded, err := encodeBond(b)
	if err != nil {
		return err
	}
	tx.put(key, encoded)
	tx.fresh[string(key)] = struct{}{}
	return nil
}

func (tx *txn) BondPut(b *escrow.BondAccount) error {
	if b == nil {
		return fmt.Errorf("bond: nil account")
	}
	key := EscrowBondKey(b.EscrowKey, b.Party)
	exists, err := tx.has(key)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("bond: %s account not initialised", b.Party)
	}
	encoded, err := encodeBond(b)
	if err != nil {
		return err
	}
	tx.put(key, encoded)
	return nil
}

func (tx *txn) BondClose(key [32]byte, party escrow.Party) error {
	bondKey := EscrowBondKey(key, party)
	exists, err := tx.has(bondKey)
	if err != nil {
		return err
	}
	if exists {
		tx.del(bondKey)
	}
	return nil
}

func (tx *txn) Balance(addr crypto.Address, token string) (*big.Int, error) {
	key := BalanceKey(addr, token)
	base, err := tx.m.storedBalance(key)
	if err != nil {
		return nil, err
	}
	if delta, ok := tx.deltas[string(key)]; ok {
		base.Add(base, delta)
	}
	return base, nil
}

func (tx *txn) Transfer(from, to crypto.Address, token string, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("transfer amount must not be negative")
	}
	if from.IsZero() || to.IsZero() {
		return fmt.Errorf("%w: transfer endpoint unset", escrow.ErrInvalidAddress)
	}
	if normalizeToken(token) == "" {
		return fmt.Errorf("token symbol must not be empty")
	}
	if from == to {
		return nil
	}
	available, err := tx.Balance(from, token)
	if err != nil {
		return err
	}
	if available.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s %s, needs %s", escrow.ErrInsufficientFunds, from, available, normalizeToken(token), amount)
	}
	tx.addDelta(BalanceKey(from, token), new(big.Int).Neg(amount))
	tx.addDelta(BalanceKey(to, token), amount)
	return nil
}

func (tx *txn) addDelta(key []byte, amount *big.Int) {
	current, ok := tx.deltas[string(key)]
	if !ok {
		current = big.NewInt(0)
		tx.deltas[string(key)] = current
	}
	current.Add(current, amount)
}

func (tx *txn) commit() error {
	if len(tx.writes) == 0 && len(tx.deltas) == 0 {
		return nil
	}
	tx.m.commitMu.Lock()
	defer tx.m.commitMu.Unlock()

	for key := range tx.fresh {
		exists, err := tx.m.db.Has([]byte(key))
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: concurrent create", escrow.ErrAlreadyInUse)
		}
	}

	batch := storage.NewBatch()
	for _, key := range sortedKeys(tx.deltas) {
		delta := tx.deltas[key]
		if delta.Sign() == 0 {
			continue
		}
		base, err := tx.m.storedBalance([]byte(key))
		if err != nil {
			return err
		}
		next := new(big.Int).Add(base, delta)
		if next.Sign() < 0 {
			return fmt.Errorf("%w: balance would go negative at commit", escrow.ErrInsufficientFunds)
		}
		if next.Sign() == 0 {
			batch.Delete([]byte(key))
			continue
		}
		encoded, err := rlp.EncodeToBytes(next)
		if err != nil {
			return err
		}
		batch.Put([]byte(key), encoded)
	}
	for _, key := range sortedKeys(tx.writes) {
		staged := tx.writes[key]
		if staged.delete {
			batch.Delete([]byte(key))
			continue
		}
		batch.Put([]byte(key), staged.value)
	}
	if batch.Len() == 0 {
		return nil
	}
	return tx.m.db.Write(batch)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
