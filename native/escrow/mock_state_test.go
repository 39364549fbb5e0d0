package escrow

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/Panmoni/yapbay-sub000/core/events"
	"github.com/Panmoni/yapbay-sub000/crypto"
)

type bondSlot struct {
	key   [32]byte
	party Party
}

type balanceSlot struct {
	addr  crypto.Address
	token string
}

// mockTxn holds a full copy of the state. Update works on a clone and swaps
// it in only when the instruction succeeds.
type mockTxn struct {
	escrows    map[[32]byte]*Escrow
	tombstones map[[32]byte]*Tombstone
	bonds      map[bondSlot]*BondAccount
	balances   map[balanceSlot]*big.Int
}

type mockState struct {
	mu   sync.Mutex
	data *mockTxn
}

func newMockState() *mockState {
	return &mockState{data: &mockTxn{
		escrows:    make(map[[32]byte]*Escrow),
		tombstones: make(map[[32]byte]*Tombstone),
		bonds:      make(map[bondSlot]*BondAccount),
		balances:   make(map[balanceSlot]*big.Int),
	}}
}

func (m *mockTxn) clone() *mockTxn {
	out := &mockTxn{
		escrows:    make(map[[32]byte]*Escrow, len(m.escrows)),
		tombstones: make(map[[32]byte]*Tombstone, len(m.tombstones)),
		bonds:      make(map[bondSlot]*BondAccount, len(m.bonds)),
		balances:   make(map[balanceSlot]*big.Int, len(m.balances)),
	}
	for k, v := range m.escrows {
		out.escrows[k] = v.Clone()
	}
	for k, v := range m.tombstones {
		tomb := *v
		out.tombstones[k] = &tomb
	}
	for k, v := range m.bonds {
		out.bonds[k] = v.Clone()
	}
	for k, v := range m.balances {
		out.balances[k] = new(big.Int).Set(v)
	}
	return out
}

func (m *mockState) Update(fn func(Txn) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	staged := m.data.clone()
	if err := fn(staged); err != nil {
		return err
	}
	m.data = staged
	return nil
}

func (m *mockState) View(fn func(Txn) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.data.clone())
}

func (m *mockState) credit(addr crypto.Address, token string, amount uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot := balanceSlot{addr: addr, token: strings.ToUpper(token)}
	current, ok := m.data.balances[slot]
	if !ok {
		current = big.NewInt(0)
		m.data.balances[slot] = current
	}
	current.Add(current, new(big.Int).SetUint64(amount))
}

func (m *mockState) balance(addr crypto.Address, token string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.data.balances[balanceSlot{addr: addr, token: strings.ToUpper(token)}]
	if !ok {
		return 0
	}
	return current.Uint64()
}

func (m *mockState) supply(token string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := new(big.Int)
	for slot, amount := range m.data.balances {
		if slot.token == strings.ToUpper(token) {
			total.Add(total, amount)
		}
	}
	return total.Uint64()
}

func (m *mockTxn) EscrowGet(key [32]byte) (*Escrow, bool, error) {
	rec, ok := m.escrows[key]
	if !ok {
		return nil, false, nil
	}
	return rec.Clone(), true, nil
}

func (m *mockTxn) EscrowTombstone(key [32]byte) (*Tombstone, bool, error) {
	tomb, ok := m.tombstones[key]
	if !ok {
		return nil, false, nil
	}
	out := *tomb
	return &out, true, nil
}

func (m *mockTxn) EscrowCreate(e *Escrow) error {
	if _, ok := m.escrows[e.Key]; ok {
		return ErrAlreadyInUse
	}
	if _, ok := m.tombstones[e.Key]; ok {
		return ErrAlreadyInUse
	}
	sanitized, err := SanitizeEscrow(e)
	if err != nil {
		return err
	}
	m.escrows[e.Key] = sanitized
	return nil
}

func (m *mockTxn) EscrowPut(e *Escrow) error {
	if _, ok := m.escrows[e.Key]; !ok {
		return ErrEscrowNotFound
	}
	sanitized, err := SanitizeEscrow(e)
	if err != nil {
		return err
	}
	m.escrows[e.Key] = sanitized
	return nil
}

func (m *mockTxn) EscrowClose(key [32]byte, final State, closedAt int64) error {
	if _, ok := m.escrows[key]; !ok {
		return ErrEscrowNotFound
	}
	delete(m.escrows, key)
	m.tombstones[key] = &Tombstone{Key: key, State: final, ClosedAt: closedAt}
	return nil
}

func (m *mockTxn) BondGet(key [32]byte, party Party) (*BondAccount, bool, error) {
	bond, ok := m.bonds[bondSlot{key: key, party: party}]
	if !ok {
		return nil, false, nil
	}
	return bond.Clone(), true, nil
}

func (m *mockTxn) BondCreate(b *BondAccount) error {
	slot := bondSlot{key: b.EscrowKey, party: b.Party}
	if _, ok := m.bonds[slot]; ok {
		return ErrAlreadyInUse
	}
	m.bonds[slot] = b.Clone()
	return nil
}

func (m *mockTxn) BondPut(b *BondAccount) error {
	slot := bondSlot{key: b.EscrowKey, party: b.Party}
	if _, ok := m.bonds[slot]; !ok {
		return fmt.Errorf("bond missing")
	}
	m.bonds[slot] = b.Clone()
	return nil
}

func (m *mockTxn) BondClose(key [32]byte, party Party) error {
	delete(m.bonds, bondSlot{key: key, party: party})
	return nil
}

func (m *mockTxn) Balance(addr crypto.Address, token string) (*big.Int, error) {
	current, ok := m.balances[balanceSlot{addr: addr, token: strings.ToUpper(token)}]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(current), nil
}

func (m *mockTxn) Transfer(from, to crypto.Address, token string, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	token = strings.ToUpper(token)
	fromSlot := balanceSlot{addr: from, token: token}
	available, ok := m.balances[fromSlot]
	if !ok || available.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	available.Sub(available, amount)
	toSlot := balanceSlot{addr: to, token: token}
	if _, ok := m.balances[toSlot]; !ok {
		m.balances[toSlot] = big.NewInt(0)
	}
	m.balances[toSlot].Add(m.balances[toSlot], amount)
	return nil
}

type recordingEmitter struct {
	events []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) { r.events = append(r.events, evt) }

func (r *recordingEmitter) types() []string {
	out := make([]string, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.EventType())
	}
	return out
}

type pauseMap map[string]bool

func (p pauseMap) IsPaused(module string) bool { return p[module] }

func addrFor(name string) crypto.Address {
	return crypto.DeriveAddress([]byte("escrow-test"), []byte(name))
}

var (
	testSeller     = addrFor("seller")
	testBuyer      = addrFor("buyer")
	testArbitrator = addrFor("arbitrator")
	testNextLeg    = addrFor("next-leg")
	testStranger   = addrFor("stranger")
)

const (
	testStart      int64  = 1_700_000_000
	testAmount     uint64 = 1_000_000
	startingTokens uint64 = 10_000_000
	startingRent   uint64 = 100_000_000
)

type fixture struct {
	t       *testing.T
	engine  *Engine
	state   *mockState
	emitter *recordingEmitter
	now     int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	engine, err := NewEngine(DefaultParams(testArbitrator))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	f := &fixture{
		t:       t,
		engine:  engine,
		state:   newMockState(),
		emitter: &recordingEmitter{},
		now:     testStart,
	}
	engine.SetState(f.state)
	engine.SetEmitter(f.emitter)
	engine.SetNowFunc(func() int64 { return f.now })
	for _, addr := range []crypto.Address{testSeller, testBuyer} {
		f.state.credit(addr, DefaultToken, startingTokens)
		f.state.credit(addr, DefaultRentToken, startingRent)
	}
	return f
}

func (f *fixture) ref(id uint64) Ref { return Ref{EscrowID: id, TradeID: id * 10} }

func (f *fixture) usdc(addr crypto.Address) uint64 { return f.state.balance(addr, DefaultToken) }

func (f *fixture) rent(addr crypto.Address) uint64 { return f.state.balance(addr, DefaultRentToken) }

func (f *fixture) create(ref Ref, amount uint64) *Receipt {
	f.t.Helper()
	receipt, err := f.engine.Create(testSeller, CreateParams{Ref: ref, Amount: amount, Buyer: testBuyer})
	if err != nil {
		f.t.Fatalf("create %s: %v", ref, err)
	}
	return receipt
}

func (f *fixture) fund(ref Ref) *Receipt {
	f.t.Helper()
	receipt, err := f.engine.Fund(testSeller, ref)
	if err != nil {
		f.t.Fatalf("fund %s: %v", ref, err)
	}
	return receipt
}

func (f *fixture) markPaid(ref Ref) {
	f.t.Helper()
	if _, err := f.engine.MarkFiatPaid(testBuyer, ref); err != nil {
		f.t.Fatalf("mark fiat paid %s: %v", ref, err)
	}
}

func (f *fixture) funded(id uint64) Ref {
	f.t.Helper()
	ref := f.ref(id)
	f.create(ref, testAmount)
	f.fund(ref)
	return ref
}

func (f *fixture) escrow(ref Ref) *Escrow {
	f.t.Helper()
	rec, err := f.engine.Escrow(ref)
	if err != nil {
		f.t.Fatalf("load %s: %v", ref, err)
	}
	return rec
}
