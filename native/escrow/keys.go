package escrow

import (
	"encoding/binary"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/Panmoni/yapbay-sub000/crypto"
)

var (
	escrowSeed  = []byte("escrow")
	custodySeed = []byte("escrow_token")
	storageSeed = []byte("escrow_storage")
	bondSeed    = []byte("bond")
)

// EscrowKey derives the storage key of an escrow from its identifiers. The
// derivation is deterministic so a reused (escrow_id, trade_id) pair always
// lands on the same record.
func EscrowKey(ref Ref) [32]byte {
	var ids [16]byte
	binary.BigEndian.PutUint64(ids[:8], ref.EscrowID)
	binary.BigEndian.PutUint64(ids[8:], ref.TradeID)
	return ethcrypto.Keccak256Hash(escrowSeed, ids[:])
}

// CustodyAddress is the token account holding an escrow's principal and fee.
func CustodyAddress(key [32]byte) crypto.Address {
	return crypto.DeriveAddress(custodySeed, key[:])
}

// StorageAddress holds the rent deposited for an escrow record.
func StorageAddress(key [32]byte) crypto.Address {
	return crypto.DeriveAddress(storageSeed, key[:])
}

// BondAddress is the collateral account of one party of an escrow.
func BondAddress(key [32]byte, party Party) crypto.Address {
	return crypto.DeriveAddress(bondSeed, key[:], []byte{byte(party)})
}

// BondStorageAddress holds the rent deposited for a bond record.
func BondStorageAddress(key [32]byte, party Party) crypto.Address {
	return crypto.DeriveAddress(storageSeed, bondSeed, key[:], []byte{byte(party)})
}
