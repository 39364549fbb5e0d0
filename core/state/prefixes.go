package state

import (
	"strings"

	"github.com/Panmoni/yapbay-sub000/crypto"
	"github.com/Panmoni/yapbay-sub000/native/escrow"
)

var (
	balancePrefix         = []byte("balance/")
	escrowRecordPrefix    = []byte("escrow/record/")
	escrowTombstonePrefix = []byte("escrow/tombstone/")
	escrowBondPrefix      = []byte("escrow/bond/")
)

func prefixed(prefix []byte, parts ...[]byte) []byte {
	size := len(prefix)
	for _, part := range parts {
		size += len(part)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, prefix...)
	for _, part := range parts {
		buf = append(buf, part...)
	}
	return buf
}

func normalizeToken(token string) string {
	return strings.ToUpper(strings.TrimSpace(token))
}

// BalanceKey is the storage key of addr's holding of token.
func BalanceKey(addr crypto.Address, token string) []byte {
	return prefixed(balancePrefix, []byte(normalizeToken(token)), []byte{'/'}, addr[:])
}

// EscrowRecordKey is the storage key of a live escrow record.
func EscrowRecordKey(key [32]byte) []byte {
	return prefixed(escrowRecordPrefix, key[:])
}

// EscrowTombstoneKey is the storage key of a closed escrow's tombstone.
func EscrowTombstoneKey(key [32]byte) []byte {
	return prefixed(escrowTombstonePrefix, key[:])
}

// EscrowBondKey is the storage key of one party's bond account.
func EscrowBondKey(key [32]byte, party escrow.Party) []byte {
	return prefixed(escrowBondPrefix, key[:], []byte{byte(party)})
}
