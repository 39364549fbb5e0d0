package events

import (
	"encoding/hex"
	"strconv"

	"github.com/Panmoni/yapbay-sub000/crypto"
)

func u64(v uint64) string { return strconv.FormatUint(v, 10) }

func i64(v int64) string { return strconv.FormatInt(v, 10) }

func hash(v [32]byte) string {
	if v == ([32]byte{}) {
		return ""
	}
	return hex.EncodeToString(v[:])
}

func addr(a crypto.Address) string {
	if a.IsZero() {
		return ""
	}
	return a.String()
}

func refAttrs(escrowID, tradeID uint64, timestamp int64) map[string]string {
	return map[string]string{
		"escrowId":  u64(escrowID),
		"tradeId":   u64(tradeID),
		"timestamp": i64(timestamp),
	}
}
