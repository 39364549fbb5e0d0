package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// Masked replaces values of attributes that are not cleared for ledger logs.
const Masked = "[REDACTED]"

// publicAttrs are the attribute keys the ledger writes in the clear: the
// handler's own keys plus instruction identifiers and outcome labels.
// Evidence, resolution digests and counterparty addresses are not listed.
var publicAttrs = map[string]bool{
	"service":     true,
	"env":         true,
	"message":     true,
	"severity":    true,
	"timestamp":   true,
	"error":       true,
	"reason":      true,
	"component":   true,
	"instruction": true,
	"kind":        true,
	"state":       true,
	"escrow_id":   true,
	"trade_id":    true,
	"caller":      true,
}

// Public reports whether key may be logged unmasked. Matching ignores case
// and surrounding space.
func Public(key string) bool {
	return publicAttrs[strings.ToLower(strings.TrimSpace(key))]
}

// PublicKeys lists the cleared attribute keys in order.
func PublicKeys() []string {
	keys := make([]string, 0, len(publicAttrs))
	for key := range publicAttrs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Mask builds a string attribute, masking the value unless key is public.
// Blank values pass through so absent fields stay visibly empty.
func Mask(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || Public(key) {
		return slog.String(key, value)
	}
	return slog.String(key, Masked)
}

// DigestPrefix keeps the first eight hex characters of an evidence or
// resolution digest so log lines can be correlated without publishing it.
// Shorter values are masked outright.
func DigestPrefix(key, hexDigest string) slog.Attr {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexDigest), "0x")
	if len(trimmed) <= 8 {
		return Mask(key, trimmed)
	}
	return slog.String(key, trimmed[:8]+"…")
}
