package common

import (
	"errors"
	"math"
	"sync"
)

var (
	ErrQuotaRequestsExceeded = errors.New("quota requests exceeded")
	ErrQuotaValueCapExceeded = errors.New("quota value cap exceeded")
	ErrQuotaCounterOverflow  = errors.New("quota counter overflow")
)

// QuotaNow captures the current quota usage counters for a caller.
type QuotaNow struct {
	ReqCount  uint32
	ValueUsed uint64
	EpochID   uint64
}

// Quota bounds how many instructions a caller may submit and how much value
// it may commit to custody within one epoch. Zero limits are unbounded.
type Quota struct {
	MaxRequestsPerEpoch uint32
	MaxValuePerEpoch    uint64
	EpochSeconds        uint32
}

// Enabled reports whether any limit is configured.
func (q Quota) Enabled() bool {
	return q.EpochSeconds > 0 && (q.MaxRequestsPerEpoch > 0 || q.MaxValuePerEpoch > 0)
}

// Epoch maps a unix timestamp onto the quota epoch it falls in.
func (q Quota) Epoch(now int64) uint64 {
	if q.EpochSeconds == 0 || now < 0 {
		return 0
	}
	return uint64(now) / uint64(q.EpochSeconds)
}

// CheckQuota verifies whether the additional request and value fit within the
// configured quota. The returned QuotaNow reflects the updated counters when the
// quota is not exceeded.
func CheckQuota(q Quota, nowEpoch uint64, prev QuotaNow, addReq uint32, addValue uint64) (QuotaNow, error) {
	next := prev
	if prev.EpochID != nowEpoch {
		next = QuotaNow{EpochID: nowEpoch}
	}

	if addReq > 0 {
		if next.ReqCount > math.MaxUint32-addReq {
			return prev, ErrQuotaCounterOverflow
		}
		next.ReqCount += addReq
	}
	if q.MaxRequestsPerEpoch > 0 && next.ReqCount > q.MaxRequestsPerEpoch {
		return prev, ErrQuotaRequestsExceeded
	}

	if addValue > 0 {
		if next.ValueUsed > math.MaxUint64-addValue {
			return prev, ErrQuotaCounterOverflow
		}
		next.ValueUsed += addValue
	}
	if q.MaxValuePerEpoch > 0 && next.ValueUsed > q.MaxValuePerEpoch {
		return prev, ErrQuotaValueCapExceeded
	}

	return next, nil
}

// QuotaTracker keeps per-caller counters for one Quota.
type QuotaTracker struct {
	quota Quota
	mu    sync.Mutex
	usage map[string]QuotaNow
}

// NewQuotaTracker returns a tracker enforcing q.
func NewQuotaTracker(q Quota) *QuotaTracker {
	return &QuotaTracker{quota: q, usage: make(map[string]QuotaNow)}
}

// Consume charges one request plus value to caller at time now. Counters are
// left untouched when the quota rejects the charge.
func (t *QuotaTracker) Consume(caller string, now int64, value uint64) error {
	if t == nil || !t.quota.Enabled() {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	next, err := CheckQuota(t.quota, t.quota.Epoch(now), t.usage[caller], 1, value)
	if err != nil {
		return err
	}
	t.usage[caller] = next
	return nil
}

// Refund returns value charged at time now to caller's cap. It is a no-op
// once the epoch has rolled over. The request itself stays counted.
func (t *QuotaTracker) Refund(caller string, now int64, value uint64) {
	if t == nil || !t.quota.Enabled() || value == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	usage, ok := t.usage[caller]
	if !ok || usage.EpochID != t.quota.Epoch(now) {
		return
	}
	if usage.ValueUsed < value {
		usage.ValueUsed = 0
	} else {
		usage.ValueUsed -= value
	}
	t.usage[caller] = usage
}
