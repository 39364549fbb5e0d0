package escrow

import (
	"fmt"
	"time"
)

const (
	DefaultDepositWindow         = 15 * time.Minute
	DefaultFiatWindow            = 30 * time.Minute
	DefaultDisputeResponseWindow = 72 * time.Hour
)

// DeadlineClock computes and checks the deposit, fiat and dispute-response
// deadlines. Deadlines are unix seconds; a deadline of zero means unset.
// Nothing is force-expired in the background: callers evaluate a deadline
// when an instruction arrives.
type DeadlineClock struct {
	DepositWindow         time.Duration
	FiatWindow            time.Duration
	DisputeResponseWindow time.Duration
	nowFn                 func() int64
}

// DefaultDeadlineClock returns the platform windows bound to wall-clock time.
func DefaultDeadlineClock() DeadlineClock {
	return DeadlineClock{
		DepositWindow:         DefaultDepositWindow,
		FiatWindow:            DefaultFiatWindow,
		DisputeResponseWindow: DefaultDisputeResponseWindow,
	}
}

// Validate rejects non-positive windows.
func (c DeadlineClock) Validate() error {
	if c.DepositWindow < time.Second {
		return fmt.Errorf("escrow clock: deposit window must be at least 1s")
	}
	if c.FiatWindow < time.Second {
		return fmt.Errorf("escrow clock: fiat window must be at least 1s")
	}
	if c.DisputeResponseWindow < time.Second {
		return fmt.Errorf("escrow clock: dispute response window must be at least 1s")
	}
	return nil
}

// WithNow returns a copy of the clock reading time from now. A nil function
// restores wall-clock time.
func (c DeadlineClock) WithNow(now func() int64) DeadlineClock {
	c.nowFn = now
	return c
}

// Now returns the current unix time in seconds.
func (c DeadlineClock) Now() int64 {
	if c.nowFn == nil {
		return time.Now().Unix()
	}
	return c.nowFn()
}

// DepositDeadline is the funding cut-off for an escrow created at now.
func (c DeadlineClock) DepositDeadline(now int64) int64 {
	return now + int64(c.DepositWindow/time.Second)
}

// FiatDeadline is the fiat payment cut-off for an escrow funded at now.
func (c DeadlineClock) FiatDeadline(now int64) int64 {
	return now + int64(c.FiatWindow/time.Second)
}

// ResponseDeadline is the last second a counterparty may answer a dispute
// opened at openedAt.
func (c DeadlineClock) ResponseDeadline(openedAt int64) int64 {
	return openedAt + int64(c.DisputeResponseWindow/time.Second)
}

// Expired reports whether a set deadline lies strictly before now.
func Expired(deadline, now int64) bool {
	return deadline != 0 && now > deadline
}
