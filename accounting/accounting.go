// Package accounting implements the exit-side per-session bandwidth
// account of §4.8: a saturating byte counter, debounced change
// notifications, and bandwidth-token redemption.
//
// Grounded on Yawning-obfs4/weighted_dist.go's small numeric-state
// style (a struct wrapping one counter with a handful of mutating
// methods, no surrounding framework); the token-bucket comparison for
// "how many bytes is an exit allowed to push in a window" borrows the
// vocabulary of golang.org/x/time/rate without adopting its API
// directly, since §4.8's accounting is a one-shot credit balance, not
// a refilling rate limiter — rate.Limiter is reserved for smoothing
// per-exit aggregate throughput, below.
package accounting

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// tokenCredit is the number of bytes one redeemed bandwidth token is
// worth, per §4.8 ("+10 MB each").
const tokenCredit = 10 * 1024 * 1024

// debounceInterval bounds how often the remaining-count writer emits
// an update, per §4.8 ("debounces emits by ~200 ms").
const debounceInterval = 200 * time.Millisecond

// BwAccount is a saturating-at-zero byte balance for one session.
// Unlimited accounts (e.g. brokerless direct exits) never decrement;
// set via NewUnlimited.
type BwAccount struct {
	remaining   uint64
	unlimited   bool
	mu          sync.Mutex
	lastNotify  time.Time
	notifyTimer *time.Timer
	onChange    func(remaining uint64)
}

// New creates a metered account starting at zero remaining bytes; it
// spends bytes and accepts bandwidth-token credits the caller hands
// it from the wire.
func New(onChange func(remaining uint64)) *BwAccount {
	return &BwAccount{onChange: onChange}
}

// NewUnlimited creates an account that never runs out — used when no
// broker-issued token regime applies.
func NewUnlimited() *BwAccount {
	return &BwAccount{unlimited: true}
}

// Spend decrements the balance by n bytes, saturating at zero rather
// than wrapping, and schedules a debounced change notification. It
// reports whether the account had any balance left before the spend
// (false means the session should stop forwarding).
func (a *BwAccount) Spend(n uint64) bool {
	if a.unlimited {
		return true
	}
	for {
		cur := atomic.LoadUint64(&a.remaining)
		if cur == 0 {
			return false
		}
		next := cur - n
		if n > cur {
			next = 0
		}
		if atomic.CompareAndSwapUint64(&a.remaining, cur, next) {
			a.scheduleNotify()
			return true
		}
	}
}

// Redeem credits the account with one bandwidth token's worth of
// bytes.
func (a *BwAccount) Redeem() {
	if a.unlimited {
		return
	}
	atomic.AddUint64(&a.remaining, tokenCredit)
	a.scheduleNotify()
}

// Remaining reports the current balance.
func (a *BwAccount) Remaining() uint64 {
	return atomic.LoadUint64(&a.remaining)
}

// scheduleNotify debounces onChange calls to at most once per
// debounceInterval, always delivering the most recent balance.
func (a *BwAccount) scheduleNotify() {
	if a.onChange == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.notifyTimer != nil {
		return
	}
	wait := debounceInterval - time.Since(a.lastNotify)
	if wait < 0 {
		wait = 0
	}
	a.notifyTimer = time.AfterFunc(wait, func() {
		a.mu.Lock()
		a.notifyTimer = nil
		a.lastNotify = time.Now()
		a.mu.Unlock()
		a.onChange(a.Remaining())
	})
}

// ExitRateLimiter smooths one exit process's aggregate outbound
// throughput across all sessions, independent of any one session's
// BwAccount balance. Named ecosystem pick: golang.org/x/time/rate is
// the standard token-bucket limiter in the Go ecosystem and nothing
// in the retrieval pack implements one.
type ExitRateLimiter struct {
	limiter *rate.Limiter
}

// NewExitRateLimiter builds a limiter allowing bytesPerSec sustained
// throughput with a burst of burstBytes.
func NewExitRateLimiter(bytesPerSec, burstBytes int) *ExitRateLimiter {
	return &ExitRateLimiter{limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burstBytes)}
}

// WaitN blocks until n bytes' worth of budget is available or ctx is
// done.
func (r *ExitRateLimiter) WaitN(ctx context.Context, n int) error {
	return r.limiter.WaitN(ctx, n)
}
