// Package clock is the server's timing authority. All room scheduling math
// is done in its monotonic millisecond frame; wall-clock time is exposed only
// for diagnostics and for devices that want to relate the two frames.
package clock

import (
	"sync"
	"time"

	bclock "github.com/benbjohnson/clock"
)

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// Authority is a monotonic millisecond counter started once at construction.
type Authority struct {
	src  bclock.Clock
	boot time.Time

	// fixedOffset is wall-clock boot time minus monotonic boot time (0).
	fixedOffset int64

	mu   sync.Mutex
	last int64
}

// New starts an authority on the real clock.
func New() *Authority {
	return NewWithSource(bclock.New())
}

// NewWithSource starts an authority on an arbitrary time source; tests pass
// a *bclock.Mock.
func NewWithSource(src bclock.Clock) *Authority {
	boot := src.Now()
	return &Authority{
		src:         src,
		boot:        boot,
		fixedOffset: boot.UnixMilli(),
	}
}

// Now returns milliseconds elapsed since the authority started. It never
// goes backwards, whatever happens to the wall clock: time.Since on the real
// source reads the runtime's monotonic clock.
func (a *Authority) Now() int64 {
	elapsed := a.src.Since(a.boot).Milliseconds()

	a.mu.Lock()
	defer a.mu.Unlock()
	if elapsed < a.last {
		return a.last
	}
	a.last = elapsed
	return elapsed
}

// UnixNow is Now expressed as Unix milliseconds, using the offset captured
// at boot. Diagnostic only.
func (a *Authority) UnixNow() int64 {
	return a.Now() + a.fixedOffset
}

// MonotonicToUnix converts an instant in the authority frame to Unix ms.
func (a *Authority) MonotonicToUnix(ms int64) int64 {
	return ms + a.fixedOffset
}

// AfterFunc runs f in its own goroutine once d has elapsed.
func (a *Authority) AfterFunc(d time.Duration, f func()) Timer {
	return a.src.AfterFunc(d, f)
}
