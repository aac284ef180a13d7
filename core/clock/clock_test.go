package clock

import (
	"sync/atomic"
	"testing"
	"time"

	bclock "github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthorityStartsAtZero(t *testing.T) {
	mock := bclock.NewMock()
	mock.Set(time.UnixMilli(1_700_000_000_000))
	a := NewWithSource(mock)

	assert.Equal(t, int64(0), a.Now())
	assert.Equal(t, int64(1_700_000_000_000), a.UnixNow())

	mock.Add(1500 * time.Millisecond)
	assert.Equal(t, int64(1500), a.Now())
	assert.Equal(t, int64(1_700_000_001_500), a.UnixNow())
	assert.Equal(t, int64(1_700_000_000_250), a.MonotonicToUnix(250))
}

func TestAuthorityNeverGoesBackwards(t *testing.T) {
	mock := bclock.NewMock()
	mock.Set(time.UnixMilli(10_000))
	a := NewWithSource(mock)

	mock.Add(2 * time.Second)
	require.Equal(t, int64(2000), a.Now())

	// A wall-clock step backwards on the source must not be visible.
	mock.Set(time.UnixMilli(10_500))
	assert.Equal(t, int64(2000), a.Now())

	mock.Set(time.UnixMilli(13_000))
	assert.Equal(t, int64(3000), a.Now())
}

func TestAuthorityRealClockIsNonDecreasing(t *testing.T) {
	a := New()
	prev := a.Now()
	for i := 0; i < 1000; i++ {
		now := a.Now()
		require.GreaterOrEqual(t, now, prev)
		prev = now
	}
}

func TestAuthorityAfterFunc(t *testing.T) {
	mock := bclock.NewMock()
	a := NewWithSource(mock)

	var fired atomic.Bool
	a.AfterFunc(time.Second, func() { fired.Store(true) })

	mock.Add(999 * time.Millisecond)
	assert.False(t, fired.Load())

	mock.Add(time.Millisecond)
	assert.Eventually(t, fired.Load, time.Second, 5*time.Millisecond)
}
