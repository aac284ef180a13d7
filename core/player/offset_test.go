package player

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exchange simulates one ping against a server whose clock runs offset ms
// ahead, with the given one-way delays.
func exchange(e *OffsetEstimator, local, offset, up, down float64) {
	server := local + up + offset
	e.AddSample(local, local+up+down, server)
}

func TestNewSample(t *testing.T) {
	s := NewSample(1000, 1040, 5020)
	assert.Equal(t, 40.0, s.RTT)
	assert.Equal(t, 4000.0, s.Offset)

	// A receive before the send is treated as zero rtt.
	s = NewSample(1000, 990, 1500)
	assert.Equal(t, 0.0, s.RTT)
	assert.Equal(t, 500.0, s.Offset)
}

func TestEstimatorSingleSample(t *testing.T) {
	e := NewOffsetEstimator(DefaultWindow)
	assert.False(t, e.Ready())
	assert.Equal(t, 0, e.Quality())

	exchange(e, 10_000, 250, 10, 10)
	require.True(t, e.Ready())
	assert.InDelta(t, 250, e.Offset(), 1e-9)
	assert.InDelta(t, 250, e.FilteredOffset(), 1e-9)
	assert.Zero(t, e.Jitter())
}

func TestEstimatorConvergesUnderJitter(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	e := NewOffsetEstimator(DefaultWindow)

	const trueOffset = -1337.0
	local := 1_000_000.0
	for i := 0; i < 60; i++ {
		// Symmetric path, 20-60ms each way.
		d := 20 + rng.Float64()*40
		exchange(e, local, trueOffset, d, d+rng.Float64()*4-2)
		local += 200
	}

	assert.InDelta(t, trueOffset, e.FilteredOffset(), 20)
	assert.InDelta(t, trueOffset, e.Offset(), 20)
	assert.Equal(t, DefaultWindow, e.Len())
}

func TestEstimatorRejectsOutlier(t *testing.T) {
	e := NewOffsetEstimator(DefaultWindow)
	local := 50_000.0
	for i := 0; i < 7; i++ {
		exchange(e, local, 100, 15, 15)
		local += 100
	}
	// Server stalled for a second before answering.
	e.AddSample(local, local+30, local+15+100+1000)

	assert.InDelta(t, 100, e.Offset(), 5)
	assert.InDelta(t, 100, e.FilteredOffset(), 5)
	assert.Less(t, e.Quality(), 100)
}

func TestEstimatorZeroRTTSpread(t *testing.T) {
	e := NewOffsetEstimator(4)
	for i, off := range []float64{10, 12, 14, 16} {
		local := float64(i * 100)
		e.AddSample(local, local+20, local+10+off)
	}
	// Identical rtts leave nothing to regress on, so the estimate is the mean.
	assert.InDelta(t, 13, e.Offset(), 1e-9)
}

func TestEstimatorAsymmetricPathBias(t *testing.T) {
	e := NewOffsetEstimator(DefaultWindow)
	local := 0.0
	// Uplink delay grows with rtt, so naive offsets rise with rtt.
	for _, rtt := range []float64{10, 20, 30, 40, 50, 60, 70, 80} {
		exchange(e, local, 0, rtt*0.75, rtt*0.25)
		local += 100
	}
	naiveMean := 0.25 * 45 // mean of rtt/4 over the kept samples
	assert.Less(t, math.Abs(e.Offset()), naiveMean)
}

func TestEstimatorWindowSlides(t *testing.T) {
	e := NewOffsetEstimator(3)
	for i := 0; i < 3; i++ {
		exchange(e, float64(i*100), 500, 10, 10)
	}
	for i := 3; i < 9; i++ {
		exchange(e, float64(i*100), 900, 10, 10)
	}
	assert.Equal(t, 3, e.Len())
	assert.InDelta(t, 900, e.Offset(), 1e-9)
	// The filter lags the raw estimate but has moved towards it.
	assert.Greater(t, e.FilteredOffset(), 500.0)
	assert.LessOrEqual(t, e.FilteredOffset(), 900.0)
}

func TestEstimatorIgnoresInvalidSamples(t *testing.T) {
	e := NewOffsetEstimator(DefaultWindow)
	e.Add(Sample{RTT: math.NaN(), Offset: 1})
	e.Add(Sample{RTT: 1, Offset: math.Inf(1)})
	assert.False(t, e.Ready())
	assert.Zero(t, e.Len())
}

func TestEstimatorQualityAndReset(t *testing.T) {
	e := NewOffsetEstimator(4)
	for i := 0; i < 4; i++ {
		exchange(e, float64(i*100), 0, 5, 5)
	}
	q := e.Quality()
	assert.GreaterOrEqual(t, q, 0)
	assert.LessOrEqual(t, q, 100)
	assert.Equal(t, 100, q)
	assert.Equal(t, 1.0, e.Fit())

	e.Reset()
	assert.False(t, e.Ready())
	assert.Zero(t, e.Quality())
	assert.Zero(t, e.FilteredOffset())
}

func TestEstimatorQualityFollowsFit(t *testing.T) {
	// Offsets that rise with rtt are fully explained by the regression.
	linear := NewOffsetEstimator(DefaultWindow)
	local := 0.0
	for _, rtt := range []float64{10, 20, 30, 40, 50, 60, 70, 80} {
		exchange(linear, local, 0, rtt*0.75, rtt*0.25)
		local += 100
	}
	assert.InDelta(t, 1, linear.Fit(), 1e-9)
	assert.InDelta(t, 0, linear.Jitter(), 1e-9)

	// Offsets that alternate independently of rtt leave nothing explained.
	scattered := NewOffsetEstimator(DefaultWindow)
	local = 0
	for i, rtt := range []float64{10, 20, 30, 40, 50, 60, 70, 80} {
		off := 3.0
		if i%2 == 1 {
			off = -3
		}
		exchange(scattered, local, off, rtt/2, rtt/2)
		local += 100
	}
	assert.InDelta(t, 0, scattered.Fit(), 1e-9)

	assert.Greater(t, linear.Quality(), 90)
	assert.Less(t, scattered.Quality(), 75)
	assert.Less(t, scattered.Quality(), linear.Quality())
}

func TestSmoothingBounds(t *testing.T) {
	assert.InDelta(t, minAlpha, smoothing(0), 1e-12)
	assert.InDelta(t, maxAlpha, smoothing(jitterCeiling), 1e-12)
	assert.InDelta(t, maxAlpha, smoothing(10*jitterCeiling), 1e-12)
	mid := smoothing(jitterCeiling / 2)
	assert.Greater(t, mid, minAlpha)
	assert.Less(t, mid, maxAlpha)
}

func TestTrimByRTTKeepsTwo(t *testing.T) {
	kept := trimByRTT([]Sample{{RTT: 30}, {RTT: 10}})
	require.Len(t, kept, 2)
	assert.Equal(t, 10.0, kept[0].RTT)

	kept = trimByRTT([]Sample{{RTT: 5}, {RTT: 50}, {RTT: 40}, {RTT: 30}, {RTT: 20}})
	require.Len(t, kept, 4)
	assert.Equal(t, 40.0, kept[3].RTT)
}
