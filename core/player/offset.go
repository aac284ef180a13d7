// Package player is the device half of the sync protocol: it estimates the
// offset between the local clock and the server authority, schedules media
// starts against server instants, and keeps the local media element in step
// with the room while it plays.
package player

import (
	"math"
	"sort"
	"sync"
)

const (
	DefaultWindow = 8

	minAlpha      = 0.15
	maxAlpha      = 0.60
	jitterCeiling = 50.0 // ms; jitter at or above this is treated as worst case
	madFloor      = 1.0  // ms
	madCutoff     = 3.0
	rttTrimRatio  = 0.2

	// The naive offset error is bounded by half the round trip.
	maxSlope = 0.5
)

// Sample is one ping exchange, all values in milliseconds.
type Sample struct {
	RTT    float64
	Offset float64 // server - (t0 + rtt/2)
}

// NewSample builds a sample from the local send and receive instants and the
// server's timestamp, all in Unix milliseconds.
func NewSample(t0, t1, serverTime float64) Sample {
	rtt := t1 - t0
	if rtt < 0 {
		rtt = 0
	}
	return Sample{RTT: rtt, Offset: serverTime - (t0 + rtt/2)}
}

// OffsetEstimator tracks serverTime - localTime over a sliding window of
// ping samples. Each new sample triggers a full refit: outlier rejection,
// then a regression of offset against rtt whose intercept at zero rtt is the
// estimate.
type OffsetEstimator struct {
	mu     sync.RWMutex
	window int

	samples  []Sample
	offset   float64
	filtered float64
	jitter   float64
	r2       float64
	kept     int
	hasFit   bool
}

func NewOffsetEstimator(window int) *OffsetEstimator {
	if window < 1 {
		window = DefaultWindow
	}
	return &OffsetEstimator{window: window, samples: make([]Sample, 0, window)}
}

// AddSample records a ping exchange and refits.
func (e *OffsetEstimator) AddSample(t0, t1, serverTime float64) Sample {
	s := NewSample(t0, t1, serverTime)
	e.Add(s)
	return s
}

// Add records a prepared sample and refits.
func (e *OffsetEstimator) Add(s Sample) {
	if math.IsNaN(s.Offset) || math.IsInf(s.Offset, 0) || math.IsNaN(s.RTT) || math.IsInf(s.RTT, 0) {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.samples) == e.window {
		copy(e.samples, e.samples[1:])
		e.samples = e.samples[:e.window-1]
	}
	e.samples = append(e.samples, s)

	f := fit(e.samples)
	e.offset = f.offset
	e.jitter = f.jitter
	e.r2 = f.r2
	e.kept = f.kept

	if !e.hasFit {
		e.filtered = f.offset
		e.hasFit = true
		return
	}
	alpha := smoothing(f.jitter)
	e.filtered += alpha * (f.offset - e.filtered)
}

// Offset is the latest raw estimate.
func (e *OffsetEstimator) Offset() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.offset
}

// FilteredOffset is the smoothed estimate used for scheduling.
func (e *OffsetEstimator) FilteredOffset() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.filtered
}

// Jitter is the residual standard deviation of the last fit, in ms.
func (e *OffsetEstimator) Jitter() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.jitter
}

// Fit is the r² of the last regression of offset against rtt. Offsets that
// all agree count as a perfect fit.
func (e *OffsetEstimator) Fit() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.r2
}

// Ready reports whether at least one sample has been accepted.
func (e *OffsetEstimator) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.hasFit
}

func (e *OffsetEstimator) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.samples)
}

// Quality scores the estimate from 0 (unusable) to 100. It falls with
// jitter, with a poor regression fit, with the share of samples the filters
// had to reject and while the window is still filling.
func (e *OffsetEstimator) Quality() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	n := len(e.samples)
	if n == 0 {
		return 0
	}
	jitterScore := math.Max(0, 1-e.jitter/jitterCeiling)
	keptScore := float64(e.kept) / float64(n)
	fill := float64(n) / float64(e.window)

	q := 100 * jitterScore * (0.5 + 0.25*keptScore + 0.25*e.r2) * (0.5 + 0.5*fill)
	return int(math.Round(math.Max(0, math.Min(100, q))))
}

// Reset forgets every sample.
func (e *OffsetEstimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.samples = e.samples[:0]
	e.offset, e.filtered, e.jitter, e.r2 = 0, 0, 0, 0
	e.kept = 0
	e.hasFit = false
}

// smoothing maps jitter onto the EMA factor: a noisier network moves the
// filtered value faster so it can follow real drift.
func smoothing(jitter float64) float64 {
	ratio := math.Min(math.Max(jitter/jitterCeiling, 0), 1)
	return minAlpha + (maxAlpha-minAlpha)*ratio
}

type fitResult struct {
	offset float64
	jitter float64 // residual standard deviation
	r2     float64
	kept   int // samples that survived filtering
}

func fit(samples []Sample) fitResult {
	if len(samples) == 1 {
		return fitResult{offset: samples[0].Offset, r2: 1, kept: 1}
	}

	kept := trimByRTT(rejectOutliers(samples))
	if len(kept) < 2 {
		return fitResult{offset: mean(kept), r2: 1, kept: len(kept)}
	}

	intercept, slope, r2 := regress(kept)
	var ss float64
	for _, s := range kept {
		r := s.Offset - (intercept + slope*s.RTT)
		ss += r * r
	}
	return fitResult{
		offset: intercept,
		jitter: math.Sqrt(ss / float64(len(kept))),
		r2:     r2,
		kept:   len(kept),
	}
}

// rejectOutliers drops samples further than madCutoff median absolute
// deviations from the median offset.
func rejectOutliers(samples []Sample) []Sample {
	offsets := make([]float64, len(samples))
	for i, s := range samples {
		offsets[i] = s.Offset
	}
	med := median(offsets)

	dev := make([]float64, len(samples))
	for i, o := range offsets {
		dev[i] = math.Abs(o - med)
	}
	mad := math.Max(median(dev), madFloor)

	kept := make([]Sample, 0, len(samples))
	for i, s := range samples {
		if dev[i] <= madCutoff*mad {
			kept = append(kept, s)
		}
	}
	return kept
}

// trimByRTT drops the slowest rttTrimRatio of samples, keeping at least two.
func trimByRTT(samples []Sample) []Sample {
	sorted := append([]Sample(nil), samples...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].RTT < sorted[j].RTT })

	keep := len(sorted) - int(math.Floor(float64(len(sorted))*rttTrimRatio))
	if keep < 2 {
		keep = min(2, len(sorted))
	}
	return sorted[:keep]
}

// regress fits offset = intercept + slope*rtt and returns the fit's r². The
// slope is shrunk by r² and bounded by maxSlope; with no rtt spread it is
// zero and the intercept is the mean. Identical offsets give r² 1, offsets
// that vary with no rtt spread give 0.
func regress(samples []Sample) (float64, float64, float64) {
	n := float64(len(samples))
	var mr, mo float64
	for _, s := range samples {
		mr += s.RTT
		mo += s.Offset
	}
	mr /= n
	mo /= n

	var sxx, sxy, syy float64
	for _, s := range samples {
		dx, dy := s.RTT-mr, s.Offset-mo
		sxx += dx * dx
		sxy += dx * dy
		syy += dy * dy
	}
	if syy < 1e-9 {
		return mo, 0, 1
	}
	if sxx < 1e-9 {
		return mo, 0, 0
	}

	slope := sxy / sxx
	r2 := (sxy * sxy) / (sxx * syy)
	slope = math.Max(-maxSlope, math.Min(maxSlope, slope*r2))
	return mo - slope*mr, slope, r2
}

func mean(samples []Sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s.Offset
	}
	return sum / float64(len(samples))
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
