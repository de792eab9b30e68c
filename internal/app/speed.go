package app

import "time"

const (
	speedSampleInterval = 500 * time.Millisecond
	speedSmoothing      = 0.3
)

// speedMeter keeps an exponential moving average of transfer speed
type speedMeter struct {
	now        func() time.Time
	lastSample time.Time
	pending    int64
	bps        float64
}

func newSpeedMeter(now func() time.Time) *speedMeter {
	return &speedMeter{now: now, lastSample: now()}
}

// Add records n transferred bytes and returns the current average in bytes/s.
// Samples closer than speedSampleInterval are accumulated.
func (m *speedMeter) Add(n int64) float64 {
	m.pending += n
	now := m.now()
	elapsed := now.Sub(m.lastSample)
	if elapsed < speedSampleInterval {
		return m.bps
	}

	instant := float64(m.pending) / elapsed.Seconds()
	if m.bps == 0 {
		m.bps = instant
	} else {
		m.bps = (1-speedSmoothing)*m.bps + speedSmoothing*instant
	}
	m.pending = 0
	m.lastSample = now
	return m.bps
}
