package adcd

import (
	"sync"

	"gonum.org/v1/gonum/stat"
)

// FrameStats summarizes the samples one channel received in the most recent
// frame. First and second moments only; anything spectral belongs elsewhere.
type FrameStats struct {
	Mean   float64
	StdDev float64
	Nsamp  int
}

// NoiseMonitor keeps the latest per-frame sample statistics for each channel,
// for the status publisher and operator diagnostics.
type NoiseMonitor struct {
	mu    sync.Mutex
	stats []FrameStats
}

// NewNoiseMonitor creates a monitor for nchan channels.
func NewNoiseMonitor(nchan int) *NoiseMonitor {
	return &NoiseMonitor{stats: make([]FrameStats, nchan)}
}

// absorbFrame replaces each channel's statistics with those of the given
// demultiplexed frame. Channels with no samples in this frame keep their
// previous figures.
func (m *NoiseMonitor) absorbFrame(samples [][]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch, vals := range samples {
		if ch >= len(m.stats) || len(vals) == 0 {
			continue
		}
		mean, std := stat.MeanStdDev(vals, nil)
		if len(vals) < 2 {
			std = 0
		}
		m.stats[ch] = FrameStats{Mean: mean, StdDev: std, Nsamp: len(vals)}
	}
}

// Snapshot returns a copy of every channel's latest frame statistics.
func (m *NoiseMonitor) Snapshot() []FrameStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]FrameStats, len(m.stats))
	copy(out, m.stats)
	return out
}
