package adcd

import (
	"math"
	"testing"
)

func TestNoiseMonitorStats(t *testing.T) {
	m := NewNoiseMonitor(2)
	m.absorbFrame([][]float64{
		{2, 4, 4, 4, 5, 5, 7, 9},
		{100},
	})
	stats := m.Snapshot()
	if len(stats) != 2 {
		t.Fatalf("snapshot covers %d channels, want 2", len(stats))
	}
	if stats[0].Mean != 5 {
		t.Errorf("channel 0 mean %v, want 5", stats[0].Mean)
	}
	// Sample standard deviation of the classic 2,4,4,4,5,5,7,9 set.
	wantStd := math.Sqrt(32.0 / 7.0)
	if math.Abs(stats[0].StdDev-wantStd) > 1e-12 {
		t.Errorf("channel 0 stddev %v, want %v", stats[0].StdDev, wantStd)
	}
	if stats[0].Nsamp != 8 {
		t.Errorf("channel 0 nsamp %d, want 8", stats[0].Nsamp)
	}

	// A single sample has no spread.
	if stats[1].StdDev != 0 || stats[1].Mean != 100 || stats[1].Nsamp != 1 {
		t.Errorf("channel 1 stats %+v, want mean 100, stddev 0, nsamp 1", stats[1])
	}
}

func TestNoiseMonitorEmptyFrameKeepsPrevious(t *testing.T) {
	m := NewNoiseMonitor(1)
	m.absorbFrame([][]float64{{10, 20}})
	m.absorbFrame([][]float64{{}})
	stats := m.Snapshot()
	if stats[0].Mean != 15 || stats[0].Nsamp != 2 {
		t.Errorf("stats %+v after empty frame, want the previous figures kept", stats[0])
	}
}

func TestNoiseMonitorIgnoresExtraChannels(t *testing.T) {
	m := NewNoiseMonitor(1)
	// A demux wider than the monitor must not panic or write out of range.
	m.absorbFrame([][]float64{{1, 2, 3}, {9, 9}})
	stats := m.Snapshot()
	if len(stats) != 1 {
		t.Fatalf("snapshot covers %d channels, want 1", len(stats))
	}
	if stats[0].Mean != 2 {
		t.Errorf("channel 0 mean %v, want 2", stats[0].Mean)
	}
}
