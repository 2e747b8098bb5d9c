package adcd

// The per-channel conditioning pipeline: a running hysteresis band that absorbs
// converter noise, followed by a fixed-depth running average.

// RawType holds one raw converter sample. The converter is 12 bits wide, so
// meaningful values lie in [0, RawMax].
type RawType uint16

const (
	// RawMax is the full-scale reading of the 12-bit converter.
	RawMax = 4095

	// AvgDepth is the running-average depth. One compile-time constant shared
	// by every channel.
	AvgDepth = 10

	// MinHystWidth and MaxHystWidth bound the configurable hysteresis width.
	MinHystWidth = 1
	MaxHystWidth = 1000
)

// Calibration is the operator-tunable bound pair for one channel.
// Invariant: Min < Max <= RawMax.
type Calibration struct {
	Min uint32
	Max uint32
}

// HysteresisBand tracks the stability window for one channel. Samples inside
// [BandMin, BandMax] are treated as noise and reported as the band midpoint;
// samples outside re-center the band.
type HysteresisBand struct {
	BandMin uint32
	BandMax uint32
	Width   uint32
}

// stabilize applies the hysteresis rule to one raw sample and returns the
// stabilized value. The band is clamped against cal on every re-centering.
//
// A sample that breaches the band is returned verbatim: only later samples
// that land inside the new band are smoothed to its midpoint. That transition
// asymmetry is load-bearing; downstream consumers depend on the exact numeric
// sequence.
func (h *HysteresisBand) stabilize(raw uint32, cal Calibration) uint32 {
	if raw >= h.BandMin && raw <= h.BandMax {
		return h.BandMin + (h.BandMax-h.BandMin)/2
	}

	if raw > h.BandMax {
		h.BandMax = minu32(raw+h.Width/2, cal.Max)
		if h.BandMax >= h.Width && h.BandMax-h.Width >= cal.Min {
			h.BandMin = h.BandMax - h.Width
		} else {
			h.BandMin = cal.Min
		}
		return raw
	}

	// raw < h.BandMin: mirror image of the high-side breach.
	if raw >= cal.Min+h.Width/2 {
		h.BandMin = raw - h.Width/2
	} else {
		h.BandMin = cal.Min
	}
	h.BandMax = minu32(h.BandMin+h.Width, cal.Max)
	return raw
}

// clampTo forces the band inside the calibration bounds, preserving
// BandMin <= BandMax. Called when an operator narrows the calibration.
func (h *HysteresisBand) clampTo(cal Calibration) {
	if h.BandMin < cal.Min {
		h.BandMin = cal.Min
	}
	if h.BandMax < cal.Min {
		h.BandMax = cal.Min
	}
	if h.BandMax > cal.Max {
		h.BandMax = cal.Max
	}
	if h.BandMin > h.BandMax {
		h.BandMin = h.BandMax
	}
}

// RunningAverage is a fixed-depth ring of recent stabilized samples.
//
// Until AvgDepth values have been pushed, the sum still divides by the full
// depth, so unwritten slots bias the average toward zero. This warm-up bias is
// a deliberate simplification carried over from the fielded filter; do not
// "fix" it.
type RunningAverage struct {
	queue [AvgDepth]uint32
	ptr   int
}

// push inserts one value and returns the new average. The accumulator is
// 64-bit so the sum never truncates mid-addition.
func (a *RunningAverage) push(value uint32) uint32 {
	a.queue[a.ptr] = value
	a.ptr = (a.ptr + 1) % AvgDepth

	var sum uint64
	for _, v := range a.queue {
		sum += uint64(v)
	}
	return uint32(sum / AvgDepth)
}

// history returns the ring contents oldest-first.
func (a *RunningAverage) history() []float64 {
	out := make([]float64, AvgDepth)
	for i := 0; i < AvgDepth; i++ {
		out[i] = float64(a.queue[(a.ptr+i)%AvgDepth])
	}
	return out
}

// reset zeroes the ring.
func (a *RunningAverage) reset() {
	a.queue = [AvgDepth]uint32{}
	a.ptr = 0
}

// filterSample runs one raw sample through hysteresis then averaging and
// returns the normalized value.
func filterSample(h *HysteresisBand, a *RunningAverage, cal Calibration, raw RawType) RawType {
	return RawType(a.push(h.stabilize(uint32(raw), cal)))
}

func minu32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
