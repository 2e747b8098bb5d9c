package adcd

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// recordingStore counts persistence calls and can be told to fail.
type recordingStore struct {
	mu    sync.Mutex
	saves []StoredChannelConfig
	chans []int
	fail  error
}

func (r *recordingStore) LoadChannelConfig(channel int) (StoredChannelConfig, error) {
	return StoredChannelConfig{}, nil
}

func (r *recordingStore) SaveChannelConfig(channel int, min, max, width uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.chans = append(r.chans, channel)
	r.saves = append(r.saves, StoredChannelConfig{Min: &min, Max: &max, Width: &width})
	return nil
}

func TestStoreDefaults(t *testing.T) {
	cs := NewChannelStore(4, nil)
	if cs.Nchan() != 4 {
		t.Fatalf("Nchan() = %d, want 4", cs.Nchan())
	}
	cal, err := cs.GetCalibration(0, DefaultAccessTimeout)
	if err != nil {
		t.Fatalf("GetCalibration: %v", err)
	}
	if cal.Min != DefaultCalMin || cal.Max != DefaultCalMax {
		t.Errorf("default calibration (%d, %d), want (%d, %d)", cal.Min, cal.Max, DefaultCalMin, DefaultCalMax)
	}
	w, err := cs.GetHysteresis(3, DefaultAccessTimeout)
	if err != nil {
		t.Fatalf("GetHysteresis: %v", err)
	}
	if w != DefaultHystWidth {
		t.Errorf("default width %d, want %d", w, DefaultHystWidth)
	}
}

func TestStoreInvalidChannel(t *testing.T) {
	cs := NewChannelStore(2, nil)
	for _, ch := range []int{-1, 2, 100} {
		if _, err := cs.GetRaw(ch, DefaultAccessTimeout); !errors.Is(err, ErrInvalidChannel) {
			t.Errorf("GetRaw(%d) error = %v, want ErrInvalidChannel", ch, err)
		}
		if _, err := cs.GetNormalized(ch, DefaultAccessTimeout); !errors.Is(err, ErrInvalidChannel) {
			t.Errorf("GetNormalized(%d) error = %v, want ErrInvalidChannel", ch, err)
		}
		if _, err := cs.GetCalibration(ch, DefaultAccessTimeout); !errors.Is(err, ErrInvalidChannel) {
			t.Errorf("GetCalibration(%d) error = %v, want ErrInvalidChannel", ch, err)
		}
		if _, err := cs.GetHysteresis(ch, DefaultAccessTimeout); !errors.Is(err, ErrInvalidChannel) {
			t.Errorf("GetHysteresis(%d) error = %v, want ErrInvalidChannel", ch, err)
		}
		if err := cs.SetCalibration(ch, 0, 100, DefaultAccessTimeout); !errors.Is(err, ErrInvalidChannel) {
			t.Errorf("SetCalibration(%d) error = %v, want ErrInvalidChannel", ch, err)
		}
		if err := cs.SetHysteresis(ch, 40, DefaultAccessTimeout); !errors.Is(err, ErrInvalidChannel) {
			t.Errorf("SetHysteresis(%d) error = %v, want ErrInvalidChannel", ch, err)
		}
	}
}

func TestStoreValidation(t *testing.T) {
	cs := NewChannelStore(1, nil)
	cases := []struct {
		min, max uint32
	}{
		{100, 100},  // min == max
		{200, 100},  // inverted
		{0, 4096},   // above full scale
		{0, 100000}, // far above full scale
	}
	for _, c := range cases {
		if err := cs.SetCalibration(0, c.min, c.max, DefaultAccessTimeout); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("SetCalibration(%d, %d) error = %v, want ErrInvalidArgument", c.min, c.max, err)
		}
	}
	for _, w := range []uint32{0, MaxHystWidth + 1, 50000} {
		if err := cs.SetHysteresis(0, w, DefaultAccessTimeout); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("SetHysteresis(%d) error = %v, want ErrInvalidArgument", w, err)
		}
	}
	// Boundary widths are legal.
	if err := cs.SetHysteresis(0, MinHystWidth, DefaultAccessTimeout); err != nil {
		t.Errorf("SetHysteresis(MinHystWidth): %v", err)
	}
	if err := cs.SetHysteresis(0, MaxHystWidth, DefaultAccessTimeout); err != nil {
		t.Errorf("SetHysteresis(MaxHystWidth): %v", err)
	}
}

func TestIngestAndRead(t *testing.T) {
	cs := NewChannelStore(2, nil)
	if err := cs.ingest(1, 1500, DefaultAccessTimeout); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	raw, err := cs.GetRaw(1, DefaultAccessTimeout)
	if err != nil {
		t.Fatalf("GetRaw: %v", err)
	}
	if raw != 1500 {
		t.Errorf("GetRaw = %d, want 1500", raw)
	}
	// 1500 breaches the fresh [0, 40] band and is returned verbatim, so the
	// first normalized value is 1500/10.
	norm, err := cs.GetNormalized(1, DefaultAccessTimeout)
	if err != nil {
		t.Fatalf("GetNormalized: %v", err)
	}
	if norm != 150 {
		t.Errorf("GetNormalized = %d, want 150", norm)
	}
	// The untouched channel stays zeroed.
	if raw, _ := cs.GetRaw(0, DefaultAccessTimeout); raw != 0 {
		t.Errorf("channel 0 raw = %d, want 0", raw)
	}
}

func TestSetCalibrationClampsBand(t *testing.T) {
	cs := NewChannelStore(1, nil)
	// Drive the band up near full scale.
	if err := cs.ingest(0, 4000, DefaultAccessTimeout); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	// Narrowing the calibration must pull the band back inside it.
	if err := cs.SetCalibration(0, 100, 1000, DefaultAccessTimeout); err != nil {
		t.Fatalf("SetCalibration: %v", err)
	}
	snaps, err := cs.Snapshot(DefaultAccessTimeout)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	st := snaps[0]
	if st.BandMin < 100 || st.BandMax > 1000 {
		t.Errorf("band [%d, %d] outside new calibration [100, 1000]", st.BandMin, st.BandMax)
	}
	if st.BandMin > st.BandMax {
		t.Errorf("band invariant violated: [%d, %d]", st.BandMin, st.BandMax)
	}
}

func TestWriteThroughPersistence(t *testing.T) {
	rec := &recordingStore{}
	cs := NewChannelStore(2, rec)
	if err := cs.SetCalibration(1, 10, 2000, DefaultAccessTimeout); err != nil {
		t.Fatalf("SetCalibration: %v", err)
	}
	if err := cs.SetHysteresis(1, 75, DefaultAccessTimeout); err != nil {
		t.Fatalf("SetHysteresis: %v", err)
	}
	if len(rec.saves) != 2 {
		t.Fatalf("persisted %d times, want 2", len(rec.saves))
	}
	last := rec.saves[1]
	if *last.Min != 10 || *last.Max != 2000 || *last.Width != 75 {
		t.Errorf("persisted (%d, %d, %d), want (10, 2000, 75)", *last.Min, *last.Max, *last.Width)
	}
	if rec.chans[0] != 1 || rec.chans[1] != 1 {
		t.Errorf("persisted channels %v, want [1 1]", rec.chans)
	}
}

func TestPersistenceFailureKeepsChange(t *testing.T) {
	rec := &recordingStore{fail: fmt.Errorf("disk full")}
	cs := NewChannelStore(1, rec)
	err := cs.SetCalibration(0, 50, 3000, DefaultAccessTimeout)
	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("SetCalibration error = %v, want *PersistenceError", err)
	}
	if perr.Channel != 0 {
		t.Errorf("PersistenceError.Channel = %d, want 0", perr.Channel)
	}
	// The in-memory change stands even though the write-through failed.
	cal, rerr := cs.GetCalibration(0, DefaultAccessTimeout)
	if rerr != nil {
		t.Fatalf("GetCalibration: %v", rerr)
	}
	if cal.Min != 50 || cal.Max != 3000 {
		t.Errorf("calibration (%d, %d) after failed persist, want (50, 3000)", cal.Min, cal.Max)
	}
}

func TestLockTimeout(t *testing.T) {
	cs := NewChannelStore(1, nil)
	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		cs.withLock(time.Second, func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	if _, err := cs.GetRaw(0, 5*time.Millisecond); !errors.Is(err, ErrLockTimeout) {
		t.Errorf("GetRaw under contention error = %v, want ErrLockTimeout", err)
	}
	// A zero timeout is a pure try-lock.
	if err := cs.ingest(0, 100, 0); !errors.Is(err, ErrLockTimeout) {
		t.Errorf("ingest try-lock error = %v, want ErrLockTimeout", err)
	}
	close(release)

	// Once released, the same calls succeed.
	deadline := time.Now().Add(time.Second)
	for {
		if _, err := cs.GetRaw(0, DefaultAccessTimeout); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("lock never released")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestReset(t *testing.T) {
	cs := NewChannelStore(2, nil)
	cs.ingest(0, 3000, DefaultAccessTimeout)
	cs.SetHysteresis(0, 200, DefaultAccessTimeout)
	if err := cs.Reset(DefaultAccessTimeout); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	snaps, err := cs.Snapshot(DefaultAccessTimeout)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	for _, st := range snaps {
		if st.Raw != 0 || st.Normalized != 0 {
			t.Errorf("channel %d raw/normalized (%d, %d) after reset, want zeros", st.Channel, st.Raw, st.Normalized)
		}
		if st.Width != DefaultHystWidth {
			t.Errorf("channel %d width %d after reset, want %d", st.Channel, st.Width, DefaultHystWidth)
		}
		if st.CalMin != DefaultCalMin || st.CalMax != DefaultCalMax {
			t.Errorf("channel %d calibration (%d, %d) after reset, want defaults", st.Channel, st.CalMin, st.CalMax)
		}
	}
}
