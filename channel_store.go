package adcd

import (
	"time"
)

// DefaultAccessTimeout is the lock wait budget used when a caller passes no
// explicit timeout (for example the RPC layer).
const DefaultAccessTimeout = 50 * time.Millisecond

// ChannelState is the shared per-channel record: the last raw sample, the
// filtered output, and the filter/calibration state the pipeline needs.
// Instances live in the ChannelStore array for the whole process lifetime and
// are only ever mutated under the store lock.
type ChannelState struct {
	Raw        RawType
	Normalized RawType
	Cal        Calibration
	Hyst       HysteresisBand
	Avg        RunningAverage
}

// ChannelSnapshot is a consistent copy of one channel's visible state, safe to
// use after the store lock is released.
type ChannelSnapshot struct {
	Channel    int
	Raw        uint32
	Normalized uint32
	CalMin     uint32
	CalMax     uint32
	BandMin    uint32
	BandMax    uint32
	Width      uint32
}

// ChannelStore serializes every read and write of the channel array behind a
// single lock. One lock for all channels is deliberate: channel counts are
// small and the hold times are microseconds, so sharding would buy nothing.
//
// The lock is a 1-slot channel semaphore rather than a sync.Mutex so that
// acquisition can be bounded by a timeout (a zero timeout gives try-lock
// semantics).
type ChannelStore struct {
	sem      chan struct{}
	channels []ChannelState
	config   ConfigStore
}

// NewChannelStore creates a store for nchan channels. Calibration starts at
// compiled-in defaults; call InitCalibration to overlay persisted values.
// The store writes calibration changes through to config; a nil config
// disables persistence (useful in tests).
func NewChannelStore(nchan int, config ConfigStore) *ChannelStore {
	cs := &ChannelStore{
		sem:      make(chan struct{}, 1),
		channels: make([]ChannelState, nchan),
		config:   config,
	}
	for i := range cs.channels {
		applyDefaults(&cs.channels[i])
	}
	return cs
}

// Nchan returns the fixed number of configured channels.
func (cs *ChannelStore) Nchan() int { return len(cs.channels) }

// withLock runs fn with exclusive access to the channel array, releasing the
// lock on every exit path. On timeout fn never runs and ErrLockTimeout is
// returned. A timeout <= 0 means try-lock: fail immediately if the lock is
// held.
func (cs *ChannelStore) withLock(timeout time.Duration, fn func() error) error {
	if timeout <= 0 {
		select {
		case cs.sem <- struct{}{}:
		default:
			return ErrLockTimeout
		}
	} else {
		timer := time.NewTimer(timeout)
		select {
		case cs.sem <- struct{}{}:
			timer.Stop()
		case <-timer.C:
			return ErrLockTimeout
		}
	}
	defer func() { <-cs.sem }()
	return fn()
}

func (cs *ChannelStore) validChannel(channel int) bool {
	return channel >= 0 && channel < len(cs.channels)
}

// ingest applies one raw sample to the given channel: store the raw value, run
// the filter, store the normalized value. All three updates happen as one unit
// under the lock, so readers never observe a half-updated channel.
func (cs *ChannelStore) ingest(channel int, raw RawType, timeout time.Duration) error {
	return cs.withLock(timeout, func() error {
		st := &cs.channels[channel]
		st.Raw = raw
		st.Normalized = filterSample(&st.Hyst, &st.Avg, st.Cal, raw)
		return nil
	})
}

// GetRaw returns the last raw sample ingested for the channel.
func (cs *ChannelStore) GetRaw(channel int, timeout time.Duration) (RawType, error) {
	if !cs.validChannel(channel) {
		return 0, ErrInvalidChannel
	}
	var v RawType
	err := cs.withLock(timeout, func() error {
		v = cs.channels[channel].Raw
		return nil
	})
	return v, err
}

// GetNormalized returns the filtered output for the channel.
func (cs *ChannelStore) GetNormalized(channel int, timeout time.Duration) (RawType, error) {
	if !cs.validChannel(channel) {
		return 0, ErrInvalidChannel
	}
	var v RawType
	err := cs.withLock(timeout, func() error {
		v = cs.channels[channel].Normalized
		return nil
	})
	return v, err
}

// GetCalibration returns the channel's (min, max) calibration bounds.
func (cs *ChannelStore) GetCalibration(channel int, timeout time.Duration) (Calibration, error) {
	if !cs.validChannel(channel) {
		return Calibration{}, ErrInvalidChannel
	}
	var cal Calibration
	err := cs.withLock(timeout, func() error {
		cal = cs.channels[channel].Cal
		return nil
	})
	return cal, err
}

// GetHysteresis returns the channel's configured hysteresis width.
func (cs *ChannelStore) GetHysteresis(channel int, timeout time.Duration) (uint32, error) {
	if !cs.validChannel(channel) {
		return 0, ErrInvalidChannel
	}
	var w uint32
	err := cs.withLock(timeout, func() error {
		w = cs.channels[channel].Hyst.Width
		return nil
	})
	return w, err
}

// SetCalibration validates and applies new calibration bounds, re-clamps the
// hysteresis band against them, and writes the change through to the
// persistent store. A persistence failure is reported as *PersistenceError but
// the in-memory change stands.
func (cs *ChannelStore) SetCalibration(channel int, min, max uint32, timeout time.Duration) error {
	if !cs.validChannel(channel) {
		return ErrInvalidChannel
	}
	if min >= max || max > RawMax {
		return ErrInvalidArgument
	}
	var width uint32
	err := cs.withLock(timeout, func() error {
		st := &cs.channels[channel]
		st.Cal = Calibration{Min: min, Max: max}
		st.Hyst.clampTo(st.Cal)
		width = st.Hyst.Width
		return nil
	})
	if err != nil {
		return err
	}
	return cs.persist(channel, min, max, width)
}

// SetHysteresis validates and applies a new hysteresis width and writes the
// change through to the persistent store. The band itself is left alone; it
// adopts the new width on the next breach.
func (cs *ChannelStore) SetHysteresis(channel int, width uint32, timeout time.Duration) error {
	if !cs.validChannel(channel) {
		return ErrInvalidChannel
	}
	if width < MinHystWidth || width > MaxHystWidth {
		return ErrInvalidArgument
	}
	var min, max uint32
	err := cs.withLock(timeout, func() error {
		st := &cs.channels[channel]
		st.Hyst.Width = width
		min, max = st.Cal.Min, st.Cal.Max
		return nil
	})
	if err != nil {
		return err
	}
	return cs.persist(channel, min, max, width)
}

// persist writes one channel's calibration triple through to the config store.
// Runs outside the lock: the values were captured while it was held, and a
// slow store must not block readers or the acquisition task.
func (cs *ChannelStore) persist(channel int, min, max, width uint32) error {
	if cs.config == nil {
		return nil
	}
	if err := cs.config.SaveChannelConfig(channel, min, max, width); err != nil {
		return &PersistenceError{Channel: channel, Err: err}
	}
	return nil
}

// Snapshot copies the visible state of every channel in one lock acquisition.
func (cs *ChannelStore) Snapshot(timeout time.Duration) ([]ChannelSnapshot, error) {
	snaps := make([]ChannelSnapshot, len(cs.channels))
	err := cs.withLock(timeout, func() error {
		for i := range cs.channels {
			st := &cs.channels[i]
			snaps[i] = ChannelSnapshot{
				Channel:    i,
				Raw:        uint32(st.Raw),
				Normalized: uint32(st.Normalized),
				CalMin:     st.Cal.Min,
				CalMax:     st.Cal.Max,
				BandMin:    st.Hyst.BandMin,
				BandMax:    st.Hyst.BandMax,
				Width:      st.Hyst.Width,
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snaps, nil
}

// Reset returns every channel to its freshly initialized default state.
// Called at subsystem deinit; the channel count never changes.
func (cs *ChannelStore) Reset(timeout time.Duration) error {
	return cs.withLock(timeout, func() error {
		for i := range cs.channels {
			cs.channels[i] = ChannelState{}
			applyDefaults(&cs.channels[i])
		}
		return nil
	})
}
