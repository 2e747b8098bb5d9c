package adcd

import (
	"fmt"

	"github.com/spf13/viper"
)

// Compiled-in calibration defaults. Every channel starts here; persisted
// values overlay these field by field.
const (
	DefaultCalMin    = 0
	DefaultCalMax    = RawMax
	DefaultHystWidth = 40
)

// StoredChannelConfig carries the persisted per-channel calibration fields.
// A nil pointer means the field was absent from the store and the compiled-in
// default should stand.
type StoredChannelConfig struct {
	Min   *uint32 `mapstructure:"min"`
	Max   *uint32 `mapstructure:"max"`
	Width *uint32 `mapstructure:"width"`
}

// ConfigStore is the persistent key-value store holding per-channel
// calibration: three unsigned 32-bit integers per channel.
type ConfigStore interface {
	LoadChannelConfig(channel int) (StoredChannelConfig, error)
	SaveChannelConfig(channel int, min, max, width uint32) error
}

// applyDefaults resets one channel to compiled-in calibration and a fresh
// filter state. The initial band is [0, width], matching the fielded filter's
// power-on state.
func applyDefaults(st *ChannelState) {
	st.Cal = Calibration{Min: DefaultCalMin, Max: DefaultCalMax}
	st.Hyst = HysteresisBand{BandMin: 0, BandMax: DefaultHystWidth, Width: DefaultHystWidth}
	st.Avg.reset()
	st.Raw = 0
	st.Normalized = 0
}

// InitCalibration overlays persisted calibration onto the defaults already in
// place. Partial overrides are allowed: each present field replaces only its
// default. Load failures and missing keys keep the defaults; init never fails
// on persistence problems, it only logs them.
func (cs *ChannelStore) InitCalibration() error {
	if cs.config == nil {
		return nil
	}
	return cs.withLock(DefaultAccessTimeout, func() error {
		for i := range cs.channels {
			stored, err := cs.config.LoadChannelConfig(i)
			if err != nil {
				ProblemLogger.Printf("could not load calibration for channel %d, keeping defaults: %v", i, err)
				continue
			}
			overlayStored(&cs.channels[i], i, stored)
		}
		return nil
	})
}

// overlayStored applies one channel's persisted fields, rejecting values that
// would violate the calibration invariants.
func overlayStored(st *ChannelState, channel int, stored StoredChannelConfig) {
	min, max, width := st.Cal.Min, st.Cal.Max, st.Hyst.Width
	if stored.Min != nil {
		min = *stored.Min
	}
	if stored.Max != nil {
		max = *stored.Max
	}
	if stored.Width != nil {
		width = *stored.Width
	}
	if min >= max || max > RawMax {
		ProblemLogger.Printf("persisted calibration for channel %d is invalid (min=%d max=%d), keeping defaults", channel, min, max)
		min, max = st.Cal.Min, st.Cal.Max
	}
	if width < MinHystWidth || width > MaxHystWidth {
		ProblemLogger.Printf("persisted hysteresis width for channel %d is invalid (%d), keeping default", channel, width)
		width = st.Hyst.Width
	}
	st.Cal = Calibration{Min: min, Max: max}
	st.Hyst.Width = width
	st.Hyst.clampTo(st.Cal)
}

// ViperStore persists channel calibration in the daemon's viper config file
// under keys of the form channels.chanN.{min,max,width}. It shares the global
// viper instance with the rest of the daemon configuration, so every save
// rewrites the one config file.
type ViperStore struct{}

func channelKey(channel int) string {
	return fmt.Sprintf("channels.chan%d", channel)
}

// LoadChannelConfig reads whichever of min/max/width are present for the
// channel. Absent keys come back as nil fields.
func (vs ViperStore) LoadChannelConfig(channel int) (StoredChannelConfig, error) {
	var stored StoredChannelConfig
	key := channelKey(channel)
	if !viper.IsSet(key) {
		return stored, nil
	}
	if err := viper.UnmarshalKey(key, &stored); err != nil {
		return StoredChannelConfig{}, err
	}
	return stored, nil
}

// SaveChannelConfig writes the channel's calibration triple and flushes the
// config file, making the three keys one logical transaction.
func (vs ViperStore) SaveChannelConfig(channel int, min, max, width uint32) error {
	key := channelKey(channel)
	viper.Set(key+".min", min)
	viper.Set(key+".max", max)
	viper.Set(key+".width", width)
	return viper.WriteConfig()
}
