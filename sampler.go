package adcd

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"
)

// ReadStatus is the outcome of one Sampler.ReadFrame attempt. The three values
// are mutually exclusive outcomes of a single read.
type ReadStatus int

const (
	ReadOK      ReadStatus = iota // a frame was delivered
	ReadTimeout                   // no frame became available in time
	ReadError                     // the engine reported a failure
)

func (s ReadStatus) String() string {
	switch s {
	case ReadOK:
		return "OK"
	case ReadTimeout:
		return "Timeout"
	case ReadError:
		return "Error"
	}
	return fmt.Sprintf("ReadStatus(%d)", int(s))
}

// FrameReadyFunc is invoked by the sampling engine when a conversion frame is
// ready. It runs in the engine's completion context, so it must do nothing but
// raise a wake signal: no blocking, no allocation.
type FrameReadyFunc func()

// Sampler is the interface to the continuous-conversion engine that owns the
// physical sampling timing. The acquisition task only consumes it.
type Sampler interface {
	// Configure prepares the engine for the given physical channel tags.
	// A configuration failure is fatal to subsystem startup.
	Configure(channels []int) error

	// SetFrameReadyCallback registers the frame-ready signal raiser. Must be
	// called before Start.
	SetFrameReadyCallback(fn FrameReadyFunc) error

	// Start begins continuous conversion; Stop halts it. Teardown releases the
	// engine and must only run after Stop, or callbacks may dangle.
	Start() error
	Stop() error
	Teardown() error

	// FrameBytes reports the largest frame ReadFrame can deliver, in bytes.
	// Only meaningful after Configure; consumers size their read buffers
	// from it.
	FrameBytes() int

	// ReadFrame copies the next available frame into buf and reports the
	// number of bytes delivered. A zero timeout polls without blocking.
	ReadFrame(buf []byte, timeout time.Duration) (int, ReadStatus)
}

// Frame wire format: a frame is a sequence of little-endian uint16 words.
// Bits 0-11 of each word carry the conversion result, bits 12-15 the physical
// channel tag, matching the converter's type-1 output format.
const (
	sampleWordBytes = 2
	sampleDataMask  = 0x0fff
	sampleTagShift  = 12
)

func packSampleWord(tag int, value RawType) uint16 {
	return uint16(tag&0xf)<<sampleTagShift | uint16(value)&sampleDataMask
}

func unpackSampleWord(w uint16) (tag int, value RawType) {
	return int(w >> sampleTagShift), RawType(w & sampleDataMask)
}

// appendSampleWord appends one packed sample to a frame under construction.
func appendSampleWord(frame []byte, tag int, value RawType) []byte {
	return binary.LittleEndian.AppendUint16(frame, packSampleWord(tag, value))
}

// SimSampler is a software conversion engine. It synthesizes one sine-ish
// triangle waveform per channel on a sample clock and hands off frames exactly
// the way hardware would: fill an internal DMA-like queue, then raise the
// frame-ready signal. Useful for tests and for running the daemon without
// converter hardware.
type SimSampler struct {
	SampleRate   float64 // samples per second per channel
	FrameSamples int     // samples per channel per frame

	channels   []int
	ready      FrameReadyFunc
	frames     chan []byte
	abort      chan struct{}
	runDone    sync.WaitGroup
	configured bool
	running    bool
	mu         sync.Mutex
}

// NewSimSampler creates a simulated engine with the given per-channel sample
// rate and frame size.
func NewSimSampler(sampleRate float64, frameSamples int) *SimSampler {
	return &SimSampler{SampleRate: sampleRate, FrameSamples: frameSamples}
}

// Configure validates and records the physical channel tags.
func (s *SimSampler) Configure(channels []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(channels) == 0 {
		return fmt.Errorf("SimSampler.Configure: no channels given")
	}
	for _, tag := range channels {
		if tag < 0 || tag > 0xf {
			return fmt.Errorf("SimSampler.Configure: channel tag %d does not fit the 4-bit tag field", tag)
		}
	}
	if s.SampleRate <= 0 || s.FrameSamples <= 0 {
		return fmt.Errorf("SimSampler.Configure: rate %v and frame size %d must be positive", s.SampleRate, s.FrameSamples)
	}
	s.channels = append([]int{}, channels...)
	// Queue depth 4 mimics a small DMA ring: the engine keeps converting and
	// drops the oldest frame if the consumer falls behind.
	s.frames = make(chan []byte, 4)
	s.configured = true
	return nil
}

// SetFrameReadyCallback registers the wake raiser.
func (s *SimSampler) SetFrameReadyCallback(fn FrameReadyFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		return fmt.Errorf("SimSampler: nil frame-ready callback")
	}
	s.ready = fn
	return nil
}

// FrameBytes reports one frame's size: every frame carries FrameSamples words
// per configured channel.
func (s *SimSampler) FrameBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FrameSamples * len(s.channels) * sampleWordBytes
}

// Start launches the conversion goroutine.
func (s *SimSampler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.configured {
		return fmt.Errorf("SimSampler.Start before Configure")
	}
	if s.running {
		return fmt.Errorf("SimSampler already running")
	}
	s.abort = make(chan struct{})
	s.running = true
	s.runDone.Add(1)
	// Snapshot the callback here: the generator goroutine must not read the
	// field while SetFrameReadyCallback can still write it.
	go s.generate(s.abort, s.ready)
	return nil
}

// Stop halts conversion. Frames already queued remain readable.
func (s *SimSampler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	close(s.abort)
	s.running = false
	s.mu.Unlock()
	s.runDone.Wait()
	return nil
}

// Teardown drops the frame queue. Call only after Stop.
func (s *SimSampler) Teardown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("SimSampler.Teardown while running; Stop first")
	}
	s.configured = false
	s.frames = nil
	return nil
}

// ReadFrame delivers the next queued frame, waiting up to timeout.
func (s *SimSampler) ReadFrame(buf []byte, timeout time.Duration) (int, ReadStatus) {
	s.mu.Lock()
	frames := s.frames
	s.mu.Unlock()
	if frames == nil {
		return 0, ReadError
	}

	var frame []byte
	if timeout <= 0 {
		select {
		case frame = <-frames:
		default:
			return 0, ReadTimeout
		}
	} else {
		timer := time.NewTimer(timeout)
		select {
		case frame = <-frames:
			timer.Stop()
		case <-timer.C:
			return 0, ReadTimeout
		}
	}
	if len(frame) > len(buf) {
		return 0, ReadError
	}
	return copy(buf, frame), ReadOK
}

// generate runs the sample clock: one frame per tick, interleaved across
// channels, each channel a triangle wave with a channel-dependent period.
func (s *SimSampler) generate(abort chan struct{}, ready FrameReadyFunc) {
	defer s.runDone.Done()
	frameDuration := time.Duration(float64(s.FrameSamples) / s.SampleRate * float64(time.Second))
	if frameDuration <= 0 {
		frameDuration = time.Millisecond
	}
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	sampleIndex := 0
	for {
		select {
		case <-abort:
			return
		case <-ticker.C:
			frame := make([]byte, 0, s.FrameSamples*len(s.channels)*sampleWordBytes)
			for i := 0; i < s.FrameSamples; i++ {
				for c, tag := range s.channels {
					frame = appendSampleWord(frame, tag, triangleValue(sampleIndex+i, c))
				}
			}
			sampleIndex += s.FrameSamples
			s.offerFrame(frame, ready)
		}
	}
}

// offerFrame queues the frame, dropping the oldest one when the queue is full,
// then raises the frame-ready signal.
func (s *SimSampler) offerFrame(frame []byte, ready FrameReadyFunc) {
	select {
	case s.frames <- frame:
	default:
		select {
		case <-s.frames:
		default:
		}
		select {
		case s.frames <- frame:
		default:
		}
	}
	if ready != nil {
		ready()
	}
}

// triangleValue produces a full-scale triangle wave whose period depends on
// the channel index, so channels are distinguishable in test output.
func triangleValue(sampleIndex, channel int) RawType {
	period := 2048 << uint(channel%3)
	phase := float64(sampleIndex%period) / float64(period)
	v := 2 * phase
	if phase > 0.5 {
		v = 2 * (1 - phase)
	}
	return RawType(math.Round(v * RawMax))
}
