package adcd

import (
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	// SerialDefaultBaud matches the converter front end's fixed UART rate.
	SerialDefaultBaud = 115200

	// serialFrameBytes is the fixed frame size the front end emits: 256
	// interleaved sample words.
	serialFrameBytes = 512
)

// SerialSampler reads conversion frames from a serial-attached converter
// front end that streams fixed-size frames of tagged sample words. It plays
// the Sampler role for real hardware the way SimSampler does for tests.
type SerialSampler struct {
	PortName string
	Baud     int

	port    serial.Port
	ready   FrameReadyFunc
	frames  chan []byte
	abort   chan struct{}
	runDone sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewSerialSampler creates a sampler for the named port. A zero baud rate
// selects SerialDefaultBaud.
func NewSerialSampler(portName string, baud int) *SerialSampler {
	if baud == 0 {
		baud = SerialDefaultBaud
	}
	return &SerialSampler{PortName: portName, Baud: baud}
}

// Configure opens the serial port. The front end does its own channel
// sequencing, so the tag list only needs to be non-empty; failures here are
// fatal to startup.
func (s *SerialSampler) Configure(channels []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(channels) == 0 {
		return fmt.Errorf("SerialSampler.Configure: no channels given")
	}
	port, err := serial.Open(s.PortName, &serial.Mode{BaudRate: s.Baud})
	if err != nil {
		return fmt.Errorf("could not open serial port %s: %w", s.PortName, err)
	}
	// A read deadline keeps the reader goroutine responsive to Stop.
	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		port.Close()
		return fmt.Errorf("could not set serial read timeout: %w", err)
	}
	s.port = port
	s.frames = make(chan []byte, 4)
	return nil
}

// SetFrameReadyCallback registers the wake raiser.
func (s *SerialSampler) SetFrameReadyCallback(fn FrameReadyFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		return fmt.Errorf("SerialSampler: nil frame-ready callback")
	}
	s.ready = fn
	return nil
}

// FrameBytes reports the front end's fixed frame size.
func (s *SerialSampler) FrameBytes() int { return serialFrameBytes }

// Start launches the port reader goroutine.
func (s *SerialSampler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return fmt.Errorf("SerialSampler.Start before Configure")
	}
	if s.running {
		return fmt.Errorf("SerialSampler already running")
	}
	s.abort = make(chan struct{})
	s.running = true
	s.runDone.Add(1)
	// Snapshot the callback here: the reader goroutine must not read the
	// field while SetFrameReadyCallback can still write it.
	go s.readLoop(s.abort, s.ready)
	return nil
}

// Stop retires the reader goroutine. The port stays open until Teardown.
func (s *SerialSampler) Stop() error {
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

// Teardown closes the serial port. Call only after Stop.
func (s *SerialSampler) Teardown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("SerialSampler.Teardown while running; Stop first")
	}
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	s.frames = nil
	return err
}

// ReadFrame delivers the next queued frame, waiting up to timeout.
func (s *SerialSampler) ReadFrame(buf []byte, timeout time.Duration) (int, ReadStatus) {
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

// readLoop assembles fixed-size frames from the port and queues them, raising
// the frame-ready signal per frame. Short reads continue accumulating; the
// 100 ms port deadline bounds each accumulation step.
func (s *SerialSampler) readLoop(abort chan struct{}, ready FrameReadyFunc) {
	defer s.runDone.Done()
	frame := make([]byte, 0, serialFrameBytes)
	chunk := make([]byte, serialFrameBytes)
	for {
		select {
		case <-abort:
			return
		default:
		}
		n, err := s.port.Read(chunk[:serialFrameBytes-len(frame)])
		if err != nil {
			if err == io.EOF {
				continue
			}
			ProblemLogger.Printf("serial read error: %v", err)
			continue
		}
		frame = append(frame, chunk[:n]...)
		if len(frame) < serialFrameBytes {
			continue
		}
		s.offerFrame(frame, ready)
		frame = make([]byte, 0, serialFrameBytes)
	}
}

// offerFrame queues a completed frame, dropping the oldest when the queue is
// full, then raises the frame-ready signal.
func (s *SerialSampler) offerFrame(frame []byte, ready FrameReadyFunc) {
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
