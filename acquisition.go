package adcd

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// TaskState is the lifecycle/run state of the acquisition task.
type TaskState int

// Values of TaskState. While running, the task alternates between TaskIdle
// (blocked on the wake signal) and TaskDraining (demultiplexing frames).
const (
	TaskInactive TaskState = iota
	TaskStarting
	TaskIdle
	TaskDraining
	TaskStopping
)

func (st TaskState) String() string {
	switch st {
	case TaskInactive:
		return "Inactive"
	case TaskStarting:
		return "Starting"
	case TaskIdle:
		return "Idle"
	case TaskDraining:
		return "Draining"
	case TaskStopping:
		return "Stopping"
	}
	return fmt.Sprintf("TaskState(%d)", int(st))
}

// ErrorCounters is a snapshot of the process-wide transient-error tallies.
// They rise monotonically from subsystem init and reset only when a new task
// is created.
type ErrorCounters struct {
	Conversions    uint64
	InvalidChannel uint64
	ReadErrors     uint64
	Timeouts       uint64
}

// errorCounts is the live, atomically updated form. Only the acquisition task
// increments these; anyone may read a snapshot.
type errorCounts struct {
	conversions    atomic.Uint64
	invalidChannel atomic.Uint64
	readErrors     atomic.Uint64
	timeouts       atomic.Uint64
}

func (c *errorCounts) snapshot() ErrorCounters {
	return ErrorCounters{
		Conversions:    c.conversions.Load(),
		InvalidChannel: c.invalidChannel.Load(),
		ReadErrors:     c.readErrors.Load(),
		Timeouts:       c.timeouts.Load(),
	}
}

const (
	// acquisitionLockTimeout bounds how long the task waits for the store lock
	// per sample. On contention the sample is dropped: losing one reading is
	// acceptable, stalling the drain loop is not.
	acquisitionLockTimeout = 20 * time.Millisecond

	// minReadBufferBytes floors the private frame buffer. The buffer is sized
	// from the sampler's reported frame size so a full-width frame always
	// fits; reads from it need no lock, the task goroutine owns it alone.
	minReadBufferBytes = 1024
)

// AcquisitionTask owns the single worker goroutine that drains conversion
// frames from the Sampler, demultiplexes them by channel tag, and pushes each
// sample through the channel filter into the ChannelStore.
type AcquisitionTask struct {
	sampler Sampler
	store   *ChannelStore
	monitor *NoiseMonitor // optional; nil disables frame statistics

	tagToChannel map[int]int

	// wake is the hand-off signal from the engine's completion callback.
	// Capacity 1: pending signals collapse to "at least one frame ready", so
	// the drain loop re-checks for data instead of assuming one frame per wake.
	wake  chan struct{}
	abort chan struct{}

	counts    errorCounts
	readbuf   []byte
	scratch   [][]float64 // per-channel demux scratch for the noise monitor
	runDone   sync.WaitGroup
	state     TaskState
	stateLock sync.Mutex
}

// NewAcquisitionTask configures the sampler for the given physical channel
// tags (one per store channel, in channel order) and registers the frame-ready
// callback. Configuration and registration failures are fatal: the subsystem
// must not start without a working hand-off.
func NewAcquisitionTask(sampler Sampler, store *ChannelStore, tags []int, monitor *NoiseMonitor) (*AcquisitionTask, error) {
	if len(tags) != store.Nchan() {
		return nil, fmt.Errorf("have %d channel tags, want %d (one per channel)", len(tags), store.Nchan())
	}
	tagToChannel := make(map[int]int, len(tags))
	for i, tag := range tags {
		if _, dup := tagToChannel[tag]; dup {
			return nil, fmt.Errorf("channel tag %d appears twice", tag)
		}
		tagToChannel[tag] = i
	}

	if err := sampler.Configure(tags); err != nil {
		return nil, fmt.Errorf("sampler configuration failed: %w", err)
	}
	bufsize := sampler.FrameBytes()
	if bufsize < minReadBufferBytes {
		bufsize = minReadBufferBytes
	}

	t := &AcquisitionTask{
		sampler:      sampler,
		store:        store,
		monitor:      monitor,
		tagToChannel: tagToChannel,
		wake:         make(chan struct{}, 1),
		readbuf:      make([]byte, bufsize),
		scratch:      make([][]float64, store.Nchan()),
	}
	if err := sampler.SetFrameReadyCallback(t.frameReady); err != nil {
		return nil, fmt.Errorf("callback registration failed: %w", err)
	}
	return t, nil
}

// frameReady runs in the sampling engine's completion context. It only raises
// the wake signal; a full slot means a wake is already pending and the signal
// collapses into it.
func (t *AcquisitionTask) frameReady() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// GetState returns the task state in a race-free fashion.
func (t *AcquisitionTask) GetState() TaskState {
	t.stateLock.Lock()
	defer t.stateLock.Unlock()
	return t.state
}

func (t *AcquisitionTask) setState(st TaskState) {
	t.stateLock.Lock()
	t.state = st
	t.stateLock.Unlock()
}

// Counters returns a snapshot of the transient-error tallies.
func (t *AcquisitionTask) Counters() ErrorCounters {
	return t.counts.snapshot()
}

// Start begins conversion and launches the worker. Only an Inactive task can
// start.
func (t *AcquisitionTask) Start() error {
	t.stateLock.Lock()
	if t.state != TaskInactive {
		st := t.state
		t.stateLock.Unlock()
		return fmt.Errorf("cannot start acquisition task in state %v", st)
	}
	t.state = TaskStarting
	t.stateLock.Unlock()

	if err := t.sampler.Start(); err != nil {
		t.setState(TaskInactive)
		return fmt.Errorf("sampler start failed: %w", err)
	}

	t.abort = make(chan struct{})
	t.runDone.Add(1)
	t.setState(TaskIdle)
	go t.run()
	return nil
}

// Stop halts the subsystem in the mandatory order: stop the sampling hardware
// first so no further callbacks arrive, then retire the worker, then tear the
// engine down.
func (t *AcquisitionTask) Stop() error {
	t.stateLock.Lock()
	switch t.state {
	case TaskInactive:
		t.stateLock.Unlock()
		return fmt.Errorf("acquisition task is not active, cannot stop")
	case TaskStarting:
		// Start still owns the worker setup; its abort channel may not exist
		// yet.
		t.stateLock.Unlock()
		return fmt.Errorf("acquisition task is starting, cannot stop yet")
	case TaskStopping:
		t.stateLock.Unlock()
		return nil
	}
	t.state = TaskStopping
	t.stateLock.Unlock()

	stopErr := t.sampler.Stop()
	closeIfOpen(t.abort)
	t.runDone.Wait()

	if err := t.sampler.Teardown(); err != nil && stopErr == nil {
		stopErr = err
	}
	t.setState(TaskInactive)
	return stopErr
}

func closeIfOpen(c chan struct{}) {
	select {
	case <-c:
	default:
		close(c)
	}
}

// run is the worker loop: block until a wake (or abort), then drain whatever
// frames are available. It never terminates on transient errors.
func (t *AcquisitionTask) run() {
	defer t.runDone.Done()
	for {
		select {
		case <-t.abort:
			return
		case <-t.wake:
			t.setState(TaskDraining)
			t.drain()
			t.setState(TaskIdle)
		}
	}
}

// drain reads frames until the sampler reports nothing further ready. Wakes
// collapse, so one wake may cover several frames. Counter rules: a successful
// read increments conversions; a wake that yields no frame at all counts one
// timeout; a timeout after at least one frame only marks the end of the drain;
// any other failure counts one read error and ends the drain.
func (t *AcquisitionTask) drain() {
	gotFrame := false
	for {
		n, status := t.sampler.ReadFrame(t.readbuf, 0)
		switch status {
		case ReadOK:
			t.counts.conversions.Add(1)
			t.processFrame(t.readbuf[:n])
			gotFrame = true
		case ReadTimeout:
			if !gotFrame {
				t.counts.timeouts.Add(1)
			}
			return
		default:
			t.counts.readErrors.Add(1)
			return
		}
	}
}

// processFrame demultiplexes one frame. Within the frame, samples are applied
// in delivery order. A sample whose tag matches no configured channel is
// counted and skipped; a sample that loses the lock race is dropped silently.
func (t *AcquisitionTask) processFrame(frame []byte) {
	for i := range t.scratch {
		t.scratch[i] = t.scratch[i][:0]
	}
	for off := 0; off+sampleWordBytes <= len(frame); off += sampleWordBytes {
		tag, value := unpackSampleWord(binary.LittleEndian.Uint16(frame[off:]))
		channel, ok := t.tagToChannel[tag]
		if !ok {
			t.counts.invalidChannel.Add(1)
			continue
		}
		if err := t.store.ingest(channel, value, acquisitionLockTimeout); err != nil {
			continue
		}
		if t.monitor != nil {
			t.scratch[channel] = append(t.scratch[channel], float64(value))
		}
	}
	if t.monitor != nil {
		t.monitor.absorbFrame(t.scratch)
	}
}
