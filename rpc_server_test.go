package adcd

import (
	"errors"
	"fmt"
	"net/rpc"
	"net/rpc/jsonrpc"
	"path/filepath"
	"testing"
	"time"
)

func newTestControl(t *testing.T, nchan int) (*AdcControl, *ChannelStore, *AcquisitionTask) {
	t.Helper()
	store := NewChannelStore(nchan, nil)
	tags := make([]int, nchan)
	for i := range tags {
		tags[i] = i
	}
	task, err := NewAcquisitionTask(&scriptedSampler{}, store, tags, NewNoiseMonitor(nchan))
	if err != nil {
		t.Fatal(err)
	}
	return NewAdcControl(store, task, NewNoiseMonitor(nchan), nil), store, task
}

func TestControlReadAccessors(t *testing.T) {
	control, store, _ := newTestControl(t, 2)
	if err := store.ingest(1, 2222, DefaultAccessTimeout); err != nil {
		t.Fatal(err)
	}

	var raw uint32
	if err := control.ReadRaw(&ChannelArgs{Channel: 1}, &raw); err != nil {
		t.Fatalf("ReadRaw: %v", err)
	}
	if raw != 2222 {
		t.Errorf("ReadRaw = %d, want 2222", raw)
	}

	var norm uint32
	if err := control.ReadNormalized(&ChannelArgs{Channel: 1}, &norm); err != nil {
		t.Fatalf("ReadNormalized: %v", err)
	}
	if norm != 222 {
		t.Errorf("ReadNormalized = %d, want 222", norm)
	}

	if err := control.ReadRaw(&ChannelArgs{Channel: 5}, &raw); !errors.Is(err, ErrInvalidChannel) {
		t.Errorf("ReadRaw of bad channel error = %v, want ErrInvalidChannel", err)
	}
}

func TestControlCalibrationRoundTrip(t *testing.T) {
	control, _, _ := newTestControl(t, 1)

	var ok bool
	if err := control.SetCalibration(&CalibrationArgs{Channel: 0, Min: 100, Max: 2000}, &ok); err != nil {
		t.Fatalf("SetCalibration: %v", err)
	}
	if !ok {
		t.Error("SetCalibration reply = false, want true")
	}

	var cal CalibrationReply
	if err := control.GetCalibration(&ChannelArgs{Channel: 0}, &cal); err != nil {
		t.Fatalf("GetCalibration: %v", err)
	}
	if cal.Min != 100 || cal.Max != 2000 {
		t.Errorf("calibration (%d, %d), want (100, 2000)", cal.Min, cal.Max)
	}

	if err := control.SetCalibration(&CalibrationArgs{Channel: 0, Min: 500, Max: 500}, &ok); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("degenerate bounds error = %v, want ErrInvalidArgument", err)
	}
	if ok {
		t.Error("failed SetCalibration reply = true, want false")
	}

	if err := control.SetHysteresis(&HysteresisArgs{Channel: 0, Width: 120}, &ok); err != nil {
		t.Fatalf("SetHysteresis: %v", err)
	}
	var width uint32
	if err := control.GetHysteresis(&ChannelArgs{Channel: 0}, &width); err != nil {
		t.Fatalf("GetHysteresis: %v", err)
	}
	if width != 120 {
		t.Errorf("width = %d, want 120", width)
	}
}

func TestControlStatusAndCounters(t *testing.T) {
	control, _, task := newTestControl(t, 3)

	var status ServerStatus
	if err := control.Status(nil, &status); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.State != "Inactive" {
		t.Errorf("State = %q, want Inactive", status.State)
	}
	if status.Nchannels != 3 {
		t.Errorf("Nchannels = %d, want 3", status.Nchannels)
	}
	if len(status.Noise) != 3 {
		t.Errorf("Noise covers %d channels, want 3", len(status.Noise))
	}

	var counters ErrorCounters
	if err := control.Counters(nil, &counters); err != nil {
		t.Fatalf("Counters: %v", err)
	}
	if counters != task.Counters() {
		t.Errorf("Counters reply %+v differs from task counters %+v", counters, task.Counters())
	}
}

func TestControlWriteSnapshot(t *testing.T) {
	control, _, _ := newTestControl(t, 1)
	var ok bool
	if err := control.WriteSnapshot(&SnapshotArgs{}, &ok); err == nil {
		t.Error("WriteSnapshot without a path must fail")
	}
	path := filepath.Join(t.TempDir(), "rings.npy")
	if err := control.WriteSnapshot(&SnapshotArgs{Path: path}, &ok); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	if !ok {
		t.Error("WriteSnapshot reply = false, want true")
	}
}

func TestChannelArgsTimeout(t *testing.T) {
	var tests = []struct {
		waitMS int
		want   time.Duration
	}{
		{-1, 0},
		{0, DefaultAccessTimeout},
		{25, 25 * time.Millisecond},
	}
	for _, test := range tests {
		a := ChannelArgs{WaitMS: test.waitMS}
		if got := a.timeout(); got != test.want {
			t.Errorf("timeout() with WaitMS %d = %v, want %v", test.waitMS, got, test.want)
		}
	}
}

const testRPCPort = 26612

// testClient connects to the test server, retrying while it comes up.
func testClient(t *testing.T) *rpc.Client {
	t.Helper()
	var client *rpc.Client
	var err error
	pause := 10 * time.Millisecond
	for i := 0; i < 10; i++ {
		client, err = jsonrpc.Dial("tcp", fmt.Sprintf("localhost:%d", testRPCPort))
		if err == nil {
			return client
		}
		time.Sleep(pause)
		pause *= 2
	}
	t.Fatalf("could not connect to RPC server: %v", err)
	return nil
}

// TestServerOverJSONRPC starts a real listener and exercises the wire path.
func TestServerOverJSONRPC(t *testing.T) {
	control, store, _ := newTestControl(t, 2)
	if err := store.ingest(0, 3333, DefaultAccessTimeout); err != nil {
		t.Fatal(err)
	}
	if err := RunRPCServer(control, testRPCPort, false); err != nil {
		t.Fatalf("RunRPCServer: %v", err)
	}

	client := testClient(t)
	defer client.Close()

	var raw uint32
	if err := client.Call("AdcControl.ReadRaw", &ChannelArgs{Channel: 0}, &raw); err != nil {
		t.Fatalf("ReadRaw over RPC: %v", err)
	}
	if raw != 3333 {
		t.Errorf("ReadRaw over RPC = %d, want 3333", raw)
	}

	var ok bool
	if err := client.Call("AdcControl.SetHysteresis", &HysteresisArgs{Channel: 1, Width: 90}, &ok); err != nil {
		t.Fatalf("SetHysteresis over RPC: %v", err)
	}
	var width uint32
	if err := client.Call("AdcControl.GetHysteresis", &ChannelArgs{Channel: 1}, &width); err != nil {
		t.Fatalf("GetHysteresis over RPC: %v", err)
	}
	if width != 90 {
		t.Errorf("GetHysteresis over RPC = %d, want 90", width)
	}

	// Errors cross the wire as strings, not sentinels.
	err := client.Call("AdcControl.ReadRaw", &ChannelArgs{Channel: 99}, &raw)
	if err == nil {
		t.Error("ReadRaw of bad channel over RPC must fail")
	}
}
