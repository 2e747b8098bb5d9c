package adcd

import (
	"fmt"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/mkrenek/adcd/internal/adcdb"
	"github.com/spf13/viper"
)

// AdcControl is the RPC service that exposes the public accessor API to the
// operator console and to other firmware modules.
type AdcControl struct {
	store   *ChannelStore
	task    *AcquisitionTask
	monitor *NoiseMonitor
	archive *adcdb.Connection // may be nil: archiving is optional
	verbose bool
}

// NewAdcControl creates the RPC service object.
func NewAdcControl(store *ChannelStore, task *AcquisitionTask, monitor *NoiseMonitor, archive *adcdb.Connection) *AdcControl {
	return &AdcControl{
		store:   store,
		task:    task,
		monitor: monitor,
		archive: archive,
		verbose: viper.GetBool("Verbose"),
	}
}

// ChannelArgs identifies one channel and the caller's lock wait budget.
// WaitMS < 0 means try-lock; WaitMS == 0 means the default budget.
type ChannelArgs struct {
	Channel int
	WaitMS  int
}

func (a *ChannelArgs) timeout() time.Duration {
	if a.WaitMS < 0 {
		return 0
	}
	if a.WaitMS == 0 {
		return DefaultAccessTimeout
	}
	return time.Duration(a.WaitMS) * time.Millisecond
}

// ReadRaw returns the channel's last raw sample.
func (c *AdcControl) ReadRaw(args *ChannelArgs, reply *uint32) error {
	v, err := c.store.GetRaw(args.Channel, args.timeout())
	*reply = uint32(v)
	return err
}

// ReadNormalized returns the channel's filtered output.
func (c *AdcControl) ReadNormalized(args *ChannelArgs, reply *uint32) error {
	v, err := c.store.GetNormalized(args.Channel, args.timeout())
	*reply = uint32(v)
	return err
}

// CalibrationReply carries one channel's calibration bounds.
type CalibrationReply struct {
	Min uint32
	Max uint32
}

// GetCalibration returns the channel's calibration bounds.
func (c *AdcControl) GetCalibration(args *ChannelArgs, reply *CalibrationReply) error {
	cal, err := c.store.GetCalibration(args.Channel, args.timeout())
	if err != nil {
		return err
	}
	reply.Min = cal.Min
	reply.Max = cal.Max
	return nil
}

// CalibrationArgs carries a calibration change request.
type CalibrationArgs struct {
	Channel int
	Min     uint32
	Max     uint32
	WaitMS  int
}

// SetCalibration applies and persists new calibration bounds.
func (c *AdcControl) SetCalibration(args *CalibrationArgs, reply *bool) error {
	log.Printf("SetCalibration: channel %d, bounds [%d, %d]\n", args.Channel, args.Min, args.Max)
	if c.verbose {
		log.Print(spew.Sdump(args))
	}
	ca := ChannelArgs{Channel: args.Channel, WaitMS: args.WaitMS}
	err := c.store.SetCalibration(args.Channel, args.Min, args.Max, ca.timeout())
	*reply = (err == nil)
	if err == nil {
		c.recordCalibration(args.Channel)
	}
	return err
}

// HysteresisArgs carries a hysteresis width change request.
type HysteresisArgs struct {
	Channel int
	Width   uint32
	WaitMS  int
}

// GetHysteresis returns the channel's hysteresis width.
func (c *AdcControl) GetHysteresis(args *ChannelArgs, reply *uint32) error {
	w, err := c.store.GetHysteresis(args.Channel, args.timeout())
	*reply = w
	return err
}

// SetHysteresis applies and persists a new hysteresis width.
func (c *AdcControl) SetHysteresis(args *HysteresisArgs, reply *bool) error {
	log.Printf("SetHysteresis: channel %d, width %d\n", args.Channel, args.Width)
	ca := ChannelArgs{Channel: args.Channel, WaitMS: args.WaitMS}
	err := c.store.SetHysteresis(args.Channel, args.Width, ca.timeout())
	*reply = (err == nil)
	if err == nil {
		c.recordCalibration(args.Channel)
	}
	return err
}

// recordCalibration sends the channel's now-current calibration to the archive
// database, if one is connected.
func (c *AdcControl) recordCalibration(channel int) {
	if c.archive == nil {
		return
	}
	cal, err := c.store.GetCalibration(channel, DefaultAccessTimeout)
	if err != nil {
		return
	}
	width, err := c.store.GetHysteresis(channel, DefaultAccessTimeout)
	if err != nil {
		return
	}
	c.archive.RecordCalibration(&adcdb.CalibrationMessage{
		Channel: channel,
		Min:     cal.Min,
		Max:     cal.Max,
		Width:   width,
		When:    time.Now(),
	})
}

// Counters returns the transient-error tallies.
func (c *AdcControl) Counters(dummy *string, reply *ErrorCounters) error {
	*reply = c.task.Counters()
	return nil
}

// ServerStatus is the status that AdcControl reports to clients.
type ServerStatus struct {
	State     string
	Nchannels int
	Counters  ErrorCounters
	Noise     []FrameStats
}

// Status returns a full status report.
func (c *AdcControl) Status(dummy *string, reply *ServerStatus) error {
	reply.State = c.task.GetState().String()
	reply.Nchannels = c.store.Nchan()
	reply.Counters = c.task.Counters()
	if c.monitor != nil {
		reply.Noise = c.monitor.Snapshot()
	}
	return nil
}

// SnapshotArgs names the file a buffer snapshot should be written to.
type SnapshotArgs struct {
	Path string
}

// WriteSnapshot dumps every channel's running-average ring to a .npy file.
func (c *AdcControl) WriteSnapshot(args *SnapshotArgs, reply *bool) error {
	if args.Path == "" {
		return fmt.Errorf("WriteSnapshot requires a path")
	}
	err := c.store.WriteBufferSnapshot(args.Path, DefaultAccessTimeout)
	*reply = (err == nil)
	return err
}

// RunRPCServer sets up and runs a permanent JSON-RPC server for the given
// control object. If block is false it returns after the listener starts.
func RunRPCServer(control *AdcControl, portrpc int, block bool) error {
	server := rpc.NewServer()
	if err := server.Register(control); err != nil {
		return err
	}
	server.HandleHTTP(rpc.DefaultRPCPath, rpc.DefaultDebugPath)
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", portrpc))
	if err != nil {
		return fmt.Errorf("listen error: %w", err)
	}
	accept := func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				ProblemLogger.Printf("RPC accept error: %v", err)
				return
			}
			go server.ServeCodec(jsonrpc.NewServerCodec(conn))
		}
	}
	if block {
		accept()
		return nil
	}
	go accept()
	return nil
}
