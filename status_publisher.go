package adcd

// Contains the status publisher, which broadcasts JSON-encoded messages giving
// the latest acquisition state on a ZMQ PUB socket.

import (
	"encoding/json"
	"fmt"
	"time"

	zmq "github.com/pebbe/zmq4"
)

// StatusMessage is one published snapshot of the subsystem.
type StatusMessage struct {
	State    string
	Channels []ChannelSnapshot
	Noise    []FrameStats
	Counters ErrorCounters
}

// buildStatus assembles a StatusMessage from the live pieces. A store lock
// timeout yields a message without channel data rather than no message.
func buildStatus(store *ChannelStore, task *AcquisitionTask, monitor *NoiseMonitor) StatusMessage {
	msg := StatusMessage{
		State:    task.GetState().String(),
		Counters: task.Counters(),
	}
	if snaps, err := store.Snapshot(DefaultAccessTimeout); err == nil {
		msg.Channels = snaps
	}
	if monitor != nil {
		msg.Noise = monitor.Snapshot()
	}
	return msg
}

// RunStatusPublisher publishes a STATUS message once per interval until abort
// is closed. Messages are two ZMQ frames: a tag, then the JSON body.
func RunStatusPublisher(store *ChannelStore, task *AcquisitionTask, monitor *NoiseMonitor,
	portstatus int, interval time.Duration, abort <-chan struct{}) error {
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return err
	}
	defer pubSocket.Close()
	if err := pubSocket.Bind(fmt.Sprintf("tcp://*:%d", portstatus)); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-abort:
			return nil
		case <-ticker.C:
			body, err := json.Marshal(buildStatus(store, task, monitor))
			if err != nil {
				ProblemLogger.Printf("could not marshal status message: %v", err)
				continue
			}
			if _, err := pubSocket.SendMessage("STATUS", body); err != nil {
				ProblemLogger.Printf("could not publish status message: %v", err)
			}
		}
	}
}
