package adcd

import (
	"encoding/json"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// TelemetryPublisher pushes normalized readings to an MQTT broker, for sites
// that feed readings into a telemetry pipeline instead of (or besides) the
// ZMQ status stream. Entirely optional: a nil publisher is simply disabled.
type TelemetryPublisher struct {
	client paho.Client
	topic  string
}

// NewTelemetryPublisher connects to the broker. Auto-reconnect is on, so a
// broker outage after startup only pauses delivery.
func NewTelemetryPublisher(broker, clientID, topic string) (*TelemetryPublisher, error) {
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("telemetry broker connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to telemetry broker: %w", err)
	}
	return &TelemetryPublisher{client: client, topic: topic}, nil
}

// telemetryReading is the JSON payload for one channel.
type telemetryReading struct {
	Channel    int    `json:"channel"`
	Raw        uint32 `json:"raw"`
	Normalized uint32 `json:"normalized"`
	UnixMS     int64  `json:"unix_ms"`
}

// publishOnce sends one reading per channel, QoS 0 and unretained: telemetry
// is a stream of current values, stale ones are worthless.
func (tp *TelemetryPublisher) publishOnce(snaps []ChannelSnapshot) {
	now := time.Now().UnixMilli()
	for _, snap := range snaps {
		payload, err := json.Marshal(telemetryReading{
			Channel:    snap.Channel,
			Raw:        snap.Raw,
			Normalized: snap.Normalized,
			UnixMS:     now,
		})
		if err != nil {
			continue
		}
		tp.client.Publish(fmt.Sprintf("%s/%d", tp.topic, snap.Channel), 0, false, payload)
	}
}

// Run publishes readings once per interval until abort is closed.
func (tp *TelemetryPublisher) Run(store *ChannelStore, interval time.Duration, abort <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-abort:
			return
		case <-ticker.C:
			snaps, err := store.Snapshot(DefaultAccessTimeout)
			if err != nil {
				continue
			}
			tp.publishOnce(snaps)
		}
	}
}

// Close disconnects from the broker.
func (tp *TelemetryPublisher) Close() {
	tp.client.Disconnect(1000)
}
