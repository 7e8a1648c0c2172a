// Package telemetry mirrors the device state onto an MQTT broker so
// shack dashboards and automation can follow the loop without polling
// the HTTP API.
package telemetry

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/magloop/loopd/pkg/config"
	"github.com/magloop/loopd/pkg/engine"
	"github.com/magloop/loopd/pkg/logging"
)

// Publisher pushes status snapshots to <prefix>/status as retained
// JSON, so subscribers see the last known state immediately on
// connect. An availability flag on <prefix>/online flips to "0" via
// the broker will when the daemon drops off.
type Publisher struct {
	client   mqtt.Client
	prefix   string
	interval time.Duration
	snapshot func() engine.Snapshot

	done chan struct{}
	wg   sync.WaitGroup
}

// New connects to the broker named in the mqtt config section.
// snapshot supplies the state for the periodic heartbeat publish. If
// the broker is unreachable the publisher keeps retrying in the
// background rather than failing the daemon.
func New(cfg *config.Config, snapshot func() engine.Snapshot) (*Publisher, error) {
	p := &Publisher{
		prefix:   cfg.MQTT.TopicPrefix,
		interval: time.Duration(cfg.MQTT.PublishSeconds) * time.Second,
		snapshot: snapshot,
		done:     make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.MQTT.Broker)
	opts.SetClientID(cfg.MQTT.ClientID)
	if cfg.MQTT.Username != "" {
		opts.SetUsername(cfg.MQTT.Username)
		opts.SetPassword(cfg.MQTT.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetWill(p.topic("online"), "0", 1, true)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		logging.Infof("telemetry", "Connected to MQTT broker %s", cfg.MQTT.Broker)
		client.Publish(p.topic("online"), 1, true, "1")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		logging.Warnf("telemetry", "MQTT connection lost: %v", err)
	})
	opts.SetReconnectingHandler(func(client mqtt.Client, _ *mqtt.ClientOptions) {
		logging.Debug("telemetry", "Reconnecting to MQTT broker")
	})

	p.client = mqtt.NewClient(opts)

	token := p.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		logging.Warnf("telemetry", "MQTT broker %s not reachable yet, retrying in background", cfg.MQTT.Broker)
	} else if token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return p, nil
}

// Start launches the periodic heartbeat so subscribers can tell a
// quiet daemon from a dead one.
func (p *Publisher) Start() {
	p.wg.Add(1)
	go p.heartbeatLoop()
}

func (p *Publisher) heartbeatLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.PublishSnapshot(p.snapshot())
		}
	}
}

// PublishSnapshot pushes one status snapshot to the retained status
// topic. Broker errors are logged, never returned, so a flaky broker
// cannot stall the control loop.
func (p *Publisher) PublishSnapshot(snap engine.Snapshot) {
	if !p.client.IsConnectionOpen() {
		return
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		logging.Errorf("telemetry", "Failed to marshal status payload: %v", err)
		return
	}

	token := p.client.Publish(p.topic("status"), 0, true, payload)
	go func() {
		if token.Wait() && token.Error() != nil {
			logging.Warnf("telemetry", "Failed to publish status: %v", token.Error())
		}
	}()
}

// Close stops the heartbeat, marks the daemon offline and disconnects.
func (p *Publisher) Close() {
	close(p.done)
	p.wg.Wait()

	if p.client.IsConnectionOpen() {
		token := p.client.Publish(p.topic("online"), 1, true, "0")
		token.WaitTimeout(time.Second)
	}
	p.client.Disconnect(250)
}

func (p *Publisher) topic(suffix string) string {
	return p.prefix + "/" + suffix
}
