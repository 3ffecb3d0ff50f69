// Package mqtt publishes gateway status to an MQTT broker. The
// publisher subscribes to the internal event bus, folds events into
// run/tool/peer counters, and publishes a retained JSON status
// document plus an availability topic with birth and will messages.
//
// Connection management uses Eclipse Paho v2's [autopaho] package,
// which reconnects automatically. On every (re-)connect the publisher
// re-sends the "online" birth message; the broker-side will message
// flips availability to "offline" on unexpected disconnects.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/sibylgw/sibyl/internal/buildinfo"
	"github.com/sibylgw/sibyl/internal/config"
	"github.com/sibylgw/sibyl/internal/events"
)

// publishInterval is how often the status document is re-published
// even when no events arrive, so uptime stays fresh.
const publishInterval = 60 * time.Second

// Status is the retained JSON payload published to the status topic.
type Status struct {
	Instance       string `json:"instance"`
	Version        string `json:"version"`
	UptimeSec      int64  `json:"uptime_sec"`
	Runs           int64  `json:"runs"`
	ToolCalls      int64  `json:"tool_calls"`
	PeersConnected int    `json:"peers_connected"`
	TasksFired     int64  `json:"tasks_fired"`
	TasksSkipped   int64  `json:"tasks_skipped"`
	SyncsCompleted int64  `json:"syncs_completed"`
	LastRun        string `json:"last_run,omitempty"`
}

// Publisher manages the MQTT connection and mirrors event-bus activity
// to the broker as a retained status document.
type Publisher struct {
	cfg     config.MQTTConfig
	bus     *events.Bus
	logger  *slog.Logger
	started time.Time

	cm *autopaho.ConnectionManager

	mu      sync.Mutex
	runs    int64
	tools   int64
	peers   int
	fired   int64
	skipped int64
	syncs   int64
	lastRun time.Time
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, bus *events.Bus, logger *slog.Logger) *Publisher {
	return &Publisher{
		cfg:     cfg,
		bus:     bus,
		logger:  logger,
		started: time.Now(),
	}
}

// Start connects to the broker and runs the publish loop until ctx is
// cancelled. Status is re-published whenever an event arrives and at
// a fixed interval, so the retained document never goes stale.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
			p.publishStatus(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "sibyl-" + p.cfg.InstanceID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes an "offline" availability message before closing the
// connection. The context bounds how long to wait for the disconnect.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

func (p *Publisher) baseTopic() string {
	return p.cfg.TopicBase + "/" + p.cfg.InstanceID
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) statusTopic() string {
	return p.baseTopic() + "/status"
}

// eventTopic maps a bus event to its per-kind topic, e.g.
// sibyl/host/event/agent/run_complete.
func (p *Publisher) eventTopic(e events.Event) string {
	return p.baseTopic() + "/event/" + e.Source + "/" + e.Kind
}

func (p *Publisher) runLoop(ctx context.Context) {
	ch := p.bus.Subscribe(64)
	defer p.bus.Unsubscribe(ch)

	ticker := time.NewTicker(publishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			p.applyEvent(e)
			p.publishEvent(ctx, e)
			p.publishStatus(ctx, p.cm)
		case <-ticker.C:
			p.publishStatus(ctx, p.cm)
		}
	}
}

// applyEvent folds a bus event into the status counters.
func (p *Publisher) applyEvent(e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch e.Kind {
	case events.KindRunComplete:
		p.runs++
		p.lastRun = e.Timestamp
	case events.KindToolCall:
		p.tools++
	case events.KindPeerConnected:
		p.peers++
	case events.KindPeerClosed:
		if p.peers > 0 {
			p.peers--
		}
	case events.KindTaskFired:
		p.fired++
	case events.KindTaskSkipped:
		p.skipped++
	case events.KindSyncComplete:
		p.syncs++
	}
}

// snapshot returns the current status document.
func (p *Publisher) snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Status{
		Instance:       p.cfg.InstanceID,
		Version:        buildinfo.Version,
		UptimeSec:      int64(time.Since(p.started).Seconds()),
		Runs:           p.runs,
		ToolCalls:      p.tools,
		PeersConnected: p.peers,
		TasksFired:     p.fired,
		TasksSkipped:   p.skipped,
		SyncsCompleted: p.syncs,
	}
	if !p.lastRun.IsZero() {
		st.LastRun = p.lastRun.Format(time.RFC3339)
	}
	return st
}

func (p *Publisher) publishStatus(ctx context.Context, cm *autopaho.ConnectionManager) {
	if cm == nil {
		return
	}

	payload, err := json.Marshal(p.snapshot())
	if err != nil {
		p.logger.Error("mqtt marshal status payload", "error", err)
		return
	}

	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.statusTopic(),
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt status publish failed", "error", err)
	}
}

// publishEvent forwards a single bus event to its per-kind topic.
// Events are transient so they are published without the retain flag.
func (p *Publisher) publishEvent(ctx context.Context, e events.Event) {
	if p.cm == nil {
		return
	}

	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("mqtt marshal event payload", "kind", e.Kind, "error", err)
		return
	}

	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.eventTopic(e),
		Payload: payload,
		QoS:     0,
	}); err != nil {
		p.logger.Debug("mqtt event publish failed", "kind", e.Kind, "error", err)
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}
