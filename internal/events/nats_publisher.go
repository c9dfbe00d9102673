package events

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSPublisher mirrors task events onto NATS subjects so external consumers
// (billing, notification workers) can follow task lifecycles without polling.
type NATSPublisher struct {
	conn          *nats.Conn
	subjectPrefix string
}

// NewNATSPublisher connects to NATS and returns a publisher. Subjects are
// <prefix>.<event type>, e.g. genmedia.task.completed.
func NewNATSPublisher(url, subjectPrefix string, timeout time.Duration) (*NATSPublisher, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	conn, err := nats.Connect(url,
		nats.Timeout(timeout),
		nats.ReconnectWait(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Printf("⚠️ [NATS] Disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("✅ [NATS] Reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Printf("✅ [NATS] Connected to %s", url)
	return &NATSPublisher{conn: conn, subjectPrefix: subjectPrefix}, nil
}

// Attach subscribes the publisher to a hub and forwards events until the
// hub closes the subscription
func (p *NATSPublisher) Attach(hub *Hub) {
	ch, _ := hub.Subscribe(256)
	go func() {
		for event := range ch {
			p.publish(event)
		}
	}()
}

func (p *NATSPublisher) publish(event TaskEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	subject := p.subjectPrefix + "." + event.Type
	if err := p.conn.Publish(subject, data); err != nil {
		log.Printf("⚠️ [NATS] Failed to publish %s: %v", subject, err)
	}
}

// Close drains and closes the NATS connection
func (p *NATSPublisher) Close() {
	if p.conn != nil {
		p.conn.Drain()
	}
}
