// Package bus publishes packd events over NATS as JSON envelopes so that
// external consumers (UIs, audit pipelines) can observe installs,
// lifecycle transitions, workflow events, and sandbox log lines.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	subjectPrefix = "packd.event."

	// SubjectLogs carries log-sink lines relayed off the host.
	SubjectLogs = "packd.logs"
)

var (
	errNilBus     = errors.New("nats bus not initialized")
	errNilEvent   = errors.New("nil event")
	errEmptyTopic = errors.New("empty subject")
)

// Event is the JSON envelope for everything packd publishes.
type Event struct {
	Type       string         `json:"type"`
	PackID     string         `json:"pack_id,omitempty"`
	InstanceID string         `json:"instance_id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data,omitempty"`
}

// Publisher is the subset of the bus the engine and lifecycle need.
type Publisher interface {
	Publish(subject string, event *Event) error
}

// EventSubject constructs the subject for a typed event.
func EventSubject(eventType string) string {
	return subjectPrefix + eventType
}

// NatsBus is a thin wrapper over a NATS connection that speaks JSON events.
type NatsBus struct {
	nc *nats.Conn
}

// NewNatsBus dials NATS at the provided URL.
func NewNatsBus(url string) (*NatsBus, error) {
	opts := []nats.Option{
		nats.Name("packd-bus"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Printf("[BUS] disconnected from NATS: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[BUS] reconnected to NATS at %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Printf("[BUS] connection closed")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NatsBus{nc: nc}, nil
}

// Close shuts down the underlying NATS connection.
func (b *NatsBus) Close() {
	if b != nil && b.nc != nil {
		b.nc.Close()
	}
}

// Publish sends a JSON-encoded event on the given subject.
func (b *NatsBus) Publish(subject string, event *Event) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptyTopic
	}
	if event == nil {
		return errNilEvent
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return b.nc.Publish(subject, data)
}

// Subscribe attaches a subscription that decodes events and invokes the handler.
func (b *NatsBus) Subscribe(subject, queue string, handler func(*Event)) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptyTopic
	}
	if handler == nil {
		return errors.New("nil handler")
	}
	cb := func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("nats bus: failed to unmarshal event: %v", err)
			return
		}
		handler(&event)
	}
	if queue == "" {
		_, err := b.nc.Subscribe(subject, cb)
		return err
	}
	_, err := b.nc.QueueSubscribe(subject, queue, cb)
	return err
}

// IsConnected reports whether the underlying connection is live.
func (b *NatsBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}
