// Package event provides the observability pub/sub bus for session
// lifecycle events, built on watermill's gochannel transport. The bus feeds
// the SSE event endpoint and is deliberately separate from the targeted
// client transport: the orchestrator addresses the owning connection
// directly and only mirrors lifecycle events here.
package event

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/agentdeck/agentdeck/internal/logging"
)

// Type identifies a lifecycle event.
type Type string

const (
	SessionStarted      Type = "session.started"
	SessionResumed      Type = "session.resumed"
	SessionThinking     Type = "session.thinking"
	SessionResult       Type = "session.result"
	SessionAborted      Type = "session.aborted"
	MessageAppended     Type = "message.appended"
	PermissionRequested Type = "permission.requested"
	PermissionResolved  Type = "permission.resolved"
	AllowlistUpdated    Type = "allowlist.updated"
)

const topic = "agentdeck.events"

// Event is one lifecycle event on the bus.
type Event struct {
	Type      Type   `json:"type"`
	SessionID string `json:"sessionID,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// Bus wraps a watermill gochannel publisher/subscriber.
type Bus struct {
	pubsub *gochannel.GoChannel
}

// NewBus creates a bus. Events published with no subscribers are dropped.
func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 100},
			watermill.NopLogger{},
		),
	}
}

// Publish emits an event to every subscriber. Failures are logged, never
// surfaced: observability must not disturb the session path.
func (b *Bus) Publish(e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		logging.Error().Err(err).Str("eventType", string(e.Type)).Msg("marshal bus event")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := b.pubsub.Publish(topic, msg); err != nil {
		logging.Warn().Err(err).Str("eventType", string(e.Type)).Msg("publish bus event")
	}
}

// Subscribe returns a channel of events that closes when ctx is cancelled
// or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, error) {
	msgs, err := b.pubsub.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for msg := range msgs {
			var e Event
			if err := json.Unmarshal(msg.Payload, &e); err != nil {
				logging.Warn().Err(err).Msg("decode bus event")
				msg.Ack()
				continue
			}
			msg.Ack()
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close shuts the bus down; all subscriber channels close.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}
