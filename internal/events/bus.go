package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"pharmagent/internal/logger"
)

type EventPayload map[string]any

const (
	TypeStatus  = "status"
	TypeStage   = "stage"
	TypeMessage = "message"
	TypeLog     = "log"
	TypeRun     = "run"
)

// Event is one change to a session, in the order it happened.
type Event struct {
	Type      string       `json:"type"`
	SessionID string       `json:"session_id"`
	TS        string       `json:"ts"`
	Payload   EventPayload `json:"payload"`
}

// Publisher delivers session events.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }

const subscriberBuffer = 256

// Bus fans session events out to subscribers over an in-process watermill
// channel. Publish returns once every current subscriber has accepted the
// event, so each subscriber sees events in publish order.
type Bus struct {
	pubsub *gochannel.GoChannel
	Now    func() time.Time
}

func NewBus(log logger.Logger) *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            subscriberBuffer,
			BlockPublishUntilSubscriberAck: true,
		}, watermillLogger{log: log}),
		Now: time.Now,
	}
}

func topic(sessionID string) string { return "session." + sessionID }

func (b *Bus) Publish(ctx context.Context, evt Event) error {
	if evt.TS == "" {
		now := time.Now
		if b.Now != nil {
			now = b.Now
		}
		evt.TS = now().UTC().Format(time.RFC3339Nano)
	}
	if evt.Payload == nil {
		evt.Payload = EventPayload{}
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.SetContext(ctx)
	msg.Metadata.Set("type", evt.Type)
	return b.pubsub.Publish(topic(evt.SessionID), msg)
}

// Subscribe streams the events of one session until ctx is done or the bus
// is closed.
func (b *Bus) Subscribe(ctx context.Context, sessionID string) (<-chan Event, error) {
	msgs, err := b.pubsub.Subscribe(ctx, topic(sessionID))
	if err != nil {
		return nil, err
	}
	out := make(chan Event, subscriberBuffer)
	go func() {
		defer close(out)
		for msg := range msgs {
			var evt Event
			err := json.Unmarshal(msg.Payload, &evt)
			msg.Ack()
			if err != nil {
				continue
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *Bus) Close() error {
	return b.pubsub.Close()
}

type watermillLogger struct {
	log    logger.Logger
	fields watermill.LogFields
}

func (l watermillLogger) details(fields watermill.LogFields) map[string]any {
	out := make(map[string]any, len(l.fields)+len(fields))
	for k, v := range l.fields {
		out[k] = v
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func (l watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	if l.log == nil {
		return
	}
	d := l.details(fields)
	d["error"] = err
	l.log.Error("events", msg, d)
}

func (l watermillLogger) Info(msg string, fields watermill.LogFields) {
	if l.log != nil {
		l.log.Debug("events", msg, l.details(fields))
	}
}

func (l watermillLogger) Debug(msg string, fields watermill.LogFields) {
	if l.log != nil {
		l.log.Debug("events", msg, l.details(fields))
	}
}

func (l watermillLogger) Trace(string, watermill.LogFields) {}

func (l watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return watermillLogger{log: l.log, fields: l.fields.Add(fields)}
}
