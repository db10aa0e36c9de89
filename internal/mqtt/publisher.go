package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/nekota/device-manager/internal/events"
)

// EventPublisher forwards device lifecycle events to the broker from a
// single goroutine. Publish never blocks; events are dropped when the
// queue is full.
type EventPublisher struct {
	api    ClientAPI
	prefix string
	queue  chan events.Event
}

func NewEventPublisher(api ClientAPI, prefix string, buffer int) *EventPublisher {
	if buffer <= 0 {
		buffer = 256
	}
	return &EventPublisher{
		api:    api,
		prefix: strings.Trim(prefix, "/"),
		queue:  make(chan events.Event, buffer),
	}
}

// Topic is <prefix>/device/<event>/<deviceId>, e.g. nekota/device/online/dev_1a2b3c4d.
func (p *EventPublisher) Topic(ev events.Event) string {
	kind := strings.TrimPrefix(ev.Type, "device.")
	t := "device/" + kind + "/" + ev.DeviceID
	if p.prefix == "" {
		return t
	}
	return p.prefix + "/" + t
}

func (p *EventPublisher) Publish(_ context.Context, ev events.Event) {
	select {
	case p.queue <- ev:
	default:
		slog.Warn("mqtt event queue full, dropping", "type", ev.Type, "device_id", ev.DeviceID)
	}
}

// Run drains the queue until ctx is cancelled.
func (p *EventPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.queue:
			p.send(ev)
		}
	}
}

func (p *EventPublisher) send(ev events.Event) {
	ev.At = ev.At.UTC()
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	// Status topics are retained so late subscribers see the last known state.
	retain := ev.Type != events.DeviceRegistered
	if err := p.api.Publish(p.Topic(ev), b, retain); err != nil {
		slog.Warn("mqtt publish failed", "topic", p.Topic(ev), "error", err)
	}
}
