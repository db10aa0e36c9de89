// Package events carries device lifecycle notifications to optional sinks
// such as the MQTT broker and the realtime websocket hub.
package events

import (
	"context"
	"time"
)

const (
	DeviceRegistered = "device.registered"
	DeviceOnline     = "device.online"
	DeviceOffline    = "device.offline"
)

type Event struct {
	Type     string    `json:"type"`
	DeviceID string    `json:"device_id"`
	Status   string    `json:"status,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher must not block the caller for long and never reports failure;
// sinks log their own errors.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// Multi fans an event out to every non-nil publisher in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, ev)
		}
	}
}
