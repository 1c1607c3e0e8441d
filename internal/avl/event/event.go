// Package event carries device lifecycle and fix events from the connection
// handlers to the outer consumers (websocket fan-out, relays, metrics).
package event

import (
	"context"
	"fmt"
	"time"

	"github.com/mustafaturan/bus/v3"
	"github.com/mustafaturan/monoton/v2"
	"github.com/mustafaturan/monoton/v2/sequencer"
	"github.com/phuslu/log"
	"nuha.dev/avlgate/internal/avl/codec8"
)

const (
	TopicConnected    = "device.connected"
	TopicFix          = "device.fix"
	TopicDisconnected = "device.disconnected"
)

// 2020-01-01 in milliseconds, ids are generated relative to it
const epoch uint64 = 1577836800000

type Connected struct {
	IMEI   string    `json:"imei"`
	Cid    uint64    `json:"cid"`
	Socket []string  `json:"socket"`
	At     time.Time `json:"at"`
}

type Fix struct {
	IMEI       string    `json:"imei"`
	ServerTime time.Time `json:"server_time"`
	codec8.Record
}

type Disconnected struct {
	IMEI   string    `json:"imei"`
	Cid    uint64    `json:"cid"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Handler receives the topic, the event id and the payload of one event.
// It runs on the emitting goroutine and must not block.
type Handler func(ctx context.Context, topic, id string, data interface{})

type Bus struct {
	b   *bus.Bus
	log log.Logger
}

func NewBus(node uint64) (*Bus, error) {
	m, err := monoton.New(sequencer.NewMillisecond(), node, epoch)
	if err != nil {
		return nil, fmt.Errorf("id generator: %w", err)
	}
	var idGenerator bus.Next = m.Next
	b, err := bus.NewBus(idGenerator)
	if err != nil {
		return nil, fmt.Errorf("bus: %w", err)
	}
	b.RegisterTopics(TopicConnected, TopicFix, TopicDisconnected)

	o := &Bus{b: b}
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "event-bus").Value()
	return o, nil
}

// Subscribe registers fn under key for every topic matching the regular
// expression matcher.
func (b *Bus) Subscribe(key, matcher string, fn Handler) {
	b.b.RegisterHandler(key, bus.Handler{
		Handle: func(ctx context.Context, e bus.Event) {
			fn(ctx, e.Topic, e.ID, e.Data)
		},
		Matcher: matcher,
	})
	b.log.Debug().Str("key", key).Str("matcher", matcher).Msg("handler registered")
}

func (b *Bus) Unsubscribe(key string) {
	b.b.DeregisterHandler(key)
}

// Emit publishes data on topic. Failures are logged, never returned, the
// ingestion path does not depend on its consumers.
func (b *Bus) Emit(ctx context.Context, topic string, data interface{}) {
	if b == nil {
		return
	}
	if err := b.b.Emit(ctx, topic, data); err != nil {
		b.log.Error().Err(err).Str("topic", topic).Msg("emit failed")
	}
}
