// Package natsrelay republishes device events on NATS subjects of the form
// <prefix>.<topic>.<imei>, e.g. avl.device.fix.356307042441013.
package natsrelay

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/phuslu/log"
	"nuha.dev/avlgate/internal/avl/event"
)

type Publisher interface {
	Publish(subj string, data []byte) error
}

type Config struct {
	URL    string
	Prefix string
}

type Relay struct {
	pub    Publisher
	nc     *nats.Conn
	prefix string
	log    log.Logger
}

// Dial connects to the NATS server at config.URL.
func Dial(config Config) (*Relay, error) {
	nc, err := nats.Connect(config.URL,
		nats.Name("avlgate"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	r := NewRelay(nc, config.Prefix)
	r.nc = nc
	return r, nil
}

func NewRelay(pub Publisher, prefix string) *Relay {
	if prefix == "" {
		prefix = "avl"
	}
	r := &Relay{pub: pub, prefix: strings.TrimSuffix(prefix, ".")}
	r.log = log.DefaultLogger
	r.log.Context = log.NewContext(nil).Str("module", "nats-relay").Value()
	return r
}

// Subject returns the subject an event of topic for imei is published on.
// Dots and wildcards in imei are replaced so it stays a single token.
func (r *Relay) Subject(topic, imei string) string {
	return r.prefix + "." + topic + "." + subjectToken.Replace(imei)
}

var subjectToken = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

// Handle is an event.Handler.
func (r *Relay) Handle(_ context.Context, topic, id string, data interface{}) {
	imei := eventIMEI(data)
	if imei == "" {
		return
	}
	b, err := json.Marshal(data)
	if err != nil {
		r.log.Error().Err(err).Str("topic", topic).Msg("marshal event failed")
		return
	}
	if err = r.pub.Publish(r.Subject(topic, imei), b); err != nil {
		r.log.Error().Err(err).Str("topic", topic).Str("imei", imei).Str("event_id", id).Msg("publish failed")
	}
}

// Close flushes pending messages and closes the connection opened by Dial.
func (r *Relay) Close() error {
	if r.nc == nil {
		return nil
	}
	return r.nc.Drain()
}

func eventIMEI(data interface{}) string {
	switch e := data.(type) {
	case event.Fix:
		return e.IMEI
	case event.Connected:
		return e.IMEI
	case event.Disconnected:
		return e.IMEI
	}
	return ""
}
