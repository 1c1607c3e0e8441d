// Package mqttrelay republishes device state to an MQTT broker. The latest
// fix of a device is retained on <prefix>/<imei>/fix and its connection
// state on <prefix>/<imei>/status.
package mqttrelay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/phuslu/log"
	"nuha.dev/avlgate/internal/avl/event"
)

// Publisher is the part of mqtt.Client the relay uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Prefix   string
	QoS      byte
	Timeout  time.Duration
}

var errConnectTimeout = errors.New("mqtt connect timeout")

type Relay struct {
	pub    Publisher
	client mqtt.Client
	config Config
	log    log.Logger
}

type status struct {
	IMEI   string    `json:"imei"`
	Online bool      `json:"online"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Connect opens a client to config.Broker and waits for the connection.
func Connect(config Config) (*Relay, error) {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	// client ids must be unique on the broker
	if config.ClientID == "" || strings.HasSuffix(config.ClientID, "-") {
		config.ClientID = strings.TrimSuffix(config.ClientID, "-") + "-" + uuid.New().String()[:8]
	}
	opts := mqtt.NewClientOptions().
		AddBroker(config.Broker).
		SetClientID(config.ClientID).
		SetUsername(config.Username).
		SetPassword(config.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(config.Timeout)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(config.Timeout) {
		return nil, errConnectTimeout
	}
	if err := token.Error(); err != nil {
		return nil, err
	}
	r := NewRelay(client, config)
	r.client = client
	r.log.Info().Str("broker", config.Broker).Msg("connected to mqtt broker")
	return r, nil
}

func NewRelay(pub Publisher, config Config) *Relay {
	if config.Prefix == "" {
		config.Prefix = "avl"
	}
	config.Prefix = strings.TrimSuffix(config.Prefix, "/")
	r := &Relay{pub: pub, config: config}
	r.log = log.DefaultLogger
	r.log.Context = log.NewContext(nil).Str("module", "mqtt-relay").Value()
	return r
}

func (r *Relay) Topic(imei, kind string) string {
	return r.config.Prefix + "/" + topicLevel.Replace(imei) + "/" + kind
}

var topicLevel = strings.NewReplacer("/", "_", "+", "_", "#", "_")

// Handle is an event.Handler. Publishing does not wait for the broker, the
// token result is checked on its own goroutine.
func (r *Relay) Handle(_ context.Context, topic, id string, data interface{}) {
	var (
		imei    string
		kind    string
		payload interface{}
	)
	switch e := data.(type) {
	case event.Fix:
		imei, kind, payload = e.IMEI, "fix", e
	case event.Connected:
		imei, kind, payload = e.IMEI, "status", status{IMEI: e.IMEI, Online: true, At: e.At}
	case event.Disconnected:
		imei, kind, payload = e.IMEI, "status", status{IMEI: e.IMEI, Online: false, Reason: e.Reason, At: e.At}
	default:
		return
	}
	b, err := json.Marshal(payload)
	if err != nil {
		r.log.Error().Err(err).Str("topic", topic).Msg("marshal event failed")
		return
	}
	dest := r.Topic(imei, kind)
	token := r.pub.Publish(dest, r.config.QoS, true, b)
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			r.log.Error().Err(err).Str("topic", dest).Str("event_id", id).Msg("publish failed")
		}
	}()
}

// Close disconnects the client opened by Connect.
func (r *Relay) Close() {
	if r.client != nil {
		r.client.Disconnect(250)
	}
}
