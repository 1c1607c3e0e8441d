package mqttrelay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nuha.dev/avlgate/internal/avl/codec8"
	"nuha.dev/avlgate/internal/avl/event"
)

type doneToken struct {
	err  error
	done chan struct{}
}

func newToken(err error) *doneToken {
	t := &doneToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *doneToken) Wait() bool                       { return true }
func (t *doneToken) WaitTimeout(_ time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{}            { return t.done }
func (t *doneToken) Error() error                     { return t.err }

type message struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []message
	err  error
}

func (f *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, message{topic, qos, retained, payload.([]byte)})
	return newToken(f.err)
}

func TestHandleFixRetained(t *testing.T) {
	p := &fakePublisher{}
	r := NewRelay(p, Config{Prefix: "fleet/", QoS: 1})
	r.Handle(context.Background(), event.TopicFix, "1", event.Fix{IMEI: "1234", Record: codec8.Record{Latitude: -6.2, Longitude: 106.8, Satellites: 5}})

	require.Len(t, p.msgs, 1)
	m := p.msgs[0]
	assert.Equal(t, "fleet/1234/fix", m.topic)
	assert.Equal(t, byte(1), m.qos)
	assert.True(t, m.retained)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(m.payload, &got))
	assert.Equal(t, -6.2, got["lat"])
	assert.Equal(t, "1234", got["imei"])
}

func TestHandleStatus(t *testing.T) {
	p := &fakePublisher{}
	r := NewRelay(p, Config{})
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	r.Handle(context.Background(), event.TopicConnected, "1", event.Connected{IMEI: "a/b", At: at})
	r.Handle(context.Background(), event.TopicDisconnected, "2", event.Disconnected{IMEI: "a/b", Reason: "idle_timeout", At: at})
	r.Handle(context.Background(), "other", "3", 42)

	require.Len(t, p.msgs, 2)
	assert.Equal(t, "avl/a_b/status", p.msgs[0].topic)
	assert.JSONEq(t, `{"imei":"a/b","online":true,"at":"2024-01-02T03:04:05Z"}`, string(p.msgs[0].payload))
	assert.JSONEq(t, `{"imei":"a/b","online":false,"reason":"idle_timeout","at":"2024-01-02T03:04:05Z"}`, string(p.msgs[1].payload))
}

func TestHandlePublishError(t *testing.T) {
	p := &fakePublisher{err: errors.New("not connected")}
	r := NewRelay(p, Config{})
	assert.NotPanics(t, func() {
		r.Handle(context.Background(), event.TopicFix, "1", event.Fix{IMEI: "1"})
	})
	r.Close()
}
