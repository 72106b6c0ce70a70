package inputmodule

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
	"github.com/mantonx/signage/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doneToken struct {
	err error
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Error() error                   { return t.err }
func (t *doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	mqtt.Message
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

type published struct {
	topic   string
	payload []byte
}

// fakeBroker is an in-process mqtt.Client.
type fakeBroker struct {
	mqtt.Client
	opts       *mqtt.ClientOptions
	connectErr error

	mu        sync.Mutex
	connected bool
	handlers  map[string]mqtt.MessageHandler
	published []published
}

func (b *fakeBroker) Connect() mqtt.Token {
	if b.connectErr != nil {
		return &doneToken{err: b.connectErr}
	}
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	if b.opts.OnConnect != nil {
		b.opts.OnConnect(b)
	}
	return &doneToken{}
}

func (b *fakeBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *fakeBroker) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = callback
	return &doneToken{}
}

func (b *fakeBroker) Unsubscribe(topics ...string) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range topics {
		delete(b.handlers, t)
	}
	return &doneToken{}
}

func (b *fakeBroker) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, published{topic: topic, payload: payload.([]byte)})
	return &doneToken{}
}

func (b *fakeBroker) Disconnect(quiesce uint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
}

func (b *fakeBroker) deliver(topic, payload string) {
	b.mu.Lock()
	h := b.handlers[topic]
	b.mu.Unlock()
	h(b, fakeMessage{topic: topic, payload: []byte(payload)})
}

func (b *fakeBroker) Published() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]published(nil), b.published...)
}

func newTestRemote(t *testing.T, broker *fakeBroker) (*MQTTRemote, *busRecorder, clockwork.FakeClock) {
	t.Helper()
	bus, rec := newTestBus(t)
	clock := clockwork.NewFakeClock()
	m := NewMapper(bus, NewDebouncer(100*time.Millisecond, clock), nil, hclog.NewNullLogger())
	r := NewMQTTRemote(MQTTOptions{
		Broker:       "tcp://broker:1883",
		ClientID:     "signage-test",
		ControlTopic: "signage/dev/control",
		StatusTopic:  "signage/dev/status",
		QoS:          1,
	}, m, bus, hclog.NewNullLogger())
	r.newClient = func(opts *mqtt.ClientOptions) mqtt.Client {
		broker.opts = opts
		broker.handlers = make(map[string]mqtt.MessageHandler)
		return broker
	}
	return r, rec, clock
}

func TestMQTTRemote_CommandsReachTheBus(t *testing.T) {
	broker := &fakeBroker{}
	r, rec, clock := newTestRemote(t, broker)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	broker.deliver("signage/dev/control", "next")
	broker.deliver("signage/dev/control", `{"command": "prev"}`)
	clock.Advance(100 * time.Millisecond)
	broker.deliver("signage/dev/control", `{"command": "Toggle-Play"}`)
	broker.deliver("signage/dev/control", `{"command": "pause"}`)
	broker.deliver("signage/dev/control", "resume")
	broker.deliver("signage/dev/control", "rewind")
	broker.deliver("signage/dev/control", `{"cmd": 1`)

	want := []events.EventType{
		events.EventControlNext,
		events.EventControlTogglePlay,
		events.EventGlobalPause,
		events.EventGlobalResume,
	}
	require.Eventually(t, func() bool { return len(rec.types()) == len(want) }, time.Second, time.Millisecond)
	assert.Equal(t, want, rec.types())
	assert.Equal(t, int64(7), r.Stats().Received)
}

func TestMQTTRemote_MirrorsBusEventsToStatusTopic(t *testing.T) {
	broker := &fakeBroker{}
	r, _, _ := newTestRemote(t, broker)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	broker.deliver("signage/dev/control", "pause")

	require.Eventually(t, func() bool { return len(broker.Published()) == 1 }, time.Second, time.Millisecond)
	msg := broker.Published()[0]
	assert.Equal(t, "signage/dev/status", msg.topic)

	var status StatusMessage
	require.NoError(t, json.Unmarshal(msg.payload, &status))
	assert.Equal(t, events.EventGlobalPause, status.Event)
	assert.Equal(t, "mqtt", status.Source)
	assert.Equal(t, int64(1), r.Stats().Published)
}

func TestMQTTRemote_ConnectFailure(t *testing.T) {
	broker := &fakeBroker{connectErr: assert.AnError}
	r, _, _ := newTestRemote(t, broker)

	err := r.Start(context.Background())
	assert.ErrorContains(t, err, "mqtt connection failed")
	assert.False(t, r.Stats().Connected)
}

func TestMQTTRemote_StopDisconnects(t *testing.T) {
	broker := &fakeBroker{}
	r, _, _ := newTestRemote(t, broker)
	require.NoError(t, r.Start(context.Background()))
	assert.True(t, r.Stats().Connected)

	r.Stop()
	assert.False(t, broker.IsConnected())
	assert.False(t, r.Stats().Connected)
	assert.Empty(t, broker.handlers)
}

func TestParseRemoteCommand(t *testing.T) {
	got, err := parseRemoteCommand([]byte("  NEXT \n"))
	require.NoError(t, err)
	assert.Equal(t, "next", got)

	_, err = parseRemoteCommand([]byte(`{}`))
	assert.ErrorContains(t, err, "missing command")
	_, err = parseRemoteCommand(nil)
	assert.Error(t, err)
}
