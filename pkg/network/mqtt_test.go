package network

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"datanet/pkg/payload"
	"datanet/pkg/types"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }

func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

// fakeBroker fans every publish out to all subscribers, including the
// publisher, like a real broker does.
type fakeBroker struct {
	mu         sync.Mutex
	subs       map[string][]mqtt.MessageHandler
	publishErr error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{subs: make(map[string][]mqtt.MessageHandler)}
}

type fakeClient struct {
	broker *fakeBroker
}

func (c *fakeClient) IsConnected() bool      { return true }
func (c *fakeClient) IsConnectionOpen() bool { return true }
func (c *fakeClient) Connect() mqtt.Token    { return doneToken{} }
func (c *fakeClient) Disconnect(uint)        {}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, p interface{}) mqtt.Token {
	c.broker.mu.Lock()
	err := c.broker.publishErr
	handlers := append([]mqtt.MessageHandler(nil), c.broker.subs[topic]...)
	c.broker.mu.Unlock()
	if err != nil {
		return doneToken{err: err}
	}
	for _, h := range handlers {
		h(c, fakeMessage{topic: topic, payload: p.([]byte)})
	}
	return doneToken{}
}

func (c *fakeClient) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.broker.subs[topic] = append(c.broker.subs[topic], cb)
	return doneToken{}
}

func (c *fakeClient) SubscribeMultiple(filters map[string]byte, cb mqtt.MessageHandler) mqtt.Token {
	for topic, qos := range filters {
		c.Subscribe(topic, qos, cb)
	}
	return doneToken{}
}

func (c *fakeClient) Unsubscribe(...string) mqtt.Token        { return doneToken{} }
func (c *fakeClient) AddRoute(string, mqtt.MessageHandler)    {}
func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

func newTestMQTT(t *testing.T, broker *fakeBroker, nodeID string, handler *recordingHandler) *MQTTTransport {
	t.Helper()
	client := &fakeClient{broker: broker}
	tr := newMQTTTransport(MQTTConfig{NodeID: nodeID, QoS: 1}, InboundConfig{
		Registry: payload.NewRegistry(),
		Handler:  handler,
	}, client, zaptest.NewLogger(t))
	require.NoError(t, tr.Start(context.Background()))
	tr.onConnect(client)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestMQTTTransport_BroadcastReachesOtherNodes(t *testing.T) {
	broker := newFakeBroker()
	handlerA := &recordingHandler{}
	handlerB := &recordingHandler{}
	a := newTestMQTT(t, broker, "node-a", handlerA)
	newTestMQTT(t, broker, "node-b", handlerB)

	req := noteRequest(t, "via broker")
	outcome, err := a.Broadcast(context.Background(), req).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.NumSuccess)

	require.Equal(t, 1, handlerB.count())
	assert.Equal(t, types.TransportMQTT, handlerB.origin(0).Transport)
	assert.Equal(t, "node-a", handlerB.origin(0).Peer)
	assert.Equal(t, req.Hash(), handlerB.request(0).Hash())
	assert.Equal(t, 0, handlerA.count(), "own publish is skipped")

	// A relayed copy from another node is a duplicate for node-b.
	a.ReBroadcast(req)
	assert.Equal(t, 1, handlerB.count())
}

func TestMQTTTransport_PublishFailure(t *testing.T) {
	broker := newFakeBroker()
	a := newTestMQTT(t, broker, "node-a", &recordingHandler{})
	broker.publishErr = errors.New("not connected")

	outcome, err := a.Broadcast(context.Background(), noteRequest(t, "lost")).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, outcome.NumSuccess)
	assert.Equal(t, 1, outcome.NumFaults)
}

func TestMQTTTransport_DropsMalformedMessages(t *testing.T) {
	handler := &recordingHandler{}
	tr := newTestMQTT(t, newFakeBroker(), "node-b", handler)

	tr.handleMessage(nil, fakeMessage{topic: DefaultMQTTTopic, payload: []byte("garbage")})
	tr.handleMessage(nil, fakeMessage{topic: DefaultMQTTTopic, payload: envelope{Sender: "node-a", Request: []byte{0x01}}.encode()})
	assert.Equal(t, 0, handler.count())
}

func TestMQTTConfig_Defaults(t *testing.T) {
	cfg := MQTTConfig{QoS: 7}.withDefaults()
	assert.Equal(t, DefaultMQTTTopic, cfg.Topic)
	assert.Contains(t, cfg.ClientID, "datanet-")
	assert.Equal(t, byte(1), cfg.QoS)
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)
}
