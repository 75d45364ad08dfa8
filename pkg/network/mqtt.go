package network

import (
	"context"
	"fmt"
	"sync"
	"time"

	"datanet/pkg/data"
	"datanet/pkg/storage"
	"datanet/pkg/types"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultMQTTTopic = "datanet/requests"

// MQTTConfig configures the broker bridge.
type MQTTConfig struct {
	NodeID         string
	Broker         string
	Username       string
	Password       string
	Topic          string
	ClientID       string
	QoS            byte
	ConnectTimeout time.Duration
}

// MQTTTransport publishes requests to a shared broker topic and delivers
// what other nodes publish there.
type MQTTTransport struct {
	cfg    MQTTConfig
	in     *inbound
	client mqtt.Client
	logger *zap.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// NewMQTTTransport builds the paho client. Start connects it.
func NewMQTTTransport(cfg MQTTConfig, inCfg InboundConfig, logger *zap.Logger) *MQTTTransport {
	cfg = cfg.withDefaults()
	t := newMQTTTransport(cfg, inCfg, nil, logger)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.OnConnect = t.onConnect
	opts.OnConnectionLost = t.onConnectionLost
	t.client = mqtt.NewClient(opts)
	return t
}

func (c MQTTConfig) withDefaults() MQTTConfig {
	if c.Topic == "" {
		c.Topic = DefaultMQTTTopic
	}
	if c.ClientID == "" {
		c.ClientID = "datanet-" + uuid.NewString()
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.QoS > 2 {
		c.QoS = 1
	}
	return c
}

func newMQTTTransport(cfg MQTTConfig, inCfg InboundConfig, client mqtt.Client, logger *zap.Logger) *MQTTTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("mqtt")
	return &MQTTTransport{
		cfg:    cfg.withDefaults(),
		in:     newInbound(types.TransportMQTT, inCfg, logger),
		client: client,
		logger: logger,
		closed: make(chan struct{}),
	}
}

func (t *MQTTTransport) TransportType() types.TransportType {
	return types.TransportMQTT
}

// Start connects to the broker. Subscription happens in the connect handler
// so it is renewed after every reconnect.
func (t *MQTTTransport) Start(ctx context.Context) error {
	token := t.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker %s: %w", t.cfg.Broker, err)
	}
	return nil
}

func (t *MQTTTransport) onConnect(client mqtt.Client) {
	t.logger.Info("Connected to MQTT", zap.String("broker", t.cfg.Broker), zap.String("topic", t.cfg.Topic))
	token := client.Subscribe(t.cfg.Topic, t.cfg.QoS, t.handleMessage)
	if token.Wait() && token.Error() != nil {
		t.logger.Error("Failed to subscribe", zap.String("topic", t.cfg.Topic), zap.Error(token.Error()))
	}
}

func (t *MQTTTransport) onConnectionLost(_ mqtt.Client, err error) {
	t.logger.Warn("MQTT connection lost", zap.Error(err))
}

// Broadcast publishes req. The broker acknowledges the publish as a whole, so
// a successful publish counts as one success.
func (t *MQTTTransport) Broadcast(ctx context.Context, req storage.DataRequest) *data.Future {
	f := data.NewFuture()
	if t.isClosed() {
		f.Complete(data.Outcome{}, ErrTransportClosed)
		return f
	}

	token := t.publish(storage.EncodeRequest(req))
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		var outcome data.Outcome
		select {
		case <-token.Done():
			if token.Error() != nil {
				outcome.NumFaults = 1
				t.logger.Debug("Publish failed", zap.Error(token.Error()))
			} else {
				outcome.NumSuccess = 1
			}
		case <-ctx.Done():
			outcome.NumFaults = 1
		case <-t.closed:
			outcome.NumFaults = 1
		}
		t.in.cfg.Observer.ObserveBroadcast(types.TransportMQTT, outcome)
		f.Complete(outcome, nil)
	}()
	return f
}

func (t *MQTTTransport) ReBroadcast(req storage.DataRequest) {
	if t.isClosed() {
		return
	}
	t.publish(storage.EncodeRequest(req))
}

func (t *MQTTTransport) publish(encoded []byte) mqtt.Token {
	t.in.markOutbound(encoded)
	env := envelope{Sender: t.cfg.NodeID, Request: encoded}
	return t.client.Publish(t.cfg.Topic, t.cfg.QoS, false, env.encode())
}

func (t *MQTTTransport) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	if t.isClosed() {
		return
	}
	env, err := decodeEnvelope(msg.Payload())
	if err != nil {
		t.logger.Debug("Dropped malformed MQTT message", zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}
	// The broker echoes our own publishes back.
	if env.Sender == t.cfg.NodeID {
		return
	}
	// Everything arrives through the broker connection, so the broker is
	// the only address to limit by.
	src := source{peer: env.Sender, limitKey: t.cfg.Broker}
	if err := t.in.deliver(context.Background(), src, env.Request); err != nil {
		t.logger.Debug("Rejected MQTT request", zap.String("peer", env.Sender), zap.Error(err))
	}
}

func (t *MQTTTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *MQTTTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.wg.Wait()
		if t.client.IsConnected() {
			t.client.Unsubscribe(t.cfg.Topic).WaitTimeout(time.Second)
			t.client.Disconnect(250)
		}
		t.logger.Info("MQTT transport closed")
	})
	return nil
}
