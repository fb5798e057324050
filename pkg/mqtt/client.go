package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/markus-lassfolk/uomping/pkg/logx"
)

// ErrNotConnected is returned by Subscribe and Publish while the broker link is down
var ErrNotConnected = errors.New("not connected to MQTT broker")

// Config holds MQTT configuration
type Config struct {
	Broker   string `json:"broker"` // tcp://host:port
	ClientID string `json:"client_id"`
	Username string `json:"username"`
	Password string `json:"password"`
	QoS      int    `json:"qos"`
	Retain   bool   `json:"retain"`
}

// DefaultConfig returns default MQTT configuration
func DefaultConfig() *Config {
	return &Config{
		Broker:   "tcp://172.17.0.1:1883",
		ClientID: "uompingd",
		QoS:      0,
	}
}

// subscriber is one consumer of a topic
type subscriber struct {
	id int
	ch chan []byte
}

// Bus is a publish/subscribe client. Each topic has a single broker
// subscription fanned out to any number of local subscribers. When the broker
// connection is lost every subscriber channel is closed so that consumers
// observe the loss and can be restarted.
type Bus struct {
	client MQTT.Client
	logger *logx.Logger
	config *Config

	mu        sync.Mutex
	connected bool
	epoch     uint64 // bumped on every connection loss
	topics    map[string][]*subscriber
	nextID    int
	bufSize   int
}

// NewBus creates a bus for the given broker configuration
func NewBus(config *Config, logger *logx.Logger) *Bus {
	return &Bus{
		logger:  logger,
		config:  config,
		topics:  make(map[string][]*subscriber),
		bufSize: 64,
	}
}

// Connect establishes connection to the MQTT broker
func (b *Bus) Connect() error {
	opts := MQTT.NewClientOptions()
	opts.AddBroker(b.config.Broker)
	opts.SetClientID(b.config.ClientID)

	if b.config.Username != "" {
		opts.SetUsername(b.config.Username)
		opts.SetPassword(b.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	opts.SetCleanSession(true)

	opts.SetOnConnectHandler(b.onConnect)
	opts.SetConnectionLostHandler(b.onConnectionLost)

	b.client = MQTT.NewClient(opts)

	token := b.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.logger.Warn("MQTT broker not reachable yet, retrying in background", "broker", b.config.Broker)
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	b.logger.Info("MQTT client connected", "broker", b.config.Broker)
	return nil
}

// Disconnect closes every subscriber and disconnects from the broker
func (b *Bus) Disconnect() {
	b.mu.Lock()
	b.closeAllLocked()
	b.connected = false
	b.mu.Unlock()

	if b.client != nil {
		b.client.Disconnect(250)
		b.logger.Info("MQTT client disconnected")
	}
}

func (b *Bus) onConnect(client MQTT.Client) {
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	b.logger.Info("MQTT connection established")
}

func (b *Bus) onConnectionLost(client MQTT.Client, err error) {
	b.mu.Lock()
	b.connected = false
	b.epoch++
	b.closeAllLocked()
	b.mu.Unlock()
	b.logger.Error("MQTT connection lost", "error", err)
}

// closeAllLocked closes subscriber channels and forgets all topics. A clean
// session reconnect drops broker-side subscriptions too, so new subscribers
// re-establish them.
func (b *Bus) closeAllLocked() {
	for topic := range b.topics {
		b.closeTopicLocked(topic)
	}
}

func (b *Bus) closeTopicLocked(topic string) {
	for _, s := range b.topics[topic] {
		close(s.ch)
	}
	delete(b.topics, topic)
}

// IsConnected returns whether the broker link is up
func (b *Bus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected && b.client != nil && b.client.IsConnected()
}

// Subscribe registers a local subscriber for topic. The returned channel
// receives raw payloads and is closed when the connection is lost or cancel
// is called. The subscriber is registered before the broker SUBSCRIBE is
// sent; if the connection is lost meanwhile the call fails with
// ErrNotConnected and the next Subscribe subscribes again.
func (b *Bus) Subscribe(topic string) (<-chan []byte, func(), error) {
	if !b.IsConnected() {
		return nil, nil, ErrNotConnected
	}

	b.mu.Lock()
	epoch := b.epoch
	first := len(b.topics[topic]) == 0
	ch, cancel := b.addSubscriberLocked(topic)
	b.mu.Unlock()

	if first {
		token := b.client.Subscribe(topic, byte(b.config.QoS), func(_ MQTT.Client, msg MQTT.Message) {
			b.dispatch(topic, msg.Payload())
		})
		if token.Wait() && token.Error() != nil {
			// subscribers that joined meanwhile have no broker subscription either
			b.mu.Lock()
			b.closeTopicLocked(topic)
			b.mu.Unlock()
			return nil, nil, fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
		}
	}

	b.mu.Lock()
	lost := b.epoch != epoch
	b.mu.Unlock()
	if lost {
		cancel()
		return nil, nil, ErrNotConnected
	}

	if first {
		b.logger.Info("MQTT subscription created", "topic", topic)
	}
	return ch, cancel, nil
}

func (b *Bus) addSubscriber(topic string) (<-chan []byte, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, cancel := b.addSubscriberLocked(topic)
	return ch, cancel, nil
}

func (b *Bus) addSubscriberLocked(topic string) (<-chan []byte, func()) {
	b.nextID++
	s := &subscriber{id: b.nextID, ch: make(chan []byte, b.bufSize)}
	b.topics[topic] = append(b.topics[topic], s)

	var once sync.Once
	cancel := func() {
		once.Do(func() { b.removeSubscriber(topic, s.id) })
	}
	return s.ch, cancel
}

func (b *Bus) removeSubscriber(topic string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[topic]
	for i, s := range subs {
		if s.id == id {
			close(s.ch)
			b.topics[topic] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// dispatch delivers a payload to every local subscriber of the topic filter
// it arrived on. Slow subscribers lose messages rather than blocking the
// network goroutine.
func (b *Bus) dispatch(topic string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.topics[topic] {
		select {
		case s.ch <- payload:
		default:
			b.logger.Warn("Subscriber queue full, dropping message", "topic", topic, "subscriber", s.id)
		}
	}
}

// PublishJSON marshals payload and publishes it on topic
func (b *Bus) PublishJSON(topic string, payload interface{}) error {
	if !b.IsConnected() {
		return ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	token := b.client.Publish(topic, byte(b.config.QoS), b.config.Retain, data)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}

	b.logger.Debug("MQTT message published", "topic", topic, "size", len(data))
	return nil
}
