// Package messaging connects the sorter to its brokers: inbound detection
// frames from the vision node, outbound operation and status reports.
package messaging

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	kafkago "github.com/segmentio/kafka-go"

	"sortarm/config"
)

// broker is the transport behind a Client. Implementations are not safe
// for concurrent use; Client serializes access.
type broker interface {
	connect() error
	publish(topic string, payload []byte) error
	subscribe(topic string, handler func(payload []byte)) error
	connected() bool
	close()
}

// Client publishes and subscribes over whichever broker the config
// selects. The zero backend (unrecognized name) fails on Connect rather
// than at construction so callers get one error path.
type Client struct {
	mu   sync.RWMutex
	name string
	bk   broker
}

// NewClient creates a messaging client for the configured backend.
func NewClient(cfg *config.MessagingConfig) *Client {
	c := &Client{name: cfg.Backend}
	switch cfg.Backend {
	case "mqtt":
		c.bk = &mqttBroker{cfg: &cfg.MQTT}
	case "kafka":
		c.bk = &kafkaBroker{cfg: &cfg.Kafka}
	}
	return c
}

// Connect establishes the messaging connection.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bk == nil {
		return fmt.Errorf("unknown messaging backend: %s", c.name)
	}
	return c.bk.connect()
}

// Publish sends a message to the given topic.
func (c *Client) Publish(topic string, payload []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.bk == nil {
		return fmt.Errorf("unknown messaging backend: %s", c.name)
	}
	return c.bk.publish(topic, payload)
}

// Subscribe registers a handler for messages on a topic.
func (c *Client) Subscribe(topic string, handler func(payload []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bk == nil {
		return fmt.Errorf("unknown messaging backend: %s", c.name)
	}
	return c.bk.subscribe(topic, handler)
}

// IsConnected reports whether the backend is up.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bk != nil && c.bk.connected()
}

// Close shuts down the messaging connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bk != nil {
		c.bk.close()
	}
}

// mqttBroker talks to an MQTT broker via paho with auto-reconnect, QoS 1
// publishes and QoS 0 detection subscriptions.
type mqttBroker struct {
	cfg  *config.MQTTConfig
	conn mqtt.Client
}

func (b *mqttBroker) connect() error {
	addr := fmt.Sprintf("tcp://%s:%d", b.cfg.Broker, b.cfg.Port)
	opts := mqtt.NewClientOptions().
		AddBroker(addr).
		SetClientID(b.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.conn = client
	return nil
}

func (b *mqttBroker) publish(topic string, payload []byte) error {
	if b.conn == nil || !b.conn.IsConnected() {
		return fmt.Errorf("mqtt not connected")
	}
	token := b.conn.Publish(topic, 1, false, payload)
	token.Wait()
	return token.Error()
}

func (b *mqttBroker) subscribe(topic string, handler func(payload []byte)) error {
	if b.conn == nil {
		return fmt.Errorf("mqtt not connected")
	}
	token := b.conn.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Payload())
	})
	token.Wait()
	return token.Error()
}

func (b *mqttBroker) connected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

func (b *mqttBroker) close() {
	if b.conn != nil {
		b.conn.Disconnect(1000)
		b.conn = nil
	}
}

// kafkaBroker writes through a shared batching writer and runs one reader
// goroutine per subscribed topic.
type kafkaBroker struct {
	cfg     *config.KafkaConfig
	writer  *kafkago.Writer
	readers []*kafkago.Reader
}

func (b *kafkaBroker) connect() error {
	b.writer = &kafkago.Writer{
		Addr:         kafkago.TCP(b.cfg.Brokers...),
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireOne,
	}
	return nil
}

func (b *kafkaBroker) publish(topic string, payload []byte) error {
	if b.writer == nil {
		return fmt.Errorf("kafka writer not initialized")
	}
	return b.writer.WriteMessages(context.Background(), kafkago.Message{
		Topic: topic,
		Value: payload,
	})
}

func (b *kafkaBroker) subscribe(topic string, handler func(payload []byte)) error {
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers: b.cfg.Brokers,
		Topic:   topic,
		GroupID: b.cfg.GroupID,
	})
	b.readers = append(b.readers, r)
	go func() {
		for {
			msg, err := r.ReadMessage(context.Background())
			if err != nil {
				log.Printf("kafka read %s: %v", topic, err)
				return
			}
			handler(msg.Value)
		}
	}()
	return nil
}

func (b *kafkaBroker) connected() bool {
	return b.writer != nil
}

func (b *kafkaBroker) close() {
	if b.writer != nil {
		b.writer.Close()
		b.writer = nil
	}
	for _, r := range b.readers {
		r.Close()
	}
	b.readers = nil
}
