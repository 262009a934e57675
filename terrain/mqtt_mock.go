package terrain

import (
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MockToken is a completed mqtt.Token carrying a fixed error.
type MockToken struct {
	err error
}

func NewMockToken(err error) *MockToken {
	return &MockToken{err: err}
}

func (t *MockToken) Wait() bool                     { return true }
func (t *MockToken) WaitTimeout(time.Duration) bool { return true }
func (t *MockToken) Error() error                   { return t.err }

func (t *MockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// MockMessage is one message captured by MockClient.
type MockMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// MockClient is an in-memory mqtt.Client that records publishes.
type MockClient struct {
	mu                sync.RWMutex
	connected         bool
	connectError      error
	publishError      error
	handlers          map[string]mqtt.MessageHandler
	publishedMessages []MockMessage
}

// NewMockClient creates a new, disconnected mock MQTT client
func NewMockClient() *MockClient {
	return &MockClient{handlers: make(map[string]mqtt.MessageHandler)}
}

// SetConnected sets the connection state
func (c *MockClient) SetConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = connected
}

// SetConnectError sets the error returned on Connect
func (c *MockClient) SetConnectError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectError = err
}

// SetPublishError sets the error returned on Publish
func (c *MockClient) SetPublishError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishError = err
}

// GetPublishedMessages returns all published messages
func (c *MockClient) GetPublishedMessages() []MockMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]MockMessage, len(c.publishedMessages))
	copy(result, c.publishedMessages)
	return result
}

// MessagesOn returns the messages published to topic, oldest first.
func (c *MockClient) MessagesOn(topic string) []MockMessage {
	var out []MockMessage
	for _, m := range c.GetPublishedMessages() {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func (c *MockClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *MockClient) IsConnectionOpen() bool {
	return c.IsConnected()
}

func (c *MockClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectError == nil {
		c.connected = true
	}
	return NewMockToken(c.connectError)
}

func (c *MockClient) Disconnect(quiesce uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

func (c *MockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return NewMockToken(mqtt.ErrNotConnected)
	}
	if c.publishError != nil {
		return NewMockToken(c.publishError)
	}

	var payloadBytes []byte
	switch v := payload.(type) {
	case []byte:
		payloadBytes = v
	case string:
		payloadBytes = []byte(v)
	}

	c.publishedMessages = append(c.publishedMessages, MockMessage{
		Topic:   topic,
		Payload: payloadBytes,
		QoS:     qos,
		Retain:  retained,
	})
	return NewMockToken(nil)
}

func (c *MockClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return NewMockToken(mqtt.ErrNotConnected)
	}
	c.handlers[topic] = callback
	return NewMockToken(nil)
}

func (c *MockClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return NewMockToken(mqtt.ErrNotConnected)
	}
	for topic := range filters {
		c.handlers[topic] = callback
	}
	return NewMockToken(nil)
}

func (c *MockClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		delete(c.handlers, topic)
	}
	return NewMockToken(nil)
}

func (c *MockClient) AddRoute(topic string, callback mqtt.MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = callback
}

func (c *MockClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

// SimulateMessage delivers payload on topic to every handler whose
// subscription filter matches it.
func (c *MockClient) SimulateMessage(topic string, payload []byte) {
	c.mu.RLock()
	var matched []mqtt.MessageHandler
	for filter, handler := range c.handlers {
		if handler != nil && topicMatches(filter, topic) {
			matched = append(matched, handler)
		}
	}
	c.mu.RUnlock()

	msg := &mockMessage{topic: topic, payload: payload}
	for _, handler := range matched {
		handler(c, msg)
	}
}

// topicMatches applies MQTT '+' and '#' wildcards.
func topicMatches(filter, topic string) bool {
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, level := range f {
		if level == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if level != "+" && level != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}

// mockMessage implements mqtt.Message for testing
type mockMessage struct {
	topic   string
	payload []byte
}

func (m *mockMessage) Duplicate() bool   { return false }
func (m *mockMessage) Qos() byte         { return 0 }
func (m *mockMessage) Retained() bool    { return false }
func (m *mockMessage) Topic() string     { return m.topic }
func (m *mockMessage) MessageID() uint16 { return 0 }
func (m *mockMessage) Payload() []byte   { return m.payload }
func (m *mockMessage) Ack()              {}
