package dsm

import (
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// doneToken is an mqtt.Token that has already completed
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

// MockMessage is one publish captured by MockClient
type MockMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// MockClient is an in-memory mqtt.Client. Publishes are captured instead
// of sent; it never talks to a broker.
type MockClient struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	publishErr error
	messages   []MockMessage
}

// NewMockClient creates a disconnected mock client
func NewMockClient() *MockClient {
	return &MockClient{}
}

// SetConnected forces the connection state
func (c *MockClient) SetConnected(connected bool) {
	c.mu.Lock()
	c.connected = connected
	c.mu.Unlock()
}

// SetConnectError makes Connect fail with err
func (c *MockClient) SetConnectError(err error) {
	c.mu.Lock()
	c.connectErr = err
	c.mu.Unlock()
}

// SetPublishError makes every Publish fail with err
func (c *MockClient) SetPublishError(err error) {
	c.mu.Lock()
	c.publishErr = err
	c.mu.Unlock()
}

// GetPublishedMessages returns a copy of every captured publish
func (c *MockClient) GetPublishedMessages() []MockMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]MockMessage(nil), c.messages...)
}

// MessagesOn returns the captured publishes of one topic, in order
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
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *MockClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *MockClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = c.connectErr == nil
	return doneToken{c.connectErr}
}

func (c *MockClient) Disconnect(uint) { c.SetConnected(false) }

// Publish captures byte, string and Stringer payloads
func (c *MockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case !c.connected:
		return doneToken{mqtt.ErrNotConnected}
	case c.publishErr != nil:
		return doneToken{c.publishErr}
	}

	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	case fmt.Stringer:
		data = []byte(v.String())
	default:
		return doneToken{fmt.Errorf("unsupported payload type %T", payload)}
	}
	c.messages = append(c.messages, MockMessage{Topic: topic, Payload: data, QoS: qos, Retain: retained})
	return doneToken{}
}

// Progress is publish-only; subscriptions succeed and deliver nothing.

func (c *MockClient) Subscribe(string, byte, mqtt.MessageHandler) mqtt.Token { return doneToken{} }

func (c *MockClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return doneToken{}
}

func (c *MockClient) Unsubscribe(...string) mqtt.Token { return doneToken{} }

func (c *MockClient) AddRoute(string, mqtt.MessageHandler) {}

func (c *MockClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }
