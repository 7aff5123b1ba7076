package dsm

import (
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTClient owns the broker connection used for progress publishing
type MQTTClient struct {
	client      mqtt.Client
	isConnected bool
	mu          sync.RWMutex

	ready     chan struct{} // closed on the first successful connect
	readyOnce sync.Once
}

// InitMQTT connects to the broker named in config (after ApplyEnv).
// If no broker is configured, MQTT is disabled and this returns nil.
// The connection is made in the background; events published before it
// is up are dropped with a warning.
func InitMQTT(config *MQTTConfig) *MQTTClient {
	if config == nil || config.Broker == "" {
		log.Println("MQTT disabled: MQTT_BROKER not set")
		return nil
	}

	c := &MQTTClient{ready: make(chan struct{})}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)

	clientID := config.ClientID
	if clientID == "" {
		clientID = "stereomesh"
	}
	opts.SetClientID(clientID)

	if config.Username != "" {
		opts.SetUsername(config.Username)
		opts.SetPassword(config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = mqtt.NewClient(opts)
	go c.connect()
	return c
}

func (c *MQTTClient) connect() {
	log.Println("Connecting to MQTT broker...")
	token := c.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		log.Println("MQTT connection timeout, paho will keep retrying")
		return
	}
	if err := token.Error(); err != nil {
		log.Printf("MQTT connection failed: %v", err)
	}
}

func (c *MQTTClient) onConnect(mqtt.Client) {
	log.Println("MQTT connected")
	c.setConnected(true)
	if c.ready != nil {
		c.readyOnce.Do(func() { close(c.ready) })
	}
}

// WaitConnected blocks until the first connection is up or d has passed.
// A batch run calls it before its first stage so early events are not
// dropped.
func (c *MQTTClient) WaitConnected(d time.Duration) bool {
	if c.IsConnected() {
		return true
	}
	if c.ready == nil {
		return false
	}
	select {
	case <-c.ready:
		return true
	case <-time.After(d):
		log.Printf("MQTT not connected after %s, progress events may be dropped", d)
		return false
	}
}

func (c *MQTTClient) onConnectionLost(_ mqtt.Client, err error) {
	log.Printf("MQTT connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		log.Println("Disconnecting from MQTT broker...")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// newMQTTClientWithMock wraps a provided mqtt.Client, for tests
func newMQTTClientWithMock(client mqtt.Client) *MQTTClient {
	return &MQTTClient{client: client, ready: make(chan struct{})}
}
