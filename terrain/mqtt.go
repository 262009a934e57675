package terrain

import (
	"log"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// PatchHandler receives patch exports arriving on <prefix>/patches/<id>.
// err is set when the payload could not be parsed.
type PatchHandler func(id string, pd *PatchData, err error)

// MQTTClient manages the connection used to hand corrections to the
// pose-graph backend and, with a PatchHandler, to receive patch updates.
type MQTTClient struct {
	client       mqtt.Client
	config       MQTTConfig
	patchHandler PatchHandler
	isConnected  bool
	mu           sync.RWMutex
}

// resolveMQTTConfig applies the MQTT_* environment overrides to cfg.
func resolveMQTTConfig(cfg MQTTConfig) MQTTConfig {
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		cfg.Broker = v
	}
	if v := os.Getenv("MQTT_CLIENT_ID"); v != "" {
		cfg.ClientID = v
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "terrainmesh"
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		cfg.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("MQTT_PUBLISH_PREFIX"); v != "" {
		cfg.PublishPrefix = v
	}
	if cfg.PublishPrefix == "" {
		cfg.PublishPrefix = "terrainmesh"
	}
	return cfg
}

// InitMQTT creates a client and starts connecting in the background.
// With no broker configured MQTT is disabled and it returns nil. A nil
// handler skips the patch subscription.
func InitMQTT(cfg MQTTConfig, handler PatchHandler) *MQTTClient {
	cfg = resolveMQTTConfig(cfg)
	if cfg.Broker == "" {
		log.Println("MQTT disabled: no broker configured")
		return nil
	}

	client := &MQTTClient{config: cfg, patchHandler: handler}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)

	go client.connectWithRetry()

	return client
}

// connectWithRetry attempts to connect to the MQTT broker with exponential backoff
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		log.Printf("Connecting to MQTT broker %s...", c.config.Broker)

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("Successfully connected to MQTT broker")
				c.setConnected(true)
				return
			}
			log.Printf("MQTT connection failed: %v", token.Error())
		} else {
			log.Println("MQTT connection timeout")
		}

		log.Printf("Retrying MQTT connection in %v...", retryDelay)
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// onConnect (re)subscribes on every connection since the broker may not
// keep the session.
func (c *MQTTClient) onConnect(client mqtt.Client) {
	log.Println("MQTT connected")
	c.setConnected(true)

	if c.patchHandler == nil {
		return
	}
	topic := c.PatchTopic()
	log.Printf("Subscribing to %s for patch updates", topic)
	token := client.Subscribe(topic, 1, c.handlePatchMessage)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		log.Printf("Error subscribing to %s: %v", topic, token.Error())
	} else {
		log.Printf("Successfully subscribed to %s", topic)
	}
}

func (c *MQTTClient) handlePatchMessage(client mqtt.Client, msg mqtt.Message) {
	id := strings.TrimPrefix(msg.Topic(), c.config.PublishPrefix+"/patches/")
	payload := msg.Payload()
	log.Printf("Received patch %s (topic: %s, size: %d bytes)", id, msg.Topic(), len(payload))

	pd, err := ParsePatchJSON(payload)
	if err != nil {
		log.Printf("Error decoding patch %s: %v", id, err)
	}
	c.patchHandler(id, pd, err)
}

func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("MQTT connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Println("MQTT reconnecting...")
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

// WaitConnected polls until the client connects or timeout passes.
func (c *MQTTClient) WaitConnected(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if c.IsConnected() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		log.Println("Disconnecting from MQTT broker...")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// PatchTopic is the subscription filter for incoming patch exports.
func (c *MQTTClient) PatchTopic() string {
	return c.config.PublishPrefix + "/patches/+"
}

// PublishPrefix returns the topic prefix after environment overrides.
func (c *MQTTClient) PublishPrefix() string {
	return c.config.PublishPrefix
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// newMQTTClientWithMock wraps an existing mqtt.Client, for tests.
func newMQTTClientWithMock(client mqtt.Client, cfg MQTTConfig, handler PatchHandler) *MQTTClient {
	return &MQTTClient{client: client, config: resolveMQTTConfig(cfg), patchHandler: handler}
}
