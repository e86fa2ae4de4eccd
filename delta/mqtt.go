package delta

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// MQTTClient holds the broker connection used to publish run progress.
type MQTTClient struct {
	client      mqtt.Client
	config      MQTTConfig
	log         logrus.FieldLogger
	isConnected bool
	mu          sync.RWMutex
}

// NewMQTTClient prepares a client for config. It returns nil, nil when no
// broker is configured, which disables publishing.
func NewMQTTClient(config MQTTConfig, log logrus.FieldLogger) (*MQTTClient, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if config.Broker == "" {
		log.Info("MQTT disabled: no broker configured")
		return nil, nil
	}

	c := &MQTTClient{config: config, log: log.WithField("broker", config.Broker)}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)

	clientID := config.ClientID
	if clientID == "" {
		clientID = "splatdelta"
	}
	opts.SetClientID(clientID)

	if config.Username != "" {
		opts.SetUsername(config.Username)
		opts.SetPassword(config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true) // frame reports are published in frame order

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(c.onReconnecting)

	c.client = mqtt.NewClient(opts)
	return c, nil
}

// Connect dials the broker, retrying with exponential backoff until it
// succeeds or ctx ends.
func (c *MQTTClient) Connect(ctx context.Context) error {
	retryDelay := 1 * time.Second
	maxRetryDelay := 30 * time.Second

	for {
		c.log.Debug("Connecting to MQTT broker")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				c.setConnected(true)
				return nil
			}
			c.log.WithError(token.Error()).Warn("MQTT connection failed")
		} else {
			c.log.Warn("MQTT connection timeout")
		}

		c.log.WithField("retry_in", retryDelay).Info("Retrying MQTT connection")
		select {
		case <-ctx.Done():
			return fmt.Errorf("connecting to MQTT broker: %w", ctx.Err())
		case <-time.After(retryDelay):
		}
		retryDelay = min(retryDelay*2, maxRetryDelay)
	}
}

func (c *MQTTClient) onConnect(mqtt.Client) {
	c.log.Info("MQTT connected")
	c.setConnected(true)
}

// onConnectionLost is typically transient; auto-reconnect is enabled.
func (c *MQTTClient) onConnectionLost(_ mqtt.Client, err error) {
	c.log.WithError(err).Warn("MQTT connection interrupted, auto-reconnect will retry")
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(mqtt.Client, *mqtt.ClientOptions) {
	c.log.Debug("MQTT reconnecting")
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
		c.log.Debug("Disconnecting from MQTT broker")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// Client returns the underlying MQTT client for publishing
func (c *MQTTClient) Client() mqtt.Client {
	return c.client
}

// TopicPrefix returns the configured topic prefix.
func (c *MQTTClient) TopicPrefix() string {
	return c.config.TopicPrefix
}

// newMQTTClientWithMock wraps a provided mqtt.Client, for tests.
func newMQTTClientWithMock(client mqtt.Client, config MQTTConfig) *MQTTClient {
	return &MQTTClient{client: client, config: config, log: logrus.StandardLogger()}
}
