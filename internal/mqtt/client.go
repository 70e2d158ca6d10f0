package mqtt

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/joshp123/ngenic-bridge/internal/config"
)

const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"

	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
)

// Client is a paho client that announces the bridge with a retained
// online/offline state and last will.
type Client struct {
	client    pahomqtt.Client
	baseTopic string
	logger    *zap.Logger

	mu        sync.RWMutex
	connected bool
	onConnect []func()
}

func OptsFromConfig(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port))
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("ngenic_%d", rand.Intn(1000))
	}
	opts.SetClientID(clientID)
	if cfg.Username != "" && cfg.Password != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.WillEnabled = true
	opts.WillPayload = []byte(PayloadOffline)
	opts.WillRetained = true
	opts.WillTopic = BridgeStateTopic(cfg.BaseTopic)
	opts.WillQos = 0
	return opts
}

// Connect dials the broker and publishes the online state.
func Connect(cfg config.MQTTConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		baseTopic: cfg.BaseTopic,
		logger:    logger.With(zap.String("component", "mqtt")),
	}

	opts := OptsFromConfig(cfg)
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		c.handleConnect()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		c.logger.Warn("connection lost", zap.Error(err))
	})

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return c, nil
}

// OnConnect registers fn to run after every (re)connect, e.g. to republish
// discovery payloads.
func (c *Client) OnConnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

func (c *Client) handleConnect() {
	c.mu.Lock()
	c.connected = true
	hooks := append([]func(){}, c.onConnect...)
	c.mu.Unlock()

	if err := c.Publish(c.BridgeStateTopic(), []byte(PayloadOnline), true); err != nil {
		c.logger.Warn("publish bridge state", zap.Error(err))
	}
	for _, fn := range hooks {
		fn()
	}
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.client.IsConnected()
}

// Publish sends payload at QoS 0 and waits for the broker hand-off.
func (c *Client) Publish(topic string, payload []byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := c.client.Publish(topic, 0, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: publish to %s", ErrTimeout, topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// Disconnect marks the bridge offline and closes the connection.
func (c *Client) Disconnect() {
	if err := c.Publish(c.BridgeStateTopic(), []byte(PayloadOffline), true); err != nil {
		c.logger.Debug("publish offline state", zap.Error(err))
	}
	c.client.Disconnect(uint(time.Second.Milliseconds()))
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *Client) BaseTopic() string {
	return c.baseTopic
}

func (c *Client) BridgeStateTopic() string {
	return BridgeStateTopic(c.baseTopic)
}

func BridgeStateTopic(baseTopic string) string {
	return fmt.Sprintf("%s/bridge/state", baseTopic)
}

func SensorStateTopic(baseTopic, objectID string) string {
	return fmt.Sprintf("%s/sensor/%s/state", baseTopic, objectID)
}

func BinarySensorStateTopic(baseTopic, objectID string) string {
	return fmt.Sprintf("%s/binary_sensor/%s/state", baseTopic, objectID)
}
