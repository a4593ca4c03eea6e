package mqtt

import (
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/srg/blehub/pkg/config"
)

// Client wraps paho.mqtt.golang.
//
// All methods are safe for concurrent use. Subscriptions are restored on reconnection.
type Client struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig
	topics Topics
	log    *logrus.Entry

	subscriptions map[string]subscription
	subMu         sync.RWMutex

	connected bool
	connMu    sync.RWMutex

	onConnect  []func()
	callbackMu sync.RWMutex
}

type subscription struct {
	filter  string
	handler MessageHandler
}

// Connect dials the broker and waits up to the configured connect timeout.
func Connect(cfg config.MQTTConfig, logger *logrus.Logger) (*Client, error) {
	if cfg.QoS > maxQoS {
		return nil, ErrInvalidQoS
	}
	opts := buildClientOptions(cfg)
	c := newClient(cfg, logger)

	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleDisconnect(err) })
	opts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		c.log.Info("Reconnecting to MQTT broker")
	})

	c.client = pahomqtt.NewClient(opts)
	c.log.WithField("broker", BrokerURL(cfg)).Info("Connecting to MQTT broker")

	token := c.client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		c.client.Disconnect(0)
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The OnConnect handler runs asynchronously and may not have fired yet.
	c.setConnected(true)
	return c, nil
}

func newClient(cfg config.MQTTConfig, logger *logrus.Logger) *Client {
	return &Client{
		cfg:           cfg,
		topics:        Topics{Prefix: cfg.Prefix},
		log:           logger.WithField("component", "mqtt"),
		subscriptions: make(map[string]subscription),
	}
}

func (c *Client) setConnected(v bool) {
	c.connMu.Lock()
	c.connected = v
	c.connMu.Unlock()
}

func (c *Client) handleConnect() {
	c.setConnected(true)
	c.log.Info("Connected to MQTT broker")

	c.restoreSubscriptions()
	c.client.Publish(c.topics.State(), c.cfg.QoS, true, payloadOnline)

	c.callbackMu.RLock()
	hooks := append([]func(){}, c.onConnect...)
	c.callbackMu.RUnlock()
	for _, hook := range hooks {
		hook()
	}
}

func (c *Client) handleDisconnect(err error) {
	c.setConnected(false)
	c.log.WithError(err).Warn("Lost connection to MQTT broker")
}

func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for _, sub := range c.subscriptions {
		// Errors during reconnection surface again on the next reconnect.
		c.client.Subscribe(sub.filter, c.cfg.QoS, c.wrapHandler(sub.handler))
	}
}

// OnConnect adds a hook run after every successful (re)connect, once subscriptions are restored.
func (c *Client) OnConnect(hook func()) {
	c.callbackMu.Lock()
	c.onConnect = append(c.onConnect, hook)
	c.callbackMu.Unlock()
}

// IsConnected returns the last known connection state.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected && c.client.IsConnected()
}

// Close publishes a graceful "offline" and disconnects.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	if c.IsConnected() {
		token := c.client.Publish(c.topics.State(), c.cfg.QoS, true, payloadOffline)
		token.WaitTimeout(defaultPublishTimeout)
	}
	c.client.Disconnect(defaultDisconnectQuiesce)
	c.setConnected(false)
	return nil
}

// wrapHandler adds panic recovery and error logging around a MessageHandler.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		log := c.log.WithField("topic", msg.Topic())
		defer func() {
			if r := recover(); r != nil {
				log.WithField("panic", r).Error("MQTT handler panic recovered")
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			log.WithError(err).Warn("MQTT handler returned error")
		}
	}
}
