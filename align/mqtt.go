package align

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

// EditHandler receives a review edit sent by an operator over MQTT
type EditHandler func(sliceID string, e Edit)

// MQTTClient manages the broker connection. It subscribes to
// <prefix>/+/edits for operator corrections and exposes the client for the
// Publisher.
type MQTTClient struct {
	client      mqtt.Client
	prefix      string
	editHandler EditHandler
	isConnected bool
	mu          sync.RWMutex
}

// NewMQTTClient builds a client from cfg and connects in the background.
// An empty broker disables MQTT and returns nil, nil.
func NewMQTTClient(cfg MQTTConfig, handler EditHandler) (*MQTTClient, error) {
	if cfg.Broker == "" {
		log.Info().Msg("MQTT disabled: no broker configured")
		return nil, nil
	}
	c := &MQTTClient{prefix: cfg.PublishPrefix, editHandler: handler}
	if c.prefix == "" {
		c.prefix = "slicealign"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "slicealign"
	}
	opts.SetClientID(clientID)
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
	opts.SetCleanSession(false)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = mqtt.NewClient(opts)
	go c.connectWithRetry()
	return c, nil
}

// newMQTTClientWith wraps an existing mqtt.Client, used with MockClient
func newMQTTClientWith(client mqtt.Client, prefix string, handler EditHandler) *MQTTClient {
	return &MQTTClient{client: client, prefix: prefix, editHandler: handler}
}

// connectWithRetry connects with exponential backoff up to one minute
func (c *MQTTClient) connectWithRetry() {
	delay := time.Second
	for {
		token := c.client.Connect()
		if token.WaitTimeout(10*time.Second) && token.Error() == nil {
			log.Info().Msg("connected to MQTT broker")
			c.setConnected(true)
			return
		}
		log.Warn().Err(token.Error()).Dur("retry_in", delay).Msg("MQTT connection failed")
		time.Sleep(delay)
		delay = min(delay*2, 60*time.Second)
	}
}

func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.setConnected(true)
	topic := c.EditTopic("+")
	token := client.Subscribe(topic, 1, c.handleEdit)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		log.Error().Err(token.Error()).Str("topic", topic).Msg("subscribe failed")
		return
	}
	log.Info().Str("topic", topic).Msg("subscribed to edits")
}

func (c *MQTTClient) onConnectionLost(_ mqtt.Client, err error) {
	log.Warn().Err(err).Msg("MQTT connection interrupted, auto-reconnect will retry")
	c.setConnected(false)
}

// handleEdit decodes an Edit published to <prefix>/<sliceID>/edits
func (c *MQTTClient) handleEdit(_ mqtt.Client, msg mqtt.Message) {
	sliceID, ok := c.sliceFromTopic(msg.Topic())
	if !ok {
		log.Warn().Str("topic", msg.Topic()).Msg("edit on unexpected topic")
		return
	}
	var e Edit
	if err := json.Unmarshal(msg.Payload(), &e); err != nil {
		log.Warn().Err(err).Str("slice", sliceID).Msg("invalid edit payload")
		return
	}
	if e.Source == "" {
		e.Source = EditManual
	}
	c.mu.RLock()
	handler := c.editHandler
	c.mu.RUnlock()
	if handler != nil {
		handler(sliceID, e)
	}
}

func (c *MQTTClient) sliceFromTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, c.prefix+"/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/edits")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// EditTopic returns the topic operators publish edits for sliceID to
func (c *MQTTClient) EditTopic(sliceID string) string {
	return fmt.Sprintf("%s/%s/edits", c.prefix, sliceID)
}

// SetEditHandler replaces the edit callback
func (c *MQTTClient) SetEditHandler(h EditHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.editHandler = h
}

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

// Disconnect closes the connection with a 250ms quiesce
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// Client returns the underlying client for publishing
func (c *MQTTClient) Client() mqtt.Client {
	return c.client
}

// Prefix returns the topic prefix
func (c *MQTTClient) Prefix() string {
	return c.prefix
}
