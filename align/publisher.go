package align

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

// ErrPublishTimeout is returned when the broker does not acknowledge a
// publish in time
var ErrPublishTimeout = errors.New("publish timed out")

// ExcisionMessage is the payload handed to the device driver
type ExcisionMessage struct {
	SliceID   string            `json:"sliceId"`
	Geometry  *ExcisionGeometry `json:"geometry"`
	Timestamp int64             `json:"timestamp"`
}

// Publisher hands excision geometry to the device driver over MQTT.
// Geometry goes to <prefix>/<sliceID>/excision as JSON and the same shapes
// to <prefix>/<sliceID>/lmd as LMD XML, retained unless SetRetain(false).
type Publisher struct {
	client  mqtt.Client
	prefix  string
	qos     byte
	retain  bool
	timeout time.Duration
	sent    map[string]time.Time
	mu      sync.RWMutex
}

// NewPublisher creates a publisher; a nil client disables publishing
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = "slicealign"
	}
	return &Publisher{
		client:  client,
		prefix:  prefix,
		qos:     1,
		retain:  true,
		timeout: 2 * time.Second,
		sent:    make(map[string]time.Time),
	}
}

// Publisher returns a publisher on client using the configured prefix, QoS
// and retain flag
func (c MQTTConfig) Publisher(client mqtt.Client) *Publisher {
	p := NewPublisher(client, c.PublishPrefix)
	p.SetQoS(c.QoS)
	p.SetRetain(c.Retain)
	return p
}

// PublishExcision publishes geometry for sliceID
func (p *Publisher) PublishExcision(sliceID string, geom *ExcisionGeometry) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	if geom == nil {
		return fmt.Errorf("slice %s has no excision geometry", sliceID)
	}

	payload, err := json.Marshal(ExcisionMessage{SliceID: sliceID, Geometry: geom, Timestamp: time.Now().Unix()})
	if err != nil {
		return fmt.Errorf("marshaling excision: %w", err)
	}
	if err := p.publish(p.ExcisionTopic(sliceID), payload); err != nil {
		return err
	}

	var xml bytes.Buffer
	if err := WriteLMDXML(&xml, geom); err != nil {
		return fmt.Errorf("encoding lmd xml: %w", err)
	}
	if err := p.publish(p.LMDTopic(sliceID), xml.Bytes()); err != nil {
		return err
	}

	p.mu.Lock()
	p.sent[sliceID] = time.Now()
	p.mu.Unlock()
	log.Info().Str("slice", sliceID).Int("shapes", len(geom.Shapes)).Msg("published excision geometry")
	return nil
}

func (p *Publisher) publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("publishing to %s: %w after %s", topic, ErrPublishTimeout, p.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// ExcisionTopic returns the JSON geometry topic of a slice
func (p *Publisher) ExcisionTopic(sliceID string) string {
	return fmt.Sprintf("%s/%s/excision", p.prefix, sliceID)
}

// LMDTopic returns the LMD XML topic of a slice
func (p *Publisher) LMDTopic(sliceID string) string {
	return fmt.Sprintf("%s/%s/lmd", p.prefix, sliceID)
}

// LastPublished returns when geometry for sliceID was last sent
func (p *Publisher) LastPublished(sliceID string) (time.Time, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.sent[sliceID]
	return t, ok
}

// SetQoS sets the Quality of Service level (0, 1 or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether the broker retains published geometry
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
