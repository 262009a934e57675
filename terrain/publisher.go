package terrain

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher hands corrections to the pose-graph backend over MQTT.
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	corrections   map[string]Correction
	mu            sync.RWMutex
}

// NewPublisher creates a corrections publisher. An empty prefix falls back
// to "terrainmesh".
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = "terrainmesh"
	}
	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           1,
		retain:        true,
		corrections:   make(map[string]Correction),
	}
}

// PublishCorrection publishes c to its individual topic and republishes the
// combined set.
func (p *Publisher) PublishCorrection(c Correction) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	p.mu.Lock()
	p.corrections[c.Key()] = c
	p.mu.Unlock()

	if err := p.publishIndividual(c); err != nil {
		log.Printf("Error publishing correction for %s: %v", c.Key(), err)
		return err
	}

	if err := p.publishCombined(); err != nil {
		log.Printf("Error publishing combined corrections: %v", err)
		return err
	}

	return nil
}

// publishIndividual publishes to <prefix>/corrections/<moving>.
func (p *Publisher) publishIndividual(c Correction) error {
	topic := fmt.Sprintf("%s/corrections/%s", p.publishPrefix, c.Moving)

	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling correction: %w", err)
	}

	if err := p.publish(topic, payload); err != nil {
		return err
	}

	log.Printf("Published correction %s: t=(%.4f, %.4f) converged=%v",
		c.Key(), c.Tx, c.Ty, c.Converged)
	return nil
}

// publishCombined publishes every known correction to <prefix>/corrections.
func (p *Publisher) publishCombined() error {
	p.mu.RLock()
	cd := &CorrectionsData{Corrections: make(map[string]Correction, len(p.corrections))}
	for k, v := range p.corrections {
		cd.Corrections[k] = v
	}
	p.mu.RUnlock()

	if len(cd.Corrections) == 0 {
		return nil
	}

	message := map[string]interface{}{
		"corrections": cd.Sorted(),
		"timestamp":   time.Now().Unix(),
	}
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshaling combined corrections: %w", err)
	}

	return p.publish(fmt.Sprintf("%s/corrections", p.publishPrefix), payload)
}

func (p *Publisher) publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// GetCorrection returns the last published correction for a pair.
func (p *Publisher) GetCorrection(fixed, moving string) (Correction, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.corrections[PairKey(fixed, moving)]
	return c, ok
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
