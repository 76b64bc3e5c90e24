package sink

import (
	"context"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/shaunagostinho/fixbridge/internal/config"
)

const mqttPublishTimeout = 5 * time.Second

// MQTT publishes each accepted fix as JSON, retained by default so new
// subscribers get the latest position immediately.
type MQTT struct {
	client   mqtt.Client
	topic    string
	qos      byte
	retained bool
}

// NewMQTT creates the client and starts connecting in the background. The
// sink is usable immediately; publishes fail until the broker is reachable.
func NewMQTT(cfg config.MQTTConfig) *MQTT {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(mqtt.Client) {
			log.Printf("[sink] mqtt connected to %s", cfg.Broker)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Printf("[sink] mqtt connection lost: %v", err)
		})

	client := mqtt.NewClient(opts)
	client.Connect() // retries in the background

	return newMQTTWithClient(client, cfg)
}

func newMQTTWithClient(client mqtt.Client, cfg config.MQTTConfig) *MQTT {
	qos := cfg.QoS
	if qos < 0 || qos > 2 {
		qos = 0
	}
	return &MQTT{client: client, topic: cfg.Topic, qos: byte(qos), retained: cfg.Retained}
}

func (m *MQTT) Write(ctx context.Context, fix Fix) error {
	if !m.client.IsConnectionOpen() {
		return fmt.Errorf("mqtt: not connected")
	}
	payload, err := fix.JSON()
	if err != nil {
		return err
	}

	timeout := mqttPublishTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	token := m.client.Publish(m.topic, m.qos, m.retained, payload)
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt: publish to %s timed out", m.topic)
	}
	return token.Error()
}

// Close disconnects, allowing 250ms for in-flight work.
func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}
