package notifier

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fieldgrid/otlink/config"
)

const defaultTopic = "otlink/status"

// MQTTNotifier broadcasts transition events to a broker topic so dashboards
// can subscribe to live connection state.
type MQTTNotifier struct {
	client mqtt.Client
	topic  string
	logger zerolog.Logger
}

// NewMQTTNotifier connects a dedicated client to the broadcast broker.
func NewMQTTNotifier(settings config.MQTTSettings, topic string, logger zerolog.Logger) (*MQTTNotifier, error) {
	if settings.Broker == "" {
		return nil, fmt.Errorf("notifier: broker address is required")
	}
	if topic == "" {
		topic = defaultTopic
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(settings.BrokerURL())
	clientID := settings.ClientID
	if clientID == "" {
		clientID = "otlink-notifier-" + uuid.NewString()
	}
	opts.SetClientID(clientID)
	if settings.Username != "" {
		opts.SetUsername(settings.Username)
		opts.SetPassword(settings.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn().Err(err).Msg("notifier: broker connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("notifier: connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("notifier: connect failed: %w", err)
	}

	return &MQTTNotifier{client: client, topic: topic, logger: logger}, nil
}

// OnStatusChange publishes the event as JSON. Publish failures are logged and
// dropped; events are at-most-once by contract.
func (n *MQTTNotifier) OnStatusChange(event StatusTransitionEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		n.logger.Error().Err(err).Str("connection_id", event.ConnectionID).Msg("notifier: encode event failed")
		return
	}
	token := n.client.Publish(n.topic, 0, false, payload)
	if token.WaitTimeout(time.Second) {
		if err := token.Error(); err != nil {
			n.logger.Warn().Err(err).Str("connection_id", event.ConnectionID).Msg("notifier: publish failed")
		}
	}
}

// Close disconnects the broadcast client.
func (n *MQTTNotifier) Close() error {
	if n.client.IsConnectionOpen() {
		n.client.Disconnect(250)
	}
	return nil
}
