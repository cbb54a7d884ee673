package mqtt

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/fieldgrid/otlink/config"
	"github.com/fieldgrid/otlink/drivers"
)

// Handle wraps a live broker session.
type Handle struct {
	client mqtt.Client
	broker string
	logger zerolog.Logger
}

// Verify checks the transport's own connected flag. No network round trip.
func (h *Handle) Verify(context.Context) bool {
	return h.client.IsConnectionOpen()
}

// Close disconnects from the broker, waiting briefly for in-flight work.
func (h *Handle) Close() error {
	if h.client.IsConnectionOpen() {
		h.client.Disconnect(250)
	}
	return nil
}

// Sample is one message received during a collection window. Payloads that
// parse as JSON carry the decoded value; everything else is kept as a string.
type Sample struct {
	Topic      string      `json:"topic"`
	Value      interface{} `json:"value"`
	Raw        []byte      `json:"-"`
	ReceivedAt time.Time   `json:"receivedAt"`
}

// Collect subscribes to the topics, accumulates arriving messages for the
// collection window, then unsubscribes. The result grows with whatever
// arrives during the window; an empty result is not an error.
func (h *Handle) Collect(ctx context.Context, topics []string, window time.Duration) ([]Sample, error) {
	if len(topics) == 0 {
		return nil, nil
	}

	var (
		mu      sync.Mutex
		samples []Sample
	)
	handler := func(_ mqtt.Client, msg mqtt.Message) {
		sample := Sample{
			Topic:      msg.Topic(),
			Raw:        append([]byte(nil), msg.Payload()...),
			ReceivedAt: time.Now(),
		}
		sample.Value = decodePayload(sample.Raw)
		mu.Lock()
		samples = append(samples, sample)
		mu.Unlock()
	}

	filters := make(map[string]byte, len(topics))
	for _, topic := range topics {
		filters[topic] = 0
	}
	token := h.client.SubscribeMultiple(filters, handler)
	if !token.WaitTimeout(window) {
		return nil, &drivers.ReadError{Protocol: config.ProtocolMQTT, Target: h.broker, Err: context.DeadlineExceeded}
	}
	if err := token.Error(); err != nil {
		return nil, &drivers.ReadError{Protocol: config.ProtocolMQTT, Target: h.broker, Err: err}
	}

	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}

	unsub := h.client.Unsubscribe(topics...)
	if unsub.WaitTimeout(time.Second) {
		if err := unsub.Error(); err != nil {
			h.logger.Warn().Err(err).Str("broker", h.broker).Msg("mqtt: unsubscribe failed")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	return samples, nil
}

func decodePayload(raw []byte) interface{} {
	var value interface{}
	if err := json.Unmarshal(raw, &value); err == nil {
		return value
	}
	return string(raw)
}
