package mqtt

import (
	"encoding/json"
	"fmt"
	"time"
)

// Maximum payload size for MQTT messages (1MB).
// This prevents resource exhaustion and aligns with typical broker limits.
const maxPayloadSize = 1 << 20 // 1MB

// Publish sends a message to the specified MQTT topic.
//
// Parameters:
//   - topic: The topic to publish to (e.g., "fleetcore/events/device-online/lobby")
//   - payload: The message payload (typically JSON, max 1MB)
//   - qos: Quality of Service level (0, 1, or 2)
//   - retained: Whether the broker should retain the message for new subscribers
//
// Returns:
//   - error: nil on success, or wrapped error describing the failure
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	return nil
}

// eventEnvelope is the wire format for fleet event publications.
type eventEnvelope struct {
	Event     string `json:"event"`
	TabletID  string `json:"tabletId,omitempty"`
	Timestamp string `json:"timestamp"`
	Payload   any    `json:"payload,omitempty"`
}

// PublishFleetEvent mirrors one fleet event onto the broker.
//
// The topic carries the event kind and tablet identity so subscribers can
// filter without parsing payloads. Events are not retained: the event stream
// is a feed, not a state store.
//
// Parameters:
//   - event: Fleet event kind (e.g. "device-online")
//   - tabletID: The subject tablet's logical identity
//   - payload: Event payload, marshalled to JSON
//
// Returns:
//   - error: nil on success, or wrapped error describing the failure
func (c *Client) PublishFleetEvent(event, tabletID string, payload any) error {
	data, err := json.Marshal(eventEnvelope{
		Event:     event,
		TabletID:  tabletID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("%w: encoding event: %w", ErrPublishFailed, err)
	}

	return c.Publish(Topics{}.Event(event, tabletID), data, byte(c.cfg.QoS), false)
}
