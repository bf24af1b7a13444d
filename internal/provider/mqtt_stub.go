//go:build no_mqtt

package provider

import (
	"errors"
	"log/slog"
)

// MQTTProvider is unavailable in builds without MQTT support.
type MQTTProvider struct {
	*Registry
}

// NewMQTTProvider always fails in builds without MQTT support.
func NewMQTTProvider(_ MQTTConfig, _ *slog.Logger) (*MQTTProvider, error) {
	return nil, errors.New("built without MQTT support (no_mqtt)")
}

func (p *MQTTProvider) Close() error { return nil }
