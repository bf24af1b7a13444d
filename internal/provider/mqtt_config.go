package provider

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"znp-host/internal/znp"
)

// MQTTConfig holds MQTT provider configuration.
type MQTTConfig struct {
	Broker      string
	Username    string
	Password    string
	ClientID    string
	DeviceTopic string
	StatusTopic string
}

const (
	defaultDeviceTopic = "home/devices/#"
	defaultStatusTopic = "home/znp-host/state"
)

func (c MQTTConfig) withDefaults() MQTTConfig {
	if c.ClientID == "" {
		c.ClientID = fmt.Sprintf("znp_host_%d", time.Now().UnixNano())
	}
	if c.DeviceTopic == "" {
		c.DeviceTopic = defaultDeviceTopic
	}
	if c.StatusTopic == "" {
		c.StatusTopic = defaultStatusTopic
	}
	return c
}

// devicePrefix strips the trailing wildcard from a subscription topic.
func devicePrefix(topic string) string {
	return strings.TrimSuffix(topic, "#")
}

// ParseBrokerURL converts mqtt://host:port into the tcp:// form the client
// expects. tcp://, ssl:// and ws:// URLs pass through unchanged.
func ParseBrokerURL(s string) (string, error) {
	u, err := url.Parse(s)
	if err != nil || u.Host == "" || u.Port() == "" {
		return "", znp.KindError(znp.KindInvalidArgument, "mqtt broker", fmt.Sprintf("%q is not scheme://host:port", s))
	}
	switch u.Scheme {
	case "mqtt":
		return "tcp://" + u.Host, nil
	case "tcp", "ssl", "tls", "ws", "wss":
		return s, nil
	default:
		return "", znp.KindError(znp.KindInvalidArgument, "mqtt broker", fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}
}
