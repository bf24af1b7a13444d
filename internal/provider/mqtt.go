//go:build !no_mqtt

package provider

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTProvider tracks devices that publish presence under home/devices/<id>.
type MQTTProvider struct {
	*Registry
	client pahomqtt.Client
	cfg    MQTTConfig
	logger *slog.Logger
}

// NewMQTTProvider connects to the broker and subscribes to the device topic.
func NewMQTTProvider(cfg MQTTConfig, logger *slog.Logger) (*MQTTProvider, error) {
	broker, err := ParseBrokerURL(cfg.Broker)
	if err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	p := &MQTTProvider{
		Registry: NewRegistry(),
		cfg:      cfg,
		logger:   logger.With("component", "mqtt"),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(cfg.ClientID).
		SetKeepAlive(20 * time.Second).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.StatusTopic, "offline", 1, true).
		SetOnConnectHandler(func(c pahomqtt.Client) {
			p.logger.Info("MQTT connected", "broker", broker)
			c.Publish(cfg.StatusTopic, 1, true, "online")
			// Subscriptions do not survive a clean session reconnect.
			c.Subscribe(cfg.DeviceTopic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
				p.handleMessage(msg.Topic(), msg.Payload())
			})
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			p.logger.Warn("MQTT connection lost", "err", err)
			p.NotifyChanged(Device{Name: "Disconnected"})
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	p.client = client
	return p, nil
}

// presencePayload is the optional JSON form of a presence message.
type presencePayload struct {
	Name   string `json:"name"`
	Online *bool  `json:"online"`
}

func (p *MQTTProvider) handleMessage(topic string, payload []byte) {
	id, ok := strings.CutPrefix(topic, devicePrefix(p.cfg.DeviceTopic))
	if !ok || id == "" {
		return
	}

	dev := Device{ID: id, Name: "MQTT Device " + id, Online: len(payload) > 0}
	var pp presencePayload
	if len(payload) > 0 && payload[0] == '{' && json.Unmarshal(payload, &pp) == nil {
		if pp.Name != "" {
			dev.Name = pp.Name
		}
		if pp.Online != nil {
			dev.Online = *pp.Online
		}
	}
	p.logger.Debug("MQTT presence", "id", id, "online", dev.Online)
	p.Upsert(dev)
}

// Close publishes the offline status and disconnects.
func (p *MQTTProvider) Close() error {
	if p.client == nil {
		return nil
	}
	p.client.Publish(p.cfg.StatusTopic, 1, true, "offline").WaitTimeout(2 * time.Second)
	p.client.Disconnect(1000)
	p.logger.Info("MQTT provider stopped")
	return nil
}
