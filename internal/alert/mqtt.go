package alert

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MQTTConfig configures alert publishing to a broker.
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // host:port
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"` // alerts go to <topic>/<feed_id>
	QoS      byte   `yaml:"qos"`
}

// Enabled reports whether a broker is configured.
func (c MQTTConfig) Enabled() bool { return c.Broker != "" }

// mqttPayload is the JSON message published per alert.
type mqttPayload struct {
	FeedID   string  `json:"feed_id"`
	FeedName string  `json:"feed_name"`
	Subject  string  `json:"subject"`
	Text     string  `json:"text"`
	Time     string  `json:"time"`
	Ratio    float64 `json:"ratio"`
	Image    string  `json:"image,omitempty"` // base64 JPEG
}

// MQTTNotifier publishes alerts to <topic>/<feed_id>.
type MQTTNotifier struct {
	log    *zap.Logger
	cfg    MQTTConfig
	Client mqtt.Client
}

// NewMQTTNotifier builds the client; call Connect before use.
func NewMQTTNotifier(log *zap.Logger, cfg MQTTConfig) *MQTTNotifier {
	if cfg.Topic == "" {
		cfg.Topic = "feedmux/alerts"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "feedmux-server"
	}
	n := &MQTTNotifier{log: log.Named("mqtt"), cfg: cfg}

	opts := mqtt.NewClientOptions()
	opts.AddBroker("tcp://" + cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		n.log.Info("mqtt connection established", zap.String("broker", cfg.Broker))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		n.log.Warn("mqtt connection lost, will auto-reconnect", zap.Error(err))
	}
	n.Client = mqtt.NewClient(opts)
	return n
}

// Connect waits up to 5s for the first connection. With connect-retry on,
// the client keeps trying in the background after a timeout.
func (n *MQTTNotifier) Connect() error {
	token := n.Client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	return nil
}

// Disconnect closes the connection with a short grace period.
func (n *MQTTNotifier) Disconnect() {
	if n.Client.IsConnected() {
		n.Client.Disconnect(250)
	}
}

func (n *MQTTNotifier) Name() string { return "mqtt" }

func (n *MQTTNotifier) Notify(ctx context.Context, a Alert) error {
	if !n.Client.IsConnected() {
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := mqttMessage(a)
	if err != nil {
		return err
	}

	token := n.Client.Publish(n.cfg.Topic+"/"+a.FeedID, n.cfg.QoS, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("mqtt publish: %w", ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish: %w", err)
	}
	return nil
}

func mqttMessage(a Alert) ([]byte, error) {
	p := mqttPayload{
		FeedID:   a.FeedID,
		FeedName: a.FeedName,
		Subject:  a.Subject,
		Text:     a.Text,
		Time:     a.At.UTC().Format(time.RFC3339Nano),
		Ratio:    a.Ratio,
	}
	if len(a.Image) > 0 {
		p.Image = base64.StdEncoding.EncodeToString(a.Image)
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal alert: %w", err)
	}
	return b, nil
}
