package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// Broker describes how to reach an MQTT broker.
type Broker struct {
	URL      string `yaml:"url"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
}

// ClientOptions builds paho options for b. A random client id is used when
// none is set.
func (b Broker) ClientOptions(logger *slog.Logger) *pahomqtt.ClientOptions {
	clientID := b.ClientID
	if clientID == "" {
		clientID = "streamguard-" + uuid.NewString()[:8]
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(b.URL)
	opts.SetClientID(clientID)
	if b.Username != "" {
		opts.SetUsername(b.Username)
		opts.SetPassword(b.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	// Ids are assigned in delivery order.
	opts.SetOrderMatters(true)

	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		logger.Info("mqtt connected", slog.String("broker", b.URL), slog.String("client_id", clientID))
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.Warn("mqtt connection lost, auto-reconnect will retry", slog.Any("error", err))
	})

	return opts
}

// Connect connects to the broker, giving up when ctx is done.
func Connect(ctx context.Context, b Broker, logger *slog.Logger) (pahomqtt.Client, error) {
	client := pahomqtt.NewClient(b.ClientOptions(logger))
	token := client.Connect()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return nil, fmt.Errorf("connecting to %s: %w", b.URL, err)
		}
		return client, nil
	case <-ctx.Done():
		client.Disconnect(250)
		return nil, fmt.Errorf("connecting to %s: %w", b.URL, ctx.Err())
	}
}
