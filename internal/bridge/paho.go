package bridge

import (
	"errors"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/life-stream-dev/life-stream-sensornet/internal/config"
	"github.com/life-stream-dev/life-stream-sensornet/internal/logger"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultKeepAlive         = 60 * time.Second
	defaultDisconnectQuiesce = 1000 // milliseconds
)

var (
	ErrConnectionFailed = errors.New("bridge: connection failed")
	ErrPublishFailed    = errors.New("bridge: publish failed")
	ErrNotConnected     = errors.New("bridge: client not connected")
)

// PahoPublisher publishes to an upstream MQTT broker
type PahoPublisher struct {
	client pahomqtt.Client
}

func buildClientOptions(cfg config.BridgeConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)
	// the upstream sees the bridge go offline when it drops without a goodbye
	opts.SetWill(StatusTopic(cfg.TopicPrefix), statusOffline, 1, true)

	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		logger.InfoF("[bridge] Connected to %s", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.WarnF("[bridge] Connection to %s lost, details: %v", cfg.Broker, err)
	})
	return opts
}

// Dial connects to the upstream broker named in cfg
func Dial(cfg config.BridgeConfig) (*PahoPublisher, error) {
	client := pahomqtt.NewClient(buildClientOptions(cfg))
	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return &PahoPublisher{client: client}, nil
}

func (p *PahoPublisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if !p.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

func (p *PahoPublisher) Close() {
	p.client.Disconnect(defaultDisconnectQuiesce)
}
