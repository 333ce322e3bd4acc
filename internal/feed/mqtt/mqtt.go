package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/goodtune/yakap/internal/config"
	"github.com/goodtune/yakap/internal/feed"
	"github.com/goodtune/yakap/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultTopic carries one JSON sample per message.
const DefaultTopic = "yakap/ecg/readings"

// Feed subscribes to samples published on an MQTT topic.
type Feed struct {
	client  paho.Client
	topic   string
	qos     byte
	timeout time.Duration
	logger  zerolog.Logger

	mu       sync.Mutex
	handler  feed.Handler
	callback paho.MessageHandler
}

var _ feed.Feed = (*Feed)(nil)

// Connect connects to the broker in cfg.
func Connect(cfg config.MQTTConfig, logger zerolog.Logger) (*Feed, error) {
	timeout := 10 * time.Second
	if cfg.ConnectTimeout != "" {
		d, err := time.ParseDuration(cfg.ConnectTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid connect_timeout: %w", err)
		}
		timeout = d
	}

	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}

	f := &Feed{
		topic:   topic,
		qos:     byte(cfg.QoS),
		timeout: timeout,
		logger:  logger.With().Str("component", "feed").Str("feed", "mqtt").Logger(),
	}

	clientID := cfg.ClientID
	if cfg.UniqueClientID {
		// brokers drop the older connection when two clients share an id
		clientID = fmt.Sprintf("%s-%s", clientID, uuid.NewString()[:8])
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)
	opts.SetConnectTimeout(timeout)
	opts.SetOnConnectHandler(f.onConnect)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		f.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	f.client = paho.NewClient(opts)

	token := f.client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("timed out connecting to MQTT broker %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	f.logger.Info().Str("broker", cfg.Broker).Str("client_id", clientID).Msg("Connected to MQTT broker")
	return f, nil
}

// onConnect restores the subscription after a reconnect, since clean
// sessions do not keep it on the broker.
func (f *Feed) onConnect(client paho.Client) {
	f.mu.Lock()
	callback := f.callback
	f.mu.Unlock()

	if callback == nil {
		return
	}

	token := client.Subscribe(f.topic, f.qos, callback)
	go func() {
		if token.WaitTimeout(f.timeout) && token.Error() != nil {
			f.logger.Error().Err(token.Error()).Str("topic", f.topic).Msg("Failed to resubscribe")
			return
		}
		f.logger.Info().Str("topic", f.topic).Msg("Resubscribed after reconnect")
	}()
}

// Subscribe delivers every message on the topic to handler.
func (f *Feed) Subscribe(handler feed.Handler) (feed.Unsubscribe, error) {
	f.mu.Lock()
	if f.handler != nil {
		f.mu.Unlock()
		return nil, feed.ErrAlreadySubscribed
	}
	f.handler = handler
	f.callback = func(_ paho.Client, msg paho.Message) {
		f.deliver(msg.Payload())
	}
	callback := f.callback
	f.mu.Unlock()

	token := f.client.Subscribe(f.topic, f.qos, callback)
	if err := f.wait(token); err != nil {
		f.reset()
		return nil, fmt.Errorf("failed to subscribe to topic %s: %w", f.topic, err)
	}

	f.logger.Info().Str("topic", f.topic).Uint8("qos", f.qos).Msg("Subscribed to readings")

	var once sync.Once
	return func() error {
		var err error
		once.Do(func() {
			if uerr := f.wait(f.client.Unsubscribe(f.topic)); uerr != nil {
				err = fmt.Errorf("failed to unsubscribe: %w", uerr)
			}
			// waits for an in-flight delivery to finish
			f.reset()
		})
		return err
	}, nil
}

// deliver decodes a payload and hands it to the handler. Malformed payloads
// are dropped here since the handler only sees decoded samples.
func (f *Feed) deliver(payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.handler == nil {
		return
	}

	sample, err := feed.Decode(payload)
	if err != nil {
		f.logger.Warn().Err(err).Int("bytes", len(payload)).Msg("Dropping malformed sample")
		metrics.SamplesDropped.WithLabelValues("malformed").Inc()
		return
	}
	f.handler(sample)
}

func (f *Feed) reset() {
	f.mu.Lock()
	f.handler = nil
	f.callback = nil
	f.mu.Unlock()
}

// Publish sends s to the topic.
func (f *Feed) Publish(ctx context.Context, s *feed.Sample) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode sample: %w", err)
	}

	token := f.client.Publish(f.topic, f.qos, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", f.topic, err)
	}
	return nil
}

// Close disconnects from the broker.
func (f *Feed) Close() {
	f.client.Disconnect(250)
	f.logger.Info().Msg("Disconnected from MQTT broker")
}

func (f *Feed) wait(token paho.Token) error {
	if !token.WaitTimeout(f.timeout) {
		return fmt.Errorf("timed out after %s", f.timeout)
	}
	return token.Error()
}
