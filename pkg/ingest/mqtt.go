package ingest

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/aquaops/aquaops/pkg/telemetry"
)

// MQTTConfig configures the MQTT subscriber.
type MQTTConfig struct {
	Broker   string        `mapstructure:"broker" validate:"required"`
	ClientID string        `mapstructure:"client_id" validate:"required"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Topic    string        `mapstructure:"topic" validate:"required"`
	QoS      byte          `mapstructure:"qos" validate:"lte=2"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// DefaultMQTTConfig returns the default subscriber settings.
func DefaultMQTTConfig() MQTTConfig {
	return MQTTConfig{
		Broker:   "tcp://localhost:1883",
		ClientID: "aquaops",
		Topic:    "aquaops/readings/#",
		QoS:      1,
		Timeout:  10 * time.Second,
	}
}

// Subscriber ingests readings published on an MQTT topic.
type Subscriber struct {
	cfg    MQTTConfig
	sink   Sink
	tel    *telemetry.Telemetry
	client mqtt.Client
}

// NewSubscriber creates a subscriber. The broker connection is opened by
// Start.
func NewSubscriber(cfg MQTTConfig, sink Sink, tel *telemetry.Telemetry) *Subscriber {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultMQTTConfig().Timeout
	}
	return &Subscriber{cfg: cfg, sink: sink, tel: tel.Component("ingest-mqtt")}
}

// Start connects to the broker and subscribes to the topic. Messages are
// ingested until Stop is called or ctx ends.
func (s *Subscriber) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.cfg.Broker)
	opts.SetClientID(s.cfg.ClientID)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
	}
	if s.cfg.Password != "" {
		opts.SetPassword(s.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(false)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.tel.Logger.WithError(err).Warn("MQTT connection lost")
	})
	// Resubscribe after every reconnect; the broker may have dropped the
	// session.
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		token := c.Subscribe(s.cfg.Topic, s.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
			s.HandleMessage(ctx, msg.Topic(), msg.Payload())
		})
		if token.WaitTimeout(s.cfg.Timeout) && token.Error() != nil {
			s.tel.Logger.WithError(token.Error()).WithField("topic", s.cfg.Topic).Error("MQTT subscribe failed")
		}
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(s.cfg.Timeout) {
		return fmt.Errorf("timed out connecting to MQTT broker %s", s.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	s.client = client

	s.tel.Logger.WithFields(map[string]interface{}{
		"broker": s.cfg.Broker,
		"topic":  s.cfg.Topic,
	}).Info("Subscribed to MQTT readings")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// HandleMessage decodes and ingests one message. Bad payloads are logged and
// dropped.
func (s *Subscriber) HandleMessage(ctx context.Context, topic string, payload []byte) {
	readings, err := DecodeReadings(payload)
	if err != nil {
		s.tel.Logger.WithError(err).WithField("topic", topic).Warn("Dropping undecodable MQTT message")
		s.tel.Metrics.RecordReading("rejected")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	timer := telemetry.NewTimer()
	report, err := s.sink.IngestBatch(ctx, readings)
	s.tel.Metrics.ObserveJob("ingest_mqtt", timer.Duration(), err)
	if err != nil {
		s.tel.Logger.WithError(err).WithField("topic", topic).Error("MQTT batch ingest failed")
		return
	}
	if len(report.Failures) > 0 {
		s.tel.Logger.WithFields(map[string]interface{}{
			"topic":  topic,
			"failed": len(report.Failures),
		}).Warn("Some MQTT readings were not ingested")
	}
}

// Stop unsubscribes and disconnects.
func (s *Subscriber) Stop() {
	if s.client == nil || !s.client.IsConnected() {
		return
	}
	s.client.Unsubscribe(s.cfg.Topic).WaitTimeout(s.cfg.Timeout)
	s.client.Disconnect(250)
	s.tel.Logger.Info("MQTT subscriber stopped")
}
