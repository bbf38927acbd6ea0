package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aquaops/aquaops/pkg/engine"
	"github.com/aquaops/aquaops/pkg/telemetry"
)

// payloadField is the stream entry field holding the JSON readings.
const payloadField = "data"

// StreamConfig configures the Redis Streams consumer.
type StreamConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Stream   string        `mapstructure:"stream" validate:"required"`
	Group    string        `mapstructure:"group" validate:"required"`
	Consumer string        `mapstructure:"consumer" validate:"required"`
	Count    int64         `mapstructure:"count" validate:"gte=0"`
	Block    time.Duration `mapstructure:"block"`

	// ClaimIdle, when positive, lets the consumer take over entries another
	// consumer of the group has left pending for at least this long.
	ClaimIdle time.Duration `mapstructure:"claim_idle" validate:"gte=0"`
}

// DefaultStreamConfig returns the default consumer settings.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Addr:     "localhost:6379",
		Stream:   "aquaops:readings",
		Group:    "aquaops",
		Consumer: "aquaops-1",
		Count:     100,
		Block:     2 * time.Second,
		ClaimIdle: 5 * time.Minute,
	}
}

// StreamConsumer reads readings from a Redis stream as a member of a
// consumer group and hands each batch to a Sink.
type StreamConsumer struct {
	client redis.UniversalClient
	cfg    StreamConfig
	sink   Sink
	tel    *telemetry.Telemetry
}

// NewStreamConsumer creates a consumer over an existing client.
func NewStreamConsumer(client redis.UniversalClient, cfg StreamConfig, sink Sink, tel *telemetry.Telemetry) *StreamConsumer {
	def := DefaultStreamConfig()
	if cfg.Count <= 0 {
		cfg.Count = def.Count
	}
	if cfg.Block <= 0 {
		cfg.Block = def.Block
	}
	return &StreamConsumer{
		client: client,
		cfg:    cfg,
		sink:   sink,
		tel:    tel.Component("ingest-redis"),
	}
}

// NewRedisClient opens a client for the configured address.
func NewRedisClient(cfg StreamConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// EnsureGroup creates the stream and consumer group if they do not exist.
func (c *StreamConsumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Poll handles at most one batch of entries, ingests them and acknowledges
// them. Entries this consumer left pending after a failed ingest are retried
// first, then idle entries of other consumers are claimed, and only then are
// new entries read. Entries that cannot be decoded are logged and
// acknowledged so they are not redelivered. It returns the number of
// readings handed to the sink.
func (c *StreamConsumer) Poll(ctx context.Context) (int, error) {
	msgs, err := c.read(ctx, "0", -1)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 && c.cfg.ClaimIdle > 0 {
		if msgs, err = c.claim(ctx); err != nil {
			return 0, err
		}
	}
	if len(msgs) == 0 {
		if msgs, err = c.read(ctx, ">", c.cfg.Block); err != nil {
			return 0, err
		}
	}
	if len(msgs) == 0 {
		return 0, nil
	}
	return c.handle(ctx, msgs)
}

// read reads group entries from id: "0" replays this consumer's pending
// entries, ">" delivers new ones. A negative block does not wait.
func (c *StreamConsumer) read(ctx context.Context, id string, block time.Duration) ([]redis.XMessage, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, id},
		Count:    c.cfg.Count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}

	var msgs []redis.XMessage
	for _, s := range streams {
		msgs = append(msgs, s.Messages...)
	}
	return msgs, nil
}

// claim moves entries idle for ClaimIdle from other consumers to this one.
func (c *StreamConsumer) claim(ctx context.Context) ([]redis.XMessage, error) {
	msgs, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.cfg.Stream,
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		MinIdle:  c.cfg.ClaimIdle,
		Start:    "0-0",
		Count:    c.cfg.Count,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim idle entries: %w", err)
	}
	if len(msgs) > 0 {
		c.tel.Logger.WithField("claimed", len(msgs)).Info("Claimed idle stream entries")
	}
	return msgs, nil
}

func (c *StreamConsumer) handle(ctx context.Context, msgs []redis.XMessage) (int, error) {
	var (
		readings []engine.Reading
		ids      []string
	)
	for _, msg := range msgs {
		ids = append(ids, msg.ID)
		batch, err := decodeEntry(msg.Values)
		if err != nil {
			c.tel.Logger.WithError(err).WithField("entry_id", msg.ID).Warn("Dropping undecodable stream entry")
			c.tel.Metrics.RecordReading("rejected")
			continue
		}
		readings = append(readings, batch...)
	}

	if len(readings) > 0 {
		report, err := c.sink.IngestBatch(ctx, readings)
		if err != nil {
			// Unacknowledged entries are replayed by the next Poll.
			return 0, err
		}
		if len(report.Failures) > 0 {
			c.tel.Logger.WithField("failed", len(report.Failures)).Warn("Some stream readings were not ingested")
		}
	}

	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, ids...).Err(); err != nil {
		return len(readings), fmt.Errorf("failed to acknowledge entries: %w", err)
	}
	return len(readings), nil
}

func decodeEntry(values map[string]interface{}) ([]engine.Reading, error) {
	raw, ok := values[payloadField]
	if !ok {
		return nil, fmt.Errorf("entry has no %q field", payloadField)
	}
	switch v := raw.(type) {
	case string:
		return DecodeReadings([]byte(v))
	case []byte:
		return DecodeReadings(v)
	default:
		return nil, fmt.Errorf("unexpected %q field type %T", payloadField, raw)
	}
}

// Run polls until ctx ends. Read errors are logged and retried after a short
// pause.
func (c *StreamConsumer) Run(ctx context.Context) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}
	c.tel.Logger.WithFields(map[string]interface{}{
		"stream":   c.cfg.Stream,
		"group":    c.cfg.Group,
		"consumer": c.cfg.Consumer,
	}).Info("Consuming reading stream")

	for {
		if ctx.Err() != nil {
			return nil
		}
		timer := telemetry.NewTimer()
		n, err := c.Poll(ctx)
		if n > 0 || err != nil {
			c.tel.Metrics.ObserveJob("ingest_stream", timer.Duration(), err)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.tel.Logger.WithError(err).Error("Stream poll failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
	}
}

// Publish appends readings to the stream as one entry.
func Publish(ctx context.Context, client redis.UniversalClient, stream string, readings []engine.Reading) (string, error) {
	data, err := json.Marshal(readings)
	if err != nil {
		return "", fmt.Errorf("failed to encode readings: %w", err)
	}
	id, err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{payloadField: string(data)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish readings: %w", err)
	}
	return id, nil
}
