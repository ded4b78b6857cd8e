// Package notify delivers campaign lifecycle events to downstream consumers.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/STRATINT/polwatch/internal/config"
	"github.com/STRATINT/polwatch/internal/models"
)

const defaultProduceTimeout = 5 * time.Second

// KafkaNotifier publishes campaign events as JSON records keyed by campaign id.
type KafkaNotifier struct {
	client  *kgo.Client
	topic   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewKafkaNotifier connects a producer to the configured brokers.
func NewKafkaNotifier(cfg config.KafkaConfig, logger *slog.Logger) (*KafkaNotifier, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}
	if cfg.Topic == "" {
		return nil, errors.New("no kafka topic configured")
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "polwatch"
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(clientID),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &KafkaNotifier{
		client:  client,
		topic:   cfg.Topic,
		timeout: defaultProduceTimeout,
		logger:  logger,
	}, nil
}

// Notify produces one event synchronously.
func (n *KafkaNotifier) Notify(ctx context.Context, event models.CampaignEvent) error {
	record, err := newRecord(n.topic, event)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	if err := n.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce campaign event: %w", err)
	}
	n.logger.Debug("campaign event published",
		"campaign_id", event.CampaignID,
		"event", event.Type,
		"topic", n.topic,
	)
	return nil
}

// Ping checks broker connectivity.
func (n *KafkaNotifier) Ping(ctx context.Context) error {
	if err := n.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka health check failed: %w", err)
	}
	return nil
}

// Close flushes and closes the producer.
func (n *KafkaNotifier) Close() {
	n.client.Close()
}

func newRecord(topic string, event models.CampaignEvent) (*kgo.Record, error) {
	value, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal campaign event: %w", err)
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(event.CampaignID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "classification", Value: []byte(event.Campaign.Classification)},
			{Key: "threat_level", Value: []byte(event.Campaign.ThreatLevel)},
		},
		Timestamp: event.OccurredAt,
	}, nil
}

// LogNotifier writes campaign events to the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-only notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, event models.CampaignEvent) error {
	level := slog.LevelInfo
	if event.Type == models.EventCampaignEscalated {
		level = slog.LevelWarn
	}
	n.logger.Log(ctx, level, "campaign event",
		"event", event.Type,
		"campaign_id", event.CampaignID,
		"status", event.Campaign.Status,
		"threat_level", event.Campaign.ThreatLevel,
		"total_posts", event.Campaign.TotalPosts,
		"velocity", event.Campaign.Velocity,
	)
	return nil
}

// Notifier is satisfied by every notifier in this package.
type Notifier interface {
	Notify(ctx context.Context, event models.CampaignEvent) error
}

// Fanout delivers each event to every notifier and joins their errors.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, event models.CampaignEvent) error {
	var errs []error
	for _, n := range f {
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
