package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/STRATINT/polwatch/internal/config"
	"github.com/STRATINT/polwatch/internal/models"
)

func testEvent() models.CampaignEvent {
	return models.CampaignEvent{
		Type:       models.EventCampaignEscalated,
		CampaignID: "camp-1",
		Campaign: models.Campaign{
			ID:             "camp-1",
			Classification: models.ClusterTypeCompetitor,
			ThreatLevel:    models.ThreatCritical,
			Status:         models.CampaignActive,
			TotalPosts:     6,
		},
		OccurredAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestNewRecord(t *testing.T) {
	record, err := newRecord("polwatch.campaign-events", testEvent())
	if err != nil {
		t.Fatalf("newRecord returned error: %v", err)
	}
	if record.Topic != "polwatch.campaign-events" || string(record.Key) != "camp-1" {
		t.Fatalf("unexpected topic/key %s/%s", record.Topic, record.Key)
	}

	headers := map[string]string{}
	for _, h := range record.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["event_type"] != "escalated" || headers["classification"] != "competitor" || headers["threat_level"] != "critical" {
		t.Fatalf("unexpected headers %v", headers)
	}

	var decoded models.CampaignEvent
	if err := json.Unmarshal(record.Value, &decoded); err != nil {
		t.Fatalf("record value is not an event: %v", err)
	}
	if decoded.CampaignID != "camp-1" || decoded.Campaign.TotalPosts != 6 {
		t.Fatalf("unexpected decoded event %+v", decoded)
	}
}

func TestNewKafkaNotifierRequiresBrokers(t *testing.T) {
	if _, err := NewKafkaNotifier(config.KafkaConfig{Topic: "t"}, slog.Default()); err == nil {
		t.Fatal("expected error without brokers")
	}
	if _, err := NewKafkaNotifier(config.KafkaConfig{Brokers: []string{"localhost:9092"}}, slog.Default()); err == nil {
		t.Fatal("expected error without topic")
	}
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	if err := NewLogNotifier(logger).Notify(context.Background(), testEvent()); err != nil {
		t.Fatalf("Notify returned error: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"level":"WARN"`) || !strings.Contains(out, `"campaign_id":"camp-1"`) {
		t.Fatalf("unexpected log output %s", out)
	}
}

type failingNotifier struct{ calls int }

func (f *failingNotifier) Notify(ctx context.Context, event models.CampaignEvent) error {
	f.calls++
	return errors.New("broker down")
}

func TestFanoutDeliversToAll(t *testing.T) {
	first, second := &failingNotifier{}, &failingNotifier{}
	err := Fanout{first, second}.Notify(context.Background(), testEvent())
	if err == nil || first.calls != 1 || second.calls != 1 {
		t.Fatalf("expected both notifiers called and joined error, got %v (%d, %d)", err, first.calls, second.calls)
	}
}
