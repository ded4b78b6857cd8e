package models

import (
	"fmt"
	"time"
)

// Campaign aggregates related high-threat posts tracked as one narrative.
type Campaign struct {
	ID             string           `json:"id"`
	Classification ClusterType      `json:"classification"`
	ThreatLevel    ThreatLevel      `json:"threat_level"`
	Status         CampaignStatus   `json:"status"`
	Members        []CampaignMember `json:"members"`
	Keywords       []string         `json:"keywords"`
	Topics         []string         `json:"topics"`
	Participants   []string         `json:"participants"`
	TotalPosts     int              `json:"total_posts"`
	AvgSentiment   float64          `json:"avg_sentiment"`
	Velocity       float64          `json:"velocity"` // posts per hour
	Reach          int64            `json:"reach"`
	FirstDetected  time.Time        `json:"first_detected"`
	LastUpdated    time.Time        `json:"last_updated"`
	EscalatedAt    *time.Time       `json:"escalated_at,omitempty"`
	Version        int              `json:"version"`
}

// CampaignMember records one post that joined a campaign.
type CampaignMember struct {
	Key         PostKey     `json:"key"`
	ClusterID   string      `json:"cluster_id"`
	ThreatLevel ThreatLevel `json:"threat_level"`
	Sentiment   float64     `json:"sentiment"`
	Reach       int64       `json:"reach"`
	JoinedAt    time.Time   `json:"joined_at"`
}

// HasMember reports whether the post already belongs to the campaign.
func (c *Campaign) HasMember(key PostKey) bool {
	for _, m := range c.Members {
		if m.Key == key {
			return true
		}
	}
	return false
}

// CampaignStatus is the lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignMonitoring   CampaignStatus = "monitoring"
	CampaignActive       CampaignStatus = "active"
	CampaignAcknowledged CampaignStatus = "acknowledged"
	CampaignResolved     CampaignStatus = "resolved"
)

// ParseCampaignStatus validates a campaign status label.
func ParseCampaignStatus(raw string) (CampaignStatus, error) {
	s := CampaignStatus(raw)
	switch s {
	case CampaignMonitoring, CampaignActive, CampaignAcknowledged, CampaignResolved:
		return s, nil
	}
	return "", fmt.Errorf("invalid campaign status %q", raw)
}

// Open reports whether new posts may still join the campaign.
func (s CampaignStatus) Open() bool {
	return s != CampaignResolved
}

// CanTransition reports whether an external transition from s to next is allowed.
func (s CampaignStatus) CanTransition(next CampaignStatus) bool {
	switch next {
	case CampaignAcknowledged:
		return s == CampaignMonitoring || s == CampaignActive
	case CampaignResolved:
		return s != CampaignResolved
	case CampaignMonitoring:
		return s == CampaignAcknowledged || s == CampaignActive
	case CampaignActive:
		return s == CampaignMonitoring
	}
	return false
}

// CampaignEventType names the lifecycle signals sent to the notification collaborator.
type CampaignEventType string

const (
	EventCampaignDetected     CampaignEventType = "detected"
	EventCampaignUpdated      CampaignEventType = "updated"
	EventCampaignEscalated    CampaignEventType = "escalated"
	EventCampaignAcknowledged CampaignEventType = "acknowledged"
	EventCampaignResolved     CampaignEventType = "resolved"
)

// CampaignEvent is one lifecycle signal.
type CampaignEvent struct {
	Type       CampaignEventType `json:"type"`
	CampaignID string            `json:"campaign_id"`
	Campaign   Campaign          `json:"campaign"`
	PostKey    *PostKey          `json:"post_key,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}
