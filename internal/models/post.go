package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// PostKey is the identity of a post in the post store.
type PostKey struct {
	Source    Platform `json:"source"`
	ContentID string   `json:"content_id"`
}

func (k PostKey) String() string {
	return string(k.Source) + ":" + k.ContentID
}

// Post is the canonical structured record produced from exactly one envelope.
type Post struct {
	ID          string     `json:"id"`
	Source      Platform   `json:"source"`
	ContentID   string     `json:"content_id"`
	ClusterID   string     `json:"cluster_id"`
	EnvelopeID  string     `json:"envelope_id"`
	Keyword     string     `json:"keyword"`
	Author      string     `json:"author"`
	Text        string     `json:"text"`
	URL         string     `json:"url"`
	PublishedAt time.Time  `json:"published_at"`
	Metrics     Engagement `json:"metrics"`
	Hashtags    []string   `json:"hashtags,omitempty"`

	// Enrichment block; may be rewritten on re-enrichment.
	Sentiments         map[string]EntitySentiment `json:"sentiments"`
	OverallSentiment   float64                    `json:"overall_sentiment"`
	ThreatLevel        ThreatLevel                `json:"threat_level"`
	ThreatScore        float64                    `json:"threat_score"`
	Narrative          string                     `json:"narrative"`
	Topics             []string                   `json:"topics,omitempty"`
	Language           string                     `json:"language"`
	Comparison         *Comparison                `json:"comparison,omitempty"`
	EnrichmentDegraded bool                       `json:"enrichment_degraded"`
	DegradedReason     string                     `json:"degraded_reason,omitempty"`
	EnrichedAt         time.Time                  `json:"enriched_at"`
	CreatedAt          time.Time                  `json:"created_at"`
}

// Key returns the post identity.
func (p Post) Key() PostKey {
	return PostKey{Source: p.Source, ContentID: p.ContentID}
}

// SentimentLabel is the polarity of an entity mention.
type SentimentLabel string

const (
	SentimentPositive SentimentLabel = "Positive"
	SentimentNegative SentimentLabel = "Negative"
	SentimentNeutral  SentimentLabel = "Neutral"
)

// EntitySentiment is the per-entity sentiment of a post.
type EntitySentiment struct {
	Label        SentimentLabel `json:"label"`
	Score        float64        `json:"score"`      // [-1, 1]
	Confidence   float64        `json:"confidence"` // [0, 1]
	MentionCount int            `json:"mention_count"`
}

// Comparison describes how the post positions two tracked entities.
type Comparison struct {
	Entities []string `json:"entities"`
	Favored  string   `json:"favored,omitempty"`
	Summary  string   `json:"summary,omitempty"`
}

// ThreatLevel is an ordered severity label.
type ThreatLevel string

const (
	ThreatNone     ThreatLevel = "none"
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

var threatRank = map[ThreatLevel]int{
	ThreatNone:     0,
	ThreatLow:      1,
	ThreatMedium:   2,
	ThreatHigh:     3,
	ThreatCritical: 4,
}

var threatByRank = []ThreatLevel{ThreatNone, ThreatLow, ThreatMedium, ThreatHigh, ThreatCritical}

// ParseThreatLevel validates a threat level label (case-insensitive).
func ParseThreatLevel(raw string) (ThreatLevel, error) {
	l := ThreatLevel(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := threatRank[l]; ok {
		return l, nil
	}
	return "", fmt.Errorf("invalid threat level %q", raw)
}

// Rank returns the ordinal of the level, or -1 when unknown.
func (l ThreatLevel) Rank() int {
	if r, ok := threatRank[l]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether l is at or above min.
func (l ThreatLevel) AtLeast(min ThreatLevel) bool {
	return l.Rank() >= 0 && l.Rank() >= min.Rank()
}

// Raise returns the level one step higher, capped at critical.
func (l ThreatLevel) Raise() ThreatLevel {
	r := l.Rank()
	if r < 0 {
		return ThreatLow
	}
	if r+1 >= len(threatByRank) {
		return ThreatCritical
	}
	return threatByRank[r+1]
}

// MaxThreat returns the more severe of two levels.
func MaxThreat(a, b ThreatLevel) ThreatLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ThreatLevelForScore maps a [0,1] threat score onto a level.
func ThreatLevelForScore(score float64) ThreatLevel {
	switch {
	case score >= 0.85:
		return ThreatCritical
	case score >= 0.65:
		return ThreatHigh
	case score >= 0.4:
		return ThreatMedium
	case score >= 0.15:
		return ThreatLow
	default:
		return ThreatNone
	}
}

// Validate enforces the declared numeric ranges of the enrichment block.
// Values are never clamped here; out-of-range data is rejected.
func (p Post) Validate() error {
	if p.Source == "" || p.ContentID == "" {
		return fmt.Errorf("%w: post identity incomplete", ErrContractViolation)
	}
	if p.ThreatLevel.Rank() < 0 {
		return fmt.Errorf("%w: threat level %q", ErrContractViolation, p.ThreatLevel)
	}
	if !inRange(p.ThreatScore, 0, 1) {
		return fmt.Errorf("%w: threat score %v outside [0,1]", ErrContractViolation, p.ThreatScore)
	}
	if !inRange(p.OverallSentiment, -1, 1) {
		return fmt.Errorf("%w: overall sentiment %v outside [-1,1]", ErrContractViolation, p.OverallSentiment)
	}
	for entity, s := range p.Sentiments {
		if !inRange(s.Score, -1, 1) {
			return fmt.Errorf("%w: %s sentiment score %v outside [-1,1]", ErrContractViolation, entity, s.Score)
		}
		if !inRange(s.Confidence, 0, 1) {
			return fmt.Errorf("%w: %s confidence %v outside [0,1]", ErrContractViolation, entity, s.Confidence)
		}
		switch s.Label {
		case SentimentPositive, SentimentNegative, SentimentNeutral:
		default:
			return fmt.Errorf("%w: %s sentiment label %q", ErrContractViolation, entity, s.Label)
		}
		if s.MentionCount < 0 {
			return fmt.Errorf("%w: %s negative mention count", ErrContractViolation, entity)
		}
	}
	return nil
}

func inRange(v, lo, hi float64) bool {
	return !math.IsNaN(v) && v >= lo && v <= hi
}

// NeutralBand is the half-width around zero within which a score reads as neutral.
const NeutralBand = 0.1

// LabelForScore maps a [-1,1] sentiment score onto a label.
func LabelForScore(score float64) SentimentLabel {
	switch {
	case score > NeutralBand:
		return SentimentPositive
	case score < -NeutralBand:
		return SentimentNegative
	default:
		return SentimentNeutral
	}
}
