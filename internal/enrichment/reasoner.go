package enrichment

import (
	"context"

	"github.com/STRATINT/polwatch/internal/models"
)

// Reasoner is the external reasoning capability. Implementations must honor
// ctx cancellation; the engine bounds every call with its own timeout.
type Reasoner interface {
	Name() string
	Analyze(ctx context.Context, req Request) (*Analysis, error)
}

// Request is the normalized content plus cluster context sent for analysis.
type Request struct {
	Source      models.Platform
	Keyword     string
	Author      string
	Text        string
	Hashtags    []string
	ClusterName string
	ClusterType models.ClusterType
	Entities    []string
}

// EntityAnalysis is one entity sentiment entry as reported by a reasoner.
// Values are unvalidated until the engine normalizes them.
type EntityAnalysis struct {
	Entity       string  `json:"entity"`
	Label        string  `json:"label"`
	Score        float64 `json:"score"`
	Confidence   float64 `json:"confidence"`
	MentionCount int     `json:"mention_count"`
}

// Analysis is the raw reasoning result.
type Analysis struct {
	Entities    []EntityAnalysis   `json:"entities"`
	ThreatLevel string             `json:"threat_level"`
	ThreatScore float64            `json:"threat_score"`
	Narrative   string             `json:"narrative"`
	Topics      []string           `json:"topics"`
	Language    string             `json:"language"`
	Comparison  *models.Comparison `json:"comparison,omitempty"`
}

// Fallback is the deterministic result used when reasoning times out or
// returns garbage: neutral sentiment, low threat, unknown language.
func Fallback() *Analysis {
	return &Analysis{
		ThreatLevel: string(models.ThreatLow),
		Language:    unknownLanguage,
	}
}
