package enrichment

import (
	"math"
	"testing"

	"github.com/STRATINT/polwatch/internal/models"
)

func TestNormalizeEntityReconcilesLabel(t *testing.T) {
	tests := []struct {
		name      string
		in        EntityAnalysis
		wantLabel models.SentimentLabel
		wantScore float64
	}{
		{"consistent", EntityAnalysis{Label: "Positive", Score: 0.7}, models.SentimentPositive, 0.7},
		{"label contradicts score", EntityAnalysis{Label: "Positive", Score: -0.7}, models.SentimentNegative, -0.7},
		{"label only", EntityAnalysis{Label: "negative"}, models.SentimentNegative, -labelOnlyScore},
		{"unknown label", EntityAnalysis{Label: "mixed", Score: 0.05}, models.SentimentNeutral, 0.05},
		{"nan score", EntityAnalysis{Label: "Neutral", Score: math.NaN()}, models.SentimentNeutral, 0},
		{"out of range", EntityAnalysis{Score: 9}, models.SentimentPositive, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeEntity(tt.in, "dmk", "DMK")
			if got.Label != tt.wantLabel || got.Score != tt.wantScore {
				t.Fatalf("got %s/%v, want %s/%v", got.Label, got.Score, tt.wantLabel, tt.wantScore)
			}
			if got.MentionCount != 1 {
				t.Fatalf("expected mention count 1, got %d", got.MentionCount)
			}
		})
	}
}

func TestNormalizeThreat(t *testing.T) {
	tests := []struct {
		level     string
		score     float64
		wantLevel models.ThreatLevel
		wantScore float64
	}{
		{"high", 0.7, models.ThreatHigh, 0.7},
		{"high", 0, models.ThreatHigh, 0.65},
		{"", 0.9, models.ThreatCritical, 0.9},
		{"severe", 0.3, models.ThreatLow, 0.3},
		{"none", -4, models.ThreatNone, 0},
		{"", 0, models.ThreatNone, 0},
	}
	for _, tt := range tests {
		level, score := normalizeThreat(tt.level, tt.score)
		if level != tt.wantLevel || score != tt.wantScore {
			t.Errorf("normalizeThreat(%q, %v) = %s/%v, want %s/%v", tt.level, tt.score, level, score, tt.wantLevel, tt.wantScore)
		}
	}
}

func TestNormalizeLanguage(t *testing.T) {
	tests := []struct {
		reported, hint, want string
	}{
		{"ta", "", "ta"},
		{"en-IN", "", "en"},
		{"not a language", "ta", "ta"},
		{"unknown", "", "unknown"},
		{"", "und", "unknown"},
		{"", "hi", "hi"},
	}
	for _, tt := range tests {
		if got := normalizeLanguage(tt.reported, tt.hint); got != tt.want {
			t.Errorf("normalizeLanguage(%q, %q) = %q, want %q", tt.reported, tt.hint, got, tt.want)
		}
	}
}

func TestOverallSentimentIgnoresUnmentioned(t *testing.T) {
	got := overallSentiment(map[string]models.EntitySentiment{
		"A": {Score: 1, MentionCount: 1},
		"B": {Score: -0.5, MentionCount: 3},
		"C": {Score: -1, MentionCount: 0},
	})
	if math.Abs(got-(-0.125)) > 1e-9 {
		t.Fatalf("expected -0.125, got %v", got)
	}
	if overallSentiment(nil) != 0 {
		t.Fatal("expected zero for no entities")
	}
}

func TestDetectScriptLanguage(t *testing.T) {
	tests := map[string]string{
		"திமுக ஆட்சி":  "ta",
		"भाजपा सरकार":  "hi",
		"DMK rally":    "en",
		"12345 !!!":    "unknown",
	}
	for text, want := range tests {
		if got := detectScriptLanguage(text); got != want {
			t.Errorf("detectScriptLanguage(%q) = %q, want %q", text, got, want)
		}
	}
}
