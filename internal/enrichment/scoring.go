package enrichment

import (
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/language"

	"github.com/STRATINT/polwatch/internal/models"
)

const (
	unknownLanguage   = "unknown"
	maxNarrativeRunes = 1000
	maxTopics         = 10

	// score used when a reasoner gives a polar label without a score
	labelOnlyScore = 0.5
)

// minimum threat score of each level, used when a level arrives without a score
var threatFloor = map[models.ThreatLevel]float64{
	models.ThreatNone:     0,
	models.ThreatLow:      0.15,
	models.ThreatMedium:   0.4,
	models.ThreatHigh:     0.65,
	models.ThreatCritical: 0.85,
}

// Reasoner output is clamped before persistence: sentiment scores to [-1,1],
// confidence and threat score to [0,1]. NaN becomes zero.
func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(lo, math.Min(hi, v))
}

// normalizeSentiments merges reported entities with the cluster's configured
// entities. Configured names keep their configured spelling; configured
// entities the reasoner skipped get a neutral entry.
func normalizeSentiments(reported []EntityAnalysis, configured []string, text string) map[string]models.EntitySentiment {
	canonical := make(map[string]string, len(configured))
	for _, name := range configured {
		canonical[strings.ToLower(name)] = name
	}
	lowerText := strings.ToLower(text)

	out := make(map[string]models.EntitySentiment, len(configured)+len(reported))
	for _, r := range reported {
		name := strings.TrimSpace(r.Entity)
		if name == "" {
			continue
		}
		if c, ok := canonical[strings.ToLower(name)]; ok {
			name = c
		}

		s := normalizeEntity(r, lowerText, name)
		if prev, ok := out[name]; ok && prev.Confidence >= s.Confidence {
			continue
		}
		out[name] = s
	}

	for _, name := range configured {
		if _, ok := out[name]; ok {
			continue
		}
		out[name] = models.EntitySentiment{
			Label:        models.SentimentNeutral,
			MentionCount: countMentions(lowerText, name),
		}
	}
	return out
}

func normalizeEntity(r EntityAnalysis, lowerText, name string) models.EntitySentiment {
	score := clamp(r.Score, -1, 1)
	label, ok := parseLabel(r.Label)
	switch {
	case !ok:
		label = models.LabelForScore(score)
	case score == 0 && label == models.SentimentPositive:
		score = labelOnlyScore
	case score == 0 && label == models.SentimentNegative:
		score = -labelOnlyScore
	case label != models.LabelForScore(score):
		label = models.LabelForScore(score)
	}

	mentions := r.MentionCount
	if mentions <= 0 {
		// the reasoner says it is mentioned even if the spelling differs
		mentions = max(countMentions(lowerText, name), 1)
	}

	return models.EntitySentiment{
		Label:        label,
		Score:        score,
		Confidence:   clamp(r.Confidence, 0, 1),
		MentionCount: mentions,
	}
}

func parseLabel(raw string) (models.SentimentLabel, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "positive":
		return models.SentimentPositive, true
	case "negative":
		return models.SentimentNegative, true
	case "neutral":
		return models.SentimentNeutral, true
	}
	return "", false
}

func countMentions(lowerText, name string) int {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return 0
	}
	return strings.Count(lowerText, name)
}

// overallSentiment is the mention-weighted mean of entity scores.
func overallSentiment(sentiments map[string]models.EntitySentiment) float64 {
	var sum float64
	var weight int
	for _, s := range sentiments {
		if s.MentionCount <= 0 {
			continue
		}
		sum += s.Score * float64(s.MentionCount)
		weight += s.MentionCount
	}
	if weight == 0 {
		return 0
	}
	return clamp(sum/float64(weight), -1, 1)
}

// normalizeThreat reconciles level and score. An invalid level is derived
// from the score; a valid level with no score gets the level's floor.
func normalizeThreat(rawLevel string, rawScore float64) (models.ThreatLevel, float64) {
	score := clamp(rawScore, 0, 1)
	level, err := models.ParseThreatLevel(rawLevel)
	if err != nil {
		return models.ThreatLevelForScore(score), score
	}
	if score == 0 {
		score = threatFloor[level]
	}
	return level, score
}

// normalizeLanguage reduces a reported language to its ISO 639 base, falling
// back to the source hint.
func normalizeLanguage(reported, hint string) string {
	for _, candidate := range []string{reported, hint} {
		if base, ok := languageBase(candidate); ok {
			return base
		}
	}
	return unknownLanguage
}

func languageBase(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, unknownLanguage) {
		return "", false
	}
	tag, err := language.Parse(raw)
	if err != nil {
		return "", false
	}
	// inferred bases (e.g. from "und") do not count
	base, conf := tag.Base()
	if conf != language.Exact {
		return "", false
	}
	return base.String(), true
}

func normalizeTopics(topics []string) []string {
	seen := make(map[string]bool, len(topics))
	var out []string
	for _, t := range topics {
		t = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(t), "#")))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
		if len(out) == maxTopics {
			break
		}
	}
	return out
}

func normalizeComparison(c *models.Comparison) *models.Comparison {
	if c == nil {
		return nil
	}
	var entities []string
	for _, e := range c.Entities {
		if e = strings.TrimSpace(e); e != "" {
			entities = append(entities, e)
		}
	}
	if len(entities) < 2 {
		return nil
	}
	sort.Strings(entities)
	return &models.Comparison{
		Entities: entities,
		Favored:  strings.TrimSpace(c.Favored),
		Summary:  truncateRunes(strings.TrimSpace(c.Summary), maxNarrativeRunes),
	}
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
