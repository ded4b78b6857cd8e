package enrichment

import (
	"context"
	"strings"
	"unicode"
)

// HeuristicReasoner is a rule-based reasoner used when no model is configured.
// It scores sentiment from a small lexicon over the sentences mentioning each
// entity and threat from attack vocabulary.
type HeuristicReasoner struct{}

// NewHeuristicReasoner creates a lexicon reasoner.
func NewHeuristicReasoner() *HeuristicReasoner {
	return &HeuristicReasoner{}
}

func (h *HeuristicReasoner) Name() string { return "heuristic" }

var positiveWords = map[string]bool{
	"good": true, "great": true, "win": true, "wins": true, "won": true, "victory": true,
	"support": true, "supports": true, "welcome": true, "welcomes": true, "praise": true,
	"praised": true, "success": true, "successful": true, "progress": true, "growth": true,
	"best": true, "strong": true, "achievement": true, "development": true, "thanks": true,
	"historic": true, "popular": true, "landslide": true,
}

var negativeWords = map[string]bool{
	"bad": true, "corrupt": true, "corruption": true, "scam": true, "fraud": true,
	"fail": true, "fails": true, "failed": true, "failure": true, "protest": true,
	"attack": true, "violence": true, "riot": true, "arrest": true, "arrested": true,
	"scandal": true, "loot": true, "lies": true, "liar": true, "worst": true, "shame": true,
	"anger": true, "betrayal": true, "betrayed": true, "bribe": true, "crisis": true,
	"defeat": true, "resign": true,
}

// attack vocabulary and its weight toward the threat score
var threatWords = map[string]float64{
	"corruption": 0.3, "corrupt": 0.3, "scam": 0.3, "fraud": 0.3, "bribe": 0.3,
	"bribery": 0.3, "scandal": 0.25, "riot": 0.4, "violence": 0.4, "attack": 0.3,
	"arrest": 0.25, "arrested": 0.25, "boycott": 0.2, "protest": 0.15, "fake": 0.2,
	"misinformation": 0.25, "propaganda": 0.2, "defamation": 0.2, "resign": 0.15,
	"betrayal": 0.15, "loot": 0.3,
}

// Analyze scores req.Text without any network call.
func (h *HeuristicReasoner) Analyze(ctx context.Context, req Request) (*Analysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sentences := splitSentences(req.Text)
	var entities []EntityAnalysis
	for _, name := range req.Entities {
		lowerName := strings.ToLower(name)
		var score float64
		var matched, mentions int
		for _, s := range sentences {
			n := strings.Count(strings.ToLower(s), lowerName)
			if n == 0 {
				continue
			}
			mentions += n
			matched++
			score += sentencePolarity(s)
		}
		if mentions == 0 {
			continue
		}
		score /= float64(matched)
		entities = append(entities, EntityAnalysis{
			Entity:       name,
			Score:        score,
			Confidence:   min(0.3+0.1*float64(mentions), 0.7),
			MentionCount: mentions,
		})
	}

	threat, topics := threatSignals(req.Text)
	topics = append(topics, req.Hashtags...)

	return &Analysis{
		Entities:    entities,
		ThreatScore: threat,
		Narrative:   firstSentence(sentences),
		Topics:      topics,
		Language:    detectScriptLanguage(req.Text),
	}, nil
}

func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '#'
	})
}

// sentencePolarity is (pos - neg) / (pos + neg) over lexicon hits, 0 without hits.
func sentencePolarity(sentence string) float64 {
	var pos, neg int
	for _, w := range words(sentence) {
		w = strings.TrimPrefix(w, "#")
		switch {
		case positiveWords[w]:
			pos++
		case negativeWords[w]:
			neg++
		}
	}
	if pos+neg == 0 {
		return 0
	}
	return float64(pos-neg) / float64(pos+neg)
}

func threatSignals(text string) (float64, []string) {
	var score float64
	seen := make(map[string]bool)
	var topics []string
	for _, w := range words(text) {
		w = strings.TrimPrefix(w, "#")
		weight, ok := threatWords[w]
		if !ok || seen[w] {
			continue
		}
		seen[w] = true
		score += weight
		topics = append(topics, w)
	}
	return min(score, 1), topics
}

func splitSentences(text string) []string {
	parts := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n' || r == '।'
	})
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func firstSentence(sentences []string) string {
	if len(sentences) == 0 {
		return ""
	}
	return truncateRunes(sentences[0], 200)
}

var scriptLanguages = []struct {
	table *unicode.RangeTable
	lang  string
}{
	{unicode.Tamil, "ta"},
	{unicode.Devanagari, "hi"},
	{unicode.Telugu, "te"},
	{unicode.Malayalam, "ml"},
	{unicode.Kannada, "kn"},
	{unicode.Bengali, "bn"},
	{unicode.Gujarati, "gu"},
	{unicode.Gurmukhi, "pa"},
	{unicode.Arabic, "ur"},
	{unicode.Latin, "en"},
}

// detectScriptLanguage guesses the language from the dominant script.
// Latin script is reported as English.
func detectScriptLanguage(text string) string {
	counts := make([]int, len(scriptLanguages))
	for _, r := range text {
		for i, s := range scriptLanguages {
			if unicode.Is(s.table, r) {
				counts[i]++
				break
			}
		}
	}
	best, bestCount := -1, 0
	for i, c := range counts {
		if c > bestCount {
			best, bestCount = i, c
		}
	}
	if best < 0 {
		return unknownLanguage
	}
	return scriptLanguages[best].lang
}
