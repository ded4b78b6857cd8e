package enrichment

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/STRATINT/polwatch/internal/models"
)

// PromptTemplates holds the system prompt and the per-post analysis template.
type PromptTemplates struct {
	SystemPrompt     string
	AnalysisTemplate string
}

// NewPromptTemplates creates the political monitoring prompts.
func NewPromptTemplates() *PromptTemplates {
	return &PromptTemplates{
		SystemPrompt:     buildSystemPrompt(),
		AnalysisTemplate: buildAnalysisTemplate(),
	}
}

func buildSystemPrompt() string {
	return `CRITICAL: You MUST output ONLY valid JSON. Do not include any text before or after the JSON object. Do not wrap it in markdown code blocks.

You are a political media analyst monitoring public coverage of political parties, leaders and campaigns.

For each post you receive, assess:
1. Sentiment toward every listed entity, plus any other political entity the post clearly discusses
2. Whether the post is part of an attack, smear or coordinated messaging (threat)
3. The narrative the post is pushing, in one or two sentences
4. The language the post is written in

Guidelines:
- Judge sentiment from the post's stance, not from the topic alone
- Sarcasm and rhetorical praise count as negative
- Reporting a fact neutrally is Neutral even if the fact is bad news
- Use entity names exactly as listed when they refer to the same entity

Output Format: Your response MUST be ONLY this exact JSON structure:
{
  "entities": [
    {"entity": "Name", "label": "Positive|Negative|Neutral", "score": -1.0 to 1.0, "confidence": 0.0 to 1.0, "mention_count": 1}
  ],
  "threat_level": "none|low|medium|high|critical",
  "threat_score": 0.0 to 1.0,
  "narrative": "One or two sentence summary of the narrative",
  "topics": ["short", "topic", "keywords"],
  "language": "ISO 639-1 code",
  "comparison": {"entities": ["A", "B"], "favored": "A", "summary": "how the post compares them"}
}

Omit "comparison" unless the post explicitly compares two or more entities.`
}

func buildAnalysisTemplate() string {
	return `Analyze this {{.Source}} post.

MONITORED CLUSTER: {{.ClusterName}} ({{.ClusterType}})
SEARCH KEYWORD: {{.Keyword}}
ENTITIES TO SCORE: {{.Entities}}
AUTHOR: {{.Author}}
HASHTAGS: {{.Hashtags}}

CONTENT:
{{.Text}}`
}

// BuildAnalysisPrompt renders the analysis template for a request.
func (p *PromptTemplates) BuildAnalysisPrompt(req Request) string {
	hashtags := "none"
	if len(req.Hashtags) > 0 {
		hashtags = "#" + strings.Join(req.Hashtags, " #")
	}

	template := p.AnalysisTemplate
	template = strings.ReplaceAll(template, "{{.Source}}", string(req.Source))
	template = strings.ReplaceAll(template, "{{.ClusterName}}", req.ClusterName)
	template = strings.ReplaceAll(template, "{{.ClusterType}}", string(req.ClusterType))
	template = strings.ReplaceAll(template, "{{.Keyword}}", req.Keyword)
	template = strings.ReplaceAll(template, "{{.Entities}}", strings.Join(req.Entities, ", "))
	template = strings.ReplaceAll(template, "{{.Author}}", req.Author)
	template = strings.ReplaceAll(template, "{{.Hashtags}}", hashtags)
	template = strings.ReplaceAll(template, "{{.Text}}", req.Text)
	return template
}

var codeFence = regexp.MustCompile("(?s)```(?:json)?\\s*({.+})\\s*```")

// ParseAnalysis converts model output into an Analysis. Output that is not a
// JSON object, or that carries neither entities nor a threat level, is
// reported as models.ErrEnrichmentMalformed.
func ParseAnalysis(raw string) (*Analysis, error) {
	jsonStr := strings.TrimSpace(raw)
	if matches := codeFence.FindStringSubmatch(jsonStr); len(matches) > 1 {
		jsonStr = matches[1]
	} else if start := findJSONStart(jsonStr); start >= 0 {
		if end := findJSONEnd(jsonStr[start:]); end > 0 {
			jsonStr = jsonStr[start : start+end+1]
		}
	}

	var a Analysis
	if err := json.Unmarshal([]byte(jsonStr), &a); err != nil {
		return nil, fmt.Errorf("%w: %v (first 200 chars: %.200s)", models.ErrEnrichmentMalformed, err, raw)
	}
	if len(a.Entities) == 0 && strings.TrimSpace(a.ThreatLevel) == "" {
		return nil, fmt.Errorf("%w: response has no entities or threat level", models.ErrEnrichmentMalformed)
	}
	return &a, nil
}

// findJSONStart returns the index of the first object brace.
func findJSONStart(text string) int {
	return strings.IndexByte(text, '{')
}

// findJSONEnd returns the index of the brace closing the object text starts with.
func findJSONEnd(text string) int {
	depth := 0
	inString := false
	escape := false
	started := false

	for i, ch := range text {
		if escape {
			escape = false
			continue
		}
		if ch == '\\' {
			escape = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		switch ch {
		case '{':
			depth++
			started = true
		case '}':
			depth--
			if started && depth == 0 {
				return i
			}
		}
	}
	return -1
}
