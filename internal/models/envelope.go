package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RawEnvelope is one raw fetched content item staged before enrichment.
type RawEnvelope struct {
	ID             string          `json:"id"`
	Source         Platform        `json:"source"`
	ContentID      string          `json:"content_id"`
	ClusterID      string          `json:"cluster_id"`
	Keyword        string          `json:"keyword"`
	Payload        json.RawMessage `json:"payload"`
	FetchedAt      time.Time       `json:"fetched_at"`
	Status         EnvelopeStatus  `json:"status"`
	Error          string          `json:"error,omitempty"`
	ExtractedCount int             `json:"extracted_count"`
	ClaimedAt      *time.Time      `json:"claimed_at,omitempty"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
}

// EnvelopeStatus is the processing state of a raw envelope.
type EnvelopeStatus string

const (
	EnvelopeStatusPending    EnvelopeStatus = "pending"
	EnvelopeStatusProcessing EnvelopeStatus = "processing"
	EnvelopeStatusCompleted  EnvelopeStatus = "completed"
	EnvelopeStatusFailed     EnvelopeStatus = "failed"
	EnvelopeStatusSkipped    EnvelopeStatus = "skipped"
)

// ParseEnvelopeStatus accepts only canonical status values.
func ParseEnvelopeStatus(raw string) (EnvelopeStatus, error) {
	s := EnvelopeStatus(raw)
	switch s {
	case EnvelopeStatusPending, EnvelopeStatusProcessing, EnvelopeStatusCompleted,
		EnvelopeStatusFailed, EnvelopeStatusSkipped:
		return s, nil
	}
	return "", fmt.Errorf("invalid envelope status %q", raw)
}

// NormalizeLegacyStatus maps historical upper-case or aliased status values
// onto the canonical set. It is only used when reading rows written by older
// collectors.
func NormalizeLegacyStatus(raw string) (EnvelopeStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending", "new", "queued":
		return EnvelopeStatusPending, nil
	case "processing", "in_progress", "enriching":
		return EnvelopeStatusProcessing, nil
	case "completed", "processed", "done":
		return EnvelopeStatusCompleted, nil
	case "failed", "error":
		return EnvelopeStatusFailed, nil
	case "skipped", "duplicate":
		return EnvelopeStatusSkipped, nil
	}
	return "", fmt.Errorf("invalid envelope status %q", raw)
}

// Terminal reports whether no further automatic transition can occur.
func (s EnvelopeStatus) Terminal() bool {
	return s == EnvelopeStatusCompleted || s == EnvelopeStatusFailed || s == EnvelopeStatusSkipped
}

// CanTransition reports whether moving from s to next is allowed.
func (s EnvelopeStatus) CanTransition(next EnvelopeStatus) bool {
	switch s {
	case EnvelopeStatusPending:
		return next == EnvelopeStatusProcessing || next == EnvelopeStatusSkipped
	case EnvelopeStatusProcessing:
		// pending is reachable only by releasing an unstarted claim
		return next == EnvelopeStatusCompleted || next == EnvelopeStatusFailed ||
			next == EnvelopeStatusSkipped || next == EnvelopeStatusPending
	}
	return false
}

// Key returns the post identity the envelope will produce.
func (e RawEnvelope) Key() PostKey {
	return PostKey{Source: e.Source, ContentID: e.ContentID}
}

// Content is the normalized record extracted from a source-native payload.
type Content struct {
	ContentID   string     `json:"content_id"`
	Author      string     `json:"author"`
	Text        string     `json:"text"`
	URL         string     `json:"url"`
	PublishedAt time.Time  `json:"published_at"`
	Metrics     Engagement `json:"metrics"`
	Language    string     `json:"language,omitempty"`
	Hashtags    []string   `json:"hashtags,omitempty"`
}

// Engagement holds the engagement counters reported by the source.
type Engagement struct {
	Likes    int64 `json:"likes"`
	Shares   int64 `json:"shares"`
	Comments int64 `json:"comments"`
	Views    int64 `json:"views"`
}

// Total is the engagement proxy used for filtering and reach estimates.
func (e Engagement) Total() int64 {
	return e.Likes + e.Shares + e.Comments + e.Views
}
