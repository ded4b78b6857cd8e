package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/STRATINT/polwatch/internal/models"
)

func completion(content string) string {
	body, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "gpt-4o-mini",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
	})
	return string(body)
}

func newTestReasoner(t *testing.T, handler http.HandlerFunc) *OpenAIReasoner {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultOpenAIConfig()
	cfg.APIKey = "test-key"
	cfg.BaseURL = srv.URL + "/v1"
	cfg.BaseDelay = time.Millisecond
	r, err := NewOpenAIReasoner(cfg, nil)
	if err != nil {
		t.Fatalf("NewOpenAIReasoner returned error: %v", err)
	}
	return r
}

func TestOpenAIReasonerUsesJSONMode(t *testing.T) {
	r := newTestReasoner(t, func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", req.URL.Path)
		}
		var body struct {
			Model          string `json:"model"`
			ResponseFormat struct {
				Type string `json:"type"`
			} `json:"response_format"`
			Messages []struct {
				Role string `json:"role"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body.ResponseFormat.Type != "json_object" || len(body.Messages) != 2 || body.Messages[0].Role != "system" {
			t.Errorf("unexpected request shape: %+v", body)
		}
		fmt.Fprint(w, completion(`{"entities": [{"entity": "DMK", "label": "Negative", "score": -0.5, "confidence": 0.9}], "threat_level": "high", "language": "ta"}`))
	})

	a, err := r.Analyze(context.Background(), Request{Text: "DMK", Entities: []string{"DMK"}})
	if err != nil {
		t.Fatalf("Analyze returned error: %v", err)
	}
	if a.ThreatLevel != "high" || len(a.Entities) != 1 || a.Entities[0].Score != -0.5 {
		t.Fatalf("unexpected analysis: %+v", a)
	}
}

func TestOpenAIReasonerRetriesRateLimit(t *testing.T) {
	var hits atomic.Int32
	r := newTestReasoner(t, func(w http.ResponseWriter, req *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error": {"message": "Rate limit reached", "type": "requests"}}`)
			return
		}
		fmt.Fprint(w, completion(`{"threat_level": "low"}`))
	})

	if _, err := r.Analyze(context.Background(), Request{Text: "x"}); err != nil {
		t.Fatalf("Analyze returned error: %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected one retry, got %d requests", hits.Load())
	}
}

func TestOpenAIReasonerErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"malformed content", http.StatusOK, completion("sorry, no json"), models.ErrEnrichmentMalformed},
		{"no choices", http.StatusOK, `{"id": "x", "choices": []}`, models.ErrEnrichmentMalformed},
		{"rate limited", http.StatusTooManyRequests, `{"error": {"message": "slow down"}}`, models.ErrRateLimited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestReasoner(t, func(w http.ResponseWriter, req *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})
			_, err := r.Analyze(context.Background(), Request{Text: "x"})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestEngineDegradesOnServerError(t *testing.T) {
	r := newTestReasoner(t, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error": {"message": "boom", "type": "server_error"}}`)
	})

	post, err := NewEngine(testRegistry(), r, nil).Enrich(context.Background(), testEnvelope("DMK"), testCluster())
	if err != nil {
		t.Fatalf("Enrich returned error: %v", err)
	}
	if !post.EnrichmentDegraded || post.DegradedReason != ReasonUnavailable {
		t.Fatalf("expected unavailable degradation, got %v/%q", post.EnrichmentDegraded, post.DegradedReason)
	}
}

func TestEngineDegradesOnSlowModel(t *testing.T) {
	r := newTestReasoner(t, func(w http.ResponseWriter, req *http.Request) {
		select {
		case <-req.Context().Done():
		case <-time.After(2 * time.Second):
		}
		fmt.Fprint(w, completion(`{"threat_level": "high"}`))
	})

	engine := NewEngine(testRegistry(), r, nil, WithTimeout(50*time.Millisecond))
	post, err := engine.Enrich(context.Background(), testEnvelope("DMK"), testCluster())
	if err != nil {
		t.Fatalf("Enrich returned error: %v", err)
	}
	if post.DegradedReason != ReasonTimeout || post.ThreatLevel != models.ThreatLow {
		t.Fatalf("expected timeout fallback, got %q/%s", post.DegradedReason, post.ThreatLevel)
	}
}

func TestNewOpenAIReasonerRequiresKey(t *testing.T) {
	if _, err := NewOpenAIReasoner(DefaultOpenAIConfig(), nil); err == nil {
		t.Fatal("expected error without api key")
	}
}
