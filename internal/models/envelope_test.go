package models

import (
	"errors"
	"fmt"
	"testing"
)

func TestNormalizeLegacyStatus(t *testing.T) {
	tests := []struct {
		raw     string
		want    EnvelopeStatus
		wantErr bool
	}{
		{raw: "PENDING", want: EnvelopeStatusPending},
		{raw: "pending", want: EnvelopeStatusPending},
		{raw: "Processed", want: EnvelopeStatusCompleted},
		{raw: "FAILED", want: EnvelopeStatusFailed},
		{raw: "whatever", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := NormalizeLegacyStatus(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("NormalizeLegacyStatus(%q) = %q, %v; want %q", tt.raw, got, err, tt.want)
			}
		})
	}

	if _, err := ParseEnvelopeStatus("PENDING"); err == nil {
		t.Error("strict parser must reject legacy casing")
	}
}

func TestEnvelopeStatusTransitions(t *testing.T) {
	if !EnvelopeStatusPending.CanTransition(EnvelopeStatusProcessing) {
		t.Error("pending -> processing must be allowed")
	}
	if EnvelopeStatusPending.CanTransition(EnvelopeStatusCompleted) {
		t.Error("pending -> completed must go through processing")
	}
	if EnvelopeStatusFailed.CanTransition(EnvelopeStatusPending) {
		t.Error("failed is terminal for automatic transitions")
	}
	if !EnvelopeStatusSkipped.Terminal() {
		t.Error("skipped must be terminal")
	}
}

func TestSourceErrorMatching(t *testing.T) {
	rateLimited := fmt.Errorf("search: %w", &SourceError{Source: PlatformYouTube, Kind: SourceErrorRateLimited, StatusCode: 429, Err: errors.New("quota")})
	if !errors.Is(rateLimited, ErrRateLimited) {
		t.Error("rate-limited source error should match ErrRateLimited")
	}
	if !errors.Is(rateLimited, ErrTransientSource) {
		t.Error("rate-limited source error should also be transient")
	}

	permanent := &SourceError{Source: PlatformNews, Kind: SourceErrorPermanent, StatusCode: 400, Err: errors.New("bad query")}
	if errors.Is(permanent, ErrTransientSource) {
		t.Error("permanent error must not be transient")
	}
	if got := ClassifySourceError(ErrRateLimited); got != SourceErrorRateLimited {
		t.Errorf("ClassifySourceError(ErrRateLimited) = %s", got)
	}
	if got := ClassifySourceError(errors.New("x")); got != SourceErrorPermanent {
		t.Errorf("ClassifySourceError(plain) = %s", got)
	}
}

func TestClusterEnabledSources(t *testing.T) {
	c := Cluster{
		ID:       "c1",
		Name:     "DMK",
		Type:     ClusterTypeOwn,
		Keywords: []string{"DMK"},
		Sources: map[Platform]SourceConfig{
			PlatformNews:    {Enabled: true},
			PlatformTwitter: {Enabled: true},
			PlatformYouTube: {Enabled: false},
		},
	}
	got := c.EnabledSources(nil)
	if len(got) != 2 || got[0] != PlatformTwitter || got[1] != PlatformNews {
		t.Fatalf("EnabledSources = %v", got)
	}
	got = c.EnabledSources([]Platform{PlatformNews, PlatformYouTube})
	if len(got) != 1 || got[0] != PlatformNews {
		t.Fatalf("EnabledSources(filter) = %v", got)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	c.Keywords = nil
	if err := c.Validate(); err == nil {
		t.Fatal("expected empty keyword set to be rejected")
	}
}
