package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	token, err := GenerateToken("admin", "secret", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	tests := []struct {
		name    string
		token   string
		secret  string
		wantErr bool
	}{
		{name: "valid", token: token, secret: "secret"},
		{name: "wrong secret", token: token, secret: "other", wantErr: true},
		{name: "garbage", token: "not-a-jwt", secret: "secret", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			userID, err := ValidateToken(tt.token, tt.secret)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidToken) {
					t.Fatalf("expected ErrInvalidToken, got %v", err)
				}
				return
			}
			if err != nil || userID != "admin" {
				t.Fatalf("ValidateToken = %q, %v", userID, err)
			}
		})
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	token, err := GenerateToken("admin", "secret", -time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if _, err := ValidateToken(token, "secret"); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestVerifyAdminPassword(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}

	tests := []struct {
		name     string
		stored   string
		attempt  string
		expected bool
	}{
		{"plain match", "s3cret", "s3cret", true},
		{"plain mismatch", "s3cret", "guess", false},
		{"hash match", hash, "s3cret", true},
		{"hash mismatch", hash, "guess", false},
		{"nothing configured", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{AdminPassword: tt.stored}
			if got := cfg.VerifyAdminPassword(tt.attempt); got != tt.expected {
				t.Errorf("VerifyAdminPassword = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	cfg := Config{JWTSecret: "secret", TokenDuration: time.Hour}
	token, _ := GenerateToken("admin", cfg.JWTSecret, cfg.TokenDuration)

	var seenUser string
	protected := Middleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenUser, _ = GetUserIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer " + token, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			protected.ServeHTTP(rr, req)
			if rr.Code != tt.status {
				t.Errorf("status = %d, want %d", rr.Code, tt.status)
			}
		})
	}
	if seenUser != "admin" {
		t.Errorf("user id not propagated, got %q", seenUser)
	}

	disabled := Middleware(Config{})(protected)
	rr := httptest.NewRecorder()
	disabled.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("disabled auth status = %d", rr.Code)
	}
}
