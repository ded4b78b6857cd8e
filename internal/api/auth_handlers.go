package api

import (
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/STRATINT/polwatch/internal/auth"
)

const (
	loginBurst    = 5
	loginInterval = 10 * time.Second
)

// AuthHandler issues admin tokens for the trigger endpoints.
type AuthHandler struct {
	config auth.Config
	logger *slog.Logger
	// failures throttles wrong passwords process-wide
	failures *rate.Limiter
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(config auth.Config, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		config:   config,
		logger:   logger,
		failures: rate.NewLimiter(rate.Every(loginInterval), loginBurst),
	}
}

type loginRequest struct {
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login handles POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if !h.config.Enabled() {
		writeError(w, h.logger, http.StatusServiceUnavailable, "authentication not configured")
		return
	}
	if h.failures.Tokens() < 1 {
		writeError(w, h.logger, http.StatusTooManyRequests, "too many failed login attempts")
		return
	}

	var req loginRequest
	if err := decodeBody(r, &req); err != nil || req.Password == "" {
		writeError(w, h.logger, http.StatusBadRequest, "password is required")
		return
	}

	if !h.config.VerifyAdminPassword(req.Password) {
		h.failures.Allow()
		h.logger.Warn("rejected admin login", "remote_addr", r.RemoteAddr)
		writeError(w, h.logger, http.StatusUnauthorized, "invalid credentials")
		return
	}

	issued := time.Now()
	token, err := auth.GenerateToken("admin", h.config.JWTSecret, h.config.TokenDuration)
	if err != nil {
		h.logger.Error("failed to sign admin token", "error", err)
		writeError(w, h.logger, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("admin token issued", "remote_addr", r.RemoteAddr, "ttl", h.config.TokenDuration)
	writeJSON(w, h.logger, http.StatusOK, loginResponse{
		Token:     token,
		ExpiresAt: issued.Add(h.config.TokenDuration),
	})
}

// ValidateToken handles GET /api/auth/validate. The middleware has already
// checked the token by the time this runs.
func (h *AuthHandler) ValidateToken(w http.ResponseWriter, r *http.Request) {
	subject, _ := auth.GetUserIDFromContext(r.Context())
	writeJSON(w, h.logger, http.StatusOK, map[string]any{
		"valid":   true,
		"subject": subject,
	})
}
