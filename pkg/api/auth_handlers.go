package api

import (
	"errors"
	"net/http"

	"github.com/tcmartin/crewrunner/pkg/logging"
	"github.com/tcmartin/crewrunner/pkg/middleware"
	"github.com/tcmartin/crewrunner/pkg/services"
)

type tokenRequest struct {
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// handleToken exchanges the admin password for a bearer token
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tokens == nil {
		writeError(w, http.StatusNotImplemented, "Authentication is disabled")
		return
	}

	ip := middleware.ClientIP(r)
	if s.loginLimiter.IsLimited(ip) {
		writeError(w, http.StatusTooManyRequests, "Too many login attempts, try again later")
		return
	}

	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	token, err := s.deps.Tokens.Login(req.Password)
	if err != nil {
		if errors.Is(err, services.ErrInvalidCredentials) {
			s.loginLimiter.RecordAttempt(ip)
			s.deps.Logger.Warn("Rejected admin login", logging.F("ip", ip))
			writeError(w, http.StatusUnauthorized, "Invalid credentials")
			return
		}
		s.deps.Logger.Error("Failed to issue token", logging.Err(err))
		writeError(w, http.StatusInternalServerError, "Failed to issue token")
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: token, TokenType: "bearer"})
}
