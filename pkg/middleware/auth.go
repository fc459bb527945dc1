// Package middleware provides HTTP middleware for the crewrunner API.
package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Key type for context values
type contextKey string

// Context keys
const (
	SubjectKey contextKey = "subject"
)

// TokenValidator checks a bearer token and returns its subject
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// AuthMiddleware guards operator routes with a bearer token
type AuthMiddleware struct {
	validator   TokenValidator
	rateLimiter *RateLimiter
}

// NewAuthMiddleware creates the middleware. A nil validator disables auth and
// every request passes through.
func NewAuthMiddleware(validator TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{
		validator:   validator,
		rateLimiter: NewRateLimiter(5, time.Minute), // 5 failed attempts per minute
	}
}

// Enabled reports whether tokens are checked
func (m *AuthMiddleware) Enabled() bool {
	return m.validator != nil
}

// Authenticate is middleware that authenticates requests
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.validator == nil || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			http.Error(w, "Authentication required", http.StatusUnauthorized)
			return
		}

		clientIP := ClientIP(r)
		if m.rateLimiter.IsLimited(clientIP) {
			http.Error(w, "Too many authentication attempts, please try again later", http.StatusTooManyRequests)
			return
		}

		subject, err := m.validator.ValidateToken(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			m.rateLimiter.RecordAttempt(clientIP)
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), SubjectKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetSubject retrieves the token subject from the request context
func GetSubject(r *http.Request) (string, bool) {
	subject, ok := r.Context().Value(SubjectKey).(string)
	return subject, ok
}

// ClientIP returns the host part of the request's remote address
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimiter counts failed attempts per key in a sliding window
type RateLimiter struct {
	attempts     map[string][]time.Time
	maxAttempts  int
	windowPeriod time.Duration
	mu           sync.Mutex
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(maxAttempts int, windowPeriod time.Duration) *RateLimiter {
	return &RateLimiter{
		attempts:     make(map[string][]time.Time),
		maxAttempts:  maxAttempts,
		windowPeriod: windowPeriod,
	}
}

// RecordAttempt records a failed attempt
func (rl *RateLimiter) RecordAttempt(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	rl.cleanupOldAttempts(key, now)
	rl.attempts[key] = append(rl.attempts[key], now)
}

// IsLimited checks if a key is rate limited
func (rl *RateLimiter) IsLimited(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.cleanupOldAttempts(key, time.Now())
	return len(rl.attempts[key]) >= rl.maxAttempts
}

// cleanupOldAttempts removes attempts outside the window period
func (rl *RateLimiter) cleanupOldAttempts(key string, now time.Time) {
	cutoff := now.Add(-rl.windowPeriod)
	attempts := rl.attempts[key]

	i := 0
	for ; i < len(attempts); i++ {
		if attempts[i].After(cutoff) {
			break
		}
	}

	switch {
	case i == 0:
	case i < len(attempts):
		rl.attempts[key] = attempts[i:]
	default:
		delete(rl.attempts, key)
	}
}
