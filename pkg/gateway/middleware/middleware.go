package middleware

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/medichain/platform/pkg/common/logger"
	"github.com/medichain/platform/pkg/gateway/auth"
)

type contextKey string

const callerContextKey contextKey = "caller_id"

// CallerID returns the authenticated caller, or "" on unauthenticated
// routes (the card tap).
func CallerID(ctx context.Context) string {
	if id, ok := ctx.Value(callerContextKey).(string); ok {
		return id
	}
	return ""
}

// WithCallerID is exported for tests exercising handlers directly.
func WithCallerID(ctx context.Context, callerID string) context.Context {
	return context.WithValue(ctx, callerContextKey, callerID)
}

func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		r.Header.Set("X-Request-ID", reqID)

		next.ServeHTTP(w, r)

		logger.Log.WithFields(map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"remote_addr": r.RemoteAddr,
			"request_id":  reqID,
			"duration":    time.Since(start).Milliseconds(),
		}).Info("HTTP request")
	})
}

func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logger.Log.WithField("error", err).Error("Panic recovered")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// Verifier abstracts the two transport authenticators (HS256 tokens and
// OIDC) behind one hook.
type Verifier interface {
	VerifyRequest(ctx context.Context, bearer string) (string, error)
}

// TokenVerifier adapts auth.TokenManager.
type TokenVerifier struct {
	Manager *auth.TokenManager
}

func (v TokenVerifier) VerifyRequest(ctx context.Context, bearer string) (string, error) {
	claims, err := v.Manager.Verify(bearer)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// OIDCVerifier adapts auth.OIDCAuthenticator.
type OIDCVerifier struct {
	Authenticator *auth.OIDCAuthenticator
}

func (v OIDCVerifier) VerifyRequest(ctx context.Context, bearer string) (string, error) {
	return v.Authenticator.ValidateToken(ctx, bearer)
}

// Authenticate resolves the bearer token into a caller ID. Paths listed in
// public skip authentication (the card tap endpoint).
func Authenticate(verifier Verifier, public ...string) func(http.Handler) http.Handler {
	publicSet := make(map[string]struct{}, len(public))
	for _, p := range public {
		publicSet[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, open := publicSet[r.URL.Path]; open {
				next.ServeHTTP(w, r)
				return
			}

			bearer := r.Header.Get("Authorization")
			if strings.HasPrefix(bearer, "Bearer ") {
				bearer = bearer[len("Bearer "):]
			}
			if bearer == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			callerID, err := verifier.VerifyRequest(r.Context(), bearer)
			if err != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithCallerID(r.Context(), callerID)))
		})
	}
}

// Simple token-bucket rate limiter middleware (per-process)
func RateLimit(rps int, burst int) func(http.Handler) http.Handler {
	type bucket struct {
		tokens int
		last   time.Time
		mu     sync.Mutex
	}
	b := &bucket{tokens: burst, last: time.Now()}
	refill := func() {
		now := time.Now()
		elapsed := now.Sub(b.last).Seconds()
		add := int(elapsed * float64(rps))
		if add > 0 {
			b.tokens += add
			if b.tokens > burst {
				b.tokens = burst
			}
			b.last = now
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			b.mu.Lock()
			refill()
			if b.tokens <= 0 {
				b.mu.Unlock()
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			b.tokens--
			b.mu.Unlock()
			next.ServeHTTP(w, r)
		})
	}
}

func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
