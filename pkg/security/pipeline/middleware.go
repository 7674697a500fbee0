package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"aegisgate/pkg/logging"
)

// securityHeaders are set on every response, allowed or denied.
var securityHeaders = map[string]string{
	"X-Content-Type-Options":    "nosniff",
	"X-Frame-Options":           "DENY",
	"X-XSS-Protection":          "1; mode=block",
	"Content-Security-Policy":   "default-src 'self'",
	"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
	"Referrer-Policy":           "strict-origin-when-cross-origin",
	"Permissions-Policy":        "geolocation=(), microphone=(), camera=()",
}

// Middleware wraps next with the full evaluation. A panic anywhere in the
// pipeline or downstream is converted to a generic 400 so internals never
// leak to the client.
func (p *Pipeline) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := logging.WithCorrelationID(r.Context(), requestID)
		r = r.WithContext(ctx)

		for k, v := range securityHeaders {
			w.Header().Set(k, v)
		}
		w.Header().Set("X-Request-ID", requestID)

		defer func() {
			if rec := recover(); rec != nil {
				p.log.Error("panic while handling request", logging.Fields{
					"panic": fmt.Sprint(rec), "request_id": requestID, "path": r.URL.Path,
				})
				http.Error(w, "bad request", http.StatusBadRequest)
			}
		}()

		body := p.readBody(r)

		verdict := p.Evaluate(ctx, r, body, requestID)
		if !verdict.Allow {
			if verdict.RetryAfter > 0 {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(verdict.RetryAfter.Seconds()+0.5)))
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(verdict.Status)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":     verdict.Message,
				"requestId": verdict.RequestID,
			})
			p.RecordOutcome(ctx, r, requestID, verdict.Status, time.Since(start))
			return
		}

		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sr, r)
		p.RecordOutcome(ctx, r, requestID, sr.status, time.Since(start))
	})
}

// readBody drains up to MaxBodyBytes+1 so oversize bodies are detectable,
// then restores the body for the downstream handler.
func (p *Pipeline) readBody(r *http.Request) string {
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}
	buf, err := io.ReadAll(io.LimitReader(r.Body, p.cfg.MaxBodyBytes+1))
	r.Body.Close()
	if err != nil {
		r.Body = http.NoBody
		return ""
	}
	r.Body = io.NopCloser(bytes.NewReader(buf))
	return string(buf)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// clientIP resolves the caller's address: first X-Forwarded-For hop, then
// X-Real-IP, then the socket peer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.Index(xff, ","); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	if rip := r.Header.Get("X-Real-IP"); rip != "" {
		return strings.TrimSpace(rip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// sessionID reads the session cookie, if any.
func sessionID(r *http.Request) string {
	if c, err := r.Cookie("session_id"); err == nil {
		return c.Value
	}
	return ""
}

// userID extracts the subject from a valid bearer token. Parsing is best
// effort: a missing or invalid token just yields an anonymous event.
func (p *Pipeline) userID(r *http.Request) string {
	if p.cfg.JWTSecret == "" {
		return ""
	}
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	tok, err := jwt.Parse(strings.TrimPrefix(auth, "Bearer "), func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(p.cfg.JWTSecret), nil
	})
	if err != nil || !tok.Valid {
		return ""
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return ""
	}
	if sub, _ := claims.GetSubject(); sub != "" {
		return sub
	}
	if uid, ok := claims["userId"].(string); ok {
		return uid
	}
	return ""
}
