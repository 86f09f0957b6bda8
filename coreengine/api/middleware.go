package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"

	"github.com/jeeves-cluster-organization/queryrouter/coreengine/observability"
)

type contextKey int

const clientKey contextKey = iota

// ClientFromContext returns the authenticated subject, if any.
func ClientFromContext(ctx context.Context) (string, bool) {
	c, ok := ctx.Value(clientKey).(string)
	return c, ok && c != ""
}

// =============================================================================
// INSTRUMENTATION
// =============================================================================

// statusRecorder captures the response code. It passes Hijack through so
// websocket upgrades keep working.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		durationMS := int(time.Since(start).Milliseconds())
		observability.RecordHTTPRequest(route, strconv.Itoa(rec.code), durationMS)
		s.logger.Debug("http_request",
			"method", r.Method,
			"route", route,
			"code", rec.code,
			"duration_ms", durationMS,
		)
	})
}

// =============================================================================
// AUTHENTICATION
// =============================================================================

// authenticate requires an HS256 bearer token when a secret is configured.
// The token may also arrive as ?access_token= for websocket clients that
// cannot set headers.
func (s *Server) authenticate(next http.Handler) http.Handler {
	if s.opts.JWTSecret == "" {
		return next
	}
	secret := []byte(s.opts.JWTSecret)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			s.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
			return secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
		if err != nil || !token.Valid {
			s.logger.Debug("auth_rejected", "error", fmt.Sprint(err))
			s.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		subject, _ := token.Claims.GetSubject()
		ctx := context.WithValue(r.Context(), clientKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

// =============================================================================
// RATE LIMITING
// =============================================================================

// rateLimit applies the per-client limits. Clients are the token subject,
// else the caller's address.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientID(r)
		d := s.limiter.Allow(client)
		if !d.Allowed {
			retry := int(math.Ceil(d.RetryAfter.Seconds()))
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			w.Header().Set("X-RateLimit-Remaining", "0")
			s.logger.Info("rate_limited", "client", client, "window", d.Window, "limit", d.Limit)
			s.writeError(w, http.StatusTooManyRequests,
				fmt.Sprintf("rate limit of %d requests per %s exceeded", d.Limit, d.Window))
			return
		}
		if d.Limit > 0 {
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		}
		next.ServeHTTP(w, r)
	})
}

func clientID(r *http.Request) string {
	if c, ok := ClientFromContext(r.Context()); ok {
		return "sub:" + c
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return "ip:" + strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// originChecker admits websocket upgrades from the configured origins.
func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}
