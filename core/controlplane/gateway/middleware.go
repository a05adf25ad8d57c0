package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// apiKeyAuth checks X-API-Key (or a bearer token) against a static key set.
// A nil *apiKeyAuth leaves the API open.
type apiKeyAuth struct {
	keys map[string]struct{}
}

type principalKey struct{}

func newAPIKeyAuth(keys ...string) *apiKeyAuth {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k = normalizeAPIKey(k); k != "" {
			set[k] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	return &apiKeyAuth{keys: set}
}

func newAPIKeyAuthFromEnv() *apiKeyAuth {
	raw := strings.TrimSpace(os.Getenv("TRADEFLOW_API_KEYS"))
	if raw == "" {
		return nil
	}
	return newAPIKeyAuth(strings.Split(raw, ",")...)
}

func (a *apiKeyAuth) authenticate(r *http.Request) error {
	if a == nil {
		return nil
	}
	key := normalizeAPIKey(r.Header.Get("X-API-Key"))
	if key == "" {
		if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			key = normalizeAPIKey(h[7:])
		}
	}
	if key == "" && websocket.IsWebSocketUpgrade(r) {
		key = normalizeAPIKey(apiKeyFromWebSocket(r))
	}
	if key == "" {
		return errors.New("api key required")
	}
	if _, ok := a.keys[key]; !ok {
		return errors.New("invalid api key")
	}
	return nil
}

// apiKeyMiddleware enforces API key auth and records the caller principal.
func apiKeyMiddleware(auth *apiKeyAuth, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		if err := auth.authenticate(r); err != nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized", Code: "unauthorized"})
			return
		}
		if id := strings.TrimSpace(r.Header.Get("X-Principal-Id")); id != "" {
			r = r.WithContext(context.WithValue(r.Context(), principalKey{}, id))
		}
		next.ServeHTTP(w, r)
	})
}

// principal returns the caller identity set by apiKeyMiddleware, or "".
func principal(r *http.Request) string {
	id, _ := r.Context().Value(principalKey{}).(string)
	return id
}

func normalizeAPIKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	// quoted .env values
	key = strings.Trim(key, "\"'")
	return strings.TrimSpace(key)
}

// apiKeyFromWebSocket reads the key from Sec-WebSocket-Protocol, either as
// the entry after wsAPIKeyProtocol or as "tradeflow-api-key.<base64>".
func apiKeyFromWebSocket(r *http.Request) string {
	protocols := websocket.Subprotocols(r)
	prefix := wsAPIKeyProtocol + "."
	for i, protocol := range protocols {
		if strings.EqualFold(protocol, wsAPIKeyProtocol) && i+1 < len(protocols) {
			return decodeWSAPIKey(protocols[i+1])
		}
		if strings.HasPrefix(strings.ToLower(protocol), prefix) {
			return decodeWSAPIKey(protocol[len(prefix):])
		}
	}
	return ""
}

func decodeWSAPIKey(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(raw); err == nil {
		return string(decoded)
	}
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
		return string(decoded)
	}
	return raw
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			if !isAllowedOrigin(r) {
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, X-Principal-Id, Authorization, Last-Event-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isAllowedOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// non-browser clients
		return true
	}
	allowed, allowAll := allowedOriginsFromEnv()
	if allowAll {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}
	if len(allowed) == 0 {
		host := strings.ToLower(u.Hostname())
		switch host {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
		return host == strings.ToLower(requestHostname(r.Host))
	}
	_, ok := allowed[origin]
	return ok
}

func allowedOriginsFromEnv() (map[string]struct{}, bool) {
	raw := strings.TrimSpace(os.Getenv("TRADEFLOW_ALLOWED_ORIGINS"))
	if raw == "" {
		return nil, false
	}
	if raw == "*" {
		return nil, true
	}
	set := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			set[p] = struct{}{}
		}
	}
	return set, false
}

func requestHostname(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if host, _, err := net.SplitHostPort(hostport); err == nil && host != "" {
		return host
	}
	return hostport
}

type tokenBucket struct {
	tokens chan struct{}
}

func newTokenBucket(rps, burst int) *tokenBucket {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	tb := &tokenBucket{tokens: make(chan struct{}, burst)}
	for i := 0; i < burst; i++ {
		tb.tokens <- struct{}{}
	}
	interval := time.Second / time.Duration(rps)
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			select {
			case tb.tokens <- struct{}{}:
			default:
			}
		}
	}()
	return tb
}

func newTokenBucketFromEnv() *tokenBucket {
	rps := defaultRateLimitRPS
	burst := defaultRateLimitBurst
	if val := os.Getenv("API_RATE_LIMIT_RPS"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil && parsed > 0 {
			rps = parsed
		}
	}
	if val := os.Getenv("API_RATE_LIMIT_BURST"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil && parsed > 0 {
			burst = parsed
		}
	}
	return newTokenBucket(rps, burst)
}

func (tb *tokenBucket) Allow() bool {
	if tb == nil {
		return true
	}
	select {
	case <-tb.tokens:
		return true
	default:
		return false
	}
}

func rateLimitMiddleware(limiter *tokenBucket, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		if !limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limited", Code: "rate_limited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
