package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

const defaultCORSMaxAgeSeconds = 600

var (
	defaultCORSAllowedMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodDelete,
		http.MethodOptions,
	}
	defaultCORSAllowedHeaders = []string{
		"Accept",
		"Authorization",
		"Content-Type",
		"X-Request-Id",
	}
)

// Clients read these to show the download name and back off on 429s.
var exposedCORSHeaders = []string{
	"Content-Disposition",
	"Retry-After",
	"X-Request-Id",
}

type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAgeSeconds  int
}

// corsPolicy is the resolved form of CORSConfig. Origins are matched
// case-insensitively and without a trailing slash.
type corsPolicy struct {
	anyOrigin     bool
	origins       map[string]struct{}
	methods       map[string]struct{}
	allowMethods  string
	allowHeaders  string
	exposeHeaders string
	maxAge        string
}

func newCORSPolicy(cfg CORSConfig) *corsPolicy {
	policy := &corsPolicy{
		origins:       make(map[string]struct{}),
		methods:       make(map[string]struct{}),
		exposeHeaders: strings.Join(exposedCORSHeaders, ", "),
	}
	for _, origin := range cfg.AllowedOrigins {
		origin = normalizeOrigin(origin)
		switch origin {
		case "":
		case "*":
			policy.anyOrigin = true
		default:
			policy.origins[origin] = struct{}{}
		}
	}

	methods := upperAll(cfg.AllowedMethods)
	if len(methods) == 0 {
		methods = defaultCORSAllowedMethods
	}
	for _, method := range methods {
		policy.methods[method] = struct{}{}
	}
	policy.allowMethods = strings.Join(methods, ", ")

	headers := cfg.AllowedHeaders
	if len(headers) == 0 {
		headers = defaultCORSAllowedHeaders
	}
	policy.allowHeaders = strings.Join(headers, ", ")

	maxAge := cfg.MaxAgeSeconds
	if maxAge <= 0 {
		maxAge = defaultCORSMaxAgeSeconds
	}
	policy.maxAge = strconv.Itoa(maxAge)
	return policy
}

// allowOrigin returns the Access-Control-Allow-Origin value for origin.
func (p *corsPolicy) allowOrigin(origin string) (string, bool) {
	if p.anyOrigin {
		return "*", true
	}
	if _, ok := p.origins[normalizeOrigin(origin)]; ok {
		return origin, true
	}
	return "", false
}

func (p *corsPolicy) preflight(w http.ResponseWriter, requestedMethod string) {
	header := w.Header()
	header.Add("Vary", "Access-Control-Request-Method")
	header.Add("Vary", "Access-Control-Request-Headers")
	if _, ok := p.methods[strings.ToUpper(requestedMethod)]; ok {
		header.Set("Access-Control-Allow-Methods", p.allowMethods)
		header.Set("Access-Control-Allow-Headers", p.allowHeaders)
		header.Set("Access-Control-Max-Age", p.maxAge)
	}
	w.WriteHeader(http.StatusNoContent)
}

// CORS answers preflights for allowed origins and decorates their actual
// requests. Requests from other origins pass through untouched.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	policy := newCORSPolicy(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			allowed, ok := policy.allowOrigin(origin)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Add("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Origin", allowed)

			requestedMethod := r.Header.Get("Access-Control-Request-Method")
			if r.Method == http.MethodOptions && requestedMethod != "" {
				policy.preflight(w, requestedMethod)
				return
			}

			w.Header().Set("Access-Control-Expose-Headers", policy.exposeHeaders)
			next.ServeHTTP(w, r)
		})
	}
}

func normalizeOrigin(origin string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(origin), "/"))
}

func upperAll(values []string) []string {
	result := make([]string, 0, len(values))
	for _, raw := range values {
		if value := strings.ToUpper(strings.TrimSpace(raw)); value != "" {
			result = append(result, value)
		}
	}
	return result
}
