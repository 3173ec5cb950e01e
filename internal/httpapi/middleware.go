package httpapi

import (
	"bufio"
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/goldroute/goldroute/internal/audit"
	"github.com/goldroute/goldroute/internal/errs"
)

// correlationMiddleware tags each request with a short id, echoes it in
// X-Request-ID, and feeds method/route/status/latency into the metrics
// registry once the handler returns.
func (s *Server) correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), "request_id", requestID)
		w.Header().Set("X-Request-ID", requestID)

		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: 200}
		next.ServeHTTP(wrapper, r.WithContext(ctx))

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		latency := time.Since(start)
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordRequest(r.Method, route, wrapper.statusCode, latency)
		}
		s.log.Debug().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("latency", latency).
			Msg("request served")
	})
}

// withCorrelation wraps fallback handlers that mux dispatches outside the
// Use chain (NotFound, MethodNotAllowed) so they still carry a request id.
func (s *Server) withCorrelation(next http.Handler) http.Handler {
	return s.correlationMiddleware(next)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORS(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientKey(r)
		ok, resetAt := s.limiter.allow(client, time.Now())
		if !ok {
			s.writeRateLimited(w, r, resetAt)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey identifies the caller for rate limiting. Behind a proxy the
// first X-Forwarded-For hop wins; direct callers without the header share
// one bucket.
func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		if fwd = strings.TrimSpace(fwd); fwd != "" {
			return fwd
		}
	}
	return "unknown"
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, prefix) {
			s.writeError(w, r, errs.New(errs.CodeAuth, "missing or malformed bearer token"))
			return
		}
		token := strings.TrimSpace(header[len(prefix):])
		if token == "" || !s.tokenAccepted(token) {
			s.writeError(w, r, errs.New(errs.CodeAuth, "invalid token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// tokenAccepted compares against every configured token so timing does not
// reveal which one matched. An empty token set accepts nothing.
func (s *Server) tokenAccepted(token string) bool {
	accepted := false
	for _, t := range s.cfg.Tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(t)) == 1 {
			accepted = true
		}
	}
	return accepted
}

// auditMiddleware journals every authenticated request before dispatch.
// A journal failure blocks the request.
func (s *Server) auditMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := s.deps.Journal.Append(audit.Event{
			Kind:    audit.KindAPIRequest,
			Subject: r.URL.Path,
			Details: map[string]any{
				"method":    r.Method,
				"client":    clientKey(r),
				"requestId": requestIDFrom(r),
			},
		})
		if err != nil {
			s.writeError(w, r, errs.Wrap(errs.CodeInternal, "audit journal unavailable", err))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestIDFrom(r *http.Request) string {
	if id, ok := r.Context().Value("request_id").(string); ok {
		return id
	}
	return "unknown"
}

// responseWrapper captures the status code for logging and metrics. It
// forwards Hijack so the websocket upgrade still works through the chain.
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (rw *responseWrapper) Flush() {
	if fl, ok := rw.ResponseWriter.(http.Flusher); ok {
		fl.Flush()
	}
}

// slidingWindow counts requests per client over a rolling window.
type slidingWindow struct {
	mu        sync.Mutex
	window    time.Duration
	max       int
	hits      map[string][]time.Time
	lastSweep time.Time
}

func newSlidingWindow(window time.Duration, max int) *slidingWindow {
	return &slidingWindow{
		window: window,
		max:    max,
		hits:   make(map[string][]time.Time),
	}
}

// allow reports whether the client may proceed now. When denied it returns
// the instant the oldest counted hit leaves the window.
func (sw *slidingWindow) allow(client string, now time.Time) (bool, time.Time) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	cutoff := now.Add(-sw.window)
	kept := sw.hits[client][:0]
	for _, t := range sw.hits[client] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= sw.max {
		sw.hits[client] = kept
		return false, kept[0].Add(sw.window)
	}
	sw.hits[client] = append(kept, now)
	sw.sweep(now)
	return true, time.Time{}
}

// sweep drops idle clients at most once per window to bound the map.
func (sw *slidingWindow) sweep(now time.Time) {
	if now.Sub(sw.lastSweep) < sw.window {
		return
	}
	sw.lastSweep = now
	cutoff := now.Add(-sw.window)
	for client, hits := range sw.hits {
		stale := true
		for _, t := range hits {
			if t.After(cutoff) {
				stale = false
				break
			}
		}
		if stale {
			delete(sw.hits, client)
		}
	}
}
