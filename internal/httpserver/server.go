// Package httpserver hosts the call service's HTTP surface: health and
// version probes, the ICE server handout, call history and whatever the
// main package mounts on top (the signaling relay, metrics).
package httpserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/heartbeam/calling/internal/auth"
	"github.com/heartbeam/calling/internal/callrecord"
	"github.com/heartbeam/calling/internal/config"
	"github.com/heartbeam/calling/internal/origin"
	"github.com/heartbeam/calling/internal/turnrest"
)

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// Deps are the collaborators the HTTP routes call into. TURNREST may be
// nil when credential minting is disabled.
type Deps struct {
	Verifier auth.Verifier
	Store    callrecord.Store
	TURNREST *turnrest.Generator
}

type Server struct {
	log   *slog.Logger
	cfg   config.Config
	build BuildInfo
	deps  Deps

	ready atomic.Bool

	mux *http.ServeMux
	srv *http.Server
}

func New(cfg config.Config, logger *slog.Logger, build BuildInfo, deps Deps) *Server {
	s := &Server{
		log:   logger,
		cfg:   cfg,
		build: build,
		deps:  deps,
		mux:   http.NewServeMux(),
	}

	s.registerRoutes()

	handler := chain(s.mux,
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		requestLoggerMiddleware(s.log),
	)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// Other timeouts stay zero: the signaling WebSocket is long-lived.
	}

	return s
}

// Mux returns the underlying ServeMux for registering additional routes.
// It must only be used during startup before Serve is called.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	s.mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	})

	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})

	s.mux.HandleFunc("GET /webrtc/ice", s.withOriginPolicy(s.handleICEServers))

	s.mux.HandleFunc("GET /calls/history", s.withAuth(s.handleCallHistory))
}

// handleICEServers hands the client its RTCIceServer list. With TURN REST
// enabled the caller must authenticate, and TURN entries get short-lived
// per-user credentials minted in.
func (s *Server) handleICEServers(w http.ResponseWriter, r *http.Request) {
	servers := append(config.ICEServers(nil), s.cfg.ICEServers...)

	if s.deps.TURNREST != nil {
		ident, err := s.authenticate(r)
		if err != nil {
			WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		creds := s.deps.TURNREST.Generate(ident.UserID)
		for i, server := range servers {
			if hasTURN(server) {
				servers[i].Username = creds.Username
				servers[i].Credential = creds.Password
			}
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"iceServers": servers,
			"ttlSeconds": int64(time.Until(creds.ExpiresAt).Seconds()),
		})
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"iceServers": servers})
}

func (s *Server) handleCallHistory(w http.ResponseWriter, r *http.Request, ident auth.Identity) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 200 {
			WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid limit"})
			return
		}
		limit = n
	}

	records, err := s.deps.Store.History(r.Context(), ident.UserID, limit)
	if err != nil {
		s.log.Error("load call history", "user", ident.UserID, "err", err)
		WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}

	out := make([]historyEntry, 0, len(records))
	for _, rec := range records {
		entry := historyEntry{
			ID:         rec.ID,
			CallerID:   int64(rec.CallerID),
			ReceiverID: int64(rec.ReceiverID),
			Type:       string(rec.Type),
			Status:     string(rec.Status),
			StartedAt:  rec.StartedAt.UTC().Format(time.RFC3339Nano),
		}
		if !rec.EndedAt.IsZero() {
			entry.EndedAt = rec.EndedAt.UTC().Format(time.RFC3339Nano)
		}
		out = append(out, entry)
	}
	WriteJSON(w, http.StatusOK, map[string]any{"calls": out})
}

type historyEntry struct {
	ID         string `json:"id"`
	CallerID   int64  `json:"callerId"`
	ReceiverID int64  `json:"receiverId"`
	Type       string `json:"type"`
	Status     string `json:"status"`
	StartedAt  string `json:"startedAt"`
	EndedAt    string `json:"endedAt,omitempty"`
}

// authenticate resolves the request credential: Authorization bearer token
// first, credential query parameter as the fallback.
func (s *Server) authenticate(r *http.Request) (auth.Identity, error) {
	credential := ""
	if header := r.Header.Get("Authorization"); header != "" {
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			return auth.Identity{}, auth.ErrUnauthorized
		}
		credential = header[len(prefix):]
	} else {
		credential = r.URL.Query().Get("credential")
	}
	if credential == "" {
		return auth.Identity{}, auth.ErrUnauthorized
	}
	return s.deps.Verifier.Verify(r.Context(), credential)
}

func (s *Server) withAuth(next func(http.ResponseWriter, *http.Request, auth.Identity)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ident, err := s.authenticate(r)
		if err != nil {
			if !errors.Is(err, auth.ErrUnauthorized) {
				s.log.Error("credential verification", "err", err)
			}
			WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		next(w, r, ident)
	}
}

// withOriginPolicy rejects browser requests from origins outside the allow
// list. Requests without an Origin header (curl, server-to-server) pass.
func (s *Server) withOriginPolicy(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Origin")
		if header == "" {
			next(w, r)
			return
		}
		normalized, host, ok := origin.Normalize(header)
		if !ok || !origin.IsAllowed(normalized, host, r.Host, s.cfg.AllowedOrigins) {
			WriteJSON(w, http.StatusForbidden, map[string]any{"error": "origin not allowed"})
			return
		}
		w.Header().Set("Access-Control-Allow-Origin", normalized)
		next(w, r)
	}
}

func hasTURN(server config.ICEServer) bool {
	for _, url := range server.URLs {
		lower := strings.ToLower(strings.TrimSpace(url))
		if strings.HasPrefix(lower, "turn:") || strings.HasPrefix(lower, "turns:") {
			return true
		}
	}
	return false
}

type Middleware func(http.Handler) http.Handler

func chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	h := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func recoverMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic in http handler", "recover", rec, "stack", string(debug.Stack()))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				var buf [16]byte
				if _, err := rand.Read(buf[:]); err == nil {
					reqID = hex.EncodeToString(buf[:])
				}
			}
			if reqID != "" {
				r.Header.Set("X-Request-ID", reqID)
				w.Header().Set("X-Request-ID", reqID)
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func requestLoggerMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(sw, r)

			logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", r.Header.Get("X-Request-ID"),
			)
		})
	}
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}
