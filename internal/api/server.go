package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"kobopay/internal/chat"
	"kobopay/internal/database"
	"kobopay/internal/insights"
	offsync "kobopay/internal/sync"
	"kobopay/pkg/logger"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// SyncService is the slice of the sync orchestrator the HTTP boundary uses.
type SyncService interface {
	Sync(ctx context.Context, userID string, batch []*database.OfflineTx) (*offsync.SyncResult, error)
	ValidateOnly(ctx context.Context, userID string, batch []*database.OfflineTx) (*offsync.Report, error)
	Retry(ctx context.Context, userID string) (*offsync.SyncResult, error)
	ChainState(ctx context.Context, userID string) (*database.ChainState, error)
	UnresolvedConflicts(ctx context.Context, userID string) ([]*database.SyncConflict, error)
}

// ChatService is the slice of the chat service the HTTP boundary uses.
type ChatService interface {
	Chat(ctx context.Context, userID, message string, useMemory bool) (*chat.ChatResult, error)
}

// InsightsService is the slice of the admin insights service the HTTP
// boundary uses.
type InsightsService interface {
	Ask(ctx context.Context, req insights.AskRequest) (*insights.AskResult, error)
}

// AuditWriter records security events raised at the boundary itself, such as
// whitelist refusals.
type AuditWriter interface {
	Append(ctx context.Context, entry *database.AuditLog) error
}

// Config carries the boundary policy knobs.
type Config struct {
	Host string
	Port string
	// AdminIPWhitelist is a comma-separated list of IPs allowed on
	// /chat/admin. Empty allows all (development).
	AdminIPWhitelist string
}

// Server is the HTTP boundary over the sync, chat and insights services.
type Server struct {
	router      *chi.Mux
	syncSvc     SyncService
	chatSvc     ChatService
	insightsSvc InsightsService
	audit       AuditWriter
	clk         clock.Clock
	adminIPs    map[string]bool
}

// NewServer builds the router with all routes and middleware registered.
func NewServer(cfg Config, syncSvc SyncService, chatSvc ChatService, insightsSvc InsightsService, audit AuditWriter, clk clock.Clock) *Server {
	s := &Server{
		syncSvc:     syncSvc,
		chatSvc:     chatSvc,
		insightsSvc: insightsSvc,
		audit:       audit,
		clk:         clk,
	}

	if cfg.AdminIPWhitelist != "" {
		s.adminIPs = make(map[string]bool)
		for _, ip := range strings.Split(cfg.AdminIPWhitelist, ",") {
			if trimmed := strings.TrimSpace(ip); trimmed != "" {
				s.adminIPs[trimmed] = true
			}
		}
	}

	s.initRouter()
	return s
}

// Router exposes the chi mux, mainly for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) initRouter() {
	s.router = chi.NewRouter()
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(requestLogger)
	// LLM calls retry with backoff, so chat turns can legitimately run long.
	s.router.Use(middleware.Timeout(2 * time.Minute))

	s.router.Get("/health", s.health)
	s.router.Method("GET", "/metrics", promhttp.Handler())

	s.router.Route("/sync", func(r chi.Router) {
		r.Post("/offline", s.syncOffline)
		r.Post("/validate", s.syncValidate)
		r.Get("/chain/{userId}", s.syncChain)
		r.Get("/conflicts/{userId}", s.syncConflicts)
		r.Post("/retry/{userId}", s.syncRetry)
	})

	s.router.Post("/chat", s.chat)
	s.router.With(s.adminWhitelist).Post("/chat/admin", s.chatAdmin)
}

// requestLogger logs one line per request with status and latency.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Info("Request handled",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// adminWhitelist refuses /chat/admin requests from addresses outside the
// configured whitelist and writes an audit entry for each refusal.
func (s *Server) adminWhitelist(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminIPs == nil {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r)
		if s.adminIPs[ip] {
			next.ServeHTTP(w, r)
			return
		}

		logger.Warn("Admin endpoint refused for non-whitelisted address", zap.String("ip", ip))
		if s.audit != nil {
			ua := r.UserAgent()
			entry := &database.AuditLog{
				ID:        uuid.New().String(),
				ActorID:   "unknown",
				Action:    "insights.authz_refused",
				Detail:    "admin chat request from non-whitelisted address",
				IPAddress: &ip,
				UserAgent: &ua,
				CreatedAt: s.clk.Now().UTC(),
			}
			if err := s.audit.Append(r.Context(), entry); err != nil {
				logger.Error("Failed to audit whitelist refusal", zap.Error(err))
			}
		}
		writeError(w, http.StatusForbidden, "address not permitted")
	})
}

// clientIP extracts the caller's address, honouring the first X-Forwarded-For
// hop when present.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
