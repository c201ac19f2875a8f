package insights

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"kobopay/internal/database"
	"kobopay/internal/llm"
	"kobopay/internal/telemetry"
	"kobopay/pkg/cache"
	"kobopay/pkg/logger"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
	"go.uber.org/zap"
)

const snapshotKey = "insights:stats_snapshot"

// RefreshInterval is how often the platform stats snapshot (and with it the
// stats epoch) is regenerated.
const RefreshInterval = 5 * time.Minute

const adminSystemPrompt = `You are the KoboPay operations analyst. Answer the
administrator's questions about platform health using the stats snapshot
below. Be precise with numbers, state the snapshot time when asked about
freshness, and say so plainly when the snapshot cannot answer a question.

Platform stats snapshot:
%s`

// Custom errors for the insights surface
var (
	ErrRateLimited = errors.New("rate limit exceeded")
	ErrEmptyQuery  = errors.New("query is empty")
)

// Service answers admin insights queries: rate-limited, cached per stats
// epoch, audited, and conversational per admin.
type Service struct {
	cache    *Cache
	limiter  *RateLimiter
	provider llm.Provider
	admin    *database.AdminRepository
	audit    *database.AuditRepository
	stats    *database.StatsRepository
	clk      clock.Clock
	history  int
}

// NewService creates a new insights service instance
func NewService(
	cache *Cache,
	limiter *RateLimiter,
	provider llm.Provider,
	admin *database.AdminRepository,
	audit *database.AuditRepository,
	stats *database.StatsRepository,
	clk clock.Clock,
) *Service {
	return &Service{
		cache:    cache,
		limiter:  limiter,
		provider: provider,
		admin:    admin,
		audit:    audit,
		stats:    stats,
		clk:      clk,
		history:  10,
	}
}

// AskRequest is one admin query.
type AskRequest struct {
	AdminID        string
	Query          string
	ConversationID *string
	IPAddress      *string
	UserAgent      *string
}

// AskResult carries the answer and the conversation it belongs to.
type AskResult struct {
	Answer         string `json:"answer"`
	ConversationID string `json:"conversation_id"`
	Cached         bool   `json:"cached"`
}

// Ask answers one admin question. The call is refused when either sliding
// window is exhausted; refusals are audited like answers.
func (s *Service) Ask(ctx context.Context, req AskRequest) (*AskResult, error) {
	if req.Query == "" {
		return nil, ErrEmptyQuery
	}

	allowed, err := s.limiter.Allow(ctx, req.AdminID)
	if err != nil {
		return nil, fmt.Errorf("rate limiter unavailable: %w", err)
	}
	if !allowed {
		telemetry.InsightsRateLimited.Inc()
		s.writeAudit(ctx, req, "insights.rate_limited", "query refused by sliding-window rate limit")
		return nil, ErrRateLimited
	}

	conv, err := s.conversation(ctx, req)
	if err != nil {
		return nil, err
	}

	epoch, snapshot, err := s.ensureSnapshot(ctx)
	if err != nil {
		return nil, err
	}

	cacheable := Cacheable(req.Query)
	if cacheable {
		answer, err := s.cache.Get(ctx, req.Query, epoch)
		if err == nil && answer != "" {
			telemetry.InsightsCacheHits.Inc()
			if err := s.record(ctx, conv.ID, req, answer); err != nil {
				return nil, err
			}
			s.writeAudit(ctx, req, "insights.query", "answered from cache: "+req.Query)
			return &AskResult{Answer: answer, ConversationID: conv.ID, Cached: true}, nil
		}
	}
	telemetry.InsightsCacheMisses.Inc()

	msgs := []llm.Message{{Role: "system", Content: fmt.Sprintf(adminSystemPrompt, snapshot)}}
	history, err := s.admin.RecentMessages(ctx, conv.ID, s.history)
	if err != nil {
		return nil, fmt.Errorf("failed to load admin history: %w", err)
	}
	for _, m := range history {
		msgs = append(msgs, llm.Message{Role: providerRole(m.Role), Content: m.Content})
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: req.Query})

	resp, err := s.provider.Chat(ctx, llm.ChatRequest{Messages: msgs})
	if err != nil {
		return nil, fmt.Errorf("model call failed: %w", err)
	}

	if err := s.record(ctx, conv.ID, req, resp.Content); err != nil {
		return nil, err
	}
	if cacheable {
		if err := s.cache.Put(ctx, req.Query, epoch, resp.Content); err != nil {
			logger.Warn("Failed to cache insights answer", zap.Error(err))
		}
	}
	s.writeAudit(ctx, req, "insights.query", "answered by model: "+req.Query)

	return &AskResult{Answer: resp.Content, ConversationID: conv.ID}, nil
}

// conversation resolves or creates the admin conversation for this request.
func (s *Service) conversation(ctx context.Context, req AskRequest) (*database.AdminConversation, error) {
	if req.ConversationID != nil && *req.ConversationID != "" {
		return s.admin.GetConversation(ctx, *req.ConversationID)
	}
	return s.admin.CreateConversation(ctx, req.AdminID, s.clk.Now().UTC())
}

// record persists the query and the answer as one conversation exchange.
func (s *Service) record(ctx context.Context, conversationID string, req AskRequest, answer string) error {
	now := s.clk.Now().UTC()
	if _, err := s.admin.AppendMessage(ctx, conversationID, database.RoleUser, req.Query,
		(len(req.Query)+3)/4, req.IPAddress, req.UserAgent, now); err != nil {
		return fmt.Errorf("failed to persist admin query: %w", err)
	}
	if _, err := s.admin.AppendMessage(ctx, conversationID, database.RoleAssistant, answer,
		(len(answer)+3)/4, nil, nil, now); err != nil {
		return fmt.Errorf("failed to persist admin answer: %w", err)
	}
	return nil
}

// writeAudit appends an audit entry; audit failures are logged, never fatal.
func (s *Service) writeAudit(ctx context.Context, req AskRequest, action, detail string) {
	entry := &database.AuditLog{
		ID:        uuid.New().String(),
		ActorID:   req.AdminID,
		Action:    action,
		Detail:    detail,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
		CreatedAt: s.clk.Now().UTC(),
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		logger.Error("Failed to write audit entry",
			zap.String("actor_id", req.AdminID),
			zap.String("action", action),
			zap.Error(err))
	}
}

// RefreshStats regenerates the platform snapshot and advances the stats
// epoch, invalidating every cached answer. Run on startup and every
// RefreshInterval.
func (s *Service) RefreshStats(ctx context.Context) (*database.PlatformStats, error) {
	now := s.clk.Now().UTC()
	stats, err := s.stats.Snapshot(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to build stats snapshot: %w", err)
	}

	data, err := json.Marshal(stats)
	if err != nil {
		return nil, fmt.Errorf("failed to encode stats snapshot: %w", err)
	}
	if err := cache.Set(ctx, snapshotKey, string(data), 0); err != nil {
		return nil, err
	}
	if err := SetEpoch(ctx, now); err != nil {
		return nil, err
	}

	logger.Info("Platform stats snapshot refreshed",
		zap.Time("epoch", now),
		zap.Int64("accounts", stats.Accounts),
		zap.Int64("unresolved_conflicts", stats.UnresolvedConflicts))
	return stats, nil
}

// ensureSnapshot returns the current epoch and snapshot, generating them on
// first use.
func (s *Service) ensureSnapshot(ctx context.Context) (epoch, snapshot string, err error) {
	epoch, err = Epoch(ctx)
	if err != nil {
		return "", "", err
	}
	if epoch == "" {
		if _, err := s.RefreshStats(ctx); err != nil {
			return "", "", err
		}
		epoch, err = Epoch(ctx)
		if err != nil {
			return "", "", err
		}
	}
	snapshot, err = cache.Get(ctx, snapshotKey)
	if err != nil {
		return "", "", err
	}
	return epoch, snapshot, nil
}

// providerRole maps stored roles onto the provider wire roles.
func providerRole(r database.MessageRole) string {
	switch r {
	case database.RoleSystem:
		return "system"
	case database.RoleAssistant:
		return "assistant"
	default:
		return "user"
	}
}
