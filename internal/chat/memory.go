package chat

import (
	"context"
	"sync"
	"time"

	"kobopay/internal/database"
	"kobopay/pkg/logger"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/lightningnetwork/lnd/clock"
	"go.uber.org/zap"
)

const conversationCacheSize = 1024

// Memory is the per-user dialogue store. Access is serialised per user so
// sequence numbers stay dense and the cached conversation row is never read
// mid-update; the row is cached in-process to avoid a lookup on every turn.
type Memory struct {
	conversations *database.ConversationRepository
	cache         *expirable.LRU[string, *database.Conversation]
	clk           clock.Clock
	maxMessages   int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMemory creates a conversation memory with the given history window and
// cache TTL.
func NewMemory(conversations *database.ConversationRepository, clk clock.Clock, maxMessages int, cacheTTL time.Duration) *Memory {
	return &Memory{
		conversations: conversations,
		cache:         expirable.NewLRU[string, *database.Conversation](conversationCacheSize, nil, cacheTTL),
		clk:           clk,
		maxMessages:   maxMessages,
		locks:         make(map[string]*sync.Mutex),
	}
}

// MaxMessages returns the history window handed to the model.
func (m *Memory) MaxMessages() int { return m.maxMessages }

// lockFor returns the mutex for one user, creating it on first use.
func (m *Memory) lockFor(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[userID] = l
	}
	return l
}

// estimateTokens approximates the token count as ceil(len/4).
func estimateTokens(content string) int {
	return (len(content) + 3) / 4
}

// active returns the user's active conversation, from cache when fresh.
func (m *Memory) active(ctx context.Context, userID string) (*database.Conversation, error) {
	if conv, ok := m.cache.Get(userID); ok {
		return conv, nil
	}

	conv, err := m.conversations.ActiveForUser(ctx, userID, m.clk.Now().UTC())
	if err != nil {
		return nil, err
	}
	m.cache.Add(userID, conv)
	return conv, nil
}

// Append writes one message to the user's active conversation, assigning the
// next sequence number and token estimate.
func (m *Memory) Append(ctx context.Context, userID string, role database.MessageRole, content string) (*database.Message, error) {
	l := m.lockFor(userID)
	l.Lock()
	defer l.Unlock()

	conv, err := m.active(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := m.clk.Now().UTC()
	msg, err := m.conversations.AppendMessage(ctx, conv.ID, role, content, estimateTokens(content), now)
	if err != nil {
		return nil, err
	}

	conv.MessageCount++
	conv.TotalTokens += msg.Tokens
	conv.LastMessageAt = &now
	return msg, nil
}

// Recent returns the last n messages of the user's active conversation in
// chronological order. n <= 0 uses the configured history window.
func (m *Memory) Recent(ctx context.Context, userID string, n int) ([]*database.Message, error) {
	l := m.lockFor(userID)
	l.Lock()
	defer l.Unlock()

	conv, err := m.active(ctx, userID)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		n = m.maxMessages
	}
	return m.conversations.RecentMessages(ctx, conv.ID, n)
}

// MessageCount returns the active conversation's lifetime message count.
func (m *Memory) MessageCount(ctx context.Context, userID string) (int, error) {
	l := m.lockFor(userID)
	l.Lock()
	defer l.Unlock()

	conv, err := m.active(ctx, userID)
	if err != nil {
		return 0, err
	}
	return conv.MessageCount, nil
}

// Clear deletes the user's messages and resets the conversation counters. The
// conversation row is retained.
func (m *Memory) Clear(ctx context.Context, userID string) error {
	l := m.lockFor(userID)
	l.Lock()
	defer l.Unlock()

	conv, err := m.active(ctx, userID)
	if err != nil {
		return err
	}
	if err := m.conversations.ClearMessages(ctx, conv.ID); err != nil {
		return err
	}
	m.cache.Remove(userID)
	return nil
}

// Prune deletes messages older than cutoff and archives conversations idle
// since then. Archived users get a fresh conversation lazily on next contact,
// so the whole cache is dropped.
func (m *Memory) Prune(ctx context.Context, cutoff time.Time) (pruned, archived int64, err error) {
	pruned, err = m.conversations.PruneMessagesBefore(ctx, cutoff)
	if err != nil {
		return 0, 0, err
	}
	archived, err = m.conversations.ArchiveInactiveSince(ctx, cutoff)
	if err != nil {
		return pruned, 0, err
	}

	m.cache.Purge()
	logger.Info("Conversation memory pruned",
		zap.Time("cutoff", cutoff),
		zap.Int64("messages_pruned", pruned),
		zap.Int64("conversations_archived", archived),
	)
	return pruned, archived, nil
}
