package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var (
	// ErrConversationNotFound is returned when a conversation is not found
	ErrConversationNotFound = errors.New("conversation not found")
)

// ConversationRepository handles the per-user dialogue store. Messages are
// append-only; sequence numbers are dense and strictly increasing per
// conversation, which the insert query below guarantees as long as callers
// hold the per-user append lock.
type ConversationRepository struct {
	q Querier
}

// NewConversationRepository creates a new conversation repository instance
func NewConversationRepository(db *DB) *ConversationRepository {
	return &ConversationRepository{q: db.pool}
}

// WithTx returns a copy of the repository bound to the given transaction.
func (r *ConversationRepository) WithTx(tx pgx.Tx) *ConversationRepository {
	return &ConversationRepository{q: tx}
}

// ActiveForUser returns the user's single active conversation, creating it on
// first contact. The partial unique index on (user_id) WHERE NOT archived
// keeps at most one active row per user.
func (r *ConversationRepository) ActiveForUser(ctx context.Context, userID string, now time.Time) (*Conversation, error) {
	insert := `INSERT INTO conversations (id, user_id, message_count, total_tokens, archived, created_at)
		VALUES ($1, $2, 0, 0, FALSE, $3)
		ON CONFLICT (user_id) WHERE NOT archived DO NOTHING`

	if _, err := r.q.Exec(ctx, insert, uuid.New().String(), userID, now); err != nil {
		return nil, fmt.Errorf("failed to initialise conversation for user %s: %w", userID, err)
	}

	query := `SELECT id, user_id, message_count, total_tokens, last_message_at, archived, created_at
		FROM conversations WHERE user_id = $1 AND NOT archived`

	var conv Conversation
	err := r.q.QueryRow(ctx, query, userID).Scan(
		&conv.ID,
		&conv.UserID,
		&conv.MessageCount,
		&conv.TotalTokens,
		&conv.LastMessageAt,
		&conv.Archived,
		&conv.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("failed to get conversation for user %s: %w", userID, err)
	}

	return &conv, nil
}

// AppendMessage writes the next message in a conversation, assigning the next
// dense sequence number and bumping the conversation counters atomically.
func (r *ConversationRepository) AppendMessage(ctx context.Context, conversationID string, role MessageRole, content string, tokens int, now time.Time) (*Message, error) {
	msg := &Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Tokens:         tokens,
		Timestamp:      now,
	}

	insert := `INSERT INTO messages (id, conversation_id, role, content, sequence_number, tokens, timestamp)
		SELECT $1, $2, $3, $4, COALESCE(MAX(sequence_number), 0) + 1, $5, $6
		FROM messages WHERE conversation_id = $2
		RETURNING sequence_number`

	err := r.q.QueryRow(ctx, insert, msg.ID, conversationID, role.String(), content, tokens, now).Scan(&msg.SequenceNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}

	update := `UPDATE conversations
		SET message_count = message_count + 1,
			total_tokens = total_tokens + $2,
			last_message_at = $3
		WHERE id = $1`

	tag, err := r.q.Exec(ctx, update, conversationID, tokens, now)
	if err != nil {
		return nil, fmt.Errorf("failed to update conversation counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrConversationNotFound
	}

	return msg, nil
}

// RecentMessages returns the last n messages in chronological order.
func (r *ConversationRepository) RecentMessages(ctx context.Context, conversationID string, n int) ([]*Message, error) {
	// Fetch newest-first, then flip, so LIMIT picks the tail of the dialogue.
	query := `SELECT id, conversation_id, role, content, sequence_number, tokens, timestamp, metadata
		FROM messages WHERE conversation_id = $1
		ORDER BY sequence_number DESC LIMIT $2`

	rows, err := r.q.Query(ctx, query, conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var roleStr string

		err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&roleStr,
			&msg.Content,
			&msg.SequenceNumber,
			&msg.Tokens,
			&msg.Timestamp,
			&msg.Metadata,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}

		msg.Role = ParseMessageRole(roleStr)
		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

// ClearMessages deletes all messages of a conversation and resets its
// counters; the conversation row itself is retained.
func (r *ConversationRepository) ClearMessages(ctx context.Context, conversationID string) error {
	if _, err := r.q.Exec(ctx, `DELETE FROM messages WHERE conversation_id = $1`, conversationID); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}

	update := `UPDATE conversations
		SET message_count = 0, total_tokens = 0, last_message_at = NULL
		WHERE id = $1`

	tag, err := r.q.Exec(ctx, update, conversationID)
	if err != nil {
		return fmt.Errorf("failed to reset conversation counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// PruneMessagesBefore deletes messages older than cutoff across all
// conversations. Counters are left alone; they describe lifetime totals.
func (r *ConversationRepository) PruneMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.q.Exec(ctx, `DELETE FROM messages WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune messages: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ArchiveInactiveSince archives conversations with no message since cutoff.
// A user's next chat turn lazily creates a fresh active conversation.
func (r *ConversationRepository) ArchiveInactiveSince(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `UPDATE conversations
		SET archived = TRUE
		WHERE NOT archived AND last_message_at IS NOT NULL AND last_message_at < $1`

	tag, err := r.q.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to archive stale conversations: %w", err)
	}
	return tag.RowsAffected(), nil
}
