package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// AdminRepository handles admin conversations and their messages. The shape
// mirrors ConversationRepository; admin messages additionally record the
// request origin, and conversations keep a rolling summary.
type AdminRepository struct {
	q Querier
}

// NewAdminRepository creates a new admin repository instance
func NewAdminRepository(db *DB) *AdminRepository {
	return &AdminRepository{q: db.pool}
}

// WithTx returns a copy of the repository bound to the given transaction.
func (r *AdminRepository) WithTx(tx pgx.Tx) *AdminRepository {
	return &AdminRepository{q: tx}
}

// GetConversation retrieves an admin conversation by ID.
func (r *AdminRepository) GetConversation(ctx context.Context, id string) (*AdminConversation, error) {
	query := `SELECT id, admin_id, summary, message_count, last_message_at, created_at
		FROM admin_conversations WHERE id = $1`

	var conv AdminConversation
	err := r.q.QueryRow(ctx, query, id).Scan(
		&conv.ID,
		&conv.AdminID,
		&conv.Summary,
		&conv.MessageCount,
		&conv.LastMessageAt,
		&conv.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("failed to get admin conversation %s: %w", id, err)
	}
	return &conv, nil
}

// CreateConversation starts a new admin conversation.
func (r *AdminRepository) CreateConversation(ctx context.Context, adminID string, now time.Time) (*AdminConversation, error) {
	conv := &AdminConversation{
		ID:        uuid.New().String(),
		AdminID:   adminID,
		CreatedAt: now,
	}

	query := `INSERT INTO admin_conversations (id, admin_id, message_count, created_at)
		VALUES ($1, $2, 0, $3)`

	if _, err := r.q.Exec(ctx, query, conv.ID, conv.AdminID, now); err != nil {
		return nil, fmt.Errorf("failed to create admin conversation: %w", err)
	}
	return conv, nil
}

// AppendMessage writes the next admin message with its origin metadata.
func (r *AdminRepository) AppendMessage(ctx context.Context, conversationID string, role MessageRole, content string, tokens int, ip, userAgent *string, now time.Time) (*AdminMessage, error) {
	msg := &AdminMessage{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Tokens:         tokens,
		Timestamp:      now,
		IPAddress:      ip,
		UserAgent:      userAgent,
	}

	insert := `INSERT INTO admin_messages (id, conversation_id, role, content, sequence_number, tokens, timestamp, ip_address, user_agent)
		SELECT $1, $2, $3, $4, COALESCE(MAX(sequence_number), 0) + 1, $5, $6, $7, $8
		FROM admin_messages WHERE conversation_id = $2
		RETURNING sequence_number`

	err := r.q.QueryRow(ctx, insert, msg.ID, conversationID, role.String(), content, tokens, now, ip, userAgent).Scan(&msg.SequenceNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to append admin message: %w", err)
	}

	update := `UPDATE admin_conversations
		SET message_count = message_count + 1, last_message_at = $2
		WHERE id = $1`

	tag, err := r.q.Exec(ctx, update, conversationID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to update admin conversation counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrConversationNotFound
	}

	return msg, nil
}

// RecentMessages returns the last n admin messages in chronological order.
func (r *AdminRepository) RecentMessages(ctx context.Context, conversationID string, n int) ([]*AdminMessage, error) {
	query := `SELECT id, conversation_id, role, content, sequence_number, tokens, timestamp, ip_address, user_agent
		FROM admin_messages WHERE conversation_id = $1
		ORDER BY sequence_number DESC LIMIT $2`

	rows, err := r.q.Query(ctx, query, conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to list admin messages: %w", err)
	}
	defer rows.Close()

	var messages []*AdminMessage
	for rows.Next() {
		var msg AdminMessage
		var roleStr string

		err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&roleStr,
			&msg.Content,
			&msg.SequenceNumber,
			&msg.Tokens,
			&msg.Timestamp,
			&msg.IPAddress,
			&msg.UserAgent,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan admin message row: %w", err)
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

// UpdateSummary replaces the rolling summary of an admin conversation.
func (r *AdminRepository) UpdateSummary(ctx context.Context, conversationID, summary string) error {
	tag, err := r.q.Exec(ctx, `UPDATE admin_conversations SET summary = $2 WHERE id = $1`, conversationID, summary)
	if err != nil {
		return fmt.Errorf("failed to update admin conversation summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConversationNotFound
	}
	return nil
}
