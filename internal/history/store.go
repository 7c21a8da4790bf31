package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/corpusqa/corpusqa/internal/rag"
)

const (
	titlePreviewChars       = 50
	lastMessagePreviewChars = 100
)

// Store persists users, conversations and messages.
//
// Store is safe for concurrent use by multiple goroutines. Cross-request
// contention is scoped to a single key: the chat counter serializes per
// user, conversation writes serialize per conversation, and no global
// lock exists across users.
type Store struct {
	db            Querier
	runner        TxRunner
	freeChatLimit int
	logger        *slog.Logger
}

// NewStore creates a conversation Store. db serves reads; runner
// serializes writes that must not interleave per key.
func NewStore(db Querier, runner TxRunner, freeChatLimit int, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("tx runner is required")
	}
	if freeChatLimit < 0 {
		return nil, fmt.Errorf("free chat limit must be non-negative, got %d", freeChatLimit)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, runner: runner, freeChatLimit: freeChatLimit, logger: logger}, nil
}

// EnsureUser makes sure a user row exists. Existing rows are left
// untouched.
func (s *Store) EnsureUser(ctx context.Context, userID, email string) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO users (id, email)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING`,
		userID, email)
	if err != nil {
		return fmt.Errorf("ensuring user %s: %w", userID, err)
	}
	return nil
}

// SaveMessage writes one conversation turn and updates the owning
// conversation row: created with message_count=1 on first write,
// otherwise the counter is incremented and last_message/updated_at
// refreshed. The message id derives from (user, millisecond, type).
//
// Persistence is best-effort: SaveMessage returns false instead of an
// error when the store is unreachable, and callers keep serving the
// answer.
func (s *Store) SaveMessage(ctx context.Context, userID, conversationID string, msgType MessageType, content string, sources []rag.SourceRef) bool {
	if userID == "" || conversationID == "" || !msgType.Valid() {
		s.logger.Warn("dropping message with invalid identity",
			"user_id", userID, "conversation_id", conversationID, "type", msgType)
		return false
	}

	now := time.Now().UTC()
	messageID := fmt.Sprintf("msg_%s_%d_%s", userID, now.UnixMilli(), msgType)

	sourcesJSON, err := json.Marshal(sources)
	if err != nil {
		s.logger.Warn("failed to encode message sources", "error", err)
		sourcesJSON = []byte("[]")
	}

	err = s.runner.RunSerialized(ctx, conversationID, func(ctx context.Context, q Querier) error {
		if _, err := q.Exec(ctx, `
			INSERT INTO messages (id, user_id, conversation_id, type, content, sources, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			messageID, userID, conversationID, string(msgType), content, sourcesJSON, now); err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}

		if _, err := q.Exec(ctx, `
			INSERT INTO conversations (id, user_id, title, last_message, message_count, created_at, updated_at)
			VALUES ($1, $2, $3, $4, 1, $5, $5)
			ON CONFLICT (id) DO UPDATE SET
				message_count = conversations.message_count + 1,
				last_message  = EXCLUDED.last_message,
				updated_at    = EXCLUDED.updated_at`,
			conversationID, userID, preview(content, titlePreviewChars), preview(content, lastMessagePreviewChars), now); err != nil {
			return fmt.Errorf("upserting conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("failed to persist message",
			"conversation_id", conversationID, "type", msgType, "error", err)
		return false
	}
	return true
}

// IncrementChatCount atomically bumps the user's chat counter and
// returns the new value. Concurrent calls for the same user serialize;
// two simultaneous requests never observe the same pre-increment value.
func (s *Store) IncrementChatCount(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("user id is required")
	}

	var newCount int
	err := s.runner.RunSerialized(ctx, userID, func(ctx context.Context, q Querier) error {
		var current int
		err := q.QueryRow(ctx, `SELECT chat_count FROM users WHERE id = $1`, userID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			newCount = 1
			if _, err := q.Exec(ctx, `INSERT INTO users (id, email, chat_count) VALUES ($1, '', 1)`, userID); err != nil {
				return fmt.Errorf("creating user %s: %w", userID, err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading chat count: %w", err)
		}
		newCount = current + 1
		if _, err := q.Exec(ctx, `UPDATE users SET chat_count = $1 WHERE id = $2`, newCount, userID); err != nil {
			return fmt.Errorf("writing chat count: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("incrementing chat count for %s: %w", userID, err)
	}
	return newCount, nil
}

// RemainingChats returns how many chats the user has left: Unlimited
// for premium users, otherwise the free limit minus chats used, floored
// at zero. An unknown user has the full free allowance.
func (s *Store) RemainingChats(ctx context.Context, userID string) (int, error) {
	var (
		premium   bool
		chatCount int
	)
	err := s.db.QueryRow(ctx, `SELECT premium, chat_count FROM users WHERE id = $1`, userID).
		Scan(&premium, &chatCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.freeChatLimit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading user %s: %w", userID, err)
	}

	if premium {
		return Unlimited, nil
	}
	remaining := s.freeChatLimit - chatCount
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// User returns the user row, or nil when the user is unknown.
func (s *Store) User(ctx context.Context, userID string) (*User, error) {
	var u User
	err := s.db.QueryRow(ctx, `
		SELECT id, email, premium, chat_count, created_at
		FROM users
		WHERE id = $1`, userID).
		Scan(&u.ID, &u.Email, &u.Premium, &u.ChatCount, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading user %s: %w", userID, err)
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

// Conversations returns the user's conversations, most recently
// updated first.
func (s *Store) Conversations(ctx context.Context, userID string, limit int) ([]Conversation, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, title, last_message, message_count, created_at, updated_at
		FROM conversations
		WHERE user_id = $1
		ORDER BY updated_at DESC
		LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing conversations for %s: %w", userID, err)
	}
	defer rows.Close()

	var conversations []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.LastMessage, &c.MessageCount, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		c.CreatedAt = c.CreatedAt.UTC()
		c.UpdatedAt = c.UpdatedAt.UTC()
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

// Messages returns up to limit messages of a conversation in
// chronological order.
func (s *Store) Messages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, conversation_id, type, content, sources, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC
		LIMIT $2`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing messages for %s: %w", conversationID, err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var (
			m           Message
			msgType     string
			sourcesJSON []byte
		)
		if err := rows.Scan(&m.ID, &m.UserID, &m.ConversationID, &msgType, &m.Content, &sourcesJSON, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.Type = MessageType(msgType)
		m.Timestamp = m.Timestamp.UTC()
		if len(sourcesJSON) > 0 {
			if err := json.Unmarshal(sourcesJSON, &m.Sources); err != nil {
				s.logger.Warn("failed to decode message sources", "message_id", m.ID, "error", err)
			}
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// DeleteConversation removes a conversation and every message in it,
// returning the number of messages deleted.
func (s *Store) DeleteConversation(ctx context.Context, conversationID string) (int64, error) {
	var deleted int64
	err := s.runner.RunSerialized(ctx, conversationID, func(ctx context.Context, q Querier) error {
		tag, err := q.Exec(ctx, `DELETE FROM messages WHERE conversation_id = $1`, conversationID)
		if err != nil {
			return fmt.Errorf("deleting messages: %w", err)
		}
		deleted = tag.RowsAffected()

		if _, err := q.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, conversationID); err != nil {
			return fmt.Errorf("deleting conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("deleting conversation %s: %w", conversationID, err)
	}
	return deleted, nil
}

// preview truncates s to at most n runes, appending an ellipsis when
// anything was cut.
func preview(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
