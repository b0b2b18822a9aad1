package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"delegate-assistant/internal/domain"
)

type conversationRow struct {
	ID              string    `db:"id"`
	CounterpartyKey string    `db:"counterparty_key"`
	Channel         string    `db:"channel"`
	AgentID         string    `db:"agent_id"`
	DelegateID      string    `db:"delegate_id"`
	Active          bool      `db:"active"`
	CreatedAt       time.Time `db:"created_at"`
	LastActivity    time.Time `db:"last_activity"`
}

func (r conversationRow) toDomain() domain.Conversation {
	return domain.Conversation{
		ID:              r.ID,
		CounterpartyKey: r.CounterpartyKey,
		Channel:         domain.Channel(r.Channel),
		AgentID:         r.AgentID,
		DelegateID:      r.DelegateID,
		Active:          r.Active,
		CreatedAt:       r.CreatedAt.UTC(),
		LastActivity:    r.LastActivity.UTC(),
	}
}

type messageRow struct {
	ID             string     `db:"id"`
	ConversationID string     `db:"conversation_id"`
	Direction      string     `db:"direction"`
	Content        string     `db:"content"`
	ReplyTo        string     `db:"reply_to"`
	AIProcessed    bool       `db:"ai_processed"`
	AIResponse     string     `db:"ai_response"`
	CreatedAt      time.Time  `db:"created_at"`
	ProcessedAt    *time.Time `db:"processed_at"`
}

func (r messageRow) toDomain() domain.Message {
	m := domain.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		Direction:      domain.Direction(r.Direction),
		Content:        r.Content,
		ReplyTo:        r.ReplyTo,
		AIProcessed:    r.AIProcessed,
		AIResponse:     r.AIResponse,
		CreatedAt:      r.CreatedAt.UTC(),
	}
	if r.ProcessedAt != nil {
		at := r.ProcessedAt.UTC()
		m.ProcessedAt = &at
	}
	return m
}

const (
	conversationColumns = `id, counterparty_key, channel, agent_id, delegate_id, active, created_at, last_activity`
	messageColumns      = `id, conversation_id, direction, content, reply_to, ai_processed, ai_response, created_at, processed_at`

	// Excludes legacy __STATE__ / __DATA__ rows.
	visibleMessage = `substr(content, 1, 10) <> '__STATE__:' AND substr(content, 1, 9) <> '__DATA__:'`
)

// ActiveConversation returns the active conversation for a counterparty.
func (s *SQLStore) ActiveConversation(ctx context.Context, channel domain.Channel, key string) (domain.Conversation, error) {
	var row conversationRow
	err := s.db.GetContext(ctx, &row, s.rebind(`SELECT `+conversationColumns+` FROM conversations
		WHERE channel = ? AND counterparty_key = ? AND active ORDER BY created_at LIMIT 1`), string(channel), key)
	if err != nil {
		return domain.Conversation{}, lookupErr("ActiveConversation", err)
	}
	return row.toDomain(), nil
}

func (s *SQLStore) GetConversation(ctx context.Context, id string) (domain.Conversation, error) {
	var row conversationRow
	err := s.db.GetContext(ctx, &row, s.rebind(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`), id)
	if err != nil {
		return domain.Conversation{}, lookupErr("GetConversation", err)
	}
	return row.toDomain(), nil
}

// CreateConversation inserts c unless another active conversation for the
// same counterparty won the race, in which case that one is returned.
func (s *SQLStore) CreateConversation(ctx context.Context, c domain.Conversation) (domain.Conversation, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`),
		c.ID, c.CounterpartyKey, string(c.Channel), c.AgentID, c.DelegateID, true, c.CreatedAt.UTC(), c.LastActivity.UTC())
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: CreateConversation: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: CreateConversation: %w", err)
	}
	if n == 0 {
		return s.ActiveConversation(ctx, c.Channel, c.CounterpartyKey)
	}
	c.Active = true
	return c, nil
}

func (s *SQLStore) BindDelegate(ctx context.Context, conversationID, delegateID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`UPDATE conversations SET delegate_id = ? WHERE id = ?`), delegateID, conversationID)
	if err != nil {
		return fmt.Errorf("repository: BindDelegate: %w", err)
	}
	return nil
}

func (s *SQLStore) TouchConversation(ctx context.Context, conversationID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`UPDATE conversations SET last_activity = ? WHERE id = ?`), at.UTC(), conversationID)
	if err != nil {
		return fmt.Errorf("repository: TouchConversation: %w", err)
	}
	return nil
}

// DeactivateInactive closes active conversations idle since before cutoff.
func (s *SQLStore) DeactivateInactive(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE conversations SET active = FALSE WHERE active AND last_activity < ?`), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("repository: DeactivateInactive: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return 0, fmt.Errorf("repository: DeactivateInactive: %w", err)
	}
	return n, nil
}

func insertMessage(ctx context.Context, tx *sqlx.Tx, m domain.Message) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		m.ID, m.ConversationID, string(m.Direction), m.Content, m.ReplyTo, m.AIProcessed, m.AIResponse, m.CreatedAt.UTC(), utcPtr(m.ProcessedAt))
	return err
}

// AppendInbound stores an inbound message and its placeholder together.
func (s *SQLStore) AppendInbound(ctx context.Context, inbound, placeholder domain.Message) error {
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if err := insertMessage(ctx, tx, inbound); err != nil {
			return err
		}
		return insertMessage(ctx, tx, placeholder)
	})
	if err != nil {
		return fmt.Errorf("repository: AppendInbound: %w", err)
	}
	return nil
}

func (s *SQLStore) AppendMessage(ctx context.Context, m domain.Message) error {
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		return insertMessage(ctx, tx, m)
	})
	if err != nil {
		return fmt.Errorf("repository: AppendMessage: %w", err)
	}
	return nil
}

func (s *SQLStore) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, s.rebind(`SELECT `+messageColumns+` FROM messages WHERE id = ?`), id)
	if err != nil {
		return domain.Message{}, lookupErr("GetMessage", err)
	}
	return row.toDomain(), nil
}

// PlaceholderFor returns the outbound message created to answer inboundID.
func (s *SQLStore) PlaceholderFor(ctx context.Context, inboundID string) (domain.Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, s.rebind(`SELECT `+messageColumns+` FROM messages
		WHERE reply_to = ? AND direction = ? ORDER BY id LIMIT 1`), inboundID, string(domain.DirectionOut))
	if err != nil {
		return domain.Message{}, lookupErr("PlaceholderFor", err)
	}
	return row.toDomain(), nil
}

// LatestPendingOutbound returns the newest unresolved outbound message.
func (s *SQLStore) LatestPendingOutbound(ctx context.Context, conversationID string) (domain.Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, s.rebind(`SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND direction = ? AND NOT ai_processed AND `+visibleMessage+`
		ORDER BY id DESC LIMIT 1`), conversationID, string(domain.DirectionOut))
	if err != nil {
		return domain.Message{}, lookupErr("LatestPendingOutbound", err)
	}
	return row.toDomain(), nil
}

// ResolvePlaceholder writes the final text into an unresolved outbound
// message. It reports false when the row was already resolved.
func (s *SQLStore) ResolvePlaceholder(ctx context.Context, id, text string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE messages
		SET content = ?, ai_response = ?, ai_processed = TRUE, processed_at = ?
		WHERE id = ? AND NOT ai_processed`), text, text, at.UTC(), id)
	if err != nil {
		return false, fmt.Errorf("repository: ResolvePlaceholder: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return false, fmt.Errorf("repository: ResolvePlaceholder: %w", err)
	}
	return n == 1, nil
}

// MarkProcessed records the pipeline answer on an inbound message once.
func (s *SQLStore) MarkProcessed(ctx context.Context, id, response string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE messages
		SET ai_response = ?, ai_processed = TRUE, processed_at = ?
		WHERE id = ? AND NOT ai_processed`), response, at.UTC(), id)
	if err != nil {
		return false, fmt.Errorf("repository: MarkProcessed: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return false, fmt.Errorf("repository: MarkProcessed: %w", err)
	}
	return n == 1, nil
}

// RecentMessages returns up to limit visible messages created before
// beforeID, oldest first. Unresolved placeholders are skipped.
func (s *SQLStore) RecentMessages(ctx context.Context, conversationID, beforeID string, limit int) ([]domain.Message, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, s.rebind(`SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND id < ? AND `+visibleMessage+`
		AND NOT (direction = ? AND NOT ai_processed)
		ORDER BY id DESC LIMIT ?`), conversationID, beforeID, string(domain.DirectionOut), limit)
	if err != nil {
		return nil, fmt.Errorf("repository: RecentMessages: %w", err)
	}
	out := make([]domain.Message, len(rows))
	for i, r := range rows {
		out[len(rows)-1-i] = r.toDomain()
	}
	return out, nil
}

// Transcript returns visible messages after afterID in creation order.
func (s *SQLStore) Transcript(ctx context.Context, conversationID, afterID string, limit int) ([]domain.Message, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, s.rebind(`SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND id > ? AND `+visibleMessage+`
		ORDER BY id LIMIT ?`), conversationID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: Transcript: %w", err)
	}
	out := make([]domain.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// legacySessionRows returns the synthetic rows older transcripts used to
// carry the dialogue session, in creation order.
func (s *SQLStore) legacySessionRows(ctx context.Context, conversationID string) ([]domain.Message, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, s.rebind(`SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND NOT (`+visibleMessage+`) ORDER BY id`), conversationID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("repository: legacySessionRows: %w", err)
	}
	out := make([]domain.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
