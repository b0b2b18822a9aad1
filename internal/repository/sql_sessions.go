package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"delegate-assistant/internal/domain"
	"delegate-assistant/internal/session"
)

type sessionRow struct {
	ConversationID string    `db:"conversation_id"`
	State          string    `db:"state"`
	Data           string    `db:"data"`
	Version        int64     `db:"version"`
	UpdatedAt      time.Time `db:"updated_at"`
	MessageID      string    `db:"message_id"`
	Reply          string    `db:"reply"`
}

type sessionEventRow struct {
	ID             string    `db:"id"`
	ConversationID string    `db:"conversation_id"`
	Version        int64     `db:"version"`
	State          string    `db:"state"`
	Data           string    `db:"data"`
	CreatedAt      time.Time `db:"created_at"`
	MessageID      string    `db:"message_id"`
	Reply          string    `db:"reply"`
}

// LoadSession reads the materialized session. Without a projection row the
// event log is replayed, and conversations that predate both are recovered
// from their legacy transcript rows.
func (s *SQLStore) LoadSession(ctx context.Context, conversationID string) (session.Session, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row, s.rebind(`SELECT conversation_id, state, data, version, updated_at, message_id, reply
		FROM sessions WHERE conversation_id = ?`), conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return s.rebuildSession(ctx, conversationID)
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("repository: LoadSession: %w", err)
	}

	st, err := session.ParseState(row.State)
	if err != nil {
		return session.Session{}, fmt.Errorf("repository: LoadSession: %w", err)
	}
	data, err := session.Decode([]byte(row.Data))
	if err != nil {
		return session.Session{}, fmt.Errorf("repository: LoadSession: %w", err)
	}
	return session.Session{
		ConversationID: row.ConversationID,
		State:          st,
		Data:           data,
		Version:        row.Version,
		UpdatedAt:      row.UpdatedAt.UTC(),
		MessageID:      row.MessageID,
		Reply:          row.Reply,
	}, nil
}

func (s *SQLStore) rebuildSession(ctx context.Context, conversationID string) (session.Session, error) {
	events, err := s.SessionEvents(ctx, conversationID)
	if err != nil {
		return session.Session{}, fmt.Errorf("repository: LoadSession: %w", err)
	}
	if len(events) > 0 {
		return session.Replay(conversationID, events), nil
	}
	legacy, err := s.legacySessionRows(ctx, conversationID)
	if err != nil {
		return session.Session{}, fmt.Errorf("repository: LoadSession: %w", err)
	}
	return session.RecoverLegacy(conversationID, legacy), nil
}

// SaveSession appends ev and moves the projection to s in one transaction.
// It fails with domain.ErrConflict when another writer got there first or
// the triggering message already produced an event. The event's unique
// version guards writers when the projection row is missing.
func (s *SQLStore) SaveSession(ctx context.Context, sess session.Session, ev session.Event) error {
	raw, err := session.Encode(ev.Data)
	if err != nil {
		return fmt.Errorf("repository: SaveSession: %w", err)
	}
	err = withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE sessions SET state = ?, data = ?, version = ?, updated_at = ?, message_id = ?, reply = ?
			WHERE conversation_id = ? AND version = ?`),
			string(sess.State), string(raw), sess.Version, sess.UpdatedAt.UTC(), sess.MessageID, sess.Reply,
			sess.ConversationID, ev.Version-1)
		if err != nil {
			return err
		}
		n, err := affected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			// first event, or a projection rebuilt from the event log
			res, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO sessions (conversation_id, state, data, version, updated_at, message_id, reply)
				VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`),
				sess.ConversationID, string(sess.State), string(raw), sess.Version, sess.UpdatedAt.UTC(), sess.MessageID, sess.Reply)
			if err != nil {
				return err
			}
			if err := requireOne(res); err != nil {
				return err
			}
		}
		res, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO session_events (id, conversation_id, version, state, data, created_at, message_id, reply)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`),
			ev.ID, ev.ConversationID, ev.Version, string(ev.State), string(raw), ev.CreatedAt.UTC(), ev.MessageID, ev.Reply)
		if err != nil {
			return err
		}
		return requireOne(res)
	})
	if err != nil {
		return fmt.Errorf("repository: SaveSession: %w", err)
	}
	return nil
}

func requireOne(res sql.Result) error {
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrConflict
	}
	return nil
}

// SessionEvents returns the event log of a conversation in version order.
func (s *SQLStore) SessionEvents(ctx context.Context, conversationID string) ([]session.Event, error) {
	var rows []sessionEventRow
	err := s.db.SelectContext(ctx, &rows, s.rebind(`SELECT id, conversation_id, version, state, data, created_at, message_id, reply
		FROM session_events WHERE conversation_id = ? ORDER BY version`), conversationID)
	if err != nil {
		return nil, fmt.Errorf("repository: SessionEvents: %w", err)
	}
	out := make([]session.Event, 0, len(rows))
	for _, r := range rows {
		st, err := session.ParseState(r.State)
		if err != nil {
			return nil, fmt.Errorf("repository: SessionEvents: %w", err)
		}
		data, err := session.Decode([]byte(r.Data))
		if err != nil {
			return nil, fmt.Errorf("repository: SessionEvents: %w", err)
		}
		out = append(out, session.Event{
			ID:             r.ID,
			ConversationID: r.ConversationID,
			Version:        r.Version,
			State:          st,
			Data:           data,
			CreatedAt:      r.CreatedAt.UTC(),
			MessageID:      r.MessageID,
			Reply:          r.Reply,
		})
	}
	return out, nil
}
