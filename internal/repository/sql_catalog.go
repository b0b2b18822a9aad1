package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"delegate-assistant/internal/domain"
)

type delegateRow struct {
	ID            string `db:"id"`
	Name          string `db:"name"`
	Code          string `db:"code"`
	TermsAccepted bool   `db:"terms_accepted"`
}

type pharmacyRow struct {
	ID      string `db:"id"`
	Name    string `db:"name"`
	Address string `db:"address"`
	Active  bool   `db:"active"`
}

type visitRow struct {
	ID         string    `db:"id"`
	PharmacyID string    `db:"pharmacy_id"`
	DelegateID string    `db:"delegate_id"`
	Status     string    `db:"status"`
	VisitDate  time.Time `db:"visit_date"`
	Notes      string    `db:"notes"`
}

func (r visitRow) toDomain() domain.Visit {
	return domain.Visit{
		ID:         r.ID,
		PharmacyID: r.PharmacyID,
		DelegateID: r.DelegateID,
		Status:     domain.VisitStatus(r.Status),
		VisitDate:  r.VisitDate.UTC(),
		Notes:      r.Notes,
	}
}

type questionRow struct {
	ID       string `db:"id"`
	Text     string `db:"text"`
	Keywords string `db:"keywords"`
	Active   bool   `db:"active"`
}

type answerRow struct {
	ID         string `db:"id"`
	QuestionID string `db:"question_id"`
	Text       string `db:"text"`
	IsDefault  bool   `db:"is_default"`
}

// AvailableAgent returns an active agent to own a new conversation.
func (s *SQLStore) AvailableAgent(ctx context.Context) (domain.Agent, error) {
	var row struct {
		ID     string `db:"id"`
		Name   string `db:"name"`
		Active bool   `db:"active"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT id, name, active FROM agents WHERE active ORDER BY id LIMIT 1`)
	if err != nil {
		return domain.Agent{}, lookupErr("AvailableAgent", err)
	}
	return domain.Agent{ID: row.ID, Name: row.Name, Active: row.Active}, nil
}

func (s *SQLStore) UpsertAgent(ctx context.Context, a domain.Agent) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO agents (id, name, active) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, active = excluded.active`), a.ID, a.Name, a.Active)
	if err != nil {
		return fmt.Errorf("repository: UpsertAgent: %w", err)
	}
	return nil
}

func (s *SQLStore) GetDelegate(ctx context.Context, id string) (domain.Delegate, error) {
	var row delegateRow
	err := s.db.GetContext(ctx, &row, s.rebind(`SELECT id, name, code, terms_accepted FROM delegates WHERE id = ?`), id)
	if err != nil {
		return domain.Delegate{}, lookupErr("GetDelegate", err)
	}
	return domain.Delegate{ID: row.ID, Name: row.Name, Code: row.Code, TermsAccepted: row.TermsAccepted}, nil
}

func (s *SQLStore) UpsertDelegate(ctx context.Context, d domain.Delegate) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO delegates (id, name, code, terms_accepted) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, code = excluded.code, terms_accepted = excluded.terms_accepted`),
		d.ID, d.Name, d.Code, d.TermsAccepted)
	if err != nil {
		return fmt.Errorf("repository: UpsertDelegate: %w", err)
	}
	return nil
}

// SearchPharmacies matches term against name or address, case-insensitively.
func (s *SQLStore) SearchPharmacies(ctx context.Context, term string, limit int) ([]domain.Pharmacy, error) {
	pattern := "%" + escapeLike(strings.ToLower(term)) + "%"
	var rows []pharmacyRow
	err := s.db.SelectContext(ctx, &rows, s.rebind(`SELECT id, name, address, active FROM pharmacies
		WHERE active AND (LOWER(name) LIKE ? ESCAPE '\' OR LOWER(address) LIKE ? ESCAPE '\')
		ORDER BY name, id LIMIT ?`), pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: SearchPharmacies: %w", err)
	}
	out := make([]domain.Pharmacy, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.Pharmacy{ID: r.ID, Name: r.Name, Address: r.Address, Active: r.Active})
	}
	return out, nil
}

func (s *SQLStore) GetPharmacy(ctx context.Context, id string) (domain.Pharmacy, error) {
	var row pharmacyRow
	err := s.db.GetContext(ctx, &row, s.rebind(`SELECT id, name, address, active FROM pharmacies WHERE id = ?`), id)
	if err != nil {
		return domain.Pharmacy{}, lookupErr("GetPharmacy", err)
	}
	return domain.Pharmacy{ID: row.ID, Name: row.Name, Address: row.Address, Active: row.Active}, nil
}

func (s *SQLStore) UpsertPharmacy(ctx context.Context, p domain.Pharmacy) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO pharmacies (id, name, address, active) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, address = excluded.address, active = excluded.active`),
		p.ID, p.Name, p.Address, p.Active)
	if err != nil {
		return fmt.Errorf("repository: UpsertPharmacy: %w", err)
	}
	return nil
}

func (s *SQLStore) RecentVisits(ctx context.Context, pharmacyID, delegateID string, limit int) ([]domain.Visit, error) {
	var rows []visitRow
	err := s.db.SelectContext(ctx, &rows, s.rebind(`SELECT id, pharmacy_id, delegate_id, status, visit_date, notes FROM visits
		WHERE pharmacy_id = ? AND delegate_id = ? ORDER BY visit_date DESC, id DESC LIMIT ?`), pharmacyID, delegateID, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: RecentVisits: %w", err)
	}
	out := make([]domain.Visit, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *SQLStore) GetVisit(ctx context.Context, id string) (domain.Visit, error) {
	var row visitRow
	err := s.db.GetContext(ctx, &row, s.rebind(`SELECT id, pharmacy_id, delegate_id, status, visit_date, notes FROM visits WHERE id = ?`), id)
	if err != nil {
		return domain.Visit{}, lookupErr("GetVisit", err)
	}
	return row.toDomain(), nil
}

func (s *SQLStore) CreateVisit(ctx context.Context, v domain.Visit) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO visits (id, pharmacy_id, delegate_id, status, visit_date, notes)
		VALUES (?, ?, ?, ?, ?, ?)`), v.ID, v.PharmacyID, v.DelegateID, string(v.Status), v.VisitDate.UTC(), v.Notes)
	if err != nil {
		return fmt.Errorf("repository: CreateVisit: %w", err)
	}
	return nil
}

func (s *SQLStore) CreateFeedback(ctx context.Context, f domain.Feedback) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO feedback (id, visit_id, medium, content, created_at) VALUES (?, ?, ?, ?, ?)`),
		f.ID, f.VisitID, string(f.Medium), f.Content, f.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("repository: CreateFeedback: %w", err)
	}
	return nil
}

// ActiveQuestions loads active questions with their answers in insertion order.
func (s *SQLStore) ActiveQuestions(ctx context.Context) ([]domain.Question, error) {
	var qrows []questionRow
	if err := s.db.SelectContext(ctx, &qrows, `SELECT id, text, keywords, active FROM questions
		WHERE active ORDER BY created_at, id`); err != nil {
		return nil, fmt.Errorf("repository: ActiveQuestions: %w", err)
	}
	var arows []answerRow
	if err := s.db.SelectContext(ctx, &arows, `SELECT a.id, a.question_id, a.text, a.is_default FROM answers a
		JOIN questions q ON q.id = a.question_id WHERE q.active ORDER BY a.position, a.id`); err != nil {
		return nil, fmt.Errorf("repository: ActiveQuestions answers: %w", err)
	}

	byQuestion := make(map[string][]domain.Answer, len(qrows))
	for _, a := range arows {
		byQuestion[a.QuestionID] = append(byQuestion[a.QuestionID], domain.Answer{
			ID: a.ID, QuestionID: a.QuestionID, Text: a.Text, IsDefault: a.IsDefault,
		})
	}
	out := make([]domain.Question, 0, len(qrows))
	for _, q := range qrows {
		out = append(out, domain.Question{
			ID: q.ID, Text: q.Text, Keywords: q.Keywords, Active: q.Active, Answers: byQuestion[q.ID],
		})
	}
	return out, nil
}

// UpsertQuestion replaces a question and its answers.
func (s *SQLStore) UpsertQuestion(ctx context.Context, q domain.Question, createdAt time.Time) error {
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO questions (id, text, keywords, active, created_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET text = excluded.text, keywords = excluded.keywords, active = excluded.active`),
			q.ID, q.Text, q.Keywords, q.Active, createdAt.UTC()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM answers WHERE question_id = ?`), q.ID); err != nil {
			return err
		}
		for i, a := range q.Answers {
			if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO answers (id, question_id, text, is_default, position) VALUES (?, ?, ?, ?, ?)`),
				a.ID, q.ID, a.Text, a.IsDefault, i); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("repository: UpsertQuestion: %w", err)
	}
	return nil
}

// LogInteraction appends a QA interaction; a repeat for the same message is
// ignored so a retried task leaves a single row.
func (s *SQLStore) LogInteraction(ctx context.Context, in domain.QAInteraction) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO qa_interactions
		(id, query, question_id, answer_id, confidence, conversation_id, delegate_id, message_id, feedback, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`),
		in.ID, in.Query, in.QuestionID, in.AnswerID, in.Confidence, in.ConversationID, in.DelegateID, in.MessageID, in.Feedback, in.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("repository: LogInteraction: %w", err)
	}
	return nil
}

func (s *SQLStore) CountInteractions(ctx context.Context, messageID string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, s.rebind(`SELECT COUNT(*) FROM qa_interactions WHERE message_id = ?`), messageID); err != nil {
		return 0, fmt.Errorf("repository: CountInteractions: %w", err)
	}
	return n, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
