package qa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"delegate-assistant/internal/domain"
	"delegate-assistant/internal/ids"
)

// Repository is the catalog storage consumed by Service.
type Repository interface {
	ActiveQuestions(ctx context.Context) ([]domain.Question, error)
	// LogInteraction appends an interaction. A second row for the same
	// message id is ignored.
	LogInteraction(ctx context.Context, in domain.QAInteraction) error
}

type Query struct {
	Text           string
	ConversationID string
	DelegateID     string
	MessageID      string
}

type Service struct {
	repo Repository
	log  *zap.Logger
	now  func() time.Time
}

func NewService(repo Repository, log *zap.Logger) (*Service, error) {
	if repo == nil {
		return nil, errors.New("qa: repository must not be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{repo: repo, log: log, now: time.Now}, nil
}

// Answer matches q against the active catalog and records the interaction on
// success. Short queries return no match without touching the store.
func (s *Service) Answer(ctx context.Context, q Query) (Match, bool, error) {
	if utf8.RuneCountInString(strings.TrimSpace(q.Text)) < MinQueryLength {
		return Match{}, false, nil
	}
	questions, err := s.repo.ActiveQuestions(ctx)
	if err != nil {
		return Match{}, false, fmt.Errorf("qa: load questions: %w", err)
	}
	m, ok := MatchQuery(q.Text, questions)
	if !ok {
		return Match{}, false, nil
	}

	err = s.repo.LogInteraction(ctx, domain.QAInteraction{
		ID:             ids.Random(),
		Query:          q.Text,
		QuestionID:     m.Question.ID,
		AnswerID:       m.Answer.ID,
		Confidence:     m.Confidence,
		ConversationID: q.ConversationID,
		DelegateID:     q.DelegateID,
		MessageID:      q.MessageID,
		CreatedAt:      s.now().UTC(),
	})
	if err != nil {
		return Match{}, false, fmt.Errorf("qa: log interaction: %w", err)
	}
	s.log.Info("qa match",
		zap.String("question_id", m.Question.ID),
		zap.Float64("confidence", m.Confidence),
		zap.String("message_id", q.MessageID),
	)
	return m, true, nil
}
