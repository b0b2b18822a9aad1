package domain

import "time"

type Question struct {
	ID       string
	Text     string
	Keywords string
	Active   bool
	Answers  []Answer
}

type Answer struct {
	ID         string
	QuestionID string
	Text       string
	IsDefault  bool
}

// QAInteraction is an append-only record of a successful Q&A match.
type QAInteraction struct {
	ID             string
	Query          string
	QuestionID     string
	AnswerID       string
	Confidence     float64
	ConversationID string
	DelegateID     string
	MessageID      string
	Feedback       string
	CreatedAt      time.Time
}
