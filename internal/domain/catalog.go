package domain

import "time"

// Delegate is the field representative a conversation is bound to.
type Delegate struct {
	ID            string
	Name          string
	Code          string
	TermsAccepted bool
}

// Agent is a staff identity that owns conversations.
type Agent struct {
	ID     string
	Name   string
	Active bool
}

type Pharmacy struct {
	ID      string
	Name    string
	Address string
	Active  bool
}

type VisitStatus string

const (
	VisitPending   VisitStatus = "PENDING"
	VisitCompleted VisitStatus = "COMPLETED"
	VisitCancelled VisitStatus = "CANCELLED"
)

type Visit struct {
	ID         string
	PharmacyID string
	DelegateID string
	Status     VisitStatus
	VisitDate  time.Time
	Notes      string
}

type FeedbackMedium string

const (
	FeedbackText  FeedbackMedium = "TEXT"
	FeedbackAudio FeedbackMedium = "AUDIO"
)

type Feedback struct {
	ID        string
	VisitID   string
	Medium    FeedbackMedium
	Content   string
	CreatedAt time.Time
}
