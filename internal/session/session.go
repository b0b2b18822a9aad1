// Package session holds the typed dialogue session of a conversation and the
// event log it is materialized from.
package session

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"delegate-assistant/internal/domain"
)

type State string

const (
	Initial             State = "INITIAL"
	AwaitingPharmacy    State = "AWAITING_PHARMACY"
	PharmacySelected    State = "PHARMACY_SELECTED"
	AwaitingVisitAction State = "AWAITING_VISIT_ACTION"
	CollectingFeedback  State = "COLLECTING_FEEDBACK"
	ReadyForReport      State = "READY_FOR_REPORT"
)

var states = []State{Initial, AwaitingPharmacy, PharmacySelected, AwaitingVisitAction, CollectingFeedback, ReadyForReport}

// ParseState accepts any casing so lower-case legacy values resolve too.
func ParseState(s string) (State, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	for _, st := range states {
		if string(st) == want {
			return st, nil
		}
	}
	return "", fmt.Errorf("session: unknown state %q", s)
}

// Session is the materialized current state of one conversation's dialogue.
// Version counts the events applied so far and guards concurrent writers.
type Session struct {
	ConversationID string
	State          State
	Data           Data
	Version        int64
	UpdatedAt      time.Time
	// MessageID is the inbound message that produced this version and Reply
	// the answer it was given, so a redelivered message can be recognised.
	MessageID string
	Reply     string
}

func New(conversationID string) Session {
	return Session{ConversationID: conversationID, State: Initial}
}

// Event is one recorded transition. State and Data are always written
// together so a half-applied transition cannot be observed.
type Event struct {
	ID             string
	ConversationID string
	Version        int64
	State          State
	Data           Data
	CreatedAt      time.Time
	MessageID      string
	Reply          string
}

// Transition returns the event that moves s to (state, data) and the session
// that results from applying it.
func Transition(s Session, eventID string, state State, data Data, now time.Time) (Session, Event) {
	ev := Event{
		ID:             eventID,
		ConversationID: s.ConversationID,
		Version:        s.Version + 1,
		State:          state,
		Data:           data,
		CreatedAt:      now.UTC(),
	}
	return Apply(s, ev), ev
}

// Apply folds a single event into s.
func Apply(s Session, ev Event) Session {
	s.State = ev.State
	s.Data = ev.Data
	s.Version = ev.Version
	s.UpdatedAt = ev.CreatedAt
	s.MessageID = ev.MessageID
	s.Reply = ev.Reply
	return s
}

// Caused tags a transition with the inbound message that triggered it and
// the reply it produced.
func Caused(s Session, ev Event, messageID, reply string) (Session, Event) {
	ev.MessageID = messageID
	ev.Reply = reply
	s.MessageID = messageID
	s.Reply = reply
	return s, ev
}

// AppliedBy reports whether messageID already produced the current version.
func (s Session) AppliedBy(messageID string) bool {
	return messageID != "" && s.MessageID == messageID
}

// Replay rebuilds a session from its event log. Events are ordered by version
// first, so the result does not depend on the order they were read in.
func Replay(conversationID string, events []Event) Session {
	ordered := make([]Event, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Version != ordered[j].Version {
			return ordered[i].Version < ordered[j].Version
		}
		return ordered[i].ID < ordered[j].ID
	})
	s := New(conversationID)
	for _, ev := range ordered {
		s = Apply(s, ev)
	}
	return s
}

// RecoverLegacy derives a session from a transcript that still carries
// __STATE__ and __DATA__ rows. The most recent row of each kind wins;
// unreadable rows are skipped. msgs must be in creation order.
func RecoverLegacy(conversationID string, msgs []domain.Message) Session {
	s := New(conversationID)
	var haveState, haveData bool
	for i := len(msgs) - 1; i >= 0 && !(haveState && haveData); i-- {
		m := msgs[i]
		switch {
		case !haveState && strings.HasPrefix(m.Content, domain.StateMarker):
			st, err := ParseState(strings.TrimPrefix(m.Content, domain.StateMarker))
			if err != nil {
				continue
			}
			s.State = st
			s.UpdatedAt = m.CreatedAt
			haveState = true
		case !haveData && strings.HasPrefix(m.Content, domain.DataMarker):
			d, err := DecodeLegacy([]byte(strings.TrimSpace(strings.TrimPrefix(m.Content, domain.DataMarker))))
			if err != nil {
				continue
			}
			s.Data = d
			haveData = true
		}
	}
	return s
}
