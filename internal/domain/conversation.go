package domain

import (
	"strings"
	"time"
)

// PlaceholderText is the provisional content of an outbound message created
// when an inbound message is accepted.
const PlaceholderText = "Procesando respuesta..."

// Content prefixes of legacy synthetic messages that encoded dialogue session
// state in the transcript.
const (
	StateMarker = "__STATE__:"
	DataMarker  = "__DATA__:"
)

type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

// Conversation is one counterparty thread on a channel. At most one active
// conversation exists per counterparty key.
type Conversation struct {
	ID              string
	CounterpartyKey string
	Channel         Channel
	AgentID         string
	DelegateID      string
	Active          bool
	CreatedAt       time.Time
	LastActivity    time.Time
}

// Message is a single persisted transcript row.
type Message struct {
	ID             string
	ConversationID string
	Direction      Direction
	Content        string
	ReplyTo        string
	AIProcessed    bool
	AIResponse     string
	CreatedAt      time.Time
	ProcessedAt    *time.Time
}

// Synthetic reports whether the message encodes legacy session state rather
// than user-visible text.
func (m Message) Synthetic() bool {
	return strings.HasPrefix(m.Content, StateMarker) || strings.HasPrefix(m.Content, DataMarker)
}

// Pending reports whether the message is an unresolved outbound placeholder.
func (m Message) Pending() bool {
	return m.Direction == DirectionOut && !m.AIProcessed
}
