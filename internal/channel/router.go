package channel

import (
	"context"
	"fmt"

	"delegate-assistant/internal/domain"
)

// Sender delivers text to a counterparty and returns the provider's id for
// the delivered message.
type Sender interface {
	Send(ctx context.Context, counterpartyKey, text string) (string, error)
}

// Router formats replies and hands them to the sender of their channel.
type Router struct {
	senders map[domain.Channel]Sender
}

func NewRouter() *Router {
	return &Router{senders: make(map[domain.Channel]Sender)}
}

// Register attaches s to ch. A nil sender leaves ch unregistered.
func (r *Router) Register(ch domain.Channel, s Sender) *Router {
	if s != nil {
		r.senders[ch] = s
	}
	return r
}

// Deliver formats text for ch and sends it. Channels without a sender, such
// as web, are read by polling and need no delivery.
func (r *Router) Deliver(ctx context.Context, ch domain.Channel, counterpartyKey, text string) (string, error) {
	s, ok := r.senders[ch]
	if !ok {
		if ch.External() {
			return "", fmt.Errorf("channel: no sender for %s", ch)
		}
		return "", nil
	}
	return s.Send(ctx, counterpartyKey, Format(ch, text))
}
