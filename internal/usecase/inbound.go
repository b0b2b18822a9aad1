package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"delegate-assistant/internal/domain"
	"delegate-assistant/internal/ids"
	"delegate-assistant/internal/queue"
)

const DefaultLockTTL = 10 * time.Minute

// InboundEvent is a message received on any channel, already decoded from
// the provider's format.
type InboundEvent struct {
	Channel         domain.Channel
	CounterpartyKey string
	// ExternalID is the provider's message id. Redeliveries of the same id
	// are dropped while its lock is held.
	ExternalID string
	Text       string
	DelegateID string
}

type Receipt struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	PlaceholderID  string `json:"placeholder_id"`
}

type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job) (string, error)
}

type ConversationStore interface {
	ActiveConversation(ctx context.Context, ch domain.Channel, counterpartyKey string) (domain.Conversation, error)
	// CreateConversation returns the winner when another active conversation
	// for the same counterparty was created concurrently.
	CreateConversation(ctx context.Context, c domain.Conversation) (domain.Conversation, error)
	AvailableAgent(ctx context.Context) (domain.Agent, error)
	BindDelegate(ctx context.Context, conversationID, delegateID string) error
	AppendInbound(ctx context.Context, inbound, placeholder domain.Message) error
	ResolvePlaceholder(ctx context.Context, id, text string, at time.Time) (bool, error)
}

type NormalizerOption func(*Normalizer)

// WithRequireAgentExternal makes WhatsApp and Telegram conversations need an
// active agent like web ones do.
func WithRequireAgentExternal(v bool) NormalizerOption {
	return func(n *Normalizer) { n.requireAgentExternal = v }
}

func WithLockTTL(d time.Duration) NormalizerOption {
	return func(n *Normalizer) {
		if d > 0 {
			n.lockTTL = d
		}
	}
}

// WithFailureDelivery pushes the apology to external channels when a
// message could not be queued.
func WithFailureDelivery(d Deliverer) NormalizerOption {
	return func(n *Normalizer) { n.deliver = d }
}

func WithNormalizerClock(now func() time.Time) NormalizerOption {
	return func(n *Normalizer) { n.now = now }
}

// Normalizer turns channel events into stored messages and queued work.
type Normalizer struct {
	store                ConversationStore
	locks                Locker
	queue                Enqueuer
	deliver              Deliverer
	log                  *zap.Logger
	requireAgentExternal bool
	lockTTL              time.Duration
	now                  func() time.Time
}

func NewNormalizer(store ConversationStore, locks Locker, q Enqueuer, log *zap.Logger, opts ...NormalizerOption) (*Normalizer, error) {
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if locks == nil {
		return nil, errors.New("usecase: locker must not be nil")
	}
	if q == nil {
		return nil, errors.New("usecase: enqueuer must not be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}
	n := &Normalizer{store: store, locks: locks, queue: q, log: log, lockTTL: DefaultLockTTL, now: time.Now}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

func lockKey(ev InboundEvent) string {
	return string(ev.Channel) + ":" + ev.ExternalID
}

// HandleInbound stores ev with its placeholder and queues it for processing.
func (n *Normalizer) HandleInbound(ctx context.Context, ev InboundEvent) (Receipt, error) {
	ev.Text = strings.TrimSpace(ev.Text)
	ev.CounterpartyKey = strings.TrimSpace(ev.CounterpartyKey)
	if ev.Text == "" {
		return Receipt{}, newError(ErrorInvalidInput, "empty_content", nil)
	}
	if ev.CounterpartyKey == "" {
		return Receipt{}, newError(ErrorInvalidInput, "missing_counterparty", nil)
	}
	log := n.log.With(zap.String("channel", string(ev.Channel)), zap.String("external_id", ev.ExternalID))

	if ev.ExternalID != "" {
		err := n.locks.Acquire(ctx, lockKey(ev), n.lockTTL)
		if errors.Is(err, queue.ErrLocked) {
			log.Info("duplicate delivery dropped")
			return Receipt{}, newError(ErrorDuplicate, "message_locked", err)
		}
		if err != nil {
			return Receipt{}, newError(ErrorInternal, "lock_error", err)
		}
	}

	receipt, err := n.accept(ctx, log, ev)
	if err != nil && ev.ExternalID != "" && receipt.MessageID == "" {
		if rerr := n.locks.Release(ctx, lockKey(ev)); rerr != nil {
			log.Warn("release lock", zap.Error(rerr))
		}
	}
	return receipt, err
}

func (n *Normalizer) accept(ctx context.Context, log *zap.Logger, ev InboundEvent) (Receipt, error) {
	conv, err := n.conversation(ctx, ev)
	if err != nil {
		return Receipt{}, err
	}
	if ev.DelegateID != "" && conv.DelegateID != ev.DelegateID {
		if err := n.store.BindDelegate(ctx, conv.ID, ev.DelegateID); err != nil {
			return Receipt{}, newError(ErrorInternal, "bind_delegate_error", err)
		}
		conv.DelegateID = ev.DelegateID
	}

	at := n.now().UTC()
	inbound := domain.Message{
		ID:             ids.Ordered(),
		ConversationID: conv.ID,
		Direction:      domain.DirectionIn,
		Content:        ev.Text,
		CreatedAt:      at,
	}
	placeholder := domain.Message{
		ID:             ids.Ordered(),
		ConversationID: conv.ID,
		Direction:      domain.DirectionOut,
		Content:        domain.PlaceholderText,
		ReplyTo:        inbound.ID,
		CreatedAt:      at,
	}
	if err := n.store.AppendInbound(ctx, inbound, placeholder); err != nil {
		return Receipt{}, newError(ErrorInternal, "append_inbound_error", err)
	}
	receipt := Receipt{ConversationID: conv.ID, MessageID: inbound.ID, PlaceholderID: placeholder.ID}
	log = log.With(zap.String("conversation_id", conv.ID), zap.String("message_id", inbound.ID))

	job, err := TaskPayload{MessageID: inbound.ID, Source: ev.Channel}.Job(conv.ID)
	if err == nil {
		_, err = n.queue.Enqueue(ctx, job)
	}
	if err != nil {
		log.Error("enqueue failed, resolving placeholder", zap.Error(err))
		n.abandon(ctx, log, conv, placeholder.ID)
		return receipt, newError(ErrorInternal, "enqueue_error", err)
	}
	log.Info("inbound accepted")
	return receipt, nil
}

func (n *Normalizer) abandon(ctx context.Context, log *zap.Logger, conv domain.Conversation, placeholderID string) {
	ok, err := n.store.ResolvePlaceholder(ctx, placeholderID, TaskFailureReply, n.now().UTC())
	if err != nil || !ok {
		log.Error("resolve abandoned placeholder", zap.Bool("resolved", ok), zap.Error(err))
		return
	}
	if n.deliver == nil || !conv.Channel.External() {
		return
	}
	if _, err := n.deliver.Deliver(ctx, conv.Channel, conv.CounterpartyKey, TaskFailureReply); err != nil {
		log.Error("deliver apology", zap.Error(err))
	}
}

func (n *Normalizer) requiresAgent(ch domain.Channel) bool {
	return !ch.External() || n.requireAgentExternal
}

func (n *Normalizer) conversation(ctx context.Context, ev InboundEvent) (domain.Conversation, error) {
	conv, err := n.store.ActiveConversation(ctx, ev.Channel, ev.CounterpartyKey)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Conversation{}, newError(ErrorInternal, "conversation_lookup_error", err)
	}

	var agentID string
	if n.requiresAgent(ev.Channel) {
		agent, err := n.store.AvailableAgent(ctx)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Conversation{}, newError(ErrorNoAgent, "no agents available", err)
		}
		if err != nil {
			return domain.Conversation{}, newError(ErrorInternal, "agent_lookup_error", err)
		}
		agentID = agent.ID
	}

	at := n.now().UTC()
	conv, err = n.store.CreateConversation(ctx, domain.Conversation{
		ID:              ids.Random(),
		CounterpartyKey: ev.CounterpartyKey,
		Channel:         ev.Channel,
		AgentID:         agentID,
		DelegateID:      ev.DelegateID,
		Active:          true,
		CreatedAt:       at,
		LastActivity:    at,
	})
	if err != nil {
		return domain.Conversation{}, newError(ErrorInternal, "create_conversation_error", err)
	}
	return conv, nil
}
