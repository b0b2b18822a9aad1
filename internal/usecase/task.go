package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"delegate-assistant/internal/domain"
	"delegate-assistant/internal/ids"
	"delegate-assistant/internal/queue"
)

const (
	JobProcessMessage = "process_message"
	QueueHighPriority = "high_priority"
)

// TaskFailureReply is written into the placeholder when a message could not
// be processed at all.
const TaskFailureReply = "Lo siento, ha ocurrido un error procesando tu mensaje. Por favor, intenta de nuevo."

// TaskPayload is the queued reference to an inbound message.
type TaskPayload struct {
	MessageID string         `json:"message_id"`
	Source    domain.Channel `json:"source"`
}

func (p TaskPayload) Job(conversationID string) (queue.Job, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return queue.Job{}, err
	}
	return queue.Job{
		Name:       JobProcessMessage,
		Queue:      QueueHighPriority,
		Key:        conversationID,
		Payload:    raw,
		MaxRetries: queue.DefaultMaxRetries,
	}, nil
}

type Processor interface {
	Process(ctx context.Context, msg domain.Message, conv domain.Conversation) (Outcome, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, ch domain.Channel, counterpartyKey, text string) (string, error)
}

type TaskStore interface {
	GetMessage(ctx context.Context, id string) (domain.Message, error)
	GetConversation(ctx context.Context, id string) (domain.Conversation, error)
	PlaceholderFor(ctx context.Context, inboundID string) (domain.Message, error)
	LatestPendingOutbound(ctx context.Context, conversationID string) (domain.Message, error)
	// ResolvePlaceholder reports false when the placeholder was already
	// resolved by someone else.
	ResolvePlaceholder(ctx context.Context, id, text string, at time.Time) (bool, error)
	AppendMessage(ctx context.Context, m domain.Message) error
	TouchConversation(ctx context.Context, conversationID string, at time.Time) error
}

// MessageTask runs the pipeline for one queued message and reconciles its
// placeholder. Run and Exhausted are registered as queue handlers.
type MessageTask struct {
	store   TaskStore
	proc    Processor
	deliver Deliverer
	log     *zap.Logger
	now     func() time.Time
}

func NewMessageTask(store TaskStore, proc Processor, deliver Deliverer, log *zap.Logger) (*MessageTask, error) {
	if store == nil {
		return nil, errors.New("usecase: task store must not be nil")
	}
	if proc == nil {
		return nil, errors.New("usecase: processor must not be nil")
	}
	if deliver == nil {
		return nil, errors.New("usecase: deliverer must not be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &MessageTask{store: store, proc: proc, deliver: deliver, log: log, now: time.Now}, nil
}

// Register wires the task into reg under JobProcessMessage.
func (t *MessageTask) Register(reg *queue.Registry) {
	reg.Register(JobProcessMessage, t.Run, t.Exhausted)
}

func decodePayload(raw []byte) (TaskPayload, error) {
	var p TaskPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return TaskPayload{}, queue.Permanent(newError(ErrorInvalidInput, "invalid_payload", err))
	}
	if p.MessageID == "" {
		return TaskPayload{}, queue.Permanent(newError(ErrorInvalidInput, "missing_message_id", nil))
	}
	return p, nil
}

func (t *MessageTask) Run(ctx context.Context, payload []byte) error {
	p, err := decodePayload(payload)
	if err != nil {
		return err
	}
	log := t.log.With(zap.String("message_id", p.MessageID), zap.String("source", string(p.Source)))

	msg, err := t.store.GetMessage(ctx, p.MessageID)
	if errors.Is(err, domain.ErrNotFound) {
		return queue.Permanent(newError(ErrorNotFound, "message_not_found", err))
	}
	if err != nil {
		return newError(ErrorInternal, "message_lookup_error", err)
	}
	conv, err := t.store.GetConversation(ctx, msg.ConversationID)
	if errors.Is(err, domain.ErrNotFound) {
		return queue.Permanent(newError(ErrorNotFound, "conversation_not_found", err))
	}
	if err != nil {
		return newError(ErrorInternal, "conversation_lookup_error", err)
	}

	placeholder, found, err := t.placeholder(ctx, msg)
	if err != nil {
		return err
	}
	if found && placeholder.AIProcessed {
		log.Info("placeholder already resolved", zap.String("placeholder_id", placeholder.ID))
		return nil
	}

	text := msg.AIResponse
	if !msg.AIProcessed || text == "" {
		out, err := t.proc.Process(ctx, msg, conv)
		if err != nil {
			return err
		}
		text = out.Text
	} else {
		log.Info("reusing stored response")
	}

	at := t.now().UTC()
	wrote, err := t.resolve(ctx, msg, placeholder, found, text, at)
	if err != nil {
		return err
	}
	if !wrote {
		log.Info("placeholder resolved by a concurrent run", zap.String("placeholder_id", placeholder.ID))
		return nil
	}

	t.send(ctx, log, conv, text)
	if err := t.store.TouchConversation(ctx, conv.ID, at); err != nil {
		log.Warn("touch conversation", zap.Error(err))
	}
	return nil
}

// placeholder finds the outbound message answering msg. Legacy rows without
// a reply reference fall back to the newest pending outbound message.
func (t *MessageTask) placeholder(ctx context.Context, msg domain.Message) (domain.Message, bool, error) {
	ph, err := t.store.PlaceholderFor(ctx, msg.ID)
	if err == nil {
		return ph, true, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Message{}, false, newError(ErrorInternal, "placeholder_lookup_error", err)
	}
	ph, err = t.store.LatestPendingOutbound(ctx, msg.ConversationID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Message{}, false, nil
	}
	if err != nil {
		return domain.Message{}, false, newError(ErrorInternal, "placeholder_lookup_error", err)
	}
	if ph.ReplyTo != "" && ph.ReplyTo != msg.ID {
		return domain.Message{}, false, nil
	}
	return ph, true, nil
}

// resolve writes text into the placeholder. It reports false only when the
// placeholder that belongs to msg was resolved by another run.
func (t *MessageTask) resolve(ctx context.Context, msg, ph domain.Message, found bool, text string, at time.Time) (bool, error) {
	if found {
		ok, err := t.store.ResolvePlaceholder(ctx, ph.ID, text, at)
		if err != nil {
			return false, newError(ErrorInternal, "resolve_placeholder_error", err)
		}
		if ok {
			return true, nil
		}
		if ph.ReplyTo == msg.ID {
			return false, nil
		}
	}
	err := t.store.AppendMessage(ctx, domain.Message{
		ID:             ids.Ordered(),
		ConversationID: msg.ConversationID,
		Direction:      domain.DirectionOut,
		Content:        text,
		ReplyTo:        msg.ID,
		AIProcessed:    true,
		AIResponse:     text,
		CreatedAt:      at,
		ProcessedAt:    &at,
	})
	if err != nil {
		return false, newError(ErrorInternal, "append_reply_error", err)
	}
	return true, nil
}

func (t *MessageTask) send(ctx context.Context, log *zap.Logger, conv domain.Conversation, text string) {
	if !conv.Channel.External() {
		return
	}
	id, err := t.deliver.Deliver(ctx, conv.Channel, conv.CounterpartyKey, text)
	if err != nil {
		log.Error("deliver reply", zap.String("channel", string(conv.Channel)), zap.Error(err))
		return
	}
	log.Info("reply delivered", zap.String("channel", string(conv.Channel)), zap.String("delivery_id", id))
}

// Exhausted writes the apology into the message's placeholder after the last
// retry. Every failure here is logged and dropped.
func (t *MessageTask) Exhausted(ctx context.Context, payload []byte, cause error) {
	log := t.log.With(zap.NamedError("cause", cause))
	p, err := decodePayload(payload)
	if err != nil {
		log.Error("apology skipped", zap.Error(err))
		return
	}
	log = log.With(zap.String("message_id", p.MessageID))

	msg, err := t.store.GetMessage(ctx, p.MessageID)
	if err != nil {
		log.Error("apology skipped", zap.Error(err))
		return
	}
	ph, found, err := t.placeholder(ctx, msg)
	if err != nil {
		log.Error("apology skipped", zap.Error(err))
		return
	}
	if found && ph.AIProcessed {
		return
	}
	at := t.now().UTC()
	wrote, err := t.resolve(ctx, msg, ph, found, TaskFailureReply, at)
	if err != nil {
		log.Error("apology not written", zap.Error(err))
		return
	}
	if !wrote {
		return
	}
	log.Warn("message gave up, apology written")

	conv, err := t.store.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		log.Error("apology not delivered", zap.Error(err))
		return
	}
	t.send(ctx, log, conv, TaskFailureReply)
}
