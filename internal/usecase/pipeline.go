package usecase

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"delegate-assistant/internal/dialogue"
	"delegate-assistant/internal/domain"
	"delegate-assistant/internal/integrations/openai"
	"delegate-assistant/internal/qa"
)

const (
	defaultLLMTimeout = 30 * time.Second
	historyWindow     = 5
)

// Tier names the responder that produced an outcome.
type Tier string

const (
	TierQA       Tier = "qa"
	TierDialogue Tier = "dialogue"
	TierLLM      Tier = "llm"
)

// FailureKind classifies a language model failure. Each kind has a fixed
// reply so the user always gets an answer.
type FailureKind string

const (
	FailureNone    FailureKind = ""
	FailureAuth    FailureKind = "auth"
	FailureAPI     FailureKind = "api"
	FailureTimeout FailureKind = "timeout"
	FailureUnknown FailureKind = "unknown"
)

func (k FailureKind) Reply() string {
	switch k {
	case FailureAuth:
		return "Lo siento, hay un problema de autenticación con el servicio. Por favor, contacta al administrador."
	case FailureAPI:
		return "Lo siento, hubo un error al procesar tu mensaje. Por favor, intenta de nuevo más tarde."
	case FailureTimeout:
		return "El servicio está tardando demasiado en responder. Por favor, intenta de nuevo."
	default:
		return "Lo siento, ocurrió un error inesperado. Por favor, intenta de nuevo más tarde."
	}
}

// Outcome is the single reply produced for one inbound message.
type Outcome struct {
	Handled bool
	Text    string
	Tier    Tier
	Failure FailureKind
}

type QAMatcher interface {
	Answer(ctx context.Context, q qa.Query) (qa.Match, bool, error)
}

type Dialogue interface {
	Process(ctx context.Context, in dialogue.Input) dialogue.Result
}

type LLMClient interface {
	Complete(ctx context.Context, in openai.Completion) (string, error)
}

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type PipelineStore interface {
	GetDelegate(ctx context.Context, id string) (domain.Delegate, error)
	// RecentMessages returns visible messages created before beforeID,
	// oldest first.
	RecentMessages(ctx context.Context, conversationID, beforeID string, limit int) ([]domain.Message, error)
	MarkProcessed(ctx context.Context, id, response string, at time.Time) (bool, error)
}

type PipelineOption func(*Pipeline)

// WithPinnedPrompt reads the system prompt override from
// <prefix>/pinned_prompt. A missing parameter keeps the built-in prompt.
func WithPinnedPrompt(params ParamGetter, prefix string) PipelineOption {
	return func(p *Pipeline) {
		p.params = params
		p.paramPrefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	}
}

func WithLLMTimeout(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if d > 0 {
			p.llmTimeout = d
		}
	}
}

func WithPipelineClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.now = now }
}

// Pipeline answers a message with the first tier that can: catalog Q&A,
// then the dialogue engine, then the language model.
type Pipeline struct {
	qa          QAMatcher
	dialogue    Dialogue
	llm         LLMClient
	store       PipelineStore
	log         *zap.Logger
	params      ParamGetter
	paramPrefix string
	llmTimeout  time.Duration
	now         func() time.Time

	cacheMu      sync.RWMutex
	cacheLoaded  bool
	pinnedPrompt string
}

func NewPipeline(m QAMatcher, d Dialogue, llm LLMClient, store PipelineStore, log *zap.Logger, opts ...PipelineOption) (*Pipeline, error) {
	if m == nil {
		return nil, errors.New("usecase: qa matcher must not be nil")
	}
	if d == nil {
		return nil, errors.New("usecase: dialogue must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: pipeline store must not be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pipeline{
		qa:         m,
		dialogue:   d,
		llm:        llm,
		store:      store,
		log:        log,
		llmTimeout: defaultLLMTimeout,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Process produces the reply for msg and records it on the message once.
// Language model failures become canned replies; only store failures are
// returned.
func (p *Pipeline) Process(ctx context.Context, msg domain.Message, conv domain.Conversation) (Outcome, error) {
	log := p.log.With(zap.String("message_id", msg.ID), zap.String("conversation_id", conv.ID))

	delegate, err := p.delegate(ctx, conv.DelegateID)
	if err != nil {
		return Outcome{}, newError(ErrorInternal, "delegate_lookup_error", err)
	}

	out, err := p.respond(ctx, log, msg, conv, delegate)
	if err != nil {
		return Outcome{}, err
	}

	if _, err := p.store.MarkProcessed(ctx, msg.ID, out.Text, p.now().UTC()); err != nil {
		return Outcome{}, newError(ErrorInternal, "mark_processed_error", err)
	}
	log.Info("message answered", zap.String("tier", string(out.Tier)), zap.String("failure", string(out.Failure)))
	return out, nil
}

func (p *Pipeline) respond(ctx context.Context, log *zap.Logger, msg domain.Message, conv domain.Conversation, delegate *domain.Delegate) (Outcome, error) {
	query := qa.Query{Text: msg.Content, ConversationID: conv.ID, MessageID: msg.ID}
	if delegate != nil {
		query.DelegateID = delegate.ID
	}
	match, ok, err := p.qa.Answer(ctx, query)
	if err != nil {
		return Outcome{}, newError(ErrorInternal, "qa_error", err)
	}
	if ok {
		return Outcome{Handled: true, Text: match.Answer.Text, Tier: TierQA}, nil
	}

	res := p.dialogue.Process(ctx, dialogue.Input{MessageID: msg.ID, Conversation: conv, Delegate: delegate, Text: msg.Content})
	if !res.Escalate && strings.TrimSpace(res.Text) != "" {
		return Outcome{Handled: true, Text: res.Text, Tier: TierDialogue}, nil
	}

	history, err := p.store.RecentMessages(ctx, conv.ID, msg.ID, historyWindow)
	if err != nil {
		return Outcome{}, newError(ErrorInternal, "history_error", err)
	}
	completion := buildCompletion(promptContext{
		pinnedPrompt: p.loadPinnedPrompt(ctx, log),
		delegate:     delegate,
		data:         res.Session.Data,
	}, msg.Content, history)

	llmCtx, cancel := context.WithTimeout(ctx, p.llmTimeout)
	defer cancel()
	text, err := p.llm.Complete(llmCtx, completion)
	if err == nil && strings.TrimSpace(text) == "" {
		err = errors.New("usecase: empty completion")
	}
	if err != nil {
		kind := classifyFailure(err)
		log.Warn("llm fallback failed", zap.String("failure", string(kind)), zap.Error(err))
		return Outcome{Handled: true, Text: kind.Reply(), Tier: TierLLM, Failure: kind}, nil
	}
	return Outcome{Handled: true, Text: text, Tier: TierLLM}, nil
}

func (p *Pipeline) delegate(ctx context.Context, id string) (*domain.Delegate, error) {
	if id == "" {
		return nil, nil
	}
	d, err := p.store.GetDelegate(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// loadPinnedPrompt caches the first successful read. Failed reads fall back
// to the built-in prompt and are tried again on the next message.
func (p *Pipeline) loadPinnedPrompt(ctx context.Context, log *zap.Logger) string {
	if p.params == nil || p.paramPrefix == "" {
		return ""
	}
	p.cacheMu.RLock()
	if p.cacheLoaded {
		defer p.cacheMu.RUnlock()
		return p.pinnedPrompt
	}
	p.cacheMu.RUnlock()

	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	if p.cacheLoaded {
		return p.pinnedPrompt
	}
	v, err := p.params.GetParameter(ctx, p.paramPrefix+"/pinned_prompt")
	if err != nil {
		log.Debug("pinned prompt unavailable", zap.Error(err))
		return ""
	}
	p.pinnedPrompt = v
	p.cacheLoaded = true
	return v
}

func classifyFailure(err error) FailureKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}
	if status, ok := upstreamStatusCode(err); ok {
		switch status {
		case http.StatusUnauthorized, http.StatusForbidden:
			return FailureAuth
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return FailureTimeout
		default:
			return FailureAPI
		}
	}
	return FailureUnknown
}
