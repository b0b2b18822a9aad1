// Package dialogue implements the procedural assistant that answers pharmacy
// and visit requests without the language model.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"delegate-assistant/internal/domain"
	"delegate-assistant/internal/ids"
	"delegate-assistant/internal/session"
)

const (
	searchLimit       = 5
	recentVisitLimit  = 3
	minSearchTermRune = 3
)

// Catalog is the pharmacy and visit data the engine reads and writes.
type Catalog interface {
	SearchPharmacies(ctx context.Context, term string, limit int) ([]domain.Pharmacy, error)
	GetPharmacy(ctx context.Context, id string) (domain.Pharmacy, error)
	// RecentVisits returns the delegate's visits to a pharmacy, newest first.
	RecentVisits(ctx context.Context, pharmacyID, delegateID string, limit int) ([]domain.Visit, error)
	GetVisit(ctx context.Context, id string) (domain.Visit, error)
	CreateVisit(ctx context.Context, v domain.Visit) error
	CreateFeedback(ctx context.Context, f domain.Feedback) error
}

// SessionStore persists the dialogue session. SaveSession must apply the
// event and the resulting session atomically and fail with
// domain.ErrConflict when s.Version-1 is no longer the stored version.
type SessionStore interface {
	LoadSession(ctx context.Context, conversationID string) (session.Session, error)
	SaveSession(ctx context.Context, s session.Session, ev session.Event) error
}

type Input struct {
	// MessageID identifies the inbound message; empty disables replay
	// detection.
	MessageID    string
	Conversation domain.Conversation
	Delegate     *domain.Delegate
	Text         string
}

// Result is the engine's answer. Escalate asks the caller to hand the
// message to the language model instead of replying with Text.
type Result struct {
	Text     string
	Escalate bool
	Session  session.Session
}

type Option func(*Engine)

// WithEscalateUnknown makes unmatched input escalate instead of producing the
// canned "not understood" reply.
func WithEscalateUnknown(v bool) Option {
	return func(e *Engine) { e.escalateUnknown = v }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

type Engine struct {
	catalog         Catalog
	sessions        SessionStore
	log             *zap.Logger
	escalateUnknown bool
	now             func() time.Time
}

func New(catalog Catalog, sessions SessionStore, log *zap.Logger, opts ...Option) (*Engine, error) {
	if catalog == nil {
		return nil, errors.New("dialogue: catalog must not be nil")
	}
	if sessions == nil {
		return nil, errors.New("dialogue: session store must not be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{catalog: catalog, sessions: sessions, log: log, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// outcome is the result of one step before it is persisted.
type outcome struct {
	text     string
	escalate bool
	moved    bool
	state    session.State
	data     session.Data
}

func reply(text string) outcome {
	return outcome{text: text}
}

func move(text string, state session.State, data session.Data) outcome {
	return outcome{text: text, moved: true, state: state, data: data}
}

// Process answers one message. It never fails: store errors become the
// generic error reply and leave the stored session untouched. A message that
// already moved the session gets the reply it produced then, so a retried
// task does not step twice. A save that loses to a concurrent writer is
// retried once against the reloaded session.
func (e *Engine) Process(ctx context.Context, in Input) Result {
	log := e.log.With(zap.String("conversation_id", in.Conversation.ID), zap.String("message_id", in.MessageID))

	sess, err := e.sessions.LoadSession(ctx, in.Conversation.ID)
	if err != nil {
		log.Error("load session", zap.Error(err))
		return Result{Text: replyError, Session: session.New(in.Conversation.ID)}
	}

	for attempt := 1; ; attempt++ {
		if sess.AppliedBy(in.MessageID) {
			log.Info("message already applied, reusing its reply", zap.Int64("version", sess.Version))
			return Result{Text: sess.Reply, Session: sess}
		}

		out, err := e.step(ctx, in, sess)
		if err != nil {
			log.Error("dialogue step", zap.String("state", string(sess.State)), zap.Error(err))
			return Result{Text: replyError, Session: sess}
		}
		if !out.moved {
			return Result{Text: out.text, Escalate: out.escalate, Session: sess}
		}

		next, ev := session.Transition(sess, ids.Ordered(), out.state, out.data, e.now())
		next, ev = session.Caused(next, ev, in.MessageID, out.text)
		err = e.sessions.SaveSession(ctx, next, ev)
		if err == nil {
			log.Debug("session transition",
				zap.String("from", string(sess.State)),
				zap.String("to", string(next.State)),
				zap.Int64("version", next.Version),
			)
			return Result{Text: out.text, Escalate: out.escalate, Session: next}
		}
		if !errors.Is(err, domain.ErrConflict) || attempt > 1 {
			log.Error("save session", zap.String("state", string(out.state)), zap.Error(err))
			return Result{Text: replyError, Session: sess}
		}

		log.Warn("session changed concurrently, reloading", zap.Int64("version", sess.Version))
		if sess, err = e.sessions.LoadSession(ctx, in.Conversation.ID); err != nil {
			log.Error("reload session", zap.Error(err))
			return Result{Text: replyError, Session: session.New(in.Conversation.ID)}
		}
	}
}

func (e *Engine) step(ctx context.Context, in Input, sess session.Session) (outcome, error) {
	text := strings.TrimSpace(in.Text)
	if strings.EqualFold(text, "salir") {
		if sess.State == session.Initial {
			return reply(replyReset), nil
		}
		return move(replyReset, session.Initial, session.Data{}), nil
	}

	intent := DetectIntent(text)
	switch intent {
	case IntentGreeting:
		return reply(greeting(in.Delegate)), nil
	case IntentHelp:
		return reply(replyHelp), nil
	}

	switch sess.State {
	case session.Initial:
		return e.initial(ctx, text, intent)
	case session.AwaitingPharmacy:
		return e.awaitingPharmacy(ctx, in, sess, text, intent)
	case session.PharmacySelected, session.AwaitingVisitAction:
		return e.visitMenu(ctx, in, sess, text)
	case session.CollectingFeedback:
		return e.collectingFeedback(ctx, in, sess, text)
	case session.ReadyForReport:
		if affirmative(text) {
			return outcome{escalate: true}, nil
		}
		return reply(replyReportDeclined), nil
	}
	return e.unknown(), nil
}

func (e *Engine) unknown() outcome {
	if e.escalateUnknown {
		return outcome{escalate: true}
	}
	return reply(replyUnknown)
}

func (e *Engine) initial(ctx context.Context, text string, intent Intent) (outcome, error) {
	switch intent {
	case IntentPharmacySearch:
		term := searchTerm(text)
		if len([]rune(term)) < minSearchTermRune {
			return reply(replySearchTooShort), nil
		}
		refs, err := e.search(ctx, term)
		if err != nil {
			return outcome{}, err
		}
		if len(refs) == 0 {
			return reply(replyNoPharmacies), nil
		}
		return move(pharmacyList(refs, footerFirstSearch), session.AwaitingPharmacy, session.Data{Pharmacies: refs}), nil
	case IntentVisitInfo:
		return reply(replyVisitNeedsPharmacy), nil
	case IntentFeedback:
		return reply(replyFeedbackNeedsPharmacy), nil
	}
	return e.unknown(), nil
}

func (e *Engine) awaitingPharmacy(ctx context.Context, in Input, sess session.Session, text string, intent Intent) (outcome, error) {
	if n, ok := selection(text); ok {
		list := sess.Data.Pharmacies
		if n < 1 || n > len(list) {
			return reply(replyInvalidSelection), nil
		}
		detail, found, err := e.pharmacyDetail(ctx, list[n-1].ID, delegateID(in.Delegate))
		if err != nil {
			return outcome{}, err
		}
		if !found {
			return reply(replyPharmacyUnavailable), nil
		}
		return move(pharmacyDetail(detail), session.PharmacySelected, session.Data{SelectedPharmacy: &detail}), nil
	}

	lower := strings.ToLower(text)
	if strings.HasPrefix(lower, "buscar") || intent == IntentPharmacySearch {
		term := searchTerm(strings.TrimSpace(strings.TrimPrefix(lower, "buscar")))
		if len([]rune(term)) < minSearchTermRune {
			return reply(replySearchTooShort), nil
		}
		refs, err := e.search(ctx, term)
		if err != nil {
			return outcome{}, err
		}
		if len(refs) == 0 {
			return reply(replyNoPharmaciesRetry), nil
		}
		return move(pharmacyList(refs, footerReSearch), session.AwaitingPharmacy, session.Data{Pharmacies: refs}), nil
	}
	return reply(replyInvalidSelection), nil
}

func (e *Engine) visitMenu(ctx context.Context, in Input, sess session.Session, text string) (outcome, error) {
	selected := sess.Data.SelectedPharmacy
	if selected == nil {
		return move(replyBrokenSession, session.Initial, session.Data{}), nil
	}
	n, ok := selection(text)
	if !ok {
		return reply(replyInvalidOption), nil
	}
	pharmacy := *selected
	delegate := delegateID(in.Delegate)

	switch n {
	case 1:
		if in.Delegate == nil {
			return reply(replyNeedsDelegate), nil
		}
		visits, err := e.recentVisits(ctx, pharmacy.ID, delegate)
		if err != nil {
			return outcome{}, err
		}
		if pending := firstPending(visits); pending != "" {
			return reply(visitPending(pending)), nil
		}
		visit := domain.Visit{
			ID:         ids.Random(),
			PharmacyID: pharmacy.ID,
			DelegateID: delegate,
			Status:     domain.VisitPending,
			VisitDate:  e.now().UTC(),
		}
		if err := e.catalog.CreateVisit(ctx, visit); err != nil {
			return outcome{}, fmt.Errorf("dialogue: create visit: %w", err)
		}
		summary := summarize(visit)
		pharmacy.LastVisit = &summary
		pharmacy.PendingVisitID = visit.ID
		return move(visitCreated(pharmacy.Name, visit.ID), session.AwaitingVisitAction, session.Data{
			SelectedPharmacy: &pharmacy,
			CurrentVisitID:   visit.ID,
		}), nil

	case 2:
		visits, err := e.recentVisits(ctx, pharmacy.ID, delegate)
		if err != nil {
			return outcome{}, err
		}
		if len(visits) == 0 {
			return reply(noVisits(pharmacy.Name)), nil
		}
		return reply(visitList(pharmacy.Name, visits)), nil

	case 3:
		visits, err := e.recentVisits(ctx, pharmacy.ID, delegate)
		if err != nil {
			return outcome{}, err
		}
		pending := firstPending(visits)
		if pending == "" {
			return reply(replyNoPendingVisit), nil
		}
		pharmacy.PendingVisitID = pending
		return move(replyFeedbackMedium, session.CollectingFeedback, session.Data{
			SelectedPharmacy: &pharmacy,
			FeedbackVisitID:  pending,
		}), nil

	case 4:
		visits, err := e.recentVisits(ctx, pharmacy.ID, delegate)
		if err != nil {
			return outcome{}, err
		}
		if len(visits) == 0 {
			return reply(replyNotEnoughVisits), nil
		}
		return move(replyReportReady, session.ReadyForReport, session.Data{
			SelectedPharmacy: &pharmacy,
			RecentVisits:     visits,
		}), nil
	}
	return reply(replyInvalidOption), nil
}

func (e *Engine) collectingFeedback(ctx context.Context, in Input, sess session.Session, text string) (outcome, error) {
	data := sess.Data
	if data.FeedbackVisitID == "" {
		return move(replyBrokenSession, session.Initial, session.Data{}), nil
	}

	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "texto"):
		data.FeedbackMedium = domain.FeedbackText
		return move(replyWriteFeedback, session.CollectingFeedback, data), nil
	case strings.Contains(lower, "audio"):
		data.FeedbackMedium = domain.FeedbackAudio
		return move(replyAttachAudio, session.CollectingFeedback, data), nil
	}

	switch data.FeedbackMedium {
	case domain.FeedbackText:
		if _, err := e.catalog.GetVisit(ctx, data.FeedbackVisitID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return reply(replyVisitMissing), nil
			}
			return outcome{}, fmt.Errorf("dialogue: get visit: %w", err)
		}
		err := e.catalog.CreateFeedback(ctx, domain.Feedback{
			ID:        ids.Random(),
			VisitID:   data.FeedbackVisitID,
			Medium:    domain.FeedbackText,
			Content:   text,
			CreatedAt: e.now().UTC(),
		})
		if err != nil {
			return outcome{}, fmt.Errorf("dialogue: create feedback: %w", err)
		}
		next := session.Data{SelectedPharmacy: data.SelectedPharmacy, FeedbackVisitID: data.FeedbackVisitID}
		if data.SelectedPharmacy != nil {
			visits, err := e.recentVisits(ctx, data.SelectedPharmacy.ID, delegateID(in.Delegate))
			if err != nil {
				return outcome{}, err
			}
			next.RecentVisits = visits
		}
		return move(replyFeedbackThanks, session.ReadyForReport, next), nil
	case domain.FeedbackAudio:
		return reply(replyAttachAudio), nil
	}
	return reply(replyAskMedium), nil
}

func (e *Engine) search(ctx context.Context, term string) ([]session.PharmacyRef, error) {
	found, err := e.catalog.SearchPharmacies(ctx, term, searchLimit)
	if err != nil {
		return nil, fmt.Errorf("dialogue: search pharmacies: %w", err)
	}
	refs := make([]session.PharmacyRef, 0, len(found))
	for _, p := range found {
		refs = append(refs, session.PharmacyRef{ID: p.ID, Name: p.Name, Address: p.Address})
	}
	return refs, nil
}

func (e *Engine) pharmacyDetail(ctx context.Context, pharmacyID, delegateID string) (session.PharmacyDetail, bool, error) {
	p, err := e.catalog.GetPharmacy(ctx, pharmacyID)
	if errors.Is(err, domain.ErrNotFound) {
		return session.PharmacyDetail{}, false, nil
	}
	if err != nil {
		return session.PharmacyDetail{}, false, fmt.Errorf("dialogue: get pharmacy: %w", err)
	}
	visits, err := e.recentVisits(ctx, p.ID, delegateID)
	if err != nil {
		return session.PharmacyDetail{}, false, err
	}
	detail := session.PharmacyDetail{ID: p.ID, Name: p.Name, Address: p.Address}
	if len(visits) > 0 {
		last := visits[0]
		detail.LastVisit = &last
	}
	detail.PendingVisitID = firstPending(visits)
	return detail, true, nil
}

func (e *Engine) recentVisits(ctx context.Context, pharmacyID, delegateID string) ([]session.VisitSummary, error) {
	visits, err := e.catalog.RecentVisits(ctx, pharmacyID, delegateID, recentVisitLimit)
	if err != nil {
		return nil, fmt.Errorf("dialogue: recent visits: %w", err)
	}
	out := make([]session.VisitSummary, 0, len(visits))
	for _, v := range visits {
		out = append(out, summarize(v))
	}
	return out, nil
}

func summarize(v domain.Visit) session.VisitSummary {
	return session.VisitSummary{ID: v.ID, Date: v.VisitDate, Status: v.Status}
}

func firstPending(visits []session.VisitSummary) string {
	for _, v := range visits {
		if v.Status == domain.VisitPending {
			return v.ID
		}
	}
	return ""
}

// selection parses a bare menu or list number.
func selection(text string) (int, bool) {
	if text == "" {
		return 0, false
	}
	for _, r := range text {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(text)
	if err != nil {
		return 0, false
	}
	return n, true
}

func delegateID(d *domain.Delegate) string {
	if d == nil {
		return ""
	}
	return d.ID
}
