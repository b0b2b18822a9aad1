package repository

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"delegate-assistant/internal/domain"
	"delegate-assistant/internal/ids"
	"delegate-assistant/internal/session"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := OpenSQL(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newConversation(t *testing.T, s *SQLStore, key string, at time.Time) domain.Conversation {
	t.Helper()
	c, err := s.CreateConversation(context.Background(), domain.Conversation{
		ID:              ids.Ordered(),
		CounterpartyKey: key,
		Channel:         domain.ChannelWhatsApp,
		CreatedAt:       at,
		LastActivity:    at,
	})
	require.NoError(t, err)
	return c
}

func inboundPair(convID, text string, at time.Time) (domain.Message, domain.Message) {
	in := domain.Message{ID: ids.Ordered(), ConversationID: convID, Direction: domain.DirectionIn, Content: text, CreatedAt: at}
	out := domain.Message{ID: ids.Ordered(), ConversationID: convID, Direction: domain.DirectionOut, Content: domain.PlaceholderText, ReplyTo: in.ID, CreatedAt: at}
	return in, out
}

func TestOpenSQL_MigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := OpenSQL(context.Background(), DriverSQLite, path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenSQL(context.Background(), DriverSQLite, path)
	require.NoError(t, err)
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())
}

func TestCreateConversation_ConcurrentCallersShareOne(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	var wg sync.WaitGroup
	got := make([]domain.Conversation, 8)
	errs := make([]error, 8)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i], errs[i] = s.CreateConversation(context.Background(), domain.Conversation{
				ID: ids.Ordered(), CounterpartyKey: "56911112222", Channel: domain.ChannelWhatsApp,
				CreatedAt: now, LastActivity: now,
			})
		}(i)
	}
	wg.Wait()

	for i := range got {
		require.NoError(t, errs[i])
		require.Equal(t, got[0].ID, got[i].ID)
	}
	active, err := s.ActiveConversation(context.Background(), domain.ChannelWhatsApp, "56911112222")
	require.NoError(t, err)
	require.Equal(t, got[0].ID, active.ID)
}

func TestActiveConversation_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.ActiveConversation(context.Background(), domain.ChannelWeb, "nobody")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeactivateInactive_ClosesOnlyIdle(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()
	idle := newConversation(t, s, "idle", now.Add(-2*time.Hour))
	fresh := newConversation(t, s, "fresh", now)

	n, err := s.DeactivateInactive(context.Background(), now.Add(-time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, err = s.ActiveConversation(context.Background(), domain.ChannelWhatsApp, "idle")
	require.ErrorIs(t, err, domain.ErrNotFound)
	got, err := s.GetConversation(context.Background(), idle.ID)
	require.NoError(t, err)
	require.False(t, got.Active)

	stillActive, err := s.ActiveConversation(context.Background(), domain.ChannelWhatsApp, "fresh")
	require.NoError(t, err)
	require.Equal(t, fresh.ID, stillActive.ID)

	// a new conversation may now open for the idle counterparty
	reopened := newConversation(t, s, "idle", now)
	require.NotEqual(t, idle.ID, reopened.ID)
}

func TestResolvePlaceholder_OnlyOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	conv := newConversation(t, s, "k", now)
	in, out := inboundPair(conv.ID, "hola", now)
	require.NoError(t, s.AppendInbound(ctx, in, out))

	placeholder, err := s.PlaceholderFor(ctx, in.ID)
	require.NoError(t, err)
	require.Equal(t, out.ID, placeholder.ID)
	require.True(t, placeholder.Pending())

	pending, err := s.LatestPendingOutbound(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, out.ID, pending.ID)

	won, err := s.ResolvePlaceholder(ctx, out.ID, "primera", now)
	require.NoError(t, err)
	require.True(t, won)
	won, err = s.ResolvePlaceholder(ctx, out.ID, "segunda", now)
	require.NoError(t, err)
	require.False(t, won)

	resolved, err := s.GetMessage(ctx, out.ID)
	require.NoError(t, err)
	require.Equal(t, "primera", resolved.Content)
	require.Equal(t, "primera", resolved.AIResponse)
	require.True(t, resolved.AIProcessed)
	require.NotNil(t, resolved.ProcessedAt)

	_, err = s.LatestPendingOutbound(ctx, conv.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)

	marked, err := s.MarkProcessed(ctx, in.ID, "primera", now)
	require.NoError(t, err)
	require.True(t, marked)
	marked, err = s.MarkProcessed(ctx, in.ID, "primera", now)
	require.NoError(t, err)
	require.False(t, marked)
}

func TestRecentMessages_SkipsPendingAndSynthetic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	conv := newConversation(t, s, "k", now)

	in1, out1 := inboundPair(conv.ID, "primera pregunta", now)
	require.NoError(t, s.AppendInbound(ctx, in1, out1))
	_, err := s.ResolvePlaceholder(ctx, out1.ID, "primera respuesta", now)
	require.NoError(t, err)

	require.NoError(t, s.AppendMessage(ctx, domain.Message{
		ID: ids.Ordered(), ConversationID: conv.ID, Direction: domain.DirectionOut,
		Content: domain.StateMarker + "INITIAL", AIProcessed: true, CreatedAt: now,
	}))

	in2, out2 := inboundPair(conv.ID, "segunda pregunta", now)
	require.NoError(t, s.AppendInbound(ctx, in2, out2))

	history, err := s.RecentMessages(ctx, conv.ID, in2.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "primera pregunta", history[0].Content)
	require.Equal(t, "primera respuesta", history[1].Content)

	limited, err := s.RecentMessages(ctx, conv.ID, in2.ID, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	require.Equal(t, "primera respuesta", limited[0].Content)

	transcript, err := s.Transcript(ctx, conv.ID, "", 50)
	require.NoError(t, err)
	require.Len(t, transcript, 4)
	require.Equal(t, domain.PlaceholderText, transcript[3].Content)

	after, err := s.Transcript(ctx, conv.ID, in2.ID, 50)
	require.NoError(t, err)
	require.Len(t, after, 1)
	require.Equal(t, out2.ID, after[0].ID)
}

func TestLogInteraction_OnePerMessage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	in := domain.QAInteraction{
		ID: ids.Random(), Query: "horario", QuestionID: "q1", AnswerID: "a1",
		Confidence: 0.8, ConversationID: "c1", MessageID: "m1", CreatedAt: time.Now(),
	}
	require.NoError(t, s.LogInteraction(ctx, in))
	in.ID = ids.Random()
	require.NoError(t, s.LogInteraction(ctx, in))

	n, err := s.CountInteractions(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestUpsertQuestion_ReplacesAnswers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()
	q := domain.Question{ID: "q1", Text: "¿Cuál es el horario?", Keywords: "horario", Active: true, Answers: []domain.Answer{
		{ID: "a1", Text: "De 9 a 18", IsDefault: true},
		{ID: "a2", Text: "Consulte sucursal"},
	}}
	require.NoError(t, s.UpsertQuestion(ctx, q, now))
	require.NoError(t, s.UpsertQuestion(ctx, domain.Question{ID: "q2", Text: "inactiva", Active: false}, now))

	q.Answers = q.Answers[:1]
	require.NoError(t, s.UpsertQuestion(ctx, q, now))

	got, err := s.ActiveQuestions(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "horario", got[0].Keywords)
	require.Len(t, got[0].Answers, 1)
	require.True(t, got[0].Answers[0].IsDefault)
}

func TestSearchPharmacies_CaseInsensitiveActiveOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertPharmacy(ctx, domain.Pharmacy{ID: "p1", Name: "Farmacia Central", Address: "Av. Norte 1", Active: true}))
	require.NoError(t, s.UpsertPharmacy(ctx, domain.Pharmacy{ID: "p2", Name: "Botica Sur", Address: "Calle Central 9", Active: true}))
	require.NoError(t, s.UpsertPharmacy(ctx, domain.Pharmacy{ID: "p3", Name: "Central Cerrada", Active: false}))
	require.NoError(t, s.UpsertPharmacy(ctx, domain.Pharmacy{ID: "p4", Name: "100% Salud", Active: true}))

	got, err := s.SearchPharmacies(ctx, "CENTRAL", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "Botica Sur", got[0].Name)
	require.Equal(t, "Farmacia Central", got[1].Name)

	pct, err := s.SearchPharmacies(ctx, "0%", 10)
	require.NoError(t, err)
	require.Len(t, pct, 1)
	require.Equal(t, "p4", pct[0].ID)

	_, err = s.GetPharmacy(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestVisitsAndFeedback(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertPharmacy(ctx, domain.Pharmacy{ID: "p1", Name: "Farmacia Central", Active: true}))
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, st := range []domain.VisitStatus{domain.VisitCompleted, domain.VisitPending} {
		require.NoError(t, s.CreateVisit(ctx, domain.Visit{
			ID: ids.Random(), PharmacyID: "p1", DelegateID: "d1", Status: st, VisitDate: base.AddDate(0, 0, i),
		}))
	}
	require.NoError(t, s.CreateVisit(ctx, domain.Visit{ID: "other", PharmacyID: "p1", DelegateID: "d2", Status: domain.VisitPending, VisitDate: base}))

	visits, err := s.RecentVisits(ctx, "p1", "d1", 5)
	require.NoError(t, err)
	require.Len(t, visits, 2)
	require.Equal(t, domain.VisitPending, visits[0].Status)
	require.True(t, visits[0].VisitDate.After(visits[1].VisitDate))

	require.NoError(t, s.CreateFeedback(ctx, domain.Feedback{
		ID: ids.Random(), VisitID: visits[0].ID, Medium: domain.FeedbackText, Content: "todo bien", CreatedAt: base,
	}))
	v, err := s.GetVisit(ctx, visits[0].ID)
	require.NoError(t, err)
	require.Equal(t, "p1", v.PharmacyID)
}

func TestSaveSession_VersionConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	loaded, err := s.LoadSession(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, session.Initial, loaded.State)

	first, ev := session.Transition(loaded, ids.Ordered(), session.AwaitingPharmacy, session.Data{
		Pharmacies: []session.PharmacyRef{{ID: "p1", Name: "Farmacia Central"}},
	}, now)
	require.NoError(t, s.SaveSession(ctx, first, ev))

	// a second writer that also started from version 0 loses
	_, stale := session.Transition(loaded, ids.Ordered(), session.Initial, session.Data{}, now)
	require.ErrorIs(t, s.SaveSession(ctx, first, stale), domain.ErrConflict)

	second, ev2 := session.Transition(first, ids.Ordered(), session.PharmacySelected, session.Data{
		SelectedPharmacy: &session.PharmacyDetail{ID: "p1", Name: "Farmacia Central"},
	}, now)
	require.NoError(t, s.SaveSession(ctx, second, ev2))
	_, stale2 := session.Transition(first, ids.Ordered(), session.Initial, session.Data{}, now)
	require.ErrorIs(t, s.SaveSession(ctx, second, stale2), domain.ErrConflict)

	got, err := s.LoadSession(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, session.PharmacySelected, got.State)
	require.EqualValues(t, 2, got.Version)
	require.Equal(t, "p1", got.Data.SelectedPharmacy.ID)

	events, err := s.SessionEvents(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	replayed := session.Replay("c1", events)
	require.Equal(t, got.State, replayed.State)
	require.Equal(t, got.Version, replayed.Version)
}

func TestSaveSession_KeepsTriggeringMessage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first, ev := session.Transition(session.New("c1"), ids.Ordered(), session.AwaitingPharmacy, session.Data{}, now)
	first, ev = session.Caused(first, ev, "m-1", "Farmacias encontradas")
	require.NoError(t, s.SaveSession(ctx, first, ev))

	got, err := s.LoadSession(ctx, "c1")
	require.NoError(t, err)
	require.True(t, got.AppliedBy("m-1"))
	require.Equal(t, "Farmacias encontradas", got.Reply)

	// the same message cannot record a second event
	second, ev2 := session.Transition(got, ids.Ordered(), session.Initial, session.Data{}, now)
	second, ev2 = session.Caused(second, ev2, "m-1", "otra")
	require.ErrorIs(t, s.SaveSession(ctx, second, ev2), domain.ErrConflict)

	events, err := s.SessionEvents(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "m-1", events[0].MessageID)
}

func TestLoadSession_ReplaysEventsWithoutProjection(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first, ev := session.Transition(session.New("c1"), ids.Ordered(), session.AwaitingPharmacy, session.Data{
		Pharmacies: []session.PharmacyRef{{ID: "p1", Name: "Farmacia Central"}},
	}, now)
	first, ev = session.Caused(first, ev, "m-1", "lista")
	require.NoError(t, s.SaveSession(ctx, first, ev))
	second, ev2 := session.Transition(first, ids.Ordered(), session.PharmacySelected, session.Data{
		SelectedPharmacy: &session.PharmacyDetail{ID: "p1", Name: "Farmacia Central"},
	}, now)
	second, ev2 = session.Caused(second, ev2, "m-2", "seleccionada")
	require.NoError(t, s.SaveSession(ctx, second, ev2))

	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM sessions WHERE conversation_id = ?`), "c1")
	require.NoError(t, err)

	got, err := s.LoadSession(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, session.PharmacySelected, got.State)
	require.EqualValues(t, 2, got.Version)
	require.True(t, got.AppliedBy("m-2"))
	require.Equal(t, "p1", got.Data.SelectedPharmacy.ID)

	// a stale writer still loses, the rebuilt session moves on
	_, stale := session.Transition(first, ids.Ordered(), session.Initial, session.Data{}, now)
	require.ErrorIs(t, s.SaveSession(ctx, first, stale), domain.ErrConflict)
	third, ev3 := session.Transition(got, ids.Ordered(), session.Initial, session.Data{}, now)
	require.NoError(t, s.SaveSession(ctx, third, ev3))

	got, err = s.LoadSession(ctx, "c1")
	require.NoError(t, err)
	require.EqualValues(t, 3, got.Version)
	require.Equal(t, session.Initial, got.State)
}

func TestLoadSession_RecoversLegacyRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	conv := newConversation(t, s, "legacy", now)

	rows := []string{
		domain.StateMarker + "AWAITING_PHARMACY",
		domain.DataMarker + `{"pharmacies":[{"id":7,"name":"Farmacia Central","address":"Av. Norte 1"}]}`,
		domain.StateMarker + "pharmacy_selected",
		domain.DataMarker + `{not json`,
	}
	for _, content := range rows {
		require.NoError(t, s.AppendMessage(ctx, domain.Message{
			ID: ids.Ordered(), ConversationID: conv.ID, Direction: domain.DirectionOut,
			Content: content, AIProcessed: true, CreatedAt: now,
		}))
	}

	got, err := s.LoadSession(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, session.PharmacySelected, got.State)
	require.Len(t, got.Data.Pharmacies, 1)
	require.Equal(t, "7", got.Data.Pharmacies[0].ID)
}
