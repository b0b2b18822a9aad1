package qa

import (
	"testing"

	"github.com/stretchr/testify/require"

	"delegate-assistant/internal/domain"
)

func catalog() []domain.Question {
	return []domain.Question{
		{
			ID:       "q-hours",
			Text:     "¿Cuál es el horario de atención?",
			Keywords: "horario, horarios de atención",
			Active:   true,
			Answers: []domain.Answer{
				{ID: "a-1", QuestionID: "q-hours", Text: "De 9 a 18h."},
				{ID: "a-2", QuestionID: "q-hours", Text: "Lunes a viernes de 9 a 18h.", IsDefault: true},
			},
		},
		{
			ID:       "q-samples",
			Text:     "¿Cómo solicito muestras de producto?",
			Keywords: "muestras",
			Active:   true,
			Answers:  []domain.Answer{{ID: "a-3", QuestionID: "q-samples", Text: "Desde el portal de pedidos."}},
		},
		{
			ID:      "q-inactive",
			Text:    "pregunta desactivada",
			Active:  false,
			Answers: []domain.Answer{{ID: "a-4", Text: "no"}},
		},
	}
}

func TestMatchQuery_ExactQuestionText(t *testing.T) {
	for _, q := range catalog()[:2] {
		m, ok := MatchQuery("  "+q.Text+" ", catalog())
		require.True(t, ok, q.Text)
		require.Equal(t, q.ID, m.Question.ID)
		require.Equal(t, 1.0, m.Confidence)
	}
}

func TestMatchQuery_ShortQueryRejected(t *testing.T) {
	for _, q := range []string{"", "  ", "ok", " si "} {
		_, ok := MatchQuery(q, catalog())
		require.False(t, ok, "query=%q", q)
	}
}

func TestMatchQuery_KeywordCoverage(t *testing.T) {
	_, ok := MatchQuery("Muestras  gratis", catalog())
	require.False(t, ok)

	// "muestras" covers 8 of 12 runes.
	m, ok := MatchQuery("muestras pls", catalog())
	require.True(t, ok)
	require.Equal(t, "q-samples", m.Question.ID)
	require.InDelta(t, 8.0/12.0, m.Confidence, 1e-9)
	require.Equal(t, "a-3", m.Answer.ID)
}

func TestMatchQuery_PrefersDefaultAnswer(t *testing.T) {
	m, ok := MatchQuery("horarios de atención", catalog())
	require.True(t, ok)
	require.Equal(t, "q-hours", m.Question.ID)
	require.Equal(t, "a-2", m.Answer.ID)
	require.Equal(t, 1.0, m.Confidence)
}

func TestMatchQuery_FirstAnswerWithoutDefault(t *testing.T) {
	qs := catalog()
	qs[0].Answers[1].IsDefault = false
	m, ok := MatchQuery("horario", qs)
	require.True(t, ok)
	require.Equal(t, "a-1", m.Answer.ID)
}

func TestMatchQuery_QuestionWithoutAnswersIsNoMatch(t *testing.T) {
	qs := catalog()
	qs[1].Answers = nil
	_, ok := MatchQuery("¿Cómo solicito muestras de producto?", qs)
	require.False(t, ok)
}

func TestMatchQuery_InactiveQuestionsIgnored(t *testing.T) {
	_, ok := MatchQuery("pregunta desactivada", catalog())
	require.False(t, ok)
}

func TestMatchQuery_NothingClose(t *testing.T) {
	_, ok := MatchQuery("quiero buscar la farmacia del centro", catalog())
	require.False(t, ok)
}
