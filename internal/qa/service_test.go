package qa

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"delegate-assistant/internal/domain"
)

type fakeRepo struct {
	questions    []domain.Question
	questionsErr error
	logErr       error
	loads        int
	logged       []domain.QAInteraction
}

func (f *fakeRepo) ActiveQuestions(_ context.Context) ([]domain.Question, error) {
	f.loads++
	return f.questions, f.questionsErr
}

func (f *fakeRepo) LogInteraction(_ context.Context, in domain.QAInteraction) error {
	if f.logErr != nil {
		return f.logErr
	}
	f.logged = append(f.logged, in)
	return nil
}

func TestNewService_ValidatesRepository(t *testing.T) {
	_, err := NewService(nil, nil)
	require.Error(t, err)
}

func TestAnswer_LogsInteraction(t *testing.T) {
	repo := &fakeRepo{questions: catalog()}
	svc, err := NewService(repo, zaptest.NewLogger(t))
	require.NoError(t, err)

	m, ok, err := svc.Answer(context.Background(), Query{
		Text:           "¿Cuál es el horario de atención?",
		ConversationID: "conv-1",
		DelegateID:     "del-1",
		MessageID:      "msg-1",
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Lunes a viernes de 9 a 18h.", m.Answer.Text)

	require.Len(t, repo.logged, 1)
	row := repo.logged[0]
	require.Equal(t, "q-hours", row.QuestionID)
	require.Equal(t, "a-2", row.AnswerID)
	require.Equal(t, 1.0, row.Confidence)
	require.Equal(t, "conv-1", row.ConversationID)
	require.Equal(t, "del-1", row.DelegateID)
	require.Equal(t, "msg-1", row.MessageID)
	require.NotEmpty(t, row.ID)
}

func TestAnswer_ShortQueryTouchesNothing(t *testing.T) {
	repo := &fakeRepo{questions: catalog()}
	svc, err := NewService(repo, nil)
	require.NoError(t, err)

	_, ok, err := svc.Answer(context.Background(), Query{Text: " ok ", MessageID: "msg-1"})
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, repo.loads)
	require.Empty(t, repo.logged)
}

func TestAnswer_NoMatchLogsNothing(t *testing.T) {
	repo := &fakeRepo{questions: catalog()}
	svc, err := NewService(repo, nil)
	require.NoError(t, err)

	_, ok, err := svc.Answer(context.Background(), Query{Text: "farmacia centro"})
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, repo.logged)
}

func TestAnswer_StoreErrors(t *testing.T) {
	svc, err := NewService(&fakeRepo{questionsErr: errors.New("db down")}, nil)
	require.NoError(t, err)
	_, _, err = svc.Answer(context.Background(), Query{Text: "horario"})
	require.ErrorContains(t, err, "load questions")

	svc, err = NewService(&fakeRepo{questions: catalog(), logErr: errors.New("db down")}, nil)
	require.NoError(t, err)
	_, ok, err := svc.Answer(context.Background(), Query{Text: "horario"})
	require.ErrorContains(t, err, "log interaction")
	require.False(t, ok)
}
