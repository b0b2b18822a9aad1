package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"delegate-assistant/internal/domain"
	"delegate-assistant/internal/session"
)

type fakeDynamo struct {
	getOut       *dynamodb.GetItemOutput
	getErr       error
	queryOuts    []*dynamodb.QueryOutput
	queryErr     error
	txErr        error
	lastGetInput *dynamodb.GetItemInput
	queryInputs  []*dynamodb.QueryInput
	lastTxInput  *dynamodb.TransactWriteItemsInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	// copy so pagination mutations on the input are observable per call
	cp := *in
	f.queryInputs = append(f.queryInputs, &cp)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if len(f.queryOuts) == 0 {
		return &dynamodb.QueryOutput{}, nil
	}
	out := f.queryOuts[0]
	f.queryOuts = f.queryOuts[1:]
	return out, nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.lastTxInput = in
	return &dynamodb.TransactWriteItemsOutput{}, f.txErr
}

func mustNewSessions(t *testing.T, db *fakeDynamo) *DynamoSessions {
	t.Helper()
	c, err := NewDynamoSessions(db, "test-table")
	require.NoError(t, err)
	c.now = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }
	return c
}

func selectedSession(t *testing.T) (session.Session, session.Event) {
	t.Helper()
	prev := session.New("abc")
	data := session.Data{SelectedPharmacy: &session.PharmacyDetail{ID: "p1", Name: "Farmacia Central"}}
	return session.Transition(prev, "evt-1", session.PharmacySelected, data, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
}

func TestLoadSession_MissingItemStartsInitial(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}
	c := mustNewSessions(t, db)
	s, err := c.LoadSession(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, session.Initial, s.State)
	require.Zero(t, s.Version)
	require.True(t, *db.lastGetInput.ConsistentRead)
	require.Equal(t, "CONV#abc", db.lastGetInput.Key["PK"].(*types.AttributeValueMemberS).Value)
}

func TestLoadSession_MissingItemReplaysEvents(t *testing.T) {
	_, ev := selectedSession(t)
	raw, err := session.Encode(ev.Data)
	require.NoError(t, err)
	item := withCause(sessionItem("CONV#abc", evtSK(1), ev.State, raw, 1, ev.CreatedAt, 0), "m-1", "Has seleccionado: Farmacia Central")
	db := &fakeDynamo{
		getOut:    &dynamodb.GetItemOutput{},
		queryOuts: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{item}}},
	}
	c := mustNewSessions(t, db)

	got, err := c.LoadSession(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, session.PharmacySelected, got.State)
	require.EqualValues(t, 1, got.Version)
	require.True(t, got.AppliedBy("m-1"))
	require.Equal(t, "Has seleccionado: Farmacia Central", got.Reply)
}

func TestLoadSession_MissingItemQueryError(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}, queryErr: errors.New("boom")}
	c := mustNewSessions(t, db)
	_, err := c.LoadSession(context.Background(), "abc")
	require.Error(t, err)
	require.Contains(t, err.Error(), "LoadSession")
}

func TestSaveSession_RecordsTriggeringMessage(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewSessions(t, db)
	sess, ev := selectedSession(t)
	sess, ev = session.Caused(sess, ev, "m-7", "Has seleccionado: Farmacia Central")

	require.NoError(t, c.SaveSession(context.Background(), sess, ev))
	for _, item := range db.lastTxInput.TransactItems {
		require.Equal(t, "m-7", item.Put.Item["messageId"].(*types.AttributeValueMemberS).Value)
		require.Equal(t, "Has seleccionado: Farmacia Central", item.Put.Item["reply"].(*types.AttributeValueMemberS).Value)
	}

	// untracked messages leave the attributes off
	plain, pev := selectedSession(t)
	require.NoError(t, c.SaveSession(context.Background(), plain, pev))
	require.NotContains(t, db.lastTxInput.TransactItems[0].Put.Item, "messageId")
}

func TestLoadSession_DecodesProjection(t *testing.T) {
	sess, _ := selectedSession(t)
	raw, err := session.Encode(sess.Data)
	require.NoError(t, err)
	item := sessionItem("CONV#abc", skSession, sess.State, raw, 3, sess.UpdatedAt, 0)
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: item}}
	c := mustNewSessions(t, db)

	got, err := c.LoadSession(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, session.PharmacySelected, got.State)
	require.EqualValues(t, 3, got.Version)
	require.Equal(t, "Farmacia Central", got.Data.SelectedPharmacy.Name)
}

func TestLoadSession_GetItemError(t *testing.T) {
	db := &fakeDynamo{getErr: errors.New("boom")}
	c := mustNewSessions(t, db)
	_, err := c.LoadSession(context.Background(), "abc")
	require.Error(t, err)
	require.Contains(t, err.Error(), "LoadSession")
}

func TestLoadSession_MalformedVersion(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"state":   &types.AttributeValueMemberS{Value: "INITIAL"},
		"version": &types.AttributeValueMemberS{Value: "bad"},
	}}}
	c := mustNewSessions(t, db)
	_, err := c.LoadSession(context.Background(), "abc")
	require.Error(t, err)
	require.Contains(t, err.Error(), "version")
}

func TestSaveSession_FirstVersionRequiresAbsentProjection(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewSessions(t, db)
	sess, ev := selectedSession(t)

	require.NoError(t, c.SaveSession(context.Background(), sess, ev))
	require.Len(t, db.lastTxInput.TransactItems, 2)
	projection := db.lastTxInput.TransactItems[0].Put
	require.Equal(t, "attribute_not_exists(PK)", *projection.ConditionExpression)
	require.Equal(t, skSession, projection.Item["SK"].(*types.AttributeValueMemberS).Value)

	event := db.lastTxInput.TransactItems[1].Put
	require.Equal(t, evtSK(1), event.Item["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "evt-1", event.Item["eventId"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", *event.ConditionExpression)
}

func TestSaveSession_LaterVersionChecksPrevious(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewSessions(t, db)
	sess, _ := selectedSession(t)
	next, ev := session.Transition(sess, "evt-2", session.AwaitingVisitAction, sess.Data, time.Now())

	require.NoError(t, c.SaveSession(context.Background(), next, ev))
	projection := db.lastTxInput.TransactItems[0].Put
	require.Equal(t, "attribute_not_exists(PK) OR version = :prev", *projection.ConditionExpression)
	require.Equal(t, "1", projection.ExpressionAttributeValues[":prev"].(*types.AttributeValueMemberN).Value)
}

func TestSaveSession_CanceledTransactionIsConflict(t *testing.T) {
	db := &fakeDynamo{txErr: &types.TransactionCanceledException{Message: ptr("ConditionalCheckFailed")}}
	c := mustNewSessions(t, db)
	sess, ev := selectedSession(t)
	err := c.SaveSession(context.Background(), sess, ev)
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestSaveSession_DynamoError(t *testing.T) {
	db := &fakeDynamo{txErr: errors.New("ProvisionedThroughputExceededException")}
	c := mustNewSessions(t, db)
	sess, ev := selectedSession(t)
	err := c.SaveSession(context.Background(), sess, ev)
	require.Error(t, err)
	require.NotErrorIs(t, err, domain.ErrConflict)
	require.Contains(t, err.Error(), "SaveSession")
}

func TestSessionEvents_FollowsPagination(t *testing.T) {
	sess, ev := selectedSession(t)
	raw, err := session.Encode(ev.Data)
	require.NoError(t, err)
	first := sessionItem("CONV#abc", evtSK(1), ev.State, raw, 1, ev.CreatedAt, 0)
	first["eventId"] = &types.AttributeValueMemberS{Value: "evt-1"}
	second := sessionItem("CONV#abc", evtSK(2), session.AwaitingVisitAction, raw, 2, ev.CreatedAt, 0)

	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{
		{Items: []map[string]types.AttributeValue{first}, LastEvaluatedKey: map[string]types.AttributeValue{"PK": first["PK"], "SK": first["SK"]}},
		{Items: []map[string]types.AttributeValue{second}},
	}}
	c := mustNewSessions(t, db)

	events, err := c.SessionEvents(context.Background(), "abc")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "evt-1", events[0].ID)
	require.Empty(t, events[1].ID)

	replayed := session.Replay("abc", events)
	require.Equal(t, session.AwaitingVisitAction, replayed.State)
	require.Equal(t, sess.Data.SelectedPharmacy.ID, replayed.Data.SelectedPharmacy.ID)

	require.Len(t, db.queryInputs, 2)
	require.Equal(t, "PK = :pk AND begins_with(SK, :prefix)", *db.queryInputs[0].KeyConditionExpression)
	require.True(t, *db.queryInputs[0].ScanIndexForward)
	require.NotEmpty(t, db.queryInputs[1].ExclusiveStartKey)
}

func TestSessionEvents_QueryError(t *testing.T) {
	db := &fakeDynamo{queryErr: errors.New("ResourceNotFoundException")}
	c := mustNewSessions(t, db)
	_, err := c.SessionEvents(context.Background(), "abc")
	require.Error(t, err)
	require.Contains(t, err.Error(), "SessionEvents")
}

func TestEvtSK_SortsNumerically(t *testing.T) {
	require.Less(t, evtSK(9), evtSK(10))
	require.Equal(t, "CONV#my-conv", convPK("my-conv"))
}

func TestNewDynamoSessions_NilAPI(t *testing.T) {
	_, err := NewDynamoSessions(nil, "test-table")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}

func TestNewDynamoSessions_EmptyTableName(t *testing.T) {
	_, err := NewDynamoSessions(&fakeDynamo{}, " ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be empty")
}

func ptr(s string) *string { return &s }
