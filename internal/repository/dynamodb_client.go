package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"delegate-assistant/internal/domain"
	"delegate-assistant/internal/session"
)

const (
	skSession   = "SESSION"
	skPrefixEvt = "EVT#"
	ttlDuration = 30 * 24 * time.Hour // 30-day TTL
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoSessions.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoSessions keeps dialogue sessions in a single DynamoDB table: one
// SESSION item per conversation plus one EVT# item per transition.
type DynamoSessions struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

func NewDynamoSessions(api dynamodbAPI, tableName string) (*DynamoSessions, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &DynamoSessions{api: api, tableName: tableName, now: time.Now}, nil
}

// convPK returns the DynamoDB partition key for a conversation.
func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

// evtSK zero-pads the version so sort keys order numerically.
func evtSK(version int64) string {
	return fmt.Sprintf("%s%020d", skPrefixEvt, version)
}

func (c *DynamoSessions) ttlValue() int64 {
	return c.now().Add(ttlDuration).Unix()
}

// LoadSession reads the SESSION item. Without one the event items are
// replayed, and a conversation with neither starts in the initial state.
func (c *DynamoSessions) LoadSession(ctx context.Context, conversationID string) (session.Session, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
			"SK": &types.AttributeValueMemberS{Value: skSession},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return session.Session{}, fmt.Errorf("repository: LoadSession get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		events, err := c.SessionEvents(ctx, conversationID)
		if err != nil {
			return session.Session{}, fmt.Errorf("repository: LoadSession: %w", err)
		}
		return session.Replay(conversationID, events), nil
	}

	st, data, version, at, err := decodeSessionItem(out.Item)
	if err != nil {
		return session.Session{}, fmt.Errorf("repository: LoadSession decode: %w", err)
	}
	messageID, reply := causeAttrs(out.Item)
	return session.Session{
		ConversationID: conversationID,
		State:          st,
		Data:           data,
		Version:        version,
		UpdatedAt:      at,
		MessageID:      messageID,
		Reply:          reply,
	}, nil
}

// SaveSession writes the event and the new projection in one transaction,
// conditioned on the projection still being at the previous version.
func (c *DynamoSessions) SaveSession(ctx context.Context, sess session.Session, ev session.Event) error {
	raw, err := session.Encode(ev.Data)
	if err != nil {
		return fmt.Errorf("repository: SaveSession: %w", err)
	}
	pk := convPK(sess.ConversationID)
	ttl := c.ttlValue()

	projection := &types.Put{
		TableName: aws.String(c.tableName),
		Item:      withCause(sessionItem(pk, skSession, sess.State, raw, sess.Version, sess.UpdatedAt, ttl), sess.MessageID, sess.Reply),
	}
	if ev.Version == 1 {
		projection.ConditionExpression = aws.String("attribute_not_exists(PK)")
	} else {
		// a missing projection is rebuilt from the events; the event put
		// below still rejects a stale version
		projection.ConditionExpression = aws.String("attribute_not_exists(PK) OR version = :prev")
		projection.ExpressionAttributeValues = map[string]types.AttributeValue{
			":prev": &types.AttributeValueMemberN{Value: strconv.FormatInt(ev.Version-1, 10)},
		}
	}
	event := withCause(sessionItem(pk, evtSK(ev.Version), ev.State, raw, ev.Version, ev.CreatedAt, ttl), ev.MessageID, ev.Reply)
	event["eventId"] = &types.AttributeValueMemberS{Value: ev.ID}

	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: projection},
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                event,
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
		},
	})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) {
			return fmt.Errorf("repository: SaveSession: %w", domain.ErrConflict)
		}
		return fmt.Errorf("repository: SaveSession: %w", err)
	}
	return nil
}

// SessionEvents queries all EVT# items for a conversation in version order.
func (c *DynamoSessions) SessionEvents(ctx context.Context, conversationID string) ([]session.Event, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixEvt},
		},
		ScanIndexForward: aws.Bool(true),
	}

	var events []session.Event
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: SessionEvents query: %w", err)
		}
		for _, item := range out.Items {
			st, data, version, at, err := decodeSessionItem(item)
			if err != nil {
				return nil, fmt.Errorf("repository: SessionEvents unmarshal: %w", err)
			}
			id, _ := strAttr(item, "eventId") // allow empty
			messageID, reply := causeAttrs(item)
			events = append(events, session.Event{
				ID:             id,
				ConversationID: conversationID,
				Version:        version,
				State:          st,
				Data:           data,
				CreatedAt:      at,
				MessageID:      messageID,
				Reply:          reply,
			})
		}
		if len(out.LastEvaluatedKey) == 0 {
			return events, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func sessionItem(pk, sk string, st session.State, data []byte, version int64, at time.Time, ttl int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":      &types.AttributeValueMemberS{Value: pk},
		"SK":      &types.AttributeValueMemberS{Value: sk},
		"state":   &types.AttributeValueMemberS{Value: string(st)},
		"data":    &types.AttributeValueMemberS{Value: string(data)},
		"version": &types.AttributeValueMemberN{Value: strconv.FormatInt(version, 10)},
		"at":      &types.AttributeValueMemberS{Value: at.UTC().Format(time.RFC3339Nano)},
		"ttl":     &types.AttributeValueMemberN{Value: strconv.FormatInt(ttl, 10)},
	}
}

// withCause records the triggering message on an item. Items written before
// messages were tracked simply lack the attributes.
func withCause(item map[string]types.AttributeValue, messageID, reply string) map[string]types.AttributeValue {
	if messageID != "" {
		item["messageId"] = &types.AttributeValueMemberS{Value: messageID}
		item["reply"] = &types.AttributeValueMemberS{Value: reply}
	}
	return item
}

func causeAttrs(item map[string]types.AttributeValue) (string, string) {
	messageID, _ := strAttr(item, "messageId")
	reply, _ := strAttr(item, "reply")
	return messageID, reply
}

func decodeSessionItem(item map[string]types.AttributeValue) (session.State, session.Data, int64, time.Time, error) {
	rawState, err := strAttr(item, "state")
	if err != nil {
		return "", session.Data{}, 0, time.Time{}, err
	}
	st, err := session.ParseState(rawState)
	if err != nil {
		return "", session.Data{}, 0, time.Time{}, err
	}
	rawData, _ := strAttr(item, "data") // allow empty
	data, err := session.Decode([]byte(rawData))
	if err != nil {
		return "", session.Data{}, 0, time.Time{}, err
	}
	version, err := int64Attr(item, "version")
	if err != nil {
		return "", session.Data{}, 0, time.Time{}, err
	}
	var at time.Time
	if rawAt, err := strAttr(item, "at"); err == nil {
		at, _ = time.Parse(time.RFC3339Nano, rawAt)
	}
	return st, data, version, at.UTC(), nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
