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

	"channel-relay/internal/domain"
)

const (
	skPrefixTurn = "TURN#"
	skMeta       = "META#"
	ttlDuration  = 90 * 24 * time.Hour
)

// dynamodbAPI is the minimal DynamoDB interface required by Archive.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// TurnRecord is one archived dispatch: the merged input sent to the model
// and the reply it produced.
type TurnRecord struct {
	PK         string
	SK         string
	DispatchID string
	Input      string
	Reply      string
	Model      string
	Tokens     int
	TTL        int64
}

// ChannelMeta stores aggregate per-channel archive state.
type ChannelMeta struct {
	PK           string
	SK           string
	LastActivity string
	Turns        int
	TTL          int64
}

// Archive mirrors completed dispatches into a DynamoDB table. It is a
// write-behind audit trail; the file store stays authoritative.
type Archive struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// NewArchive creates an Archive writing to tableName.
func NewArchive(api dynamodbAPI, tableName string) (*Archive, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Archive{api: api, tableName: tableName, now: time.Now}, nil
}

func channelPK(id domain.ConversationID) string {
	return "CHAN#" + id.GuildID + "#" + id.ChannelKey()
}

func turnSK(ts time.Time) string {
	return skPrefixTurn + ts.UTC().Format(time.RFC3339Nano)
}

func (a *Archive) ttlValue() int64 {
	return a.now().Add(ttlDuration).Unix()
}

// TurnCount returns the number of archived turns for a channel.
func (a *Archive) TurnCount(ctx context.Context, id domain.ConversationID) (int, error) {
	out, err := a.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(a.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: channelPK(id)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("repository: TurnCount get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return 0, nil
	}
	turns, err := intAttr(out.Item, "turns")
	if err != nil {
		return 0, fmt.Errorf("repository: TurnCount decode turns: %w", err)
	}
	return turns, nil
}

// RecordTurn archives one completed dispatch and bumps the channel's turn
// count in a single transaction.
func (a *Archive) RecordTurn(ctx context.Context, id domain.ConversationID, meta domain.DispatchMetadata, input, reply string) error {
	turns, err := a.TurnCount(ctx, id)
	if err != nil {
		return fmt.Errorf("repository: RecordTurn: %w", err)
	}

	at := meta.At
	if at.IsZero() {
		at = a.now()
	}
	ttl := a.ttlValue()
	rec := TurnRecord{
		PK:         channelPK(id),
		SK:         turnSK(at),
		DispatchID: meta.ID,
		Input:      input,
		Reply:      reply,
		Model:      meta.Model,
		Tokens:     meta.Usage.TotalTokens,
		TTL:        ttl,
	}
	cm := ChannelMeta{
		PK:           channelPK(id),
		SK:           skMeta,
		LastActivity: at.UTC().Format(time.RFC3339),
		Turns:        turns + 1,
		TTL:          ttl,
	}

	_, err = a.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(a.tableName),
					Item:                turnItem(rec),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Put: &types.Put{
					TableName: aws.String(a.tableName),
					Item:      channelMetaItem(cm),
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: RecordTurn: %w", err)
	}
	return nil
}

func turnItem(rec TurnRecord) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: rec.PK},
		"SK":         &types.AttributeValueMemberS{Value: rec.SK},
		"dispatchId": &types.AttributeValueMemberS{Value: rec.DispatchID},
		"input":      &types.AttributeValueMemberS{Value: rec.Input},
		"reply":      &types.AttributeValueMemberS{Value: rec.Reply},
		"model":      &types.AttributeValueMemberS{Value: rec.Model},
		"tokens":     &types.AttributeValueMemberN{Value: strconv.Itoa(rec.Tokens)},
		"ttl":        &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.TTL, 10)},
	}
}

func channelMetaItem(meta ChannelMeta) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":           &types.AttributeValueMemberS{Value: meta.PK},
		"SK":           &types.AttributeValueMemberS{Value: meta.SK},
		"lastActivity": &types.AttributeValueMemberS{Value: meta.LastActivity},
		"turns":        &types.AttributeValueMemberN{Value: strconv.Itoa(meta.Turns)},
		"ttl":          &types.AttributeValueMemberN{Value: strconv.FormatInt(meta.TTL, 10)},
	}
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
