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

	"message-ingest/internal/domain"
)

const (
	skPrefixMsg    = "MSG#"
	skPrefixClaim  = "CLAIM#"
	skMeta         = "META#"
	defaultTimeout = 5 * time.Second

	conditionalCheckFailed = "ConditionalCheckFailed"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client wraps a DynamoDB table holding conversation aggregates, message
// claims and the hot message tier.
type Client struct {
	api       dynamodbAPI
	tableName string
	timeout   time.Duration
	now       func() time.Time
}

type Option func(*Client)

// WithTimeout bounds every DynamoDB call made by the client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithClock sets the time source for timestamps the client writes itself.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	c := &Client{api: api, tableName: tableName, timeout: defaultTimeout, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// convPK returns the DynamoDB partition key for a conversation.
func convPK(sender string) string {
	return "CONV#" + sender
}

func msgSK(messageID string) string {
	return skPrefixMsg + messageID
}

func claimSK(messageID string) string {
	return skPrefixClaim + messageID
}

func (c *Client) key(sender, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: convPK(sender)},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// GetConversation reads the conversation aggregate for sender with a strongly
// consistent read.
func (c *Client) GetConversation(ctx context.Context, sender string) (domain.ConversationState, error) {
	if strings.TrimSpace(sender) == "" {
		return domain.ConversationState{}, errors.New("repository: GetConversation: sender is required")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            c.key(sender, skMeta),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.ConversationState{}, fmt.Errorf("repository: GetConversation get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.NewConversationState(sender), nil
	}

	conv, err := itemToConversation(out.Item)
	if err != nil {
		return domain.ConversationState{}, fmt.Errorf("repository: GetConversation decode: %w: %w", domain.ErrCorruptConversation, err)
	}
	conv.Sender = sender
	return domain.ConversationState{Conversation: conv, Found: true}, nil
}

// ClaimMessage records the message id and applies the claim's counter deltas in
// one transaction. The claim marker must not exist and the conversation must
// still match the state the caller read.
func (c *Client) ClaimMessage(ctx context.Context, claim domain.Claim) error {
	if err := validateClaim(claim); err != nil {
		return fmt.Errorf("repository: ClaimMessage: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	values := deltaValues(claim.Delta)
	values[":sender"] = &types.AttributeValueMemberS{Value: claim.Sender}
	values[":last"] = &types.AttributeValueMemberS{Value: claim.LastMessage}
	values[":ts"] = numberAttr(claim.LastTimestamp)
	values[":now"] = &types.AttributeValueMemberS{Value: claim.At.UTC().Format(time.RFC3339Nano)}

	condition := "attribute_not_exists(PK)"
	if claim.Expected.Found {
		condition = "messageCount = :expected"
		values[":expected"] = numberAttr(int64(claim.Expected.Conversation.MessageCount))
	}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                claimItem(claim),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Update: &types.Update{
					TableName: aws.String(c.tableName),
					Key:       c.key(claim.Sender, skMeta),
					UpdateExpression: aws.String("ADD messageCount :hot, archivedCount :archived, unreadCount :unread " +
						"SET sender = :sender, lastMessage = :last, lastTimestamp = :ts, updatedAt = :now"),
					ConditionExpression:       aws.String(condition),
					ExpressionAttributeValues: values,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: ClaimMessage: %w", classifyCancellation(err))
	}
	return nil
}

// GetClaim reads the claim marker for messageID with a strongly consistent read.
func (c *Client) GetClaim(ctx context.Context, sender, messageID string) (domain.ClaimMarker, error) {
	if sender == "" || messageID == "" {
		return domain.ClaimMarker{}, errors.New("repository: GetClaim: sender and message id are required")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            c.key(sender, claimSK(messageID)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.ClaimMarker{}, fmt.Errorf("repository: GetClaim get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.ClaimMarker{}, fmt.Errorf("repository: GetClaim: %w", domain.ErrClaimNotFound)
	}

	tier, err := strAttr(out.Item, "tier")
	if err != nil {
		return domain.ClaimMarker{}, fmt.Errorf("repository: GetClaim decode: %w", err)
	}
	if t := domain.Tier(tier); t != domain.TierHot && t != domain.TierArchive {
		return domain.ClaimMarker{}, fmt.Errorf("repository: GetClaim decode: unknown tier %q", tier)
	}
	marker := domain.ClaimMarker{Sender: sender, MessageID: messageID, Tier: domain.Tier(tier)}
	if raw, err := strAttr(out.Item, "claimedAt"); err == nil {
		marker.At, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return domain.ClaimMarker{}, fmt.Errorf("repository: GetClaim decode: %w", err)
		}
	}
	return marker, nil
}

// ReleaseClaim deletes a claim marker and reverses its counter deltas. It is
// used when the tier write for a claimed message fails.
func (c *Client) ReleaseClaim(ctx context.Context, claim domain.Claim) error {
	if err := validateClaim(claim); err != nil {
		return fmt.Errorf("repository: ReleaseClaim: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	values := deltaValues(claim.Delta.Negate())
	values[":now"] = &types.AttributeValueMemberS{Value: c.now().UTC().Format(time.RFC3339Nano)}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Delete: &types.Delete{
					TableName:           aws.String(c.tableName),
					Key:                 c.key(claim.Sender, claimSK(claim.MessageID)),
					ConditionExpression: aws.String("attribute_exists(PK)"),
				},
			},
			{
				Update: &types.Update{
					TableName:                 aws.String(c.tableName),
					Key:                       c.key(claim.Sender, skMeta),
					UpdateExpression:          aws.String("ADD messageCount :hot, archivedCount :archived, unreadCount :unread SET updatedAt = :now"),
					ConditionExpression:       aws.String("attribute_exists(PK)"),
					ExpressionAttributeValues: values,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: ReleaseClaim: %w", err)
	}
	return nil
}

// UpsertMessage writes a hot-tier message record keyed by message id.
// Rewriting the same id replaces the record with identical content.
func (c *Client) UpsertMessage(ctx context.Context, rec domain.MessageRecord) error {
	if rec.MessageID == "" || rec.Sender == "" {
		return errors.New("repository: UpsertMessage: message id and sender are required")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      messageItem(rec),
	})
	if err != nil {
		return fmt.Errorf("repository: UpsertMessage: %w", err)
	}
	return nil
}

// classifyCancellation maps a cancelled claim transaction to the domain
// sentinel for whichever condition failed. Item 0 is the claim marker, item 1
// the conversation aggregate.
func classifyCancellation(err error) error {
	var canceled *types.TransactionCanceledException
	if !errors.As(err, &canceled) {
		return err
	}
	reasons := canceled.CancellationReasons
	if len(reasons) > 0 && aws.ToString(reasons[0].Code) == conditionalCheckFailed {
		return fmt.Errorf("%w: %w", domain.ErrDuplicateMessage, err)
	}
	if len(reasons) > 1 && aws.ToString(reasons[1].Code) == conditionalCheckFailed {
		return fmt.Errorf("%w: %w", domain.ErrCounterConflict, err)
	}
	return err
}

func validateClaim(claim domain.Claim) error {
	if claim.Sender == "" || claim.MessageID == "" {
		return errors.New("sender and message id are required")
	}
	return nil
}

func deltaValues(d domain.CounterDelta) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		":hot":      numberAttr(int64(d.Hot)),
		":archived": numberAttr(int64(d.Archived)),
		":unread":   numberAttr(int64(d.Unread)),
	}
}

func itemToConversation(item map[string]types.AttributeValue) (domain.Conversation, error) {
	messageCount, err := intAttr(item, "messageCount")
	if err != nil {
		return domain.Conversation{}, err
	}
	archivedCount, err := intAttr(item, "archivedCount")
	if err != nil {
		return domain.Conversation{}, err
	}
	unreadCount, err := intAttr(item, "unreadCount")
	if err != nil {
		return domain.Conversation{}, err
	}
	if messageCount < 0 || archivedCount < 0 || unreadCount < 0 {
		return domain.Conversation{}, errors.New("repository: negative conversation counter")
	}
	lastTimestamp, err := intAttr(item, "lastTimestamp")
	if err != nil {
		return domain.Conversation{}, err
	}
	lastMessage, _ := strAttr(item, "lastMessage") // allow empty

	var updatedAt time.Time
	if raw, err := strAttr(item, "updatedAt"); err == nil {
		updatedAt, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return domain.Conversation{}, fmt.Errorf("repository: parse attribute %q: %w", "updatedAt", err)
		}
	}

	return domain.Conversation{
		MessageCount:  messageCount,
		ArchivedCount: archivedCount,
		UnreadCount:   unreadCount,
		LastMessage:   lastMessage,
		LastTimestamp: int64(lastTimestamp),
		UpdatedAt:     updatedAt,
	}, nil
}

func messageItem(rec domain.MessageRecord) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: convPK(rec.Sender)},
		"SK":         &types.AttributeValueMemberS{Value: msgSK(rec.MessageID)},
		"messageId":  &types.AttributeValueMemberS{Value: rec.MessageID},
		"sender":     &types.AttributeValueMemberS{Value: rec.Sender},
		"text":       &types.AttributeValueMemberS{Value: rec.Text},
		"timestamp":  numberAttr(rec.Timestamp),
		"tier":       &types.AttributeValueMemberS{Value: string(rec.Tier)},
		"receivedAt": &types.AttributeValueMemberS{Value: rec.ReceivedAt.UTC().Format(time.RFC3339Nano)},
	}
}

func claimItem(claim domain.Claim) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: convPK(claim.Sender)},
		"SK":        &types.AttributeValueMemberS{Value: claimSK(claim.MessageID)},
		"messageId": &types.AttributeValueMemberS{Value: claim.MessageID},
		"tier":      &types.AttributeValueMemberS{Value: string(claim.Tier)},
		"claimedAt": &types.AttributeValueMemberS{Value: claim.At.UTC().Format(time.RFC3339Nano)},
	}
}

func numberAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
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
