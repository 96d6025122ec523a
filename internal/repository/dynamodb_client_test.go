package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"message-ingest/internal/domain"
)

type fakeDynamo struct {
	getOut       *dynamodb.GetItemOutput
	getErr       error
	putErr       error
	txErr        error
	lastGetInput *dynamodb.GetItemInput
	lastPutInput *dynamodb.PutItemInput
	lastTxInput  *dynamodb.TransactWriteItemsInput
	lastDeadline time.Time
}

func (f *fakeDynamo) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	f.lastDeadline, _ = ctx.Deadline()
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.lastTxInput = in
	return &dynamodb.TransactWriteItemsOutput{}, f.txErr
}

func makeMetaItem(messageCount, archivedCount, unreadCount int) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":            &types.AttributeValueMemberS{Value: convPK("15550001111")},
		"SK":            &types.AttributeValueMemberS{Value: skMeta},
		"messageCount":  numberAttr(int64(messageCount)),
		"archivedCount": numberAttr(int64(archivedCount)),
		"unreadCount":   numberAttr(int64(unreadCount)),
		"lastMessage":   &types.AttributeValueMemberS{Value: "hello"},
		"lastTimestamp": numberAttr(1700000000),
		"updatedAt":     &types.AttributeValueMemberS{Value: "2026-02-27T12:00:00Z"},
	}
}

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "test-table")
	require.NoError(t, err)
	return c
}

func testClaim(found bool, count int) domain.Claim {
	return domain.Claim{
		Sender:        "15550001111",
		MessageID:     "wamid.1",
		Tier:          domain.TierHot,
		Expected:      domain.ConversationState{Conversation: domain.Conversation{MessageCount: count}, Found: found},
		Delta:         domain.DeltaFor(domain.TierHot),
		LastMessage:   "hi",
		LastTimestamp: 1700000001,
		At:            time.Date(2026, 2, 27, 12, 0, 0, 0, time.UTC),
	}
}

func cancelled(codes ...string) error {
	reasons := make([]types.CancellationReason, 0, len(codes))
	for _, code := range codes {
		reasons = append(reasons, types.CancellationReason{Code: aws.String(code)})
	}
	return &types.TransactionCanceledException{Message: aws.String("Transaction cancelled"), CancellationReasons: reasons}
}

func TestGetConversation_HappyPath(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: makeMetaItem(99, 2, 7)}}
	c := mustNewClient(t, db)

	state, err := c.GetConversation(context.Background(), "15550001111")
	require.NoError(t, err)
	require.True(t, state.Found)
	require.Equal(t, 99, state.Conversation.MessageCount)
	require.Equal(t, 2, state.Conversation.ArchivedCount)
	require.Equal(t, 7, state.Conversation.UnreadCount)
	require.Equal(t, "hello", state.Conversation.LastMessage)
	require.Equal(t, int64(1700000000), state.Conversation.LastTimestamp)
	require.Equal(t, "15550001111", state.Conversation.Sender)
	require.True(t, *db.lastGetInput.ConsistentRead)
	require.Equal(t, "CONV#15550001111", db.lastGetInput.Key["PK"].(*types.AttributeValueMemberS).Value)
	require.False(t, db.lastDeadline.IsZero(), "store calls must carry a timeout")
}

func TestGetConversation_MissingIsInitialState(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}
	c := mustNewClient(t, db)

	state, err := c.GetConversation(context.Background(), "15550001111")
	require.NoError(t, err)
	require.False(t, state.Found)
	require.Equal(t, domain.NewConversationState("15550001111"), state)
}

func TestGetConversation_CorruptRecord(t *testing.T) {
	item := makeMetaItem(1, 0, 1)
	item["messageCount"] = &types.AttributeValueMemberS{Value: "bad"}
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: item}}
	c := mustNewClient(t, db)

	_, err := c.GetConversation(context.Background(), "15550001111")
	require.Error(t, err)
	require.ErrorIs(t, err, domain.ErrCorruptConversation)
}

func TestGetConversation_NegativeCounterIsCorrupt(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: makeMetaItem(-1, 0, 0)}}
	c := mustNewClient(t, db)

	_, err := c.GetConversation(context.Background(), "15550001111")
	require.ErrorIs(t, err, domain.ErrCorruptConversation)
}

func TestGetConversation_GetItemError(t *testing.T) {
	db := &fakeDynamo{getErr: errors.New("boom")}
	c := mustNewClient(t, db)
	_, err := c.GetConversation(context.Background(), "15550001111")
	require.Error(t, err)
	require.Contains(t, err.Error(), "GetConversation")
	require.NotErrorIs(t, err, domain.ErrCorruptConversation)
}

func TestGetConversation_EmptySender(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	_, err := c.GetConversation(context.Background(), " ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "sender is required")
}

func TestClaimMessage_NewConversation(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	err := c.ClaimMessage(context.Background(), testClaim(false, 0))
	require.NoError(t, err)
	require.Len(t, db.lastTxInput.TransactItems, 2)

	put := db.lastTxInput.TransactItems[0].Put
	require.Equal(t, "CLAIM#wamid.1", put.Item["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", *put.ConditionExpression)

	update := db.lastTxInput.TransactItems[1].Update
	require.Equal(t, "attribute_not_exists(PK)", *update.ConditionExpression)
	require.Contains(t, *update.UpdateExpression, "ADD messageCount :hot, archivedCount :archived, unreadCount :unread")
	require.Equal(t, "1", update.ExpressionAttributeValues[":hot"].(*types.AttributeValueMemberN).Value)
	require.Equal(t, "0", update.ExpressionAttributeValues[":archived"].(*types.AttributeValueMemberN).Value)
	require.Equal(t, "1", update.ExpressionAttributeValues[":unread"].(*types.AttributeValueMemberN).Value)
	require.Equal(t, "hi", update.ExpressionAttributeValues[":last"].(*types.AttributeValueMemberS).Value)
	require.NotContains(t, update.ExpressionAttributeValues, ":expected")
}

func TestClaimMessage_ExistingConversationIsConditionalOnCount(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	err := c.ClaimMessage(context.Background(), testClaim(true, 42))
	require.NoError(t, err)

	update := db.lastTxInput.TransactItems[1].Update
	require.Equal(t, "messageCount = :expected", *update.ConditionExpression)
	require.Equal(t, "42", update.ExpressionAttributeValues[":expected"].(*types.AttributeValueMemberN).Value)
}

func TestClaimMessage_CancellationMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{name: "duplicate", err: cancelled(conditionalCheckFailed, "None"), want: domain.ErrDuplicateMessage},
		{name: "duplicate and conflict", err: cancelled(conditionalCheckFailed, conditionalCheckFailed), want: domain.ErrDuplicateMessage},
		{name: "conflict", err: cancelled("None", conditionalCheckFailed), want: domain.ErrCounterConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := mustNewClient(t, &fakeDynamo{txErr: tc.err})
			err := c.ClaimMessage(context.Background(), testClaim(true, 1))
			require.ErrorIs(t, err, tc.want)
			require.Contains(t, err.Error(), "ClaimMessage")
		})
	}
}

func TestClaimMessage_OtherErrorsPassThrough(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{txErr: cancelled("ThrottlingError", "None")})
	err := c.ClaimMessage(context.Background(), testClaim(true, 1))
	require.Error(t, err)
	require.NotErrorIs(t, err, domain.ErrDuplicateMessage)
	require.NotErrorIs(t, err, domain.ErrCounterConflict)

	c = mustNewClient(t, &fakeDynamo{txErr: errors.New("ProvisionedThroughputExceededException")})
	err = c.ClaimMessage(context.Background(), testClaim(true, 1))
	require.ErrorContains(t, err, "ProvisionedThroughputExceededException")
}

func TestClaimMessage_MissingIDs(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	claim := testClaim(false, 0)
	claim.MessageID = ""
	err := c.ClaimMessage(context.Background(), claim)
	require.Error(t, err)
	require.Contains(t, err.Error(), "required")
}

func TestReleaseClaim_NegatesDeltas(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	claim := testClaim(true, 10)
	claim.Tier = domain.TierArchive
	claim.Delta = domain.DeltaFor(domain.TierArchive)
	require.NoError(t, c.ReleaseClaim(context.Background(), claim))

	del := db.lastTxInput.TransactItems[0].Delete
	require.Equal(t, "CLAIM#wamid.1", del.Key["SK"].(*types.AttributeValueMemberS).Value)

	update := db.lastTxInput.TransactItems[1].Update
	require.Equal(t, "0", update.ExpressionAttributeValues[":hot"].(*types.AttributeValueMemberN).Value)
	require.Equal(t, "-1", update.ExpressionAttributeValues[":archived"].(*types.AttributeValueMemberN).Value)
	require.Equal(t, "-1", update.ExpressionAttributeValues[":unread"].(*types.AttributeValueMemberN).Value)
}

func TestReleaseClaim_StampsUpdatedAtFromClock(t *testing.T) {
	db := &fakeDynamo{}
	released := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)
	c, err := New(db, "test-table", WithClock(func() time.Time { return released }))
	require.NoError(t, err)

	require.NoError(t, c.ReleaseClaim(context.Background(), testClaim(true, 4)))
	update := db.lastTxInput.TransactItems[1].Update
	require.Equal(t, "2026-03-01T08:30:00Z", update.ExpressionAttributeValues[":now"].(*types.AttributeValueMemberS).Value)
}

func TestGetClaim_HappyPath(t *testing.T) {
	claim := testClaim(true, 3)
	claim.Tier = domain.TierArchive
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: claimItem(claim)}}
	c := mustNewClient(t, db)

	marker, err := c.GetClaim(context.Background(), "15550001111", "wamid.1")
	require.NoError(t, err)
	require.Equal(t, domain.ClaimMarker{
		Sender:    "15550001111",
		MessageID: "wamid.1",
		Tier:      domain.TierArchive,
		At:        claim.At,
	}, marker)
	require.True(t, *db.lastGetInput.ConsistentRead)
	require.Equal(t, "CLAIM#wamid.1", db.lastGetInput.Key["SK"].(*types.AttributeValueMemberS).Value)
	require.False(t, db.lastDeadline.IsZero(), "store calls must carry a timeout")
}

func TestGetClaim_Missing(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{}})
	_, err := c.GetClaim(context.Background(), "15550001111", "wamid.1")
	require.ErrorIs(t, err, domain.ErrClaimNotFound)
}

func TestGetClaim_DecodeErrors(t *testing.T) {
	item := claimItem(testClaim(true, 1))
	item["tier"] = &types.AttributeValueMemberS{Value: "cold"}
	c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: item}})
	_, err := c.GetClaim(context.Background(), "15550001111", "wamid.1")
	require.ErrorContains(t, err, "unknown tier")

	c = mustNewClient(t, &fakeDynamo{getErr: errors.New("throttled")})
	_, err = c.GetClaim(context.Background(), "15550001111", "wamid.1")
	require.ErrorContains(t, err, "throttled")
	require.NotErrorIs(t, err, domain.ErrClaimNotFound)

	_, err = c.GetClaim(context.Background(), "", "wamid.1")
	require.ErrorContains(t, err, "required")
}

func TestReleaseClaim_DynamoError(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{txErr: errors.New("transaction canceled")})
	err := c.ReleaseClaim(context.Background(), testClaim(true, 1))
	require.Error(t, err)
	require.Contains(t, err.Error(), "ReleaseClaim")
}

func TestUpsertMessage_HappyPath(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	err := c.UpsertMessage(context.Background(), domain.MessageRecord{
		MessageID:  "wamid.1",
		Sender:     "15550001111",
		Text:       "hello",
		Timestamp:  1700000000,
		Tier:       domain.TierHot,
		ReceivedAt: time.Now(),
	})
	require.NoError(t, err)
	require.Equal(t, "MSG#wamid.1", db.lastPutInput.Item["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "hello", db.lastPutInput.Item["text"].(*types.AttributeValueMemberS).Value)
	require.Nil(t, db.lastPutInput.ConditionExpression, "hot writes are idempotent upserts")
}

func TestUpsertMessage_DynamoError(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{putErr: errors.New("ProvisionedThroughputExceededException")})
	err := c.UpsertMessage(context.Background(), domain.MessageRecord{MessageID: "wamid.1", Sender: "1555"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "UpsertMessage")
}

func TestUpsertMessage_MissingID(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	err := c.UpsertMessage(context.Background(), domain.MessageRecord{Sender: "1555"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "required")
}

func TestKeys(t *testing.T) {
	require.Equal(t, "CONV#1555", convPK("1555"))
	require.Equal(t, "MSG#wamid.1", msgSK("wamid.1"))
	require.Equal(t, "CLAIM#wamid.1", claimSK("wamid.1"))
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil, "test-table")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}

func TestNew_EmptyTableName(t *testing.T) {
	_, err := New(&fakeDynamo{}, " ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be empty")
}

func TestNew_WithTimeout(t *testing.T) {
	c, err := New(&fakeDynamo{}, "t", WithTimeout(250*time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, c.timeout)

	c, err = New(&fakeDynamo{}, "t", WithTimeout(0))
	require.NoError(t, err)
	require.Equal(t, defaultTimeout, c.timeout)
}
