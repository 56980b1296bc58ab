package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"commerce-agent/internal/domain"
)

type fakeDynamo struct {
	getOut       *dynamodb.GetItemOutput
	getErr       error
	putErr       error
	updateOut    *dynamodb.UpdateItemOutput
	updateErr    error
	updateErrs   []error
	queryOuts    []*dynamodb.QueryOutput
	queryErr     error
	txErr        error
	lastGetInput *dynamodb.GetItemInput
	lastPutInput *dynamodb.PutItemInput
	lastUpdateIn *dynamodb.UpdateItemInput
	updateIns    []*dynamodb.UpdateItemInput
	queryInputs  []*dynamodb.QueryInput
	lastTxInput  *dynamodb.TransactWriteItemsInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.lastUpdateIn = in
	f.updateIns = append(f.updateIns, in)
	err := f.updateErr
	if len(f.updateErrs) > 0 {
		err, f.updateErrs = f.updateErrs[0], f.updateErrs[1:]
	}
	if f.updateOut == nil {
		return &dynamodb.UpdateItemOutput{}, err
	}
	return f.updateOut, err
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queryInputs = append(f.queryInputs, in)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	idx := len(f.queryInputs) - 1
	if idx >= len(f.queryOuts) {
		return &dynamodb.QueryOutput{}, nil
	}
	return f.queryOuts[idx], nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.lastTxInput = in
	return &dynamodb.TransactWriteItemsOutput{}, f.txErr
}

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "test-table")
	require.NoError(t, err)
	return c
}

func fixedNow(t *testing.T) time.Time {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	prev := nowFunc
	nowFunc = func() time.Time { return now }
	t.Cleanup(func() { nowFunc = prev })
	return now
}

func ccf() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "t")
	require.ErrorContains(t, err, "must not be nil")
	_, err = New(&fakeDynamo{}, " ")
	require.ErrorContains(t, err, "must not be empty")
}

// ---------------------------------------------------------------------------
// Conversations
// ---------------------------------------------------------------------------

func TestGetConversation_NotFoundReturnsEmpty(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}
	c := mustNewClient(t, db)

	conv, err := c.GetConversation(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, "u1", conv.ID)
	require.Empty(t, conv.History)
	require.True(t, aws.ToBool(db.lastGetInput.ConsistentRead))
}

func TestGetConversation_Decodes(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	item, err := attributevalue.MarshalMap(conversationRecord{
		PK:             convPK("u1"),
		SK:             skConversation,
		ConversationID: "u1",
		History: []domain.Turn{
			{Role: domain.RoleUser, Content: domain.TextContent("გამარჯობა"), Timestamp: ts},
			{Role: domain.RoleAssistant, Content: domain.TextContent("გამარჯობა!"), Timestamp: ts.Add(time.Second)},
		},
		Orders:           []domain.OrderSummary{{Number: "900001", CreatedAt: ts, Item: "ქუდი"}},
		ManualMode:       true,
		EscalationReason: "refund",
		Delivery:         domain.DeliveryState{MapConfirmed: true, Price: 9},
	})
	require.NoError(t, err)
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: item}}
	c := mustNewClient(t, db)

	conv, err := c.GetConversation(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, conv.History, 2)
	require.Equal(t, domain.ContentText, conv.History[0].Content.Kind)
	require.True(t, conv.History[1].Timestamp.Equal(ts.Add(time.Second)))
	require.Equal(t, "900001", conv.Orders[0].Number)
	require.True(t, conv.ManualMode)
	require.Equal(t, "refund", conv.EscalationReason)
	require.True(t, conv.Delivery.MapConfirmed)
	require.Equal(t, 9.0, conv.Delivery.Price)
}

func TestGetConversation_Errors(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getErr: errors.New("boom")})
	_, err := c.GetConversation(context.Background(), "u1")
	require.ErrorContains(t, err, "GetConversation")

	_, err = c.GetConversation(context.Background(), "")
	require.Error(t, err)
}

func TestGetManualMode(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"manualMode": &types.AttributeValueMemberBOOL{Value: true},
	}}}
	c := mustNewClient(t, db)
	on, err := c.GetManualMode(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, on)
	require.Equal(t, "manualMode", aws.ToString(db.lastGetInput.ProjectionExpression))

	db.getOut = &dynamodb.GetItemOutput{}
	on, err = c.GetManualMode(context.Background(), "u1")
	require.NoError(t, err)
	require.False(t, on)
}

func TestSaveProgress(t *testing.T) {
	fixedNow(t)
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	conv := domain.Conversation{
		ID:      "u1",
		History: []domain.Turn{{Role: domain.RoleUser, Content: domain.TextContent("x")}},
	}

	require.NoError(t, c.SaveProgress(context.Background(), conv, ""))
	require.Len(t, db.updateIns, 1)
	in := db.lastUpdateIn
	require.NotContains(t, aws.ToString(in.UpdateExpression), "REMOVE")
	require.NotContains(t, aws.ToString(in.UpdateExpression), "manualMode")
	hist, ok := in.ExpressionAttributeValues[":h"].(*types.AttributeValueMemberL)
	require.True(t, ok)
	require.Len(t, hist.Value, 1)
	orders, ok := in.ExpressionAttributeValues[":o"].(*types.AttributeValueMemberL)
	require.True(t, ok)
	require.Empty(t, orders.Value)

	require.NoError(t, c.SaveProgress(context.Background(), conv, "offer free delivery"))
	require.Len(t, db.updateIns, 3)
	require.NotContains(t, aws.ToString(db.updateIns[1].UpdateExpression), "REMOVE")
	rm := db.updateIns[2]
	require.Equal(t, "REMOVE operatorInstruction", aws.ToString(rm.UpdateExpression))
	require.Equal(t, "operatorInstruction = :consumed", aws.ToString(rm.ConditionExpression))
	require.Equal(t, "offer free delivery", rm.ExpressionAttributeValues[":consumed"].(*types.AttributeValueMemberS).Value)
}

func TestSaveProgress_KeepsInstructionChangedDuringProcessing(t *testing.T) {
	fixedNow(t)
	cases := []struct {
		name    string
		errs    []error
		wantErr string
	}{
		{"instruction replaced by operator", []error{nil, ccf()}, ""},
		{"clear fails", []error{nil, errors.New("throttled")}, "clear instruction"},
		{"save fails before clear", []error{errors.New("throttled")}, "throttled"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db := &fakeDynamo{updateErrs: tc.errs}
			c := mustNewClient(t, db)
			err := c.SaveProgress(context.Background(), domain.Conversation{ID: "u1"}, "old note")
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestSetOperatorInstruction(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.Error(t, c.SetOperatorInstruction(context.Background(), "u1", "  ", at))
	require.Nil(t, db.lastUpdateIn)

	require.NoError(t, c.SetOperatorInstruction(context.Background(), "u1", "offer free delivery", at))
	vals := db.lastUpdateIn.ExpressionAttributeValues
	require.Equal(t, "offer free delivery", vals[":ins"].(*types.AttributeValueMemberS).Value)
	require.Contains(t, aws.ToString(db.lastUpdateIn.UpdateExpression), "operatorInstruction = :ins")
}

func TestSetManualMode(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.Error(t, c.SetManualMode(context.Background(), "u1", " ", at))

	require.NoError(t, c.SetManualMode(context.Background(), "u1", "refund", at))
	vals := db.lastUpdateIn.ExpressionAttributeValues
	require.Equal(t, "refund", vals[":r"].(*types.AttributeValueMemberS).Value)
	require.True(t, vals[":on"].(*types.AttributeValueMemberBOOL).Value)

	db.updateErr = errors.New("throttled")
	require.ErrorContains(t, c.SetManualMode(context.Background(), "u1", "refund", at), "throttled")
}

func TestClearManualMode(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.ClearManualMode(context.Background(), "u1", time.Now()))
	require.Contains(t, aws.ToString(db.lastUpdateIn.UpdateExpression), "REMOVE escalationReason")
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

func TestCreateOrderLock(t *testing.T) {
	fixedNow(t)
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	lock := OrderLock{ConversationID: "u1", Item: "ქუდი", CreatedAt: time.Now()}

	require.NoError(t, c.CreateOrderLock(context.Background(), "599123456#29000000#abc", lock))
	require.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", aws.ToString(db.lastPutInput.ConditionExpression))
	require.Equal(t, "ORDERLOCK#599123456#29000000#abc", db.lastPutInput.Item["PK"].(*types.AttributeValueMemberS).Value)

	db.putErr = ccf()
	require.ErrorIs(t, c.CreateOrderLock(context.Background(), "k", lock), ErrAlreadyExists)

	db.putErr = errors.New("throttled")
	err := c.CreateOrderLock(context.Background(), "k", lock)
	require.NotErrorIs(t, err, ErrAlreadyExists)
	require.ErrorContains(t, err, "throttled")

	require.Error(t, c.CreateOrderLock(context.Background(), "", lock))
}

func TestNextSequence(t *testing.T) {
	fixedNow(t)
	db := &fakeDynamo{updateOut: &dynamodb.UpdateItemOutput{Attributes: map[string]types.AttributeValue{
		"seq": &types.AttributeValueMemberN{Value: "42"},
	}}}
	c := mustNewClient(t, db)

	seq, err := c.NextSequence(context.Background(), "messenger")
	require.NoError(t, err)
	require.Equal(t, int64(42), seq)
	require.Equal(t, types.ReturnValueUpdatedNew, db.lastUpdateIn.ReturnValues)
	require.Contains(t, aws.ToString(db.lastUpdateIn.UpdateExpression), "ADD seq :one")

	db.updateOut = &dynamodb.UpdateItemOutput{Attributes: map[string]types.AttributeValue{}}
	_, err = c.NextSequence(context.Background(), "messenger")
	require.ErrorContains(t, err, "decode")
}

func TestSaveOrder(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	order := domain.Order{
		Number:         "900042",
		ConversationID: "u1",
		CreatedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Item:           "ქუდი",
		PaymentStatus:  domain.PaymentPending,
	}

	require.NoError(t, c.SaveOrder(context.Background(), order))
	require.Len(t, db.lastTxInput.TransactItems, 2)
	put := db.lastTxInput.TransactItems[0].Put
	require.Equal(t, "ORDER#900042", put.Item["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "pending", put.Item["paymentStatus"].(*types.AttributeValueMemberS).Value)
	upd := db.lastTxInput.TransactItems[1].Update
	require.Contains(t, aws.ToString(upd.UpdateExpression), "list_append")

	db.txErr = &types.TransactionCanceledException{CancellationReasons: []types.CancellationReason{
		{Code: aws.String("ConditionalCheckFailed")},
		{Code: aws.String("None")},
	}}
	require.ErrorIs(t, c.SaveOrder(context.Background(), order), ErrAlreadyExists)

	require.Error(t, c.SaveOrder(context.Background(), domain.Order{Number: "1"}))
}

func TestGetOrder(t *testing.T) {
	item, err := attributevalue.MarshalMap(orderRecord{PK: orderPK("900001"), SK: skOrder, Order: domain.Order{
		Number: "900001", PaymentStatus: domain.PaymentConfirmed, Phone: "599123456",
	}})
	require.NoError(t, err)
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: item}}
	c := mustNewClient(t, db)

	o, err := c.GetOrder(context.Background(), "900001")
	require.NoError(t, err)
	require.Equal(t, domain.PaymentConfirmed, o.PaymentStatus)
	require.Equal(t, "599123456", o.Phone)

	db.getOut = &dynamodb.GetItemOutput{}
	_, err = c.GetOrder(context.Background(), "900002")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdatePaymentStatus(t *testing.T) {
	fixedNow(t)
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	require.NoError(t, c.UpdatePaymentStatus(context.Background(), "900001", domain.PaymentPending, domain.PaymentConfirmed))
	require.Equal(t, "pending", db.lastUpdateIn.ExpressionAttributeValues[":from"].(*types.AttributeValueMemberS).Value)

	db.updateErr = ccf()
	require.ErrorIs(t, c.UpdatePaymentStatus(context.Background(), "900001", domain.PaymentPending, domain.PaymentFailed), ErrConditionFailed)
}

// ---------------------------------------------------------------------------
// Settings and catalog
// ---------------------------------------------------------------------------

func TestGetBotSettings(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"killSwitch":    &types.AttributeValueMemberBOOL{Value: true},
		"autoTriggered": &types.AttributeValueMemberBOOL{Value: true},
		"reason":        &types.AttributeValueMemberS{Value: "circuit breaker"},
		"updatedAt":     &types.AttributeValueMemberS{Value: "2026-03-01T12:00:00Z"},
	}}}
	c := mustNewClient(t, db)

	s, err := c.GetBotSettings(context.Background())
	require.NoError(t, err)
	require.True(t, s.Halted())
	require.True(t, s.AutoTriggered)
	require.Equal(t, "circuit breaker", s.Reason)
	require.False(t, s.UpdatedAt.IsZero())

	db.getOut = &dynamodb.GetItemOutput{}
	s, err = c.GetBotSettings(context.Background())
	require.NoError(t, err)
	require.False(t, s.Halted())
}

func TestActivateKillSwitch(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.ActivateKillSwitch(context.Background(), "50 messages in 10m", true, time.Now()))
	require.True(t, db.lastUpdateIn.ExpressionAttributeValues[":auto"].(*types.AttributeValueMemberBOOL).Value)
}

func TestResetKillSwitch(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.ResetKillSwitch(context.Background(), time.Now()))
	in := db.lastUpdateIn
	require.Contains(t, aws.ToString(in.UpdateExpression), "killSwitch = :off")
	require.Contains(t, aws.ToString(in.UpdateExpression), "REMOVE reason")
	require.NotContains(t, aws.ToString(in.UpdateExpression), "paused")
	require.False(t, in.ExpressionAttributeValues[":off"].(*types.AttributeValueMemberBOOL).Value)

	db.updateErr = errors.New("throttled")
	require.ErrorContains(t, c.ResetKillSwitch(context.Background(), time.Now()), "ResetKillSwitch")
}

func TestSetBotPaused(t *testing.T) {
	for _, paused := range []bool{true, false} {
		db := &fakeDynamo{}
		c := mustNewClient(t, db)
		require.NoError(t, c.SetBotPaused(context.Background(), paused, time.Now()))
		require.Equal(t, paused, db.lastUpdateIn.ExpressionAttributeValues[":p"].(*types.AttributeValueMemberBOOL).Value)
	}
}

func TestListProducts_Paginates(t *testing.T) {
	p1, err := attributevalue.MarshalMap(domain.Product{ID: "HAT-01", Name: "შავი ქუდი", Price: 49, Stock: 3})
	require.NoError(t, err)
	p2, err := attributevalue.MarshalMap(domain.Product{ID: "SCARF-01", Name: "შარფი", Price: 39})
	require.NoError(t, err)
	lastKey := key(pkCatalog, skPrefixProd+"HAT-01")
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{
		{Items: []map[string]types.AttributeValue{p1}, LastEvaluatedKey: lastKey},
		{Items: []map[string]types.AttributeValue{p2}},
	}}
	c := mustNewClient(t, db)

	products, err := c.ListProducts(context.Background())
	require.NoError(t, err)
	require.Len(t, products, 2)
	require.Equal(t, "HAT-01", products[0].ID)
	require.Equal(t, 3, products[0].Stock)
	require.Len(t, db.queryInputs, 2)
	require.Equal(t, lastKey, db.queryInputs[1].ExclusiveStartKey)
}

func TestDeductStock(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	require.NoError(t, c.DeductStock(context.Background(), "HAT-01", 1))
	require.Equal(t, "PRODUCT#HAT-01", db.lastUpdateIn.Key["SK"].(*types.AttributeValueMemberS).Value)

	require.Error(t, c.DeductStock(context.Background(), "HAT-01", 0))

	db.updateErr = ccf()
	require.ErrorIs(t, c.DeductStock(context.Background(), "HAT-01", 1), ErrConditionFailed)
}
