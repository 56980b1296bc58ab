package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"commerce-agent/internal/domain"
)

// OrderLock describes who attempted to create an order in a bucket. Its
// content is informational; the item's existence is the lock.
type OrderLock struct {
	ConversationID string
	Item           string
	CreatedAt      time.Time
}

// CreateOrderLock creates the order-creation lock for bucketKey. It returns
// ErrAlreadyExists when another caller created it first.
func (c *Client) CreateOrderLock(ctx context.Context, bucketKey string, lock OrderLock) error {
	if strings.TrimSpace(bucketKey) == "" {
		return errors.New("repository: CreateOrderLock: bucket key is required")
	}
	item := key(orderLockPK(bucketKey), skOrderLock)
	item["conversationId"] = strValue(lock.ConversationID)
	item["item"] = strValue(lock.Item)
	item["createdAt"] = timeValue(lock.CreatedAt)
	item["ttl"] = numAttr(ttlAfter(orderLockTTL))

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		if conditionFailed(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("repository: CreateOrderLock: %w", err)
	}
	return nil
}

// NextSequence atomically increments and returns the counter for name.
func (c *Client) NextSequence(ctx context.Context, name string) (int64, error) {
	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(c.tableName),
		Key:              key(counterPK(name), skCounter),
		UpdateExpression: aws.String("ADD seq :one SET updatedAt = :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": numAttr(1),
			":now": timeValue(nowFunc()),
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("repository: NextSequence: %w", err)
	}
	if out == nil {
		return 0, errors.New("repository: NextSequence: empty response")
	}
	seq, err := intAttr(out.Attributes, "seq")
	if err != nil {
		return 0, fmt.Errorf("repository: NextSequence decode: %w", err)
	}
	return seq, nil
}

type orderRecord struct {
	PK string `dynamodbav:"PK"`
	SK string `dynamodbav:"SK"`
	domain.Order
}

// SaveOrder persists a new order and appends its summary to the owning
// conversation in one transaction.
func (c *Client) SaveOrder(ctx context.Context, order domain.Order) error {
	if order.Number == "" || order.ConversationID == "" {
		return errors.New("repository: SaveOrder: order number and conversation id are required")
	}
	item, err := attributevalue.MarshalMap(orderRecord{PK: orderPK(order.Number), SK: skOrder, Order: order})
	if err != nil {
		return fmt.Errorf("repository: SaveOrder marshal: %w", err)
	}
	summary, err := attributevalue.Marshal([]domain.OrderSummary{{
		Number:    order.Number,
		CreatedAt: order.CreatedAt,
		Item:      order.Item,
	}})
	if err != nil {
		return fmt.Errorf("repository: SaveOrder marshal summary: %w", err)
	}

	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                item,
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Update: &types.Update{
					TableName:        aws.String(c.tableName),
					Key:              key(convPK(order.ConversationID), skConversation),
					UpdateExpression: aws.String("SET conversationId = :id, orders = list_append(if_not_exists(orders, :empty), :o)"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":id":    strValue(order.ConversationID),
						":o":     summary,
						":empty": &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
					},
				},
			},
		},
	})
	if err != nil {
		if conditionFailed(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("repository: SaveOrder: %w", err)
	}
	return nil
}

// GetOrder loads an order by number.
func (c *Client) GetOrder(ctx context.Context, number string) (domain.Order, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(orderPK(number), skOrder),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Order{}, fmt.Errorf("repository: GetOrder: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Order{}, ErrNotFound
	}
	var rec orderRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return domain.Order{}, fmt.Errorf("repository: GetOrder unmarshal: %w", err)
	}
	return rec.Order, nil
}

// UpdatePaymentStatus moves an order from one payment status to another. It
// returns ErrConditionFailed when the order is missing or not in from.
func (c *Client) UpdatePaymentStatus(ctx context.Context, number string, from, to domain.PaymentStatus) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(c.tableName),
		Key:                      key(orderPK(number), skOrder),
		UpdateExpression:         aws.String("SET paymentStatus = :to, paymentUpdatedAt = :now"),
		ConditionExpression:      aws.String("attribute_exists(PK) AND paymentStatus = :from"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":to":   strValue(string(to)),
			":from": strValue(string(from)),
			":now":  timeValue(nowFunc()),
		},
	})
	if err != nil {
		if conditionFailed(err) {
			return ErrConditionFailed
		}
		return fmt.Errorf("repository: UpdatePaymentStatus: %w", err)
	}
	return nil
}

// MarkStockUpdated records that stock was deducted for an order.
func (c *Client) MarkStockUpdated(ctx context.Context, number, productID string) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(c.tableName),
		Key:              key(orderPK(number), skOrder),
		UpdateExpression: aws.String("SET stockUpdated = :t, productId = :p"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t": boolValue(true),
			":p": strValue(productID),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: MarkStockUpdated: %w", err)
	}
	return nil
}
