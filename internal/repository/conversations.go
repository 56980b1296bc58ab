package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"commerce-agent/internal/domain"
)

type conversationRecord struct {
	PK                  string                `dynamodbav:"PK"`
	SK                  string                `dynamodbav:"SK"`
	ConversationID      string                `dynamodbav:"conversationId"`
	History             []domain.Turn         `dynamodbav:"history"`
	Orders              []domain.OrderSummary `dynamodbav:"orders"`
	ManualMode          bool                  `dynamodbav:"manualMode"`
	ManualModeEnabledAt time.Time             `dynamodbav:"manualModeEnabledAt"`
	EscalationReason    string                `dynamodbav:"escalationReason"`
	NeedsAttention      bool                  `dynamodbav:"needsAttention"`
	LastActive          time.Time             `dynamodbav:"lastActive"`
	Delivery            domain.DeliveryState  `dynamodbav:"delivery"`
	OperatorInstruction string                `dynamodbav:"operatorInstruction"`
}

func (r conversationRecord) toDomain() domain.Conversation {
	return domain.Conversation{
		ID:                  r.ConversationID,
		History:             r.History,
		Orders:              r.Orders,
		ManualMode:          r.ManualMode,
		ManualModeEnabledAt: r.ManualModeEnabledAt,
		EscalationReason:    r.EscalationReason,
		NeedsAttention:      r.NeedsAttention,
		LastActive:          r.LastActive,
		Delivery:            r.Delivery,
		OperatorInstruction: r.OperatorInstruction,
	}
}

// GetConversation loads a conversation with a strongly consistent read. A
// conversation that was never written is returned empty with only its id set.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error) {
	if strings.TrimSpace(conversationID) == "" {
		return domain.Conversation{}, errors.New("repository: GetConversation: conversation id is required")
	}
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(convPK(conversationID), skConversation),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Conversation{ID: conversationID}, nil
	}
	var rec conversationRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation unmarshal: %w", err)
	}
	if rec.ConversationID == "" {
		rec.ConversationID = conversationID
	}
	return rec.toDomain(), nil
}

// GetManualMode reads only the manual-mode flag, strongly consistent.
func (c *Client) GetManualMode(ctx context.Context, conversationID string) (bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(c.tableName),
		Key:                  key(convPK(conversationID), skConversation),
		ConsistentRead:       aws.Bool(true),
		ProjectionExpression: aws.String("manualMode"),
	})
	if err != nil {
		return false, fmt.Errorf("repository: GetManualMode: %w", err)
	}
	if out == nil {
		return false, nil
	}
	return boolAttr(out.Item, "manualMode"), nil
}

// SaveProgress writes the fields owned by the batch processor: history,
// orders and last activity. Manual-mode and delivery fields are left
// untouched so concurrent writers of those fields are not overwritten.
//
// consumedInstruction is the operator instruction the reply was generated
// with. It is removed only while the stored value still equals it, so an
// instruction set during generation survives for the next batch.
func (c *Client) SaveProgress(ctx context.Context, conv domain.Conversation, consumedInstruction string) error {
	if strings.TrimSpace(conv.ID) == "" {
		return errors.New("repository: SaveProgress: conversation id is required")
	}
	history, err := attributevalue.Marshal(conv.History)
	if err != nil {
		return fmt.Errorf("repository: SaveProgress marshal history: %w", err)
	}
	orders, err := attributevalue.Marshal(conv.Orders)
	if err != nil {
		return fmt.Errorf("repository: SaveProgress marshal orders: %w", err)
	}
	if conv.Orders == nil {
		orders = &types.AttributeValueMemberL{Value: []types.AttributeValue{}}
	}

	_, err = c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(c.tableName),
		Key:                      key(convPK(conv.ID), skConversation),
		UpdateExpression:         aws.String("SET conversationId = :id, history = :h, orders = :o, lastActive = :la, #ttl = :ttl"),
		ExpressionAttributeNames: map[string]string{"#ttl": "ttl"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":id":  strValue(conv.ID),
			":h":   history,
			":o":   orders,
			":la":  timeValue(conv.LastActive),
			":ttl": numAttr(ttlAfter(conversationTTL)),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: SaveProgress: %w", err)
	}
	if consumedInstruction == "" {
		return nil
	}
	return c.clearInstruction(ctx, conv.ID, consumedInstruction)
}

func (c *Client) clearInstruction(ctx context.Context, conversationID, consumed string) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 key(convPK(conversationID), skConversation),
		UpdateExpression:    aws.String("REMOVE operatorInstruction"),
		ConditionExpression: aws.String("operatorInstruction = :consumed"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":consumed": strValue(consumed),
		},
	})
	if conditionFailed(err) {
		slog.Info("operator instruction changed during processing, keeping it", "conversation_id", conversationID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("repository: SaveProgress clear instruction: %w", err)
	}
	return nil
}

// SetOperatorInstruction stores a one-shot note for the next generated reply.
func (c *Client) SetOperatorInstruction(ctx context.Context, conversationID, instruction string, at time.Time) error {
	if strings.TrimSpace(instruction) == "" {
		return errors.New("repository: SetOperatorInstruction: instruction is required")
	}
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(c.tableName),
		Key:              key(convPK(conversationID), skConversation),
		UpdateExpression: aws.String("SET conversationId = :id, operatorInstruction = :ins, operatorInstructionAt = :at"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":id":  strValue(conversationID),
			":ins": strValue(instruction),
			":at":  timeValue(at),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: SetOperatorInstruction: %w", err)
	}
	return nil
}

// SetManualMode switches a conversation to human handling.
func (c *Client) SetManualMode(ctx context.Context, conversationID, reason string, at time.Time) error {
	if strings.TrimSpace(reason) == "" {
		return errors.New("repository: SetManualMode: reason is required")
	}
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(c.tableName),
		Key:              key(convPK(conversationID), skConversation),
		UpdateExpression: aws.String("SET conversationId = :id, manualMode = :on, manualModeEnabledAt = :at, escalationReason = :r, needsAttention = :on"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":id": strValue(conversationID),
			":on": boolValue(true),
			":at": timeValue(at),
			":r":  strValue(reason),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: SetManualMode: %w", err)
	}
	return nil
}

// ClearManualMode returns a conversation to automatic handling.
func (c *Client) ClearManualMode(ctx context.Context, conversationID string, at time.Time) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(c.tableName),
		Key:              key(convPK(conversationID), skConversation),
		UpdateExpression: aws.String("SET manualMode = :off, needsAttention = :off, manualModeDisabledAt = :at REMOVE escalationReason"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":off": boolValue(false),
			":at":  timeValue(at),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: ClearManualMode: %w", err)
	}
	return nil
}

// SetDelivery stores the confirmed delivery location and price.
func (c *Client) SetDelivery(ctx context.Context, conversationID string, d domain.DeliveryState) error {
	av, err := attributevalue.Marshal(d)
	if err != nil {
		return fmt.Errorf("repository: SetDelivery marshal: %w", err)
	}
	_, err = c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(c.tableName),
		Key:              key(convPK(conversationID), skConversation),
		UpdateExpression: aws.String("SET conversationId = :id, delivery = :d"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":id": strValue(conversationID),
			":d":  av,
		},
	})
	if err != nil {
		return fmt.Errorf("repository: SetDelivery: %w", err)
	}
	return nil
}
