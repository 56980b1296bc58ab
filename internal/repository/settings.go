package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"commerce-agent/internal/domain"
)

// GetBotSettings reads the global kill switch and pause flag. Missing
// settings mean the bot is running.
func (c *Client) GetBotSettings(ctx context.Context) (domain.BotSettings, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key:       key(settingsPK(), skSettings),
	})
	if err != nil {
		return domain.BotSettings{}, fmt.Errorf("repository: GetBotSettings: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.BotSettings{}, nil
	}
	s := domain.BotSettings{
		KillSwitch:    boolAttr(out.Item, "killSwitch"),
		AutoTriggered: boolAttr(out.Item, "autoTriggered"),
		Paused:        boolAttr(out.Item, "paused"),
	}
	if v, ok := out.Item["reason"].(*types.AttributeValueMemberS); ok {
		s.Reason = v.Value
	}
	if v, ok := out.Item["updatedAt"].(*types.AttributeValueMemberS); ok {
		s.UpdatedAt, _ = time.Parse(time.RFC3339Nano, v.Value)
	}
	return s, nil
}

// ActivateKillSwitch stops automatic replies for every conversation.
func (c *Client) ActivateKillSwitch(ctx context.Context, reason string, auto bool, at time.Time) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(c.tableName),
		Key:              key(settingsPK(), skSettings),
		UpdateExpression: aws.String("SET killSwitch = :on, reason = :r, autoTriggered = :auto, updatedAt = :at"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":on":   boolValue(true),
			":r":    strValue(reason),
			":auto": boolValue(auto),
			":at":   timeValue(at),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: ActivateKillSwitch: %w", err)
	}
	return nil
}

// ResetKillSwitch clears the kill switch and its reason. The pause flag is
// left as it is.
func (c *Client) ResetKillSwitch(ctx context.Context, at time.Time) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(c.tableName),
		Key:              key(settingsPK(), skSettings),
		UpdateExpression: aws.String("SET killSwitch = :off, autoTriggered = :off, updatedAt = :at REMOVE reason"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":off": boolValue(false),
			":at":  timeValue(at),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: ResetKillSwitch: %w", err)
	}
	return nil
}

// SetBotPaused sets the operator pause flag for every conversation.
func (c *Client) SetBotPaused(ctx context.Context, paused bool, at time.Time) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(c.tableName),
		Key:              key(settingsPK(), skSettings),
		UpdateExpression: aws.String("SET paused = :p, updatedAt = :at"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":p":  boolValue(paused),
			":at": timeValue(at),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: SetBotPaused: %w", err)
	}
	return nil
}
