package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"commerce-agent/internal/domain"
)

// ListProducts returns the whole catalog, following pagination.
func (c *Client) ListProducts(ctx context.Context) ([]domain.Product, error) {
	var (
		products []domain.Product
		startKey map[string]types.AttributeValue
	)
	for {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     strValue(pkCatalog),
				":prefix": strValue(skPrefixProd),
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("repository: ListProducts query: %w", err)
		}
		for _, item := range out.Items {
			var p domain.Product
			if err := attributevalue.UnmarshalMap(item, &p); err != nil {
				return nil, fmt.Errorf("repository: ListProducts unmarshal: %w", err)
			}
			products = append(products, p)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return products, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

// DeductStock decrements a product's stock by qty. It returns
// ErrConditionFailed when the product is missing or has fewer units.
func (c *Client) DeductStock(ctx context.Context, productID string, qty int) error {
	if qty <= 0 {
		return errors.New("repository: DeductStock: quantity must be positive")
	}
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 key(pkCatalog, skPrefixProd+productID),
		UpdateExpression:    aws.String("SET stock = stock - :q"),
		ConditionExpression: aws.String("attribute_exists(PK) AND stock >= :q"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":q": numAttr(int64(qty)),
		},
	})
	if err != nil {
		if conditionFailed(err) {
			return ErrConditionFailed
		}
		return fmt.Errorf("repository: DeductStock: %w", err)
	}
	return nil
}
