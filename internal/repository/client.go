package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	skConversation = "META#"
	skOrder        = "ORDER#"
	skOrderLock    = "LOCK#"
	skCounter      = "COUNTER#"
	skSettings     = "SETTINGS#"
	pkCatalog      = "CATALOG"
	skPrefixProd   = "PRODUCT#"

	conversationTTL = 180 * 24 * time.Hour
	orderLockTTL    = 24 * time.Hour
)

var (
	// ErrAlreadyExists is returned when a create-if-absent write finds the item.
	ErrAlreadyExists = errors.New("repository: item already exists")
	// ErrConditionFailed is returned when a conditional update is rejected.
	ErrConditionFailed = errors.New("repository: condition failed")
	// ErrNotFound is returned when a requested item does not exist.
	ErrNotFound = errors.New("repository: item not found")
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client wraps the single DynamoDB table holding conversations, orders,
// order-creation locks, counters, settings and the product catalog.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

var nowFunc = time.Now

func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

func orderPK(number string) string {
	return "ORDER#" + number
}

func orderLockPK(key string) string {
	return "ORDERLOCK#" + key
}

func counterPK(name string) string {
	return "COUNTER#" + name
}

func settingsPK() string {
	return "SETTINGS#bot"
}

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func ttlAfter(d time.Duration) int64 {
	return nowFunc().Add(d).Unix()
}

func numAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func strValue(s string) *types.AttributeValueMemberS {
	return &types.AttributeValueMemberS{Value: s}
}

func timeValue(t time.Time) *types.AttributeValueMemberS {
	return &types.AttributeValueMemberS{Value: t.UTC().Format(time.RFC3339Nano)}
}

func boolValue(b bool) *types.AttributeValueMemberBOOL {
	return &types.AttributeValueMemberBOOL{Value: b}
}

// conditionFailed reports whether err is a rejected condition expression,
// either on a single write or as the reason a transaction was cancelled.
func conditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		for _, r := range tce.CancellationReasons {
			if r.Code != nil && *r.Code == "ConditionalCheckFailed" {
				return true
			}
		}
	}
	return false
}

func intAttr(item map[string]types.AttributeValue, name string) (int64, error) {
	v, ok := item[name]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", name)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", name)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", name, err)
	}
	return parsed, nil
}

func boolAttr(item map[string]types.AttributeValue, name string) bool {
	v, ok := item[name].(*types.AttributeValueMemberBOOL)
	return ok && v.Value
}
