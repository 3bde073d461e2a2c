package subnets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

var _ SubnetTable = (*DynamoSubnetTable)(nil)

// DynamoSubnetTable stores two items per assignment in a single table: one
// keyed by subnet and one keyed by group ID, so both are unique.
type DynamoSubnetTable struct {
	client    *dynamodb.Client
	tableName string
}

func NewDynamoSubnetTable(client *dynamodb.Client, tableName string) *DynamoSubnetTable {
	return &DynamoSubnetTable{client, tableName}
}

type subnetRecord struct {
	// Partition key: "SUBNET#<subnet>" or "GROUP#<group id>"
	PK        string `dynamodbav:"pk"`
	Subnet    string `dynamodbav:"subnet"`
	GroupID   string `dynamodbav:"groupId"`
	CreatedAt string `dynamodbav:"createdAt"`
}

func subnetKey(subnet string) string { return "SUBNET#" + subnet }

func groupKey(groupID string) string { return "GROUP#" + groupID }

func (d *DynamoSubnetTable) Get(ctx context.Context, subnet string) (string, bool, error) {
	result, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: subnetKey(subnet)},
		},
		ProjectionExpression: aws.String("groupId"),
		ConsistentRead:       aws.Bool(true),
	})
	if err != nil {
		return "", false, fmt.Errorf("getting subnet group: %w", err)
	}

	if result.Item == nil {
		return "", false, nil
	}

	var record subnetRecord
	if err := attributevalue.UnmarshalMap(result.Item, &record); err != nil {
		return "", false, fmt.Errorf("unmarshaling subnet record: %w", err)
	}

	return record.GroupID, true, nil
}

func (d *DynamoSubnetTable) Insert(ctx context.Context, subnet string, groupID string) (string, error) {
	createdAt := time.Now().UTC().Format(time.RFC3339)

	subnetItem, err := attributevalue.MarshalMap(subnetRecord{PK: subnetKey(subnet), Subnet: subnet, GroupID: groupID, CreatedAt: createdAt})
	if err != nil {
		return "", fmt.Errorf("serializing subnet record: %w", err)
	}
	groupItem, err := attributevalue.MarshalMap(subnetRecord{PK: groupKey(groupID), Subnet: subnet, GroupID: groupID, CreatedAt: createdAt})
	if err != nil {
		return "", fmt.Errorf("serializing group record: %w", err)
	}

	_, err = d.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           aws.String(d.tableName),
				Item:                subnetItem,
				ConditionExpression: aws.String("attribute_not_exists(pk)"),
			}},
			{Put: &types.Put{
				TableName:           aws.String(d.tableName),
				Item:                groupItem,
				ConditionExpression: aws.String("attribute_not_exists(pk)"),
			}},
		},
	})
	if err == nil {
		return groupID, nil
	}

	var canceled *types.TransactionCanceledException
	if !errors.As(err, &canceled) {
		return "", fmt.Errorf("storing subnet group: %w", err)
	}

	reasons := canceled.CancellationReasons
	switch {
	case len(reasons) > 0 && aws.ToString(reasons[0].Code) == "ConditionalCheckFailed":
		committed, found, err := d.Get(ctx, subnet)
		if err != nil {
			return "", err
		}
		if !found {
			return "", fmt.Errorf("subnet %s reported as assigned but not found", subnet)
		}
		return committed, nil
	case len(reasons) > 1 && aws.ToString(reasons[1].Code) == "ConditionalCheckFailed":
		return "", ErrGroupIDTaken
	default:
		return "", fmt.Errorf("storing subnet group: %w", err)
	}
}
