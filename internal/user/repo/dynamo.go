package repo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoStore keeps user records in a DynamoDB table with a "username"
// partition key. This is the production backend.
type DynamoStore struct {
	client *dynamodb.Client
	table  string
}

// DynamoTableFromEnv returns the configured table name.
func DynamoTableFromEnv() string {
	return os.Getenv("DYNAMO_TABLE_NAME")
}

func NewDynamoStore(client *dynamodb.Client, table string) *DynamoStore {
	return &DynamoStore{client: client, table: table}
}

func (s *DynamoStore) key(username string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		KeyUsername: &types.AttributeValueMemberS{Value: username},
	}
}

func (s *DynamoStore) Get(ctx context.Context, username string) (Row, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       s.key(username),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamo get %q: %w", username, err)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}
	var row Row
	if err := attributevalue.UnmarshalMap(out.Item, &row); err != nil {
		return nil, fmt.Errorf("dynamo unmarshal %q: %w", username, err)
	}
	return row, nil
}

func (s *DynamoStore) Counter(ctx context.Context, username string) (int64, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:                aws.String(s.table),
		Key:                      s.key(username),
		ProjectionExpression:     aws.String("#ctr"),
		ExpressionAttributeNames: map[string]string{"#ctr": KeyRecCounter},
	})
	if err != nil {
		return 0, fmt.Errorf("dynamo counter %q: %w", username, err)
	}
	if out.Item == nil {
		return 0, ErrNotFound
	}
	var ctr struct {
		RecCounter int64 `dynamodbav:"_rec_counter"`
	}
	if err := attributevalue.UnmarshalMap(out.Item, &ctr); err != nil {
		return 0, fmt.Errorf("dynamo counter unmarshal %q: %w", username, err)
	}
	return ctr.RecCounter, nil
}

func (s *DynamoStore) Create(ctx context.Context, username string, fields Row) error {
	if err := restricted(fields); err != nil {
		return err
	}
	item := Row{}
	for k, v := range fields {
		item[k] = v
	}
	stamp := nowStamp()
	item[KeyUsername] = username
	item[KeyCreatedAt] = stamp
	item[KeyLastUpdate] = stamp
	item[KeyRecCounter] = int64(0)

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("dynamo marshal %q: %w", username, err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("dynamo put %q: %w", username, err)
	}
	return nil
}

// alpha strips a key down to characters legal in an expression alias.
func alpha(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (s *DynamoStore) Update(ctx context.Context, username string, updates Row) error {
	if err := restricted(updates); err != nil {
		return err
	}

	names := map[string]string{"#ctr": KeyRecCounter, "#lu": KeyLastUpdate, "#pk": KeyUsername}
	values := Row{":one": int64(1), ":lu": nowStamp()}
	sets := []string{"#lu = :lu"}
	for k, v := range updates {
		alias := alpha(k)
		names["#"+alias] = k
		values[":"+alias] = v
		sets = append(sets, fmt.Sprintf("#%s = :%s", alias, alias))
	}
	exprValues, err := attributevalue.MarshalMap(values)
	if err != nil {
		return fmt.Errorf("dynamo marshal updates %q: %w", username, err)
	}

	expr := "SET " + strings.Join(sets, ", ") + " ADD #ctr :one"
	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       s.key(username),
		UpdateExpression:          aws.String(expr),
		ConditionExpression:       aws.String("attribute_exists(#pk)"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: exprValues,
	})
	if err != nil {
		var cond *types.ConditionalCheckFailedException
		if errors.As(err, &cond) {
			return ErrNotFound
		}
		return fmt.Errorf("dynamo update %q: %w", username, err)
	}
	return nil
}

func (s *DynamoStore) Delete(ctx context.Context, username string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       s.key(username),
	})
	if err != nil {
		return fmt.Errorf("dynamo delete %q: %w", username, err)
	}
	return nil
}

// Scan pages through the whole table; DynamoDB caps each page at 1MB.
func (s *DynamoStore) Scan(ctx context.Context) ([]Row, error) {
	var rows []Row
	var start map[string]types.AttributeValue
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(s.table),
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("dynamo scan: %w", err)
		}
		for _, item := range out.Items {
			var row Row
			if err := attributevalue.UnmarshalMap(item, &row); err != nil {
				return nil, fmt.Errorf("dynamo scan unmarshal: %w", err)
			}
			rows = append(rows, row)
		}
		if out.LastEvaluatedKey == nil {
			return rows, nil
		}
		start = out.LastEvaluatedKey
	}
}

func (s *DynamoStore) UsernamesWithLab(ctx context.Context, labShortName string) ([]string, error) {
	var users []string
	var start map[string]types.AttributeValue
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:                 aws.String(s.table),
			ExclusiveStartKey:         start,
			FilterExpression:          aws.String("contains(#labs, :lab)"),
			ExpressionAttributeNames:  map[string]string{"#labs": "labs"},
			ExpressionAttributeValues: map[string]types.AttributeValue{":lab": &types.AttributeValueMemberS{Value: labShortName}},
		})
		if err != nil {
			return nil, fmt.Errorf("dynamo lab scan: %w", err)
		}
		for _, item := range out.Items {
			var row struct {
				Username string `dynamodbav:"username"`
			}
			if err := attributevalue.UnmarshalMap(item, &row); err != nil {
				return nil, fmt.Errorf("dynamo lab scan unmarshal: %w", err)
			}
			users = append(users, row.Username)
		}
		if out.LastEvaluatedKey == nil {
			return users, nil
		}
		start = out.LastEvaluatedKey
	}
}
