// Package dynamo implements the users.Store on the platform's
// DynamoDB users table.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Onyx48/schoolauth/internal/users"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Conf contains DynamoDB configuration fields.
type Conf struct {
	Region      string        `json:"region"`
	AccessKey   string        `json:"access_key"`
	SecretKey   string        `json:"secret_key"`
	EndpointURL string        `json:"endpoint_url"`
	Table       string        `json:"table"`
	EmailIndex  string        `json:"email_index"`
	Timeout     time.Duration `json:"timeout"`
}

// Dynamo provides typed DynamoDB operations for the users table.
type Dynamo struct {
	client *dynamodb.Client
	conf   Conf
}

// New creates a DynamoDB users store. When cfg.EndpointURL is set
// (LocalStack), it overrides the endpoint so all traffic goes to the
// local instance.
func New(c Conf) (*Dynamo, error) {
	if c.Table == "" {
		return nil, errors.New("invalid table")
	}
	if c.EmailIndex == "" {
		c.EmailIndex = "email-index"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(c.Region),
	}
	if c.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKey, c.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("error loading AWS config: %w", err)
	}

	clientOpts := []func(*dynamodb.Options){}
	if c.EndpointURL != "" {
		clientOpts = append(clientOpts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(c.EndpointURL)
		})
	}

	return &Dynamo{
		client: dynamodb.NewFromConfig(awsCfg, clientOpts...),
		conf:   c,
	}, nil
}

// NewWithClient returns a users store that wraps an externally
// constructed client.
func NewWithClient(client *dynamodb.Client, c Conf) *Dynamo {
	if c.EmailIndex == "" {
		c.EmailIndex = "email-index"
	}
	return &Dynamo{client: client, conf: c}
}

// GetByEmail looks a user up through the e-mail GSI.
func (d *Dynamo) GetByEmail(ctx context.Context, email string) (users.User, error) {
	var u users.User

	out, err := d.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(d.conf.Table),
		IndexName:                 aws.String(d.conf.EmailIndex),
		KeyConditionExpression:    aws.String("#e = :v"),
		ExpressionAttributeNames:  map[string]string{"#e": "email"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":v": &types.AttributeValueMemberS{Value: email}},
		Limit:                     aws.Int32(1),
	})
	if err != nil {
		return u, err
	}
	if len(out.Items) == 0 {
		return u, users.ErrNotExist
	}

	if err := attributevalue.UnmarshalMap(out.Items[0], &u); err != nil {
		return u, fmt.Errorf("error unmarshalling user: %w", err)
	}
	return u, nil
}

// UpdatePassword replaces the stored password hash of a user.
func (d *Dynamo) UpdatePassword(ctx context.Context, userID, hash string) error {
	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(d.conf.Table),
		Key:                      map[string]types.AttributeValue{"user_id": &types.AttributeValueMemberS{Value: userID}},
		UpdateExpression:         aws.String("SET #p = :p, #u = :u"),
		ExpressionAttributeNames: map[string]string{"#p": "password", "#u": "updated_at"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":p": &types.AttributeValueMemberS{Value: hash},
			":u": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
		},
		ConditionExpression: aws.String("attribute_exists(user_id)"),
	})

	var cfe *types.ConditionalCheckFailedException
	if errors.As(err, &cfe) {
		return users.ErrNotExist
	}
	return err
}
