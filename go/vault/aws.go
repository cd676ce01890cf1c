package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// awsResolver serves secrets from AWS Secrets Manager. Secret values are
// JSON objects of string fields.
type awsResolver struct {
	mu     sync.Mutex
	client *secretsmanager.Client
}

func newAWSResolver() *awsResolver { return &awsResolver{} }

func (r *awsResolver) init(ctx context.Context) (*secretsmanager.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client == nil {
		var cfg, err = awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading aws configuration: %w", err)
		}
		r.client = secretsmanager.NewFromConfig(cfg)
	}
	return r.client, nil
}

func (r *awsResolver) resolve(ctx context.Context, name string) (Credentials, error) {
	var client, err = r.init(ctx)
	if err != nil {
		return nil, err
	}

	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		// The SDK error carries no secret material; safe to wrap.
		return nil, fmt.Errorf("getting secret %s: %w", name, err)
	}

	var creds Credentials
	if err = json.Unmarshal([]byte(aws.ToString(out.SecretString)), &creds); err != nil {
		return nil, fmt.Errorf("secret %s is not a JSON field map", name)
	}
	return creds, nil
}
