package auth

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretsManagerSource reads the shared secret from AWS Secrets Manager on
// every call, so a rotated secret is picked up without a restart.
type SecretsManagerSource struct {
	client     *secretsmanager.Client
	secretName string
}

// SecretNameFromEnv returns the configured secret identifier.
func SecretNameFromEnv() string {
	return os.Getenv("SSO_TOKEN_SECRET_NAME")
}

func NewSecretsManagerSource(client *secretsmanager.Client, secretName string) *SecretsManagerSource {
	return &SecretsManagerSource{client: client, secretName: secretName}
}

func (s *SecretsManagerSource) Secret(ctx context.Context) (string, error) {
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(s.secretName),
	})
	if err != nil {
		return "", fmt.Errorf("secretsmanager get %q: %w", s.secretName, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secretsmanager get %q: no string value", s.secretName)
	}
	return *out.SecretString, nil
}

// StaticSecretSource serves a fixed secret; used by tests and local runs.
type StaticSecretSource string

func (s StaticSecretSource) Secret(ctx context.Context) (string, error) {
	return string(s), nil
}
