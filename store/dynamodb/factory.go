package dynamodb

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	ddb "github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/unkn0wn-root/dynacache/store"
)

// Connection describes how to reach DynamoDB. Zero values defer to the SDK's
// default chain (env, shared config, instance role).
type Connection struct {
	Region   string `mapstructure:"region" yaml:"region,omitempty"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"` // e.g. DynamoDB Local
	Profile  string `mapstructure:"profile" yaml:"profile,omitempty"`

	AccessKey string `mapstructure:"access_key" yaml:"access_key,omitempty"`
	SecretKey string `mapstructure:"secret_key" yaml:"-"`
}

// NewClient builds an SDK client for conn.
func NewClient(ctx context.Context, conn Connection) (*ddb.Client, error) {
	var opts []func(*config.LoadOptions) error
	if conn.Region != "" {
		opts = append(opts, config.WithRegion(conn.Region))
	}
	if conn.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(conn.Profile))
	}
	if conn.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(conn.AccessKey, conn.SecretKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("dynamodb: load aws config: %w", err)
	}
	return ddb.NewFromConfig(cfg, func(o *ddb.Options) {
		if conn.Endpoint != "" {
			o.BaseEndpoint = aws.String(conn.Endpoint)
		}
	}), nil
}

// Factory returns a store.PrimaryFactory that builds a client for conn and
// binds it to the cache's table and columns.
func Factory(conn Connection) store.PrimaryFactory {
	return func(ctx context.Context, pc store.PrimaryConfig) (store.Primary, error) {
		client, err := NewClient(ctx, conn)
		if err != nil {
			return nil, err
		}
		return New(Config{Client: client, Table: pc.Table, Columns: pc.Columns})
	}
}
