// Package session provides AWS configuration loading and lazily built DynamoDB and KMS clients
package session

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// configLoadFunc is a variable to allow mocking config.LoadDefaultConfig in tests
var configLoadFunc = config.LoadDefaultConfig

// Environment variables read by ConfigFromEnv
const (
	EnvRegion         = "AWS_REGION"
	EnvEndpoint       = "DYNAMODB_ENDPOINT"
	EnvAssumeRoleARN  = "DYNAITEM_ASSUME_ROLE_ARN"
	EnvExternalID     = "DYNAITEM_EXTERNAL_ID"
	EnvKMSKeyARN      = "DYNAITEM_KMS_KEY_ARN"
	EnvMaxRetries     = "DYNAITEM_MAX_RETRIES"
	EnvLambdaFunction = "AWS_LAMBDA_FUNCTION_NAME"
	EnvLambdaMemoryMB = "AWS_LAMBDA_FUNCTION_MEMORY_SIZE"
)

const (
	defaultRegion      = "us-east-1"
	defaultMaxAttempts = 3
)

// Config holds the configuration for building AWS clients
type Config struct {
	CredentialsProvider aws.CredentialsProvider
	Region              string
	Endpoint            string

	// Static credentials, mainly for local endpoints. Ignored when CredentialsProvider is set.
	AccessKeyID     string
	SecretAccessKey string

	// Role to assume on top of the base credentials
	AssumeRoleARN   string
	ExternalID      string
	RoleSessionName string
	SessionDuration time.Duration

	// KMS key used for encrypted attributes
	KMSKeyARN string

	AWSConfigOptions []func(*config.LoadOptions) error
	DynamoDBOptions  []func(*dynamodb.Options)
	MaxRetries       int
	HTTPClient       aws.HTTPClient
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Region:     defaultRegion,
		MaxRetries: defaultMaxAttempts,
	}
}

// ConfigFromEnv builds a configuration from the process environment. Inside Lambda the HTTP
// client is tuned for connection reuse across warm invocations.
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()
	if region := os.Getenv(EnvRegion); region != "" {
		cfg.Region = region
	}
	cfg.Endpoint = os.Getenv(EnvEndpoint)
	cfg.AssumeRoleARN = os.Getenv(EnvAssumeRoleARN)
	cfg.ExternalID = os.Getenv(EnvExternalID)
	cfg.KMSKeyARN = os.Getenv(EnvKMSKeyARN)
	if n, err := strconv.Atoi(os.Getenv(EnvMaxRetries)); err == nil && n > 0 {
		cfg.MaxRetries = n
	}
	if IsLambdaEnvironment() {
		cfg.HTTPClient = lambdaHTTPClient()
	}
	return cfg
}

// IsLambdaEnvironment detects if running in AWS Lambda
func IsLambdaEnvironment() bool {
	return os.Getenv(EnvLambdaFunction) != ""
}

// LambdaMemoryMB returns the allocated Lambda memory in MB, or 0 outside Lambda
func LambdaMemoryMB() int {
	mem, err := strconv.Atoi(os.Getenv(EnvLambdaMemoryMB))
	if err != nil {
		return 0
	}
	return mem
}

func lambdaHTTPClient() *http.Client {
	conns := 10
	if mem := LambdaMemoryMB(); mem > 1024 {
		conns = 20
	} else if mem > 0 && mem <= 512 {
		conns = 5
	}
	return &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        conns,
			MaxIdleConnsPerHost: conns,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// Session loads AWS configuration once and hands out clients built from it. It is safe for
// concurrent use.
type Session struct {
	config *Config

	once      sync.Once
	err       error
	awsConfig aws.Config
	client    *dynamodb.Client
	kmsClient *kms.Client
}

// NewSession creates a session. No configuration is loaded until a client is first requested.
func NewSession(cfg *Config) *Session {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Session{config: cfg}
}

// Config returns the session configuration
func (s *Session) Config() *Config {
	return s.config
}

// Client returns the DynamoDB client, building it on first use
func (s *Session) Client(ctx context.Context) (*dynamodb.Client, error) {
	if err := s.init(ctx); err != nil {
		return nil, err
	}
	return s.client, nil
}

// KMSClient returns a KMS client sharing the session's AWS configuration
func (s *Session) KMSClient(ctx context.Context) (*kms.Client, error) {
	if err := s.init(ctx); err != nil {
		return nil, err
	}
	return s.kmsClient, nil
}

// AWSConfig returns the loaded AWS configuration
func (s *Session) AWSConfig(ctx context.Context) (aws.Config, error) {
	if err := s.init(ctx); err != nil {
		return aws.Config{}, err
	}
	return s.awsConfig, nil
}

func (s *Session) init(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("session is nil")
	}
	s.once.Do(func() {
		s.err = s.build(ctx)
	})
	return s.err
}

func (s *Session) build(ctx context.Context) error {
	cfg := s.config

	options := make([]func(*config.LoadOptions) error, 0, len(cfg.AWSConfigOptions)+6)

	if cfg.Region != "" {
		options = append(options, config.WithRegion(cfg.Region))
	}

	switch {
	case cfg.CredentialsProvider != nil:
		options = append(options, config.WithCredentialsProvider(cfg.CredentialsProvider))
	case cfg.AccessKeyID != "":
		options = append(options, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	maxAttempts := cfg.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	options = append(options, config.WithRetryMode(aws.RetryModeStandard))
	options = append(options, config.WithRetryMaxAttempts(maxAttempts))

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	options = append(options, config.WithHTTPClient(httpClient))

	options = append(options, cfg.AWSConfigOptions...)

	awsConfig, err := configLoadFunc(ctx, options...)
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}

	if awsConfig.Retryer == nil {
		awsConfig.Retryer = func() aws.Retryer {
			return retry.NewStandard(func(o *retry.StandardOptions) {
				o.MaxAttempts = maxAttempts
			})
		}
	}

	if cfg.AssumeRoleARN != "" {
		awsConfig.Credentials = aws.NewCredentialsCache(assumeRoleProvider(awsConfig, cfg))
	}

	clientOptions := []func(*dynamodb.Options){
		func(o *dynamodb.Options) {
			o.Region = awsConfig.Region
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
		},
	}
	clientOptions = append(clientOptions, cfg.DynamoDBOptions...)

	s.awsConfig = awsConfig
	s.client = dynamodb.NewFromConfig(awsConfig, clientOptions...)
	s.kmsClient = kms.NewFromConfig(awsConfig)
	return nil
}

func assumeRoleProvider(base aws.Config, cfg *Config) aws.CredentialsProvider {
	stsClient := sts.NewFromConfig(base)

	duration := cfg.SessionDuration
	if duration == 0 {
		duration = time.Hour
	}
	sessionName := cfg.RoleSessionName
	if sessionName == "" {
		sessionName = "dynaitem"
	}

	return stscreds.NewAssumeRoleProvider(stsClient, cfg.AssumeRoleARN, func(o *stscreds.AssumeRoleOptions) {
		o.RoleSessionName = sessionName
		o.Duration = duration
		if cfg.ExternalID != "" {
			o.ExternalID = aws.String(cfg.ExternalID)
		}
	})
}
