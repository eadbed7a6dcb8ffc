package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubSessionConfigLoad(t *testing.T, fn func(context.Context, ...func(*config.LoadOptions) error) (aws.Config, error)) {
	t.Helper()

	original := configLoadFunc
	configLoadFunc = fn

	t.Cleanup(func() {
		configLoadFunc = original
	})
}

type stubHTTPClient struct {
	responses map[string]string
	mu        sync.Mutex
	hosts     []string
}

func (c *stubHTTPClient) Do(req *http.Request) (*http.Response, error) {
	c.mu.Lock()
	c.hosts = append(c.hosts, req.URL.Host)
	c.mu.Unlock()

	target := req.Header.Get("X-Amz-Target")
	if req.Body != nil {
		_, _ = io.Copy(io.Discard, req.Body)
		_ = req.Body.Close()
	}

	body := c.responses[target]
	if body == "" {
		body = "{}"
	}

	status := http.StatusOK
	return &http.Response{
		StatusCode:    status,
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Header:        http.Header{"Content-Type": []string{"application/x-amz-json-1.0"}},
		ContentLength: int64(len(body)),
		Body:          io.NopCloser(bytes.NewReader([]byte(body))),
		Request:       req,
	}, nil
}

// loadFromOptions applies the load options the session passes and builds a minimal config from them
func loadFromOptions(calls *int32) func(context.Context, ...func(*config.LoadOptions) error) (aws.Config, error) {
	return func(_ context.Context, optFns ...func(*config.LoadOptions) error) (aws.Config, error) {
		atomic.AddInt32(calls, 1)

		var lo config.LoadOptions
		for _, fn := range optFns {
			if err := fn(&lo); err != nil {
				return aws.Config{}, err
			}
		}

		creds := lo.Credentials
		if creds == nil {
			creds = credentials.NewStaticCredentialsProvider("test", "secret", "token")
		}
		return aws.Config{
			Region:      lo.Region,
			Credentials: creds,
			HTTPClient:  lo.HTTPClient,
			Retryer: func() aws.Retryer {
				return aws.NopRetryer{}
			},
		}, nil
	}
}

func TestClientIsBuiltOnce(t *testing.T) {
	var calls int32
	stubSessionConfigLoad(t, loadFromOptions(&calls))

	sess := NewSession(&Config{Region: "us-west-2"})
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))

	var wg sync.WaitGroup
	clients := make([]*dynamodb.Client, 8)
	for i := range clients {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := sess.Client(context.Background())
			assert.NoError(t, err)
			clients[i] = c
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, c := range clients {
		assert.Same(t, clients[0], c)
	}

	awsCfg, err := sess.AWSConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "us-west-2", awsCfg.Region)

	kmsClient, err := sess.KMSClient(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, kmsClient)
}

func TestConfigLoadErrorIsReturned(t *testing.T) {
	boom := errors.New("no config")
	stubSessionConfigLoad(t, func(context.Context, ...func(*config.LoadOptions) error) (aws.Config, error) {
		return aws.Config{}, boom
	})

	sess := NewSession(nil)
	_, err := sess.Client(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	_, err = sess.KMSClient(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestClientUsesEndpointAndStaticCredentials(t *testing.T) {
	var calls int32
	stubSessionConfigLoad(t, loadFromOptions(&calls))

	httpClient := &stubHTTPClient{responses: map[string]string{
		"DynamoDB_20120810.GetItem": `{"Item":{"pk":{"S":"person"},"name":{"S":"Jon"}}}`,
	}}

	sess := NewSession(&Config{
		Region:          "us-east-1",
		Endpoint:        "http://localhost:8000",
		AccessKeyID:     "local",
		SecretAccessKey: "local-secret",
		HTTPClient:      httpClient,
	})

	awsCfg, err := sess.AWSConfig(context.Background())
	require.NoError(t, err)
	creds, err := awsCfg.Credentials.Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "local", creds.AccessKeyID)

	client, err := sess.Client(context.Background())
	require.NoError(t, err)

	out, err := client.GetItem(context.Background(), &dynamodb.GetItemInput{
		TableName: aws.String("people"),
		Key:       map[string]types.AttributeValue{"pk": &types.AttributeValueMemberS{Value: "person"}},
	})
	require.NoError(t, err)
	assert.Equal(t, &types.AttributeValueMemberS{Value: "Jon"}, out.Item["name"])
	assert.Equal(t, []string{"localhost:8000"}, httpClient.hosts)
}

func TestAssumeRoleWrapsCredentials(t *testing.T) {
	var calls int32
	stubSessionConfigLoad(t, loadFromOptions(&calls))

	sess := NewSession(&Config{
		Region:        "us-east-1",
		AssumeRoleARN: "arn:aws:iam::123456789012:role/partner",
		ExternalID:    "ext",
	})

	awsCfg, err := sess.AWSConfig(context.Background())
	require.NoError(t, err)
	_, ok := awsCfg.Credentials.(*aws.CredentialsCache)
	assert.True(t, ok)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv(EnvRegion, "eu-west-1")
	t.Setenv(EnvEndpoint, "http://localhost:4566")
	t.Setenv(EnvKMSKeyARN, "arn:aws:kms:eu-west-1:123456789012:key/abc")
	t.Setenv(EnvMaxRetries, "5")
	t.Setenv(EnvLambdaFunction, "handler")
	t.Setenv(EnvLambdaMemoryMB, "256")

	cfg := ConfigFromEnv()
	assert.Equal(t, "eu-west-1", cfg.Region)
	assert.Equal(t, "http://localhost:4566", cfg.Endpoint)
	assert.Equal(t, "arn:aws:kms:eu-west-1:123456789012:key/abc", cfg.KMSKeyARN)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.True(t, IsLambdaEnvironment())
	assert.Equal(t, 256, LambdaMemoryMB())

	hc, ok := cfg.HTTPClient.(*http.Client)
	require.True(t, ok)
	transport, ok := hc.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 5, transport.MaxIdleConnsPerHost)
}

func TestConfigFromEnvDefaults(t *testing.T) {
	t.Setenv(EnvRegion, "")
	t.Setenv(EnvLambdaFunction, "")
	t.Setenv(EnvMaxRetries, "nope")

	cfg := ConfigFromEnv()
	assert.Equal(t, defaultRegion, cfg.Region)
	assert.Equal(t, defaultMaxAttempts, cfg.MaxRetries)
	assert.Nil(t, cfg.HTTPClient)
	assert.False(t, IsLambdaEnvironment())
}
