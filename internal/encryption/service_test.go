package encryption

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pay-theory/dynaitem/pkg/attr"
	dynerrors "github.com/pay-theory/dynaitem/pkg/errors"
)

// fakeKMS wraps data keys by prefixing them so Decrypt can recover the plaintext
type fakeKMS struct {
	generated int
	err       error
}

func (f *fakeKMS) GenerateDataKey(_ context.Context, _ *kms.GenerateDataKeyInput, _ ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.generated++
	key := bytes.Repeat([]byte{byte(f.generated)}, dataKeyLength)
	return &kms.GenerateDataKeyOutput{
		Plaintext:      key,
		CiphertextBlob: append([]byte("wrapped:"), key...),
	}, nil
}

func (f *fakeKMS) Decrypt(_ context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &kms.DecryptOutput{Plaintext: bytes.TrimPrefix(in.CiphertextBlob, []byte("wrapped:"))}, nil
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	svc := NewService("arn:aws:kms:us-east-1:123456789012:key/test", &fakeKMS{})
	ctx := context.Background()

	values := []types.AttributeValue{
		attr.S("4111111111111111"),
		attr.Int(42),
		attr.Map(map[string]types.AttributeValue{"ssn": attr.S("123-45-6789"), "tags": attr.SS("a")}),
		attr.List(),
	}

	for _, v := range values {
		sealed, err := svc.Encrypt(ctx, "secret", v)
		require.NoError(t, err)
		assert.True(t, IsEnvelope(sealed))
		assert.False(t, attr.Equal(v, sealed))

		opened, err := svc.Decrypt(ctx, "secret", sealed)
		require.NoError(t, err)
		assert.True(t, attr.Equal(v, opened))
	}
}

func TestDecryptBindsAttributeName(t *testing.T) {
	svc := NewService("key", &fakeKMS{})
	ctx := context.Background()

	sealed, err := svc.Encrypt(ctx, "card", attr.S("4111"))
	require.NoError(t, err)

	_, err = svc.Decrypt(ctx, "other", sealed)
	assert.Error(t, err)
}

func TestDecryptRejectsMalformedEnvelope(t *testing.T) {
	svc := NewService("key", &fakeKMS{})
	ctx := context.Background()

	bad := []types.AttributeValue{
		attr.S("plain"),
		attr.Map(map[string]types.AttributeValue{keyVersion: attr.N("2")}),
		attr.Map(map[string]types.AttributeValue{keyVersion: attr.N("1")}),
	}
	for _, env := range bad {
		_, err := svc.Decrypt(ctx, "card", env)
		assert.ErrorIs(t, err, dynerrors.ErrInvalidEncryptedEnvelope)
		assert.False(t, IsEnvelope(env))
	}
}

func TestServiceNotConfigured(t *testing.T) {
	var nilSvc *Service
	_, err := nilSvc.Encrypt(context.Background(), "a", attr.S("x"))
	assert.ErrorIs(t, err, dynerrors.ErrEncryptionNotConfigured)

	_, err = NewService("", &fakeKMS{}).Encrypt(context.Background(), "a", attr.S("x"))
	assert.ErrorIs(t, err, dynerrors.ErrEncryptionNotConfigured)

	boom := errors.New("kms down")
	_, err = NewService("key", &fakeKMS{err: boom}).Encrypt(context.Background(), "a", attr.S("x"))
	assert.ErrorIs(t, err, boom)
}
