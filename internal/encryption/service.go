// Package encryption seals single attribute values with KMS envelope encryption. Each value gets
// a fresh AES-256 data key; the encrypted data key, nonce and AES-GCM ciphertext are stored
// together as a map attribute.
package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmsTypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/pay-theory/dynaitem/pkg/attr"
	"github.com/pay-theory/dynaitem/pkg/errors"
)

const (
	envelopeVersion = "1"

	keyVersion    = "v"
	keyEDK        = "edk"
	keyNonce      = "nonce"
	keyCiphertext = "ct"

	dataKeyLength = 32
)

// KMSAPI is the subset of the KMS client used for envelope encryption
type KMSAPI interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// Service encrypts and decrypts attribute values under one KMS key
type Service struct {
	keyARN string
	kms    KMSAPI
	rand   io.Reader
}

// NewService creates a service that generates data keys under keyARN
func NewService(keyARN string, client KMSAPI) *Service {
	return &Service{
		keyARN: keyARN,
		kms:    client,
		rand:   rand.Reader,
	}
}

func (s *Service) ready(attributeName string) error {
	switch {
	case s == nil, s.kms == nil:
		return errors.ErrEncryptionNotConfigured
	case s.keyARN == "":
		return fmt.Errorf("%w: kms key ARN is empty", errors.ErrEncryptionNotConfigured)
	case attributeName == "":
		return fmt.Errorf("attribute name is empty")
	}
	return nil
}

// Encrypt seals av. The attribute name is bound into the ciphertext so an envelope copied to
// another attribute fails to open.
func (s *Service) Encrypt(ctx context.Context, attributeName string, av types.AttributeValue) (types.AttributeValue, error) {
	if err := s.ready(attributeName); err != nil {
		return nil, err
	}

	plaintext, err := attr.MarshalJSON(av)
	if err != nil {
		return nil, fmt.Errorf("failed to encode attribute value: %w", err)
	}

	dataKey, err := s.kms.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(s.keyARN),
		KeySpec: kmsTypes.DataKeySpecAes256,
	})
	if err != nil {
		return nil, fmt.Errorf("kms GenerateDataKey failed: %w", err)
	}
	if len(dataKey.Plaintext) != dataKeyLength {
		return nil, fmt.Errorf("unexpected data key plaintext length: %d", len(dataKey.Plaintext))
	}
	if len(dataKey.CiphertextBlob) == 0 {
		return nil, fmt.Errorf("kms returned empty ciphertext data key")
	}

	gcm, err := newGCM(dataKey.Plaintext)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(s.rand, nonce); err != nil {
		return nil, fmt.Errorf("nonce generation failed: %w", err)
	}

	return attr.Map(map[string]types.AttributeValue{
		keyVersion:    attr.N(envelopeVersion),
		keyEDK:        attr.Bin(dataKey.CiphertextBlob),
		keyNonce:      attr.Bin(nonce),
		keyCiphertext: attr.Bin(gcm.Seal(nil, nonce, plaintext, aad(attributeName))),
	}), nil
}

// Decrypt opens an envelope produced by Encrypt for the same attribute name
func (s *Service) Decrypt(ctx context.Context, attributeName string, envelope types.AttributeValue) (types.AttributeValue, error) {
	if err := s.ready(attributeName); err != nil {
		return nil, err
	}

	parts, err := parseEnvelope(envelope)
	if err != nil {
		return nil, err
	}

	dec, err := s.kms.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: parts.edk,
		KeyId:          aws.String(s.keyARN),
	})
	if err != nil {
		return nil, fmt.Errorf("kms Decrypt failed: %w", err)
	}
	if len(dec.Plaintext) != dataKeyLength {
		return nil, fmt.Errorf("unexpected data key plaintext length: %d", len(dec.Plaintext))
	}

	gcm, err := newGCM(dec.Plaintext)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, parts.nonce, parts.ciphertext, aad(attributeName))
	if err != nil {
		return nil, fmt.Errorf("aes-gcm decrypt failed: %w", err)
	}

	return attr.UnmarshalJSON(plaintext)
}

// IsEnvelope reports whether av has the shape of an encrypted envelope
func IsEnvelope(av types.AttributeValue) bool {
	_, err := parseEnvelope(av)
	return err == nil
}

type envelopeParts struct {
	edk        []byte
	nonce      []byte
	ciphertext []byte
}

func parseEnvelope(envelope types.AttributeValue) (envelopeParts, error) {
	m, ok := attr.AsMap(envelope)
	if !ok {
		return envelopeParts{}, fmt.Errorf("%w: expected encrypted envelope map, got %T", errors.ErrInvalidEncryptedEnvelope, envelope)
	}

	if version, ok := attr.AsNumber(m[keyVersion]); !ok || version != envelopeVersion {
		return envelopeParts{}, fmt.Errorf("%w: unsupported encrypted envelope version", errors.ErrInvalidEncryptedEnvelope)
	}

	edk, ok := attr.AsBinary(m[keyEDK])
	if !ok || len(edk) == 0 {
		return envelopeParts{}, fmt.Errorf("%w: missing encrypted data key", errors.ErrInvalidEncryptedEnvelope)
	}
	nonce, ok := attr.AsBinary(m[keyNonce])
	if !ok || len(nonce) == 0 {
		return envelopeParts{}, fmt.Errorf("%w: missing nonce", errors.ErrInvalidEncryptedEnvelope)
	}
	ct, ok := attr.AsBinary(m[keyCiphertext])
	if !ok {
		return envelopeParts{}, fmt.Errorf("%w: missing ciphertext", errors.ErrInvalidEncryptedEnvelope)
	}

	return envelopeParts{edk: edk, nonce: nonce, ciphertext: ct}, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher init failed: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("aes-gcm init failed: %w", err)
	}
	return gcm, nil
}

func aad(attributeName string) []byte {
	return []byte("dynaitem:encrypted:v1|attr=" + attributeName)
}
