package keysource

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// DecryptAPI is the part of the KMS client used by AWSKMS.
type DecryptAPI interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// AWSKMS unwraps a master key stored as a KMS ciphertext. The ciphertext is
// base64 encoded, typically produced with `aws kms encrypt`.
type AWSKMS struct {
	client     DecryptAPI
	keyID      string
	ciphertext string
}

// NewAWSKMS loads the default AWS configuration. keyID may be a key id,
// ARN or alias.
func NewAWSKMS(ctx context.Context, keyID, ciphertext string) (*AWSKMS, error) {
	if keyID == "" {
		return nil, errors.New("AWS_KMS_KEY_ID is not set")
	}
	if ciphertext == "" {
		return nil, errors.New("AWS_KMS_MASTER_KEY_CIPHERTEXT is not set")
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewAWSKMSWithClient(kms.NewFromConfig(cfg), keyID, ciphertext), nil
}

// NewAWSKMSWithClient is NewAWSKMS with an existing client.
func NewAWSKMSWithClient(client DecryptAPI, keyID, ciphertext string) *AWSKMS {
	return &AWSKMS{client: client, keyID: keyID, ciphertext: ciphertext}
}

func (p *AWSKMS) Name() string {
	return "kms://" + p.keyID
}

func (p *AWSKMS) MasterKey(ctx context.Context) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(p.ciphertext)
	if err != nil {
		return "", fmt.Errorf("kms: ciphertext is not base64: %w", err)
	}

	out, err := p.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          &p.keyID,
		CiphertextBlob: blob,
	})
	if err != nil {
		return "", fmt.Errorf("kms decrypt: %w", err)
	}
	if len(out.Plaintext) == 0 {
		return "", fmt.Errorf("kms: %w", ErrNotFound)
	}
	return string(out.Plaintext), nil
}
