package encryption

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"identity-service/internal/config"
	"identity-service/internal/util"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

var (
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrNoSigningKey     = errors.New("no signing key configured")
)

const minSecretLength = 32

// KeySet is the material the token service signs and verifies with. Current
// names the key used for new tokens; all keys are accepted when verifying.
type KeySet struct {
	Current string
	Keys    map[string][]byte
}

func (ks *KeySet) CurrentKey() []byte {
	return ks.Keys[ks.Current]
}

// KeyProvider resolves signing keys at startup.
type KeyProvider interface {
	SigningKeys(ctx context.Context) (*KeySet, error)
}

// StaticKeyProvider serves keys straight from configuration.
type StaticKeyProvider struct {
	keyID      string
	secret     string
	oldSecrets map[string]string
}

func NewStaticKeyProvider(cfg *config.Config) *StaticKeyProvider {
	return &StaticKeyProvider{
		keyID:      cfg.JWT.KeyID,
		secret:     cfg.JWT.Secret,
		oldSecrets: cfg.JWT.OldSecrets,
	}
}

func (p *StaticKeyProvider) SigningKeys(_ context.Context) (*KeySet, error) {
	if p.secret == "" {
		return nil, ErrNoSigningKey
	}
	if len(p.secret) < minSecretLength {
		util.Warn("JWT signing secret is shorter than recommended", util.Int("length", len(p.secret)))
	}
	return buildKeySet(p.keyID, []byte(p.secret), p.oldSecrets), nil
}

// Decrypter is the subset of the KMS client used here.
type Decrypter interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSKeyProvider decrypts the signing secret from a KMS ciphertext so the
// plaintext never has to live in the environment.
type KMSKeyProvider struct {
	client     Decrypter
	kmsKeyID   string
	keyID      string
	ciphertext string
	oldSecrets map[string]string
}

// NewKMSClient builds a KMS client from the default AWS credential chain.
func NewKMSClient(ctx context.Context, region string) (*kms.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return kms.NewFromConfig(awsCfg), nil
}

func NewKMSKeyProvider(cfg *config.Config, client Decrypter) *KMSKeyProvider {
	return &KMSKeyProvider{
		client:     client,
		kmsKeyID:   cfg.KMS.KeyID,
		keyID:      cfg.JWT.KeyID,
		ciphertext: cfg.KMS.EncryptedSecret,
		oldSecrets: cfg.JWT.OldSecrets,
	}
}

func (p *KMSKeyProvider) SigningKeys(ctx context.Context) (*KeySet, error) {
	if p.ciphertext == "" {
		return nil, ErrNoSigningKey
	}
	blob, err := base64.StdEncoding.DecodeString(p.ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid ciphertext encoding", ErrDecryptionFailed)
	}

	input := &kms.DecryptInput{CiphertextBlob: blob}
	if p.kmsKeyID != "" {
		input.KeyId = aws.String(p.kmsKeyID)
	}

	out, err := p.client.Decrypt(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	if len(out.Plaintext) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrDecryptionFailed)
	}

	util.Info("JWT signing key decrypted via KMS", util.String("kid", p.keyID))
	return buildKeySet(p.keyID, out.Plaintext, p.oldSecrets), nil
}

func buildKeySet(current string, secret []byte, old map[string]string) *KeySet {
	ks := &KeySet{Current: current, Keys: make(map[string][]byte, len(old)+1)}
	for kid, s := range old {
		ks.Keys[kid] = []byte(s)
	}
	ks.Keys[current] = secret
	return ks
}
