package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"identity-service/internal/config"
	"identity-service/internal/util"

	"golang.org/x/crypto/argon2"
)

var (
	ErrInvalidHash         = errors.New("invalid hash format")
	ErrIncompatibleVersion = errors.New("incompatible argon2 version")
	ErrInvalidCodeLength   = errors.New("code length must be between 4 and 10")
)

const algorithm = "argon2id"

// Hash contexts keep a code hash from ever verifying as a password and vice versa.
const (
	contextCode     = "otp"
	contextPassword = "password"
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Hasher produces one-time codes and the opaque secrets stored for them, and
// hashes account passwords. Encoded hashes carry their own parameters so the
// cost can be raised without invalidating stored values.
type Hasher struct {
	params     Argon2Params
	pepper     string
	codeLength int
}

func NewHasher(cfg *config.Config) *Hasher {
	return NewHasherWithParams(Argon2Params{
		Memory:      uint32(cfg.Hashing.Argon2MemoryCost),
		Iterations:  uint32(cfg.Hashing.Argon2TimeCost),
		Parallelism: uint8(cfg.Hashing.Argon2Parallelism),
		SaltLength:  16,
		KeyLength:   32,
	}, cfg.Hashing.Pepper, cfg.Auth.CodeLength)
}

func NewHasherWithParams(params Argon2Params, pepper string, codeLength int) *Hasher {
	if codeLength == 0 {
		codeLength = 6
	}
	return &Hasher{params: params, pepper: pepper, codeLength: codeLength}
}

// NewCode returns a fresh numeric code and the secret to persist for it.
func (h *Hasher) NewCode() (code, secret string, err error) {
	code, err = GenerateCode(h.codeLength)
	if err != nil {
		return "", "", err
	}
	secret, err = h.hash(code, contextCode)
	if err != nil {
		return "", "", err
	}
	return code, secret, nil
}

// VerifyCode compares a submitted code against a stored secret in constant time.
func (h *Hasher) VerifyCode(code, secret string) (bool, error) {
	return h.verify(code, secret, contextCode)
}

func (h *Hasher) HashPassword(password string) (string, error) {
	return h.hash(password, contextPassword)
}

func (h *Hasher) VerifyPassword(password, encoded string) (bool, error) {
	return h.verify(password, encoded, contextPassword)
}

// GenerateCode returns a uniformly random decimal code of the given length.
func GenerateCode(length int) (string, error) {
	if length < 4 || length > 10 {
		return "", ErrInvalidCodeLength
	}
	var b strings.Builder
	b.Grow(length)
	ten := big.NewInt(10)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", fmt.Errorf("failed to generate code: %w", err)
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}

func (h *Hasher) hash(data, context string) (string, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey(
		[]byte(data+h.pepper+context),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	return fmt.Sprintf("%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithm,
		argon2.Version,
		h.params.Memory,
		h.params.Iterations,
		h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

func (h *Hasher) verify(data, encoded, context string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 5 || parts[0] != algorithm {
		return false, ErrInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[1], "v=%d", &version); err != nil {
		return false, ErrInvalidHash
	}
	if version != argon2.Version {
		return false, ErrIncompatibleVersion
	}

	var p Argon2Params
	if _, err := fmt.Sscanf(parts[2], "m=%d,t=%d,p=%d", &p.Memory, &p.Iterations, &p.Parallelism); err != nil {
		return false, ErrInvalidHash
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return false, ErrInvalidHash
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, ErrInvalidHash
	}

	computed := argon2.IDKey(
		[]byte(data+h.pepper+context),
		salt,
		p.Iterations,
		p.Memory,
		p.Parallelism,
		uint32(len(expected)),
	)

	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}

// Benchmark hashing performance
func (h *Hasher) Benchmark(iterations int) time.Duration {
	start := time.Now()

	for i := 0; i < iterations; i++ {
		if _, err := h.hash(fmt.Sprintf("benchmark%d", i), contextCode); err != nil {
			util.Error("Benchmark failed", util.ErrorField(err))
			return 0
		}
	}

	return time.Since(start)
}
