package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	algorithmArgon2id = "argon2id"

	// Upper bounds applied to parameters read back from stored hashes.
	maxDecodedMemoryKiB  = 1 << 20
	maxDecodedIterations = 64
)

var (
	// ErrInvalidParams indicates a zero or out-of-range argon2id parameter.
	ErrInvalidParams = errors.New("hashing: argon2id params must be fully configured")

	errMalformedHash = errors.New("hashing: malformed encoded hash")
)

// Params configures the argon2id cost. Memory is expressed in KiB.
type Params struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultParams returns the production argon2id cost (64 MiB, 3 passes).
func DefaultParams() Params {
	return Params{
		MemoryKiB:   64 * 1024,
		Iterations:  3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

func (p Params) validate() error {
	if p.MemoryKiB == 0 || p.Iterations == 0 || p.Parallelism == 0 || p.SaltLength == 0 || p.KeyLength == 0 {
		return ErrInvalidParams
	}
	if p.MemoryKiB < 8*uint32(p.Parallelism) {
		return fmt.Errorf("%w: memory must be at least 8 KiB per lane", ErrInvalidParams)
	}
	return nil
}

// Argon2idHasher produces and verifies PHC-style argon2id hashes:
// $argon2id$v=19$m=<memory>,t=<iterations>,p=<parallelism>$<salt>$<hash>
type Argon2idHasher struct {
	params Params
	random io.Reader
}

// NewArgon2idHasher validates params and constructs a hasher backed by crypto/rand.
func NewArgon2idHasher(params Params) (*Argon2idHasher, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	return &Argon2idHasher{params: params, random: rand.Reader}, nil
}

// Hash derives a salted argon2id hash for the secret.
func (h *Argon2idHasher) Hash(secret string) (string, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := io.ReadFull(h.random, salt); err != nil {
		return "", fmt.Errorf("hashing: generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(secret), salt, h.params.Iterations, h.params.MemoryKiB, h.params.Parallelism, h.params.KeyLength)

	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithmArgon2id,
		argon2.Version,
		h.params.MemoryKiB,
		h.params.Iterations,
		h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether secret matches the encoded hash. Parameters are taken from the encoding,
// so hashes produced under older costs keep verifying. Malformed encodings never match.
func (h *Argon2idHasher) Verify(secret, encoded string) bool {
	decoded, err := decodeHash(encoded)
	if err != nil {
		return false
	}
	candidate := argon2.IDKey([]byte(secret), decoded.salt, decoded.params.Iterations, decoded.params.MemoryKiB, decoded.params.Parallelism, uint32(len(decoded.key)))
	return subtle.ConstantTimeCompare(decoded.key, candidate) == 1
}

type decodedHash struct {
	params Params
	salt   []byte
	key    []byte
}

func decodeHash(encoded string) (decodedHash, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" {
		return decodedHash{}, fmt.Errorf("%w: expected 6 segments", errMalformedHash)
	}
	if parts[1] != algorithmArgon2id {
		return decodedHash{}, fmt.Errorf("%w: unsupported algorithm %q", errMalformedHash, parts[1])
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return decodedHash{}, fmt.Errorf("%w: unsupported version", errMalformedHash)
	}

	var params Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.MemoryKiB, &params.Iterations, &params.Parallelism); err != nil {
		return decodedHash{}, fmt.Errorf("%w: params: %v", errMalformedHash, err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return decodedHash{}, fmt.Errorf("%w: salt", errMalformedHash)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return decodedHash{}, fmt.Errorf("%w: key", errMalformedHash)
	}

	if params.MemoryKiB > maxDecodedMemoryKiB || params.Iterations > maxDecodedIterations {
		return decodedHash{}, fmt.Errorf("%w: cost exceeds limits", errMalformedHash)
	}

	params.SaltLength = uint32(len(salt))
	params.KeyLength = uint32(len(key))
	if err := params.validate(); err != nil {
		return decodedHash{}, fmt.Errorf("%w: %v", errMalformedHash, err)
	}

	return decodedHash{params: params, salt: salt, key: key}, nil
}
