package secrets

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
)

const (
	// crockfordAlphabet omits I, L, O and U so keys survive being read aloud or retyped.
	crockfordAlphabet  = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
	backupCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	// SecretKeySymbols yields 160 bits of entropy (32 symbols x 5 bits).
	SecretKeySymbols = 32
	// BackupCodeLength yields roughly 41 bits of entropy per code.
	BackupCodeLength = 8
	// BatchSize is the fixed number of backup codes issued per identity.
	BatchSize = 8

	secretKeyGroupSize   = 4
	maxCollisionRetries  = 16
	suggestionNumberSpan = 100
)

var (
	// ErrInvalidBatchSize indicates a non-positive batch size request.
	ErrInvalidBatchSize = errors.New("secrets: batch size must be positive")

	errCollisionRetriesExhausted = errors.New("secrets: could not draw distinct backup codes")
)

// Generator draws secret keys, backup codes and cosmetic handle suggestions from a
// cryptographically secure source. It never persists anything.
type Generator struct {
	random io.Reader
}

// NewGenerator returns a generator backed by crypto/rand.
func NewGenerator() *Generator {
	return &Generator{random: rand.Reader}
}

// NewGeneratorWithReader returns a generator drawing from the provided source. Intended for tests.
func NewGeneratorWithReader(random io.Reader) *Generator {
	if random == nil {
		random = rand.Reader
	}
	return &Generator{random: random}
}

// SecretKey returns a fresh key such as "7K2Q-M9ZD-...-X4TB" (eight dash-separated groups).
func (g *Generator) SecretKey() (string, error) {
	raw, err := g.draw(crockfordAlphabet, SecretKeySymbols)
	if err != nil {
		return "", fmt.Errorf("secrets: secret key: %w", err)
	}
	groups := make([]string, 0, SecretKeySymbols/secretKeyGroupSize)
	for start := 0; start < len(raw); start += secretKeyGroupSize {
		groups = append(groups, raw[start:start+secretKeyGroupSize])
	}
	return strings.Join(groups, "-"), nil
}

// BackupCodes returns n distinct uppercase alphanumeric codes of BackupCodeLength characters.
func (g *Generator) BackupCodes(n int) ([]string, error) {
	if n <= 0 {
		return nil, ErrInvalidBatchSize
	}
	codes := make([]string, 0, n)
	seen := make(map[string]struct{}, n)
	retries := 0
	for len(codes) < n {
		code, err := g.draw(backupCodeAlphabet, BackupCodeLength)
		if err != nil {
			return nil, fmt.Errorf("secrets: backup code: %w", err)
		}
		if _, duplicate := seen[code]; duplicate {
			retries++
			if retries > maxCollisionRetries {
				return nil, errCollisionRetriesExhausted
			}
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	return codes, nil
}

// HandleSuggestion returns an adjective+noun+number handle such as "SwiftTiger42".
// It is a UI convenience and carries no uniqueness guarantee.
func (g *Generator) HandleSuggestion() (string, error) {
	adjective, err := g.pick(len(handleAdjectives))
	if err != nil {
		return "", fmt.Errorf("secrets: handle suggestion: %w", err)
	}
	noun, err := g.pick(len(handleNouns))
	if err != nil {
		return "", fmt.Errorf("secrets: handle suggestion: %w", err)
	}
	number, err := g.pick(suggestionNumberSpan)
	if err != nil {
		return "", fmt.Errorf("secrets: handle suggestion: %w", err)
	}
	return fmt.Sprintf("%s%s%02d", handleAdjectives[adjective], handleNouns[noun], number), nil
}

func (g *Generator) draw(alphabet string, length int) (string, error) {
	var builder strings.Builder
	builder.Grow(length)
	for i := 0; i < length; i++ {
		index, err := g.pick(len(alphabet))
		if err != nil {
			return "", err
		}
		builder.WriteByte(alphabet[index])
	}
	return builder.String(), nil
}

func (g *Generator) pick(upper int) (int, error) {
	value, err := rand.Int(g.random, big.NewInt(int64(upper)))
	if err != nil {
		return 0, err
	}
	return int(value.Int64()), nil
}

// NormalizeSecretKey canonicalizes user input: separators and whitespace are dropped, letters are
// upper-cased and the Crockford aliases O, I and L are folded onto 0 and 1.
func NormalizeSecretKey(input string) string {
	var builder strings.Builder
	builder.Grow(len(input))
	for _, r := range strings.ToUpper(input) {
		switch {
		case r == '-' || r == ' ' || r == '\t' || r == '\n' || r == '\r':
			continue
		case r == 'O':
			builder.WriteByte('0')
		case r == 'I' || r == 'L':
			builder.WriteByte('1')
		default:
			builder.WriteRune(r)
		}
	}
	return builder.String()
}

// NormalizeBackupCode upper-cases the code and drops separators and whitespace.
func NormalizeBackupCode(input string) string {
	var builder strings.Builder
	builder.Grow(len(input))
	for _, r := range strings.ToUpper(input) {
		if r == '-' || r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			continue
		}
		builder.WriteRune(r)
	}
	return builder.String()
}

var handleAdjectives = []string{
	"Swift", "Brave", "Calm", "Clever", "Bold", "Bright", "Lucky", "Quiet",
	"Rapid", "Sunny", "Witty", "Noble", "Eager", "Gentle", "Mighty", "Nimble",
}

var handleNouns = []string{
	"Tiger", "Falcon", "Otter", "Panda", "Fox", "Heron", "Lynx", "Badger",
	"Comet", "Maple", "River", "Cedar", "Raven", "Koala", "Bison", "Orca",
}
