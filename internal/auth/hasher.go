package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	argonMemoryKiB   = 64 * 1024
	argonIterations  = 3
	argonParallelism = 2
	argonSaltLength  = 16
	argonKeyLength   = 32

	// Upper bounds accepted during verification, so a crafted hash cannot make
	// the server burn arbitrary memory or CPU.
	argonMaxMemoryKiB  = 1 << 21
	argonMaxIterations = 64
)

// HashPassword derives an argon2id hash over the plaintext with a fresh random
// salt and returns a PHC-style encoding carrying the parameters, salt and
// digest, so verification needs no side-channel configuration.
func HashPassword(plaintext string) (string, error) {
	if plaintext == "" {
		return "", fmt.Errorf("%w: password must not be empty", ErrInvalidInput)
	}

	salt := make([]byte, argonSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate password salt: %w", err)
	}

	digest := argon2.IDKey([]byte(plaintext), salt, argonIterations, argonMemoryKiB, argonParallelism, argonKeyLength)

	encoded := fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		argonMemoryKiB,
		argonIterations,
		argonParallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(digest),
	)

	return encoded, nil
}

// VerifyPassword recomputes the digest using the parameters embedded in the
// encoded hash and compares in constant time. A wrong password returns false
// with a nil error; only an encoding that cannot be parsed returns an error.
func VerifyPassword(plaintext, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return false, fmt.Errorf("malformed password hash")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, fmt.Errorf("malformed password hash version: %w", err)
	}
	if version != argon2.Version {
		return false, fmt.Errorf("unsupported argon2 version %d", version)
	}

	var memoryKiB, iterations uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memoryKiB, &iterations, &parallelism); err != nil {
		return false, fmt.Errorf("malformed password hash parameters: %w", err)
	}
	if memoryKiB == 0 || memoryKiB > argonMaxMemoryKiB || iterations == 0 || iterations > argonMaxIterations || parallelism == 0 {
		return false, fmt.Errorf("password hash parameters out of bounds")
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("malformed password hash salt: %w", err)
	}
	digest, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("malformed password hash digest: %w", err)
	}
	if len(digest) == 0 {
		return false, fmt.Errorf("empty password hash digest")
	}

	computed := argon2.IDKey([]byte(plaintext), salt, iterations, memoryKiB, parallelism, uint32(len(digest)))

	return subtle.ConstantTimeCompare(computed, digest) == 1, nil
}
