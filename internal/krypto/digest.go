package krypto

import (
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/argon2"
)

// Parameters follow the OWASP recommendation for argon2id.
const (
	digestMemoryKiB   = 47104
	digestIterations  = 1
	digestParallelism = 1
	digestLen         = 32
)

var ErrInvalidInput = errors.New("invalid input")

// KeyedDigest returns a deterministic argon2id digest of data using key
// as the salt. Because the digest is deterministic it can be used as a
// blind index: the database stores and compares digests while the
// plaintext never leaves the application.
//
// Important: digests need to be rebuilt if the key or the argon2
// parameters change.
func KeyedDigest(data []byte, key Key) (string, error) {
	if len(data) == 0 {
		return "", ErrInvalidInput
	}

	if len(key.value) == 0 {
		return "", ErrInvalidKey
	}

	h := argon2.IDKey(data, key.value, digestIterations, digestMemoryKiB, digestParallelism, digestLen)
	return hex.EncodeToString(h), nil
}
