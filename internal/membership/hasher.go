// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MyYearbook Contributors

package membership

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/samber/oops"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// Upper bounds accepted when decoding a stored hash. A tampered hash must not
// be able to make Verify allocate unbounded memory or spin for minutes.
const (
	maxArgon2Time      = 64
	maxArgon2MemoryKiB = 1 << 20 // 1 GiB
	maxArgon2KeyLen    = 1024
)

// Argon2Params are the argon2id cost parameters used for new hashes.
type Argon2Params struct {
	Time      uint32 // iterations
	MemoryKiB uint32
	Threads   uint8 // parallelism
	SaltLen   uint32
	KeyLen    uint32
}

// DefaultArgon2Params returns the OWASP-recommended argon2id parameters.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		Time:      1,
		MemoryKiB: 64 * 1024,
		Threads:   4,
		SaltLen:   16,
		KeyLen:    32,
	}
}

// Validate checks that the parameters are usable.
func (p Argon2Params) Validate() error {
	switch {
	case p.Time == 0 || p.Time > maxArgon2Time:
		return oops.Code("MEMBERSHIP_INVALID_HASHER_PARAMS").With("time", p.Time).Errorf("time must be in 1..%d", maxArgon2Time)
	case p.MemoryKiB < 8*uint32(p.Threads) || p.MemoryKiB > maxArgon2MemoryKiB:
		return oops.Code("MEMBERSHIP_INVALID_HASHER_PARAMS").With("memory_kib", p.MemoryKiB).Errorf("memory out of range")
	case p.Threads == 0:
		return oops.Code("MEMBERSHIP_INVALID_HASHER_PARAMS").Errorf("threads must be at least 1")
	case p.SaltLen < 8:
		return oops.Code("MEMBERSHIP_INVALID_HASHER_PARAMS").With("salt_len", p.SaltLen).Errorf("salt must be at least 8 bytes")
	case p.KeyLen < 16 || p.KeyLen > maxArgon2KeyLen:
		return oops.Code("MEMBERSHIP_INVALID_HASHER_PARAMS").With("key_len", p.KeyLen).Errorf("key length out of range")
	}
	return nil
}

// PasswordHasher provides password hashing and verification.
type PasswordHasher interface {
	// Hash produces a salted hash of the password.
	Hash(password string) (string, error)

	// Verify reports whether password matches hash. A malformed hash never
	// matches.
	Verify(password, hash string) bool

	// NeedsUpgrade returns true if the hash should be replaced by a fresh one.
	NeedsUpgrade(hash string) bool
}

// Argon2idHasher implements PasswordHasher using argon2id. Legacy bcrypt
// hashes are accepted by Verify and reported by NeedsUpgrade.
type Argon2idHasher struct {
	params Argon2Params
	salt   io.Reader
}

// HasherOption configures an Argon2idHasher.
type HasherOption func(*Argon2idHasher)

// WithParams overrides the argon2id cost parameters.
func WithParams(p Argon2Params) HasherOption {
	return func(h *Argon2idHasher) {
		h.params = p
	}
}

// WithSaltSource sets the reader salts are drawn from.
func WithSaltSource(r io.Reader) HasherOption {
	return func(h *Argon2idHasher) {
		if r != nil {
			h.salt = r
		}
	}
}

// NewArgon2idHasher creates a new Argon2idHasher.
func NewArgon2idHasher(opts ...HasherOption) (*Argon2idHasher, error) {
	h := &Argon2idHasher{
		params: DefaultArgon2Params(),
		salt:   rand.Reader,
	}
	for _, opt := range opts {
		opt(h)
	}
	if err := h.params.Validate(); err != nil {
		return nil, err
	}
	return h, nil
}

// Hash produces an argon2id hash of the password. Any plaintext is accepted,
// the empty string included; length rules belong to the password policy.
func (h *Argon2idHasher) Hash(password string) (string, error) {
	salt := make([]byte, h.params.SaltLen)
	if _, err := io.ReadFull(h.salt, salt); err != nil {
		return "", oops.Code("MEMBERSHIP_SALT_FAILED").Wrap(err)
	}

	key := argon2.IDKey([]byte(password), salt, h.params.Time, h.params.MemoryKiB, h.params.Threads, h.params.KeyLen)

	// $argon2id$v=19$m=65536,t=1,p=4$<salt>$<hash>
	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.params.MemoryKiB,
		h.params.Time,
		h.params.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify checks if the password matches the hash.
func (h *Argon2idHasher) Verify(password, encodedHash string) bool {
	if isBcrypt(encodedHash) {
		return bcrypt.CompareHashAndPassword([]byte(encodedHash), []byte(password)) == nil
	}
	ok, err := verifyArgon2id(password, encodedHash)
	return err == nil && ok
}

// NeedsUpgrade returns true if the hash is not argon2id (e.g., bcrypt) or
// was produced with different cost parameters.
func (h *Argon2idHasher) NeedsUpgrade(hash string) bool {
	d, err := decodeArgon2id(hash)
	if err != nil {
		return true
	}
	return d.memory != h.params.MemoryKiB || d.time != h.params.Time || d.threads != h.params.Threads
}

func isBcrypt(hash string) bool {
	return strings.HasPrefix(hash, "$2a$") || strings.HasPrefix(hash, "$2b$") || strings.HasPrefix(hash, "$2y$")
}

type decodedArgon2id struct {
	memory  uint32
	time    uint32
	threads uint8
	salt    []byte
	key     []byte
}

func decodeArgon2id(encodedHash string) (*decodedArgon2id, error) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 {
		return nil, oops.Code("MEMBERSHIP_INVALID_HASH").Errorf("invalid hash format")
	}

	if parts[1] != "argon2id" {
		return nil, oops.Code("MEMBERSHIP_INVALID_HASH").Errorf("unsupported hash algorithm: %s", parts[1])
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return nil, oops.Code("MEMBERSHIP_INVALID_HASH").Wrap(err)
	}
	if version != argon2.Version {
		return nil, oops.Code("MEMBERSHIP_INVALID_HASH").Errorf("unsupported argon2 version: %d", version)
	}

	var memory, time, threads uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return nil, oops.Code("MEMBERSHIP_INVALID_HASH").Wrap(err)
	}
	if threads == 0 || threads > 255 {
		return nil, oops.Code("MEMBERSHIP_INVALID_HASH").Errorf("threads value %d out of range", threads)
	}
	if time == 0 || time > maxArgon2Time || memory == 0 || memory > maxArgon2MemoryKiB {
		return nil, oops.Code("MEMBERSHIP_INVALID_HASH").Errorf("cost parameters out of range")
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, oops.Code("MEMBERSHIP_INVALID_HASH").Wrap(err)
	}

	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return nil, oops.Code("MEMBERSHIP_INVALID_HASH").Wrap(err)
	}
	if len(key) == 0 || len(key) > maxArgon2KeyLen {
		return nil, oops.Code("MEMBERSHIP_INVALID_HASH").Errorf("invalid hash key length: %d", len(key))
	}

	return &decodedArgon2id{
		memory:  memory,
		time:    time,
		threads: uint8(threads),
		salt:    salt,
		key:     key,
	}, nil
}

func verifyArgon2id(password, encodedHash string) (bool, error) {
	d, err := decodeArgon2id(encodedHash)
	if err != nil {
		return false, err
	}

	computed := argon2.IDKey([]byte(password), d.salt, d.time, d.memory, d.threads, uint32(len(d.key)))

	return subtle.ConstantTimeCompare(computed, d.key) == 1, nil
}
