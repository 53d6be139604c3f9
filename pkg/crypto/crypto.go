package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the ChaCha20-Poly1305 key size (256 bits).
	KeySize = 32
	// NonceSize is 96 bits, drawn fresh per seal.
	NonceSize = chacha20poly1305.NonceSize
	// TagSize is the Poly1305 authentication tag size.
	TagSize = chacha20poly1305.Overhead
	// SaltSize is the per-envelope Argon2 salt size.
	SaltSize = 16
	// MaxPlaintextSize bounds sealed payloads (10 MiB).
	MaxPlaintextSize = 10 * 1024 * 1024
)

// Argon2id parameters.
const (
	argonMemory  = 64 * 1024
	argonTime    = 3
	argonThreads = 4
)

var (
	ErrAuthFail          = errors.New("aead authentication failed")
	ErrPlaintextTooLarge = errors.New("plaintext exceeds maximum size")
	ErrInvalidKeyLength  = errors.New("invalid key length")
)

// Key is zeroisable 256-bit key material.
type Key [KeySize]byte

func KeyFromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != KeySize {
		return k, ErrInvalidKeyLength
	}
	copy(k[:], b)
	return k, nil
}

// Zero wipes the key in place.
func (k *Key) Zero() {
	for i := range k {
		k[i] = 0
	}
}

// DeriveKey derives a 256-bit key from secret material with Argon2id. The
// info label domain-separates uses of the same secret and salt.
func DeriveKey(secret, salt []byte, info string) Key {
	material := make([]byte, 0, len(info)+1+len(secret))
	material = append(material, info...)
	material = append(material, 0x1f)
	material = append(material, secret...)

	raw := argon2.IDKey(material, salt, argonTime, argonMemory, argonThreads, KeySize)
	Zeroise(material)

	var k Key
	copy(k[:], raw)
	Zeroise(raw)
	return k
}

// Sealer performs AEAD seals with fresh random nonces. Observing a repeated
// nonce under one sealer means the random source is broken; that is an
// invariant violation, not a recoverable error.
type Sealer struct {
	mu   sync.Mutex
	seen map[[NonceSize]byte]struct{}
}

func NewSealer() *Sealer {
	return &Sealer{seen: make(map[[NonceSize]byte]struct{})}
}

// Seal encrypts plaintext under key with a fresh nonce, returning the nonce
// and ciphertext||tag.
func (s *Sealer) Seal(key Key, aad, plaintext []byte) ([NonceSize]byte, []byte, error) {
	var nonce [NonceSize]byte
	if len(plaintext) > MaxPlaintextSize {
		return nonce, nil, ErrPlaintextTooLarge
	}

	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, nil, fmt.Errorf("nonce generation: %w", err)
	}

	s.mu.Lock()
	if _, dup := s.seen[nonce]; dup {
		s.mu.Unlock()
		panic("crypto: nonce reuse detected")
	}
	s.seen[nonce] = struct{}{}
	s.mu.Unlock()

	ct, err := Seal(key, nonce, aad, plaintext)
	return nonce, ct, err
}

// Seal is the deterministic primitive: callers own nonce uniqueness.
func Seal(key Key, nonce [NonceSize]byte, aad, plaintext []byte) ([]byte, error) {
	if len(plaintext) > MaxPlaintextSize {
		return nil, ErrPlaintextTooLarge
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, ErrInvalidKeyLength
	}
	return aead.Seal(nil, nonce[:], plaintext, aad), nil
}

// Open authenticates and decrypts ciphertext||tag. Any failure is ErrAuthFail;
// no partial plaintext is ever returned.
func Open(key Key, nonce [NonceSize]byte, aad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, ErrInvalidKeyLength
	}
	pt, err := aead.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, ErrAuthFail
	}
	return pt, nil
}

// HashContent returns the SHA-256 digest of data, used for content checksums
// and AAD bindings.
func HashContent(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// HashNationalID hashes a raw national identifier with its type tag for
// domain separation. The raw bytes are zeroised before returning; the raw
// identifier is never retained.
func HashNationalID(raw []byte, typeTag string) [32]byte {
	h := sha256.New()
	h.Write([]byte(typeTag))
	h.Write([]byte{0x1f})
	h.Write(raw)
	Zeroise(raw)

	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	return digest
}

// RecordAAD binds a content envelope to its patient and record type.
func RecordAAD(patientID, recordType string) []byte {
	sum := sha256.Sum256([]byte(patientID + "\x1f" + recordType))
	return sum[:]
}

// RandomBytes returns n bytes from the OS CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("random source: %w", err)
	}
	return b, nil
}

// NewSalt draws a fresh per-envelope KDF salt.
func NewSalt() ([SaltSize]byte, error) {
	var salt [SaltSize]byte
	_, err := rand.Read(salt[:])
	return salt, err
}

// ConstantTimeEqual compares two byte strings without leaking a timing
// signal; used for card-hash lookups.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Zeroise wipes a byte slice in place.
func Zeroise(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
