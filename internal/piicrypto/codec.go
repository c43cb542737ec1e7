// Package piicrypto implements versioned authenticated encryption and keyed
// hashing for PII fields, with a legacy (unversioned) fallback so data written
// before a key rotation stays readable without a live migration.
package piicrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/buildsafe/sitesync/internal/errs"
)

const (
	// CurrentVersion tags every newly produced ciphertext.
	CurrentVersion = 1

	ivLen  = 12 // 96-bit IV
	tagLen = 16 // 128-bit GCM tag

	// placeholderPrefix marks keyed hashes computed over a synthetic value
	// for records born from a low-trust source lacking real contact data.
	placeholderPrefix = "ph:"
)

// Codec encrypts and hashes with derived keys from the key manager.
type Codec struct {
	encKey  []byte
	hashKey []byte
}

// New constructs a Codec over derived 32-byte keys.
func New(encKey, hashKey []byte) (*Codec, error) {
	if len(encKey) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(encKey))
	}
	if len(hashKey) == 0 {
		return nil, fmt.Errorf("empty hashing key")
	}
	return &Codec{encKey: encKey, hashKey: hashKey}, nil
}

// Hash returns the hex HMAC-SHA256 digest of plaintext under the derived
// hashing key. Deterministic: hashes serve as equality-lookup indexes.
func (c *Codec) Hash(plaintext string) string {
	return hmacHex(c.hashKey, plaintext)
}

// LegacyHash hashes with a raw secret string (pre-rotation mode).
func LegacyHash(secret, plaintext string) string {
	return hmacHex([]byte(secret), plaintext)
}

func hmacHex(key []byte, plaintext string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(plaintext))
	return hex.EncodeToString(mac.Sum(nil))
}

// Encrypt produces "v{N}:iv:ct:tag" with base64 segments and a fresh random IV.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	body, err := seal(c.encKey, plaintext)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("v%d:%s", CurrentVersion, body), nil
}

// LegacyEncrypt produces the unversioned "iv:ct:tag" form from a raw secret.
// The secret is stretched to a 32-byte key with SHA-256, matching data
// written before key derivation was introduced.
func LegacyEncrypt(secret, plaintext string) (string, error) {
	return seal(legacyKey(secret), plaintext)
}

func legacyKey(secret string) []byte {
	k := sha256.Sum256([]byte(secret))
	return k[:]
}

func seal(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagLen], sealed[len(sealed)-tagLen:]
	enc := base64.StdEncoding
	return strings.Join([]string{
		enc.EncodeToString(iv),
		enc.EncodeToString(ct),
		enc.EncodeToString(tag),
	}, ":"), nil
}

// Decrypt opens a versioned or legacy ciphertext. A "v{N}:" prefix must match
// CurrentVersion (errs.ErrKeyVersionMismatch otherwise). Without a prefix the
// payload is legacy format and legacyFallbackSecret is required; the derived
// key never decrypts legacy data.
func (c *Codec) Decrypt(ciphertext, legacyFallbackSecret string) (string, error) {
	if ver, body, ok := splitVersion(ciphertext); ok {
		if ver != CurrentVersion {
			return "", fmt.Errorf("ciphertext v%d, codec v%d: %w", ver, CurrentVersion, errs.ErrKeyVersionMismatch)
		}
		return open(c.encKey, body)
	}
	if legacyFallbackSecret == "" {
		return "", fmt.Errorf("legacy payload without fallback key: %w", errs.ErrInvalidPayload)
	}
	return open(legacyKey(legacyFallbackSecret), ciphertext)
}

func splitVersion(ciphertext string) (int, string, bool) {
	rest, found := strings.CutPrefix(ciphertext, "v")
	if !found {
		return 0, "", false
	}
	head, body, found := strings.Cut(rest, ":")
	if !found {
		return 0, "", false
	}
	ver, err := strconv.Atoi(head)
	if err != nil {
		return 0, "", false
	}
	return ver, body, true
}

func open(key []byte, body string) (string, error) {
	parts := strings.Split(body, ":")
	if len(parts) != 3 {
		return "", fmt.Errorf("want 3 segments, got %d: %w", len(parts), errs.ErrInvalidPayload)
	}
	enc := base64.StdEncoding
	iv, err := enc.DecodeString(parts[0])
	if err != nil || len(iv) != ivLen {
		return "", fmt.Errorf("bad iv segment: %w", errs.ErrInvalidPayload)
	}
	ct, err := enc.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("bad ciphertext segment: %w", errs.ErrInvalidPayload)
	}
	tag, err := enc.DecodeString(parts[2])
	if err != nil || len(tag) != tagLen {
		return "", fmt.Errorf("bad tag segment: %w", errs.ErrInvalidPayload)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	plain, err := gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", errs.ErrDecryptionFailure
	}
	return string(plain), nil
}

// Placeholder returns the synthetic keyed-hash value for a worker known only
// through the low-trust export path.
func Placeholder(workerID string) string {
	return placeholderPrefix + workerID
}

// IsPlaceholder reports whether a stored hash is a placeholder.
func IsPlaceholder(hash string) bool {
	return strings.HasPrefix(hash, placeholderPrefix)
}
