// Package keys derives purpose-scoped symmetric keys from long-lived master secrets.
package keys

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

// KeyLen is the derived key length for both encryption and hashing keys.
const KeyLen = 32

// Fixed HKDF salt and purpose info strings. Changing either breaks
// decryptability of existing data, so they are deliberately constants.
var hkdfSalt = []byte("sitesync-kdf-v1")

const (
	infoEncryption = "pii-encryption"
	infoHashing    = "pii-hashing"
)

// Manager derives and memoizes purpose-bound keys for the lifetime of the process.
type Manager struct {
	encSecret  []byte
	hashSecret []byte
	signSecret []byte

	encOnce  sync.Once
	encKey   []byte
	hashOnce sync.Once
	hashKey  []byte
}

// NewManager validates master secrets and constructs a Manager.
// The encryption secret must be base64 and decode to exactly 32 raw bytes.
func NewManager(encSecretB64, hashSecret, signSecret string) (*Manager, error) {
	raw, err := base64.StdEncoding.DecodeString(encSecretB64)
	if err != nil {
		return nil, fmt.Errorf("decode encryption secret: %w", err)
	}
	if len(raw) != KeyLen {
		return nil, fmt.Errorf("encryption secret must be %d bytes, got %d", KeyLen, len(raw))
	}
	if hashSecret == "" {
		return nil, fmt.Errorf("empty hashing secret")
	}
	if signSecret == "" {
		return nil, fmt.Errorf("empty signing secret")
	}
	return &Manager{
		encSecret:  raw,
		hashSecret: []byte(hashSecret),
		signSecret: []byte(signSecret),
	}, nil
}

func derive(secret []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, hkdfSalt, []byte(info))
	key := make([]byte, KeyLen)
	if _, err := r.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// EncryptionKey returns the derived AEAD key. Derivation runs once; repeated
// calls return the same key.
func (m *Manager) EncryptionKey() []byte {
	m.encOnce.Do(func() {
		k, err := derive(m.encSecret, infoEncryption)
		if err != nil {
			// hkdf.Read over sha256 cannot fail for a 32-byte request
			panic(fmt.Sprintf("derive encryption key: %v", err))
		}
		m.encKey = k
	})
	return m.encKey
}

// HashingKey returns the derived keyed-hash key, memoized like EncryptionKey.
func (m *Manager) HashingKey() []byte {
	m.hashOnce.Do(func() {
		k, err := derive(m.hashSecret, infoHashing)
		if err != nil {
			panic(fmt.Sprintf("derive hashing key: %v", err))
		}
		m.hashKey = k
	})
	return m.hashKey
}

// RawSigningSecret returns the un-derived signing secret verbatim.
func (m *Manager) RawSigningSecret() []byte { return m.signSecret }

// IssueAdminToken creates a signed HS256 JWT for the admin trigger surface.
func (m *Manager) IssueAdminToken(ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(ttl)
	claims := jwt.RegisteredClaims{
		Subject:   "admin",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(m.signSecret)
	return signed, exp, err
}

// VerifyAdminToken validates an admin JWT signed with the raw signing secret.
func (m *Manager) VerifyAdminToken(token string) error {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.signSecret, nil
	})
	if err != nil {
		return err
	}
	if !parsed.Valid {
		return fmt.Errorf("invalid token")
	}
	return nil
}
