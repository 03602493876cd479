// Package vault keeps custody key material encrypted at rest and gates every
// decryption behind a PIN check made in the same request.
//
// Ciphertexts are XChaCha20-Poly1305 sealed under a key derived (HKDF-SHA256)
// from the process secret. The random 24-byte nonce is stored as the prefix
// of the ciphertext. Each ciphertext is bound to a label (for example
// "deal:dl_x:key") so a value copied onto another record fails to open.
package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/time/rate"

	"github.com/mbd888/custodia/internal/apperr"
)

var (
	ErrWrongPIN          = apperr.New(apperr.ErrAuthentication, "incorrect PIN")
	ErrTooManyAttempts   = apperr.New(apperr.ErrAuthentication, "too many PIN attempts, try again later")
	ErrInvalidPIN        = apperr.New(apperr.ErrValidation, "PIN must be 4 to 8 digits")
	ErrNoPIN             = apperr.New(apperr.ErrAuthentication, "no PIN set for this account")
	ErrMalformedSecret   = errors.New("vault: ciphertext is malformed")
	ErrSecretTooShort    = errors.New("vault: process secret must be at least 32 bytes")
	errSessionWrongOwner = errors.New("vault: session is not bound to a user")
)

const hkdfInfo = "custodia/vault/v1"

// Vault encrypts secrets and verifies PINs. Safe for concurrent use.
type Vault struct {
	aead   cipher.AEAD
	cost   int
	limits *attemptLimiter
}

// Option configures a Vault.
type Option func(*Vault)

// WithPINCost sets the bcrypt cost. Tests use bcrypt.MinCost.
func WithPINCost(cost int) Option {
	return func(v *Vault) { v.cost = cost }
}

// WithAttemptLimit allows max PIN attempts per user per window.
func WithAttemptLimit(max int, window time.Duration) Option {
	return func(v *Vault) { v.limits = newAttemptLimiter(max, window) }
}

// New derives the encryption key from secret.
func New(secret string, opts ...Option) (*Vault, error) {
	if len(secret) < 32 {
		return nil, ErrSecretTooShort
	}

	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}

	v := &Vault{
		aead:   aead,
		cost:   bcrypt.DefaultCost,
		limits: newAttemptLimiter(5, 15*time.Minute),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Encrypt seals plaintext under label. No PIN is needed to store a secret.
func (v *Vault) Encrypt(label, plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize(), v.aead.NonceSize()+len(plaintext)+v.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), []byte(label))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (v *Vault) decrypt(label, ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil || len(raw) < v.aead.NonceSize()+v.aead.Overhead() {
		return "", ErrMalformedSecret
	}
	nonce, body := raw[:v.aead.NonceSize()], raw[v.aead.NonceSize():]
	plain, err := v.aead.Open(nil, nonce, body, []byte(label))
	if err != nil {
		return "", ErrMalformedSecret
	}
	return string(plain), nil
}

// ValidatePIN checks the PIN format.
func ValidatePIN(pin string) error {
	if len(pin) < 4 || len(pin) > 8 {
		return ErrInvalidPIN
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return ErrInvalidPIN
		}
	}
	return nil
}

// HashPIN returns a one-way hash of pin.
func (v *Vault) HashPIN(pin string) (string, error) {
	if err := ValidatePIN(pin); err != nil {
		return "", err
	}
	h, err := bcrypt.GenerateFromPassword([]byte(pin), v.cost)
	if err != nil {
		return "", fmt.Errorf("vault: hash pin: %w", err)
	}
	return string(h), nil
}

// VerifyPIN reports whether pin matches hash. It does not consume attempts.
func VerifyPIN(pin, hash string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin)) == nil
}

// Unlock verifies pin against the user's stored hash and returns a Session
// able to decrypt. Attempts are throttled per user; a throttled attempt
// fails without running bcrypt.
func (v *Vault) Unlock(userID, pin, pinHash string) (*Session, error) {
	if userID == "" {
		return nil, errSessionWrongOwner
	}
	if pinHash == "" {
		return nil, ErrNoPIN
	}
	if !v.limits.allow(userID) {
		return nil, ErrTooManyAttempts
	}
	if !VerifyPIN(pin, pinHash) {
		return nil, ErrWrongPIN
	}
	v.limits.reset(userID)
	return &Session{vault: v, userID: userID}, nil
}

// Session is proof that a PIN was verified. It is the only way to decrypt.
// Sessions are request scoped and must not be stored.
type Session struct {
	vault  *Vault
	userID string
}

// UserID is the user whose PIN opened the session.
func (s *Session) UserID() string { return s.userID }

// Decrypt opens a ciphertext sealed under label.
func (s *Session) Decrypt(label, ciphertext string) (string, error) {
	if s == nil || s.vault == nil {
		return "", errSessionWrongOwner
	}
	return s.vault.decrypt(label, ciphertext)
}

// attemptLimiter is a per-user token bucket: max attempts, refilled evenly
// over window.
type attemptLimiter struct {
	mu     sync.Mutex
	max    int
	every  rate.Limit
	byUser map[string]*rate.Limiter
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max <= 0 {
		max = 5
	}
	return &attemptLimiter{
		max:    max,
		every:  rate.Every(window / time.Duration(max)),
		byUser: make(map[string]*rate.Limiter),
	}
}

func (l *attemptLimiter) allow(userID string) bool {
	l.mu.Lock()
	lim, ok := l.byUser[userID]
	if !ok {
		lim = rate.NewLimiter(l.every, l.max)
		l.byUser[userID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

func (l *attemptLimiter) reset(userID string) {
	l.mu.Lock()
	delete(l.byUser, userID)
	l.mu.Unlock()
}
