// Package envelope implements the hybrid encryption format used for
// end-to-end conversations.
//
// A message body is encrypted once with a fresh XChaCha20-Poly1305 key. That
// key is then sealed to every recipient's X25519 public key with an anonymous
// NaCl box, so any recipient can recover it with their private key while the
// server only ever relays opaque bytes.
package envelope

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"
	"unicode/utf8"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"

	"piksel/internal/apperr"
)

const (
	Version   = 1
	Algorithm = "XCHACHA20-POLY1305+X25519-SEALEDBOX"
	Charset   = "utf-8"

	// Placeholder is stored as the message body of encrypted messages.
	Placeholder = "__E2EE__"
	// Undecryptable is what clients render when Open fails.
	Undecryptable = "[unable to decrypt message]"

	KeySize = 32

	maxCiphertext = 64 << 10
	maxRecipients = 64
	wrappedKeyLen = KeySize + box.AnonymousOverhead
)

var (
	ErrNoRecipients = errors.New("envelope needs at least one recipient")
	ErrNotRecipient = errors.New("user is not a recipient of this envelope")
	ErrUnwrap       = errors.New("failed to unwrap content key")
	ErrDecrypt      = errors.New("failed to decrypt ciphertext")
)

type Recipient struct {
	WrappedKeyB64 string `json:"wrappedKeyB64" msgpack:"wrappedKeyB64"`
}

type Envelope struct {
	Version       int                  `json:"version" msgpack:"version"`
	Algorithm     string               `json:"algorithm" msgpack:"algorithm"`
	Charset       string               `json:"charset" msgpack:"charset"`
	NonceB64      string               `json:"nonceB64" msgpack:"nonceB64"`
	CiphertextB64 string               `json:"ciphertextB64" msgpack:"ciphertextB64"`
	Recipients    map[string]Recipient `json:"recipients" msgpack:"recipients"`
}

// RecipientIDs returns the recipient user ids in sorted order.
func (e *Envelope) RecipientIDs() []string {
	ids := make([]string, 0, len(e.Recipients))
	for id := range e.Recipients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type PublicKey [KeySize]byte

type KeyPair struct {
	Public  PublicKey
	Private [KeySize]byte
}

func GenerateKeyPair(random io.Reader) (*KeyPair, error) {
	if random == nil {
		random = rand.Reader
	}
	pub, priv, err := box.GenerateKey(random)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return &KeyPair{Public: *pub, Private: *priv}, nil
}

func (k PublicKey) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// ParsePublicKey decodes a base64 X25519 public key.
func ParsePublicKey(s string) (PublicKey, error) {
	var k PublicKey
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return k, apperr.Validation("public key is not valid base64")
	}
	if len(raw) != KeySize {
		return k, apperr.Validation("public key must be %d bytes, got %d", KeySize, len(raw))
	}
	copy(k[:], raw)
	return k, nil
}

// Seal encrypts plaintext for every recipient in keys.
func Seal(plaintext string, keys map[string]PublicKey, random io.Reader) (*Envelope, error) {
	if len(keys) == 0 {
		return nil, ErrNoRecipients
	}
	if random == nil {
		random = rand.Reader
	}

	contentKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(random, contentKey); err != nil {
		return nil, fmt.Errorf("failed to generate content key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(contentKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(random, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, []byte(plaintext), []byte(Algorithm))

	recipients := make(map[string]Recipient, len(keys))
	for userID, pub := range keys {
		wrapped, err := box.SealAnonymous(nil, contentKey, (*[KeySize]byte)(&pub), random)
		if err != nil {
			return nil, fmt.Errorf("failed to wrap key for %s: %w", userID, err)
		}
		recipients[userID] = Recipient{WrappedKeyB64: base64.StdEncoding.EncodeToString(wrapped)}
	}

	return &Envelope{
		Version:       Version,
		Algorithm:     Algorithm,
		Charset:       Charset,
		NonceB64:      base64.StdEncoding.EncodeToString(nonce),
		CiphertextB64: base64.StdEncoding.EncodeToString(ciphertext),
		Recipients:    recipients,
	}, nil
}

// Open recovers the plaintext for userID.
func Open(env *Envelope, userID string, keys *KeyPair) (string, error) {
	if env == nil || keys == nil {
		return "", ErrDecrypt
	}
	r, ok := env.Recipients[userID]
	if !ok {
		return "", ErrNotRecipient
	}
	wrapped, err := base64.StdEncoding.DecodeString(r.WrappedKeyB64)
	if err != nil {
		return "", ErrUnwrap
	}
	pub := [KeySize]byte(keys.Public)
	contentKey, ok := box.OpenAnonymous(nil, wrapped, &pub, &keys.Private)
	if !ok || len(contentKey) != chacha20poly1305.KeySize {
		return "", ErrUnwrap
	}

	nonce, err := base64.StdEncoding.DecodeString(env.NonceB64)
	if err != nil || len(nonce) != chacha20poly1305.NonceSizeX {
		return "", ErrDecrypt
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.CiphertextB64)
	if err != nil {
		return "", ErrDecrypt
	}
	aead, err := chacha20poly1305.NewX(contentKey)
	if err != nil {
		return "", ErrDecrypt
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(env.Algorithm))
	if err != nil {
		return "", ErrDecrypt
	}
	if !utf8.Valid(plaintext) {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}

// OpenOrPlaceholder is Open for rendering paths: any failure yields the
// Undecryptable placeholder.
func OpenOrPlaceholder(env *Envelope, userID string, keys *KeyPair) string {
	text, err := Open(env, userID, keys)
	if err != nil {
		return Undecryptable
	}
	return text
}

// Validate checks the structure of an envelope received from a client. It
// does not and cannot check that the ciphertext decrypts.
func Validate(env *Envelope) error {
	if env == nil {
		return apperr.Validation("encrypted envelope is required")
	}
	if env.Version != Version {
		return apperr.Validation("unsupported envelope version %d", env.Version)
	}
	if env.Algorithm != Algorithm {
		return apperr.Validation("unsupported envelope algorithm %q", env.Algorithm)
	}
	if env.Charset != Charset {
		return apperr.Validation("unsupported envelope charset %q", env.Charset)
	}

	nonce, err := base64.StdEncoding.DecodeString(env.NonceB64)
	if err != nil {
		return apperr.Validation("envelope nonce is not valid base64")
	}
	if len(nonce) != chacha20poly1305.NonceSizeX {
		return apperr.Validation("envelope nonce must be %d bytes", chacha20poly1305.NonceSizeX)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(env.CiphertextB64)
	if err != nil {
		return apperr.Validation("envelope ciphertext is not valid base64")
	}
	if len(ciphertext) <= chacha20poly1305.Overhead {
		return apperr.Validation("envelope ciphertext is empty")
	}
	if len(ciphertext) > maxCiphertext {
		return apperr.Validation("envelope ciphertext is too large")
	}

	if len(env.Recipients) == 0 {
		return apperr.Validation("envelope has no recipients")
	}
	if len(env.Recipients) > maxRecipients {
		return apperr.Validation("envelope has too many recipients")
	}
	for userID, r := range env.Recipients {
		if userID == "" {
			return apperr.Validation("envelope recipient id is empty")
		}
		wrapped, err := base64.StdEncoding.DecodeString(r.WrappedKeyB64)
		if err != nil {
			return apperr.Validation("wrapped key for %s is not valid base64", userID)
		}
		if len(wrapped) != wrappedKeyLen {
			return apperr.Validation("wrapped key for %s has invalid length", userID)
		}
	}
	return nil
}
