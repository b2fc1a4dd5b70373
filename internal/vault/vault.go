// Package vault seals secrets at rest. Envelopes look like
//
//	v1.<keyid>.<base64url(nonce || ciphertext)>
//
// where keyid identifies the master key that sealed them, so a wrong key is reported as
// such instead of as corruption.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"rexec/internal/types"
)

// KeySize is the master key length in bytes.
const KeySize = 32

const envelopeVersion = "v1"

var (
	// ErrDecrypt is the parent of every decryption failure.
	ErrDecrypt = errors.New("vault: decrypt failed")
	// ErrCorrupt means the envelope is malformed or failed authentication.
	ErrCorrupt = fmt.Errorf("%w: corrupt envelope", ErrDecrypt)
	// ErrKeyMismatch means the envelope was sealed under a different master key.
	ErrKeyMismatch = fmt.Errorf("%w: sealed with a different key", ErrDecrypt)
)

// Key is an immutable master key.
type Key struct {
	enc [KeySize]byte
	id  string
}

// ParseKey decodes a base64 master key (standard or URL alphabet, padding optional).
func ParseKey(encoded string) (Key, error) {
	s := strings.TrimSpace(encoded)
	var raw []byte
	var err error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if raw, err = enc.DecodeString(s); err == nil {
			break
		}
	}
	if err != nil {
		return Key{}, errors.New("vault: key is not valid base64")
	}
	return NewKey(raw)
}

// LoadKeyFile reads a base64 master key from path.
func LoadKeyFile(path string) (Key, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Key{}, fmt.Errorf("read key file: %w", err)
	}
	return ParseKey(string(b))
}

// NewKey derives the encryption and identification sub-keys from 32 raw bytes.
func NewKey(raw []byte) (Key, error) {
	if len(raw) != KeySize {
		return Key{}, fmt.Errorf("vault: key must be %d bytes, got %d", KeySize, len(raw))
	}
	var k Key
	if _, err := io.ReadFull(hkdf.New(sha256.New, raw, nil, []byte("rexec vault encryption")), k.enc[:]); err != nil {
		return Key{}, err
	}
	idKey := make([]byte, 6)
	if _, err := io.ReadFull(hkdf.New(sha256.New, raw, nil, []byte("rexec vault key id")), idKey); err != nil {
		return Key{}, err
	}
	k.id = hex.EncodeToString(idKey)
	return k, nil
}

// GenerateKey returns a new random master key, base64 encoded.
func GenerateKey() (string, error) {
	raw := make([]byte, KeySize)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// ID identifies the key in envelopes. It reveals nothing about the key material.
func (k Key) ID() string { return k.id }

func (k Key) String() string { return "vault.Key{" + k.id + "}" }

// Vault seals and opens secrets with one master key.
type Vault struct {
	key Key
}

// New returns a Vault for key.
func New(key Key) (*Vault, error) {
	if key.id == "" {
		return nil, errors.New("vault: zero key")
	}
	return &Vault{key: key}, nil
}

// Encrypt seals plaintext. Each call uses a fresh random nonce.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(v.key.enc[:])
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), v.additionalData())
	return envelopeVersion + "." + v.key.id + "." + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens an envelope produced by Encrypt with the same key.
func (v *Vault) Decrypt(envelope string) (string, error) {
	parts := strings.Split(envelope, ".")
	if len(parts) != 3 || parts[0] != envelopeVersion {
		return "", ErrCorrupt
	}
	if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(v.key.id)) != 1 {
		return "", ErrKeyMismatch
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return "", ErrCorrupt
	}
	aead, err := chacha20poly1305.NewX(v.key.enc[:])
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", ErrCorrupt
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, v.additionalData())
	if err != nil {
		return "", ErrCorrupt
	}
	return string(plaintext), nil
}

func (v *Vault) additionalData() []byte {
	return []byte(envelopeVersion + "." + v.key.id)
}

// IsEnvelope reports whether s looks like a sealed value.
func IsEnvelope(s string) bool {
	parts := strings.Split(s, ".")
	return len(parts) == 3 && parts[0] == envelopeVersion && parts[1] != "" && parts[2] != ""
}

// SealCredential encrypts every non-empty field of cred.
func (v *Vault) SealCredential(hostID string, cred types.Credential) (types.SealedCredential, error) {
	out := types.SealedCredential{HostID: hostID}
	fields := []struct {
		plain string
		dst   *string
	}{
		{cred.Password, &out.Password},
		{cred.PrivateKey, &out.PrivateKey},
		{cred.Passphrase, &out.Passphrase},
		{cred.ElevationSecret, &out.ElevationSecret},
	}
	for _, f := range fields {
		if f.plain == "" {
			continue
		}
		env, err := v.Encrypt(f.plain)
		if err != nil {
			return types.SealedCredential{}, err
		}
		*f.dst = env
	}
	return out, nil
}

// OpenCredential decrypts a sealed credential. Empty fields stay empty.
func (v *Vault) OpenCredential(sc types.SealedCredential) (types.Credential, error) {
	var out types.Credential
	fields := []struct {
		name   string
		sealed string
		dst    *string
	}{
		{"password", sc.Password, &out.Password},
		{"private key", sc.PrivateKey, &out.PrivateKey},
		{"passphrase", sc.Passphrase, &out.Passphrase},
		{"elevation secret", sc.ElevationSecret, &out.ElevationSecret},
	}
	for _, f := range fields {
		if f.sealed == "" {
			continue
		}
		plain, err := v.Decrypt(f.sealed)
		if err != nil {
			return types.Credential{}, fmt.Errorf("open %s of host %s: %w", f.name, sc.HostID, err)
		}
		*f.dst = plain
	}
	return out, nil
}
