// Package crypt implements the AEAD/HMAC envelope used by the blob codec
// and the tape media-set layer, plus the password-protected key wrapping
// (KeyConfig) used to store a master key on disk or on tape.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/scrypt"

	"github.com/wofferl/proxmox-backup/internal/xerrors"
)

const (
	keyLen = 32
	ivLen  = 16
	tagLen = 16
)

// Fingerprint identifies a 256-bit key without revealing it: the first 8
// bytes of SHA-256(key), rendered colon-hex ("ab:cd:ef:...").
type Fingerprint [8]byte

func fingerprintOf(key [keyLen]byte) Fingerprint {
	sum := sha256.Sum256(key[:])
	var fp Fingerprint
	copy(fp[:], sum[:len(fp)])
	return fp
}

// String renders the fingerprint the way operators are shown it: lowercase
// colon-separated hex octets.
func (fp Fingerprint) String() string {
	enc := hex.EncodeToString(fp[:])
	out := make([]byte, 0, len(enc)+len(enc)/2)
	for i := 0; i < len(enc); i += 2 {
		if i > 0 {
			out = append(out, ':')
		}
		out = append(out, enc[i], enc[i+1])
	}
	return string(out)
}

// Config holds a single 256-bit master key and derives the primitives the
// blob codec needs from it: an AES-256-GCM AEAD for encrypted variants and
// an HMAC-SHA256 for authenticated-but-unencrypted variants.
type Config struct {
	key         [keyLen]byte
	Fingerprint Fingerprint
}

// NewConfig wraps a raw 256-bit key.
func NewConfig(key [keyLen]byte) *Config {
	return &Config{key: key, Fingerprint: fingerprintOf(key)}
}

func (c *Config) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, errors.Wrap(err, "aes.NewCipher")
	}
	return cipher.NewGCMWithNonceSize(block, ivLen)
}

// EncryptTo encrypts data under a random IV, returning the IV and the AEAD
// tag; ciphertext is appended to dst and data itself is left unchanged.
func (c *Config) EncryptTo(data []byte, dst *[]byte) (iv [ivLen]byte, tag [tagLen]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, iv[:]); err != nil {
		return iv, tag, errors.Wrap(err, "generate iv")
	}
	aead, err := c.aead()
	if err != nil {
		return iv, tag, err
	}
	sealed := aead.Seal(nil, iv[:], data, nil)
	ctLen := len(sealed) - aead.Overhead()
	*dst = append(*dst, sealed[:ctLen]...)
	copy(tag[:], sealed[ctLen:])
	return iv, tag, nil
}

// Decrypt reverses EncryptTo.
func (c *Config) Decrypt(ciphertext []byte, iv [ivLen]byte, tag [tagLen]byte) ([]byte, error) {
	aead, err := c.aead()
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(ciphertext)+tagLen)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag[:]...)
	plain, err := aead.Open(nil, iv[:], sealed, nil)
	if err != nil {
		return nil, xerrors.ErrAuthFailed
	}
	return plain, nil
}

// ComputeAuthTag returns HMAC-SHA256(key, data), used by the authenticated
// (unencrypted) blob variants.
func (c *Config) ComputeAuthTag(data []byte) [32]byte {
	mac := hmac.New(sha256.New, c.key[:])
	mac.Write(data)
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// VerifyAuthTag is a constant-time comparison wrapper around ComputeAuthTag.
func (c *Config) VerifyAuthTag(data []byte, tag [32]byte) bool {
	got := c.ComputeAuthTag(data)
	return subtle.ConstantTimeCompare(got[:], tag[:]) == 1
}

// Key exposes the raw key, used only where the caller itself needs it (tape
// hardware encryption setup XORs it against the media-set UUID).
func (c *Config) Key() [keyLen]byte { return c.key }

// KeyConfig is the on-disk/on-tape representation of a master key, scrypt
// password-protected so a tape (or a key-config file) alone plus a
// remembered password suffices to restore it. Grounded on
// original_source/src/config/tape_encryption_keys.rs's KeyConfig/
// EncryptionKeyInfo pair.
type KeyConfig struct {
	Kdf         string      `json:"kdf"` // "scrypt" or "" for an unprotected key
	Fingerprint Fingerprint `json:"fingerprint"`
	CreatedAt   time.Time   `json:"created"`
	Salt        []byte      `json:"salt,omitempty"`
	// Data is either the raw key (Kdf == "") or the AES-256-GCM ciphertext
	// of the key under the scrypt-derived key; IV and Tag hold its nonce and
	// auth tag.
	Data []byte `json:"data"`
	IV   []byte `json:"iv,omitempty"`
	Tag  []byte `json:"tag,omitempty"`
}

const scryptN, scryptR, scryptP = 1 << 15, 8, 1

// WithoutPassword wraps a key with no password protection; used for
// hardware/internal keys where the fingerprint is still needed.
func WithoutPassword(key [keyLen]byte) *KeyConfig {
	fp := fingerprintOf(key)
	return &KeyConfig{
		Fingerprint: fp,
		CreatedAt:   time.Now(),
		Data:        append([]byte(nil), key[:]...),
	}
}

// WithPassword scrypt-derives a key-encryption-key from password and seals
// the master key under AES-256-GCM.
func WithPassword(key [keyLen]byte, password []byte) (*KeyConfig, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, errors.Wrap(err, "generate salt")
	}
	kek, err := scrypt.Key(password, salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, errors.Wrap(err, "scrypt")
	}
	var kekArr [keyLen]byte
	copy(kekArr[:], kek)
	cfg := NewConfig(kekArr)

	var sealed []byte
	iv, tag, err := cfg.EncryptTo(key[:], &sealed)
	if err != nil {
		return nil, err
	}

	return &KeyConfig{
		Kdf:         "scrypt",
		Fingerprint: fingerprintOf(key),
		CreatedAt:   time.Now(),
		Salt:        salt,
		Data:        sealed,
		IV:          iv[:],
		Tag:         tag[:],
	}, nil
}

// Unlock recovers the raw master key, deriving the KEK from password when
// the config is password-protected.
func (kc *KeyConfig) Unlock(password []byte) ([keyLen]byte, error) {
	var key [keyLen]byte
	if kc.Kdf == "" {
		if len(kc.Data) != keyLen {
			return key, errors.New("malformed unprotected key config")
		}
		copy(key[:], kc.Data)
		return key, nil
	}
	if kc.Kdf != "scrypt" {
		return key, fmt.Errorf("unsupported kdf %q", kc.Kdf)
	}
	kek, err := scrypt.Key(password, kc.Salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return key, errors.Wrap(err, "scrypt")
	}
	var kekArr [keyLen]byte
	copy(kekArr[:], kek)
	cfg := NewConfig(kekArr)

	var iv [ivLen]byte
	var tag [tagLen]byte
	copy(iv[:], kc.IV)
	copy(tag[:], kc.Tag)
	plain, err := cfg.Decrypt(kc.Data, iv, tag)
	if err != nil {
		return key, xerrors.ErrAuthFailed
	}
	if len(plain) != keyLen {
		return key, errors.New("malformed decrypted key")
	}
	copy(key[:], plain)
	return key, nil
}

// MediaSetKey derives the effective per-tape hardware encryption key: the
// media-set key XORed with the media-set UUID, so two media sets sharing a
// user key still encrypt with distinct effective keys (spec.md §4.9).
func MediaSetKey(setKey [keyLen]byte, mediaSetUUID [16]byte) [keyLen]byte {
	var out [keyLen]byte
	for i := range out {
		out[i] = setKey[i] ^ mediaSetUUID[i%len(mediaSetUUID)]
	}
	return out
}
