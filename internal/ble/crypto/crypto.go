// Package crypto provides the cipher capability used by the message channel:
// the placeholder shared-key derivation, an OpenSSL "Salted__" AES-256-CBC
// passphrase suite compatible with the mobile app, and an AES-256-GCM suite
// keyed with HKDF-SHA256.
//
// DeriveSharedKey is NOT a key exchange. Anyone who knows both device ids
// can compute the key. It is kept deterministic and symmetric on purpose so
// both ends agree without any handshake.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// Suite names accepted by NewCipher.
const (
	SuiteOpenSSL = "openssl"
	SuiteGCM     = "gcm"
)

var (
	// ErrMalformed is returned when a ciphertext cannot be parsed.
	ErrMalformed = errors.New("ble/crypto: malformed ciphertext")
	// ErrNoKey is returned when decrypting without a key.
	ErrNoKey = errors.New("ble/crypto: no key")
)

// Cipher is the symmetric capability injected into the message channel.
type Cipher interface {
	// DeriveKey returns the per-peer key. It must not depend on argument order.
	DeriveKey(localID, peerID string) string
	// Encrypt returns the ciphertext as printable text.
	Encrypt(plaintext, key string) (string, error)
	// Decrypt reverses Encrypt.
	Decrypt(ciphertext, key string) (string, error)
}

// NewCipher returns the Cipher for the named suite.
func NewCipher(suite string) (Cipher, error) {
	switch suite {
	case SuiteOpenSSL, "":
		return OpenSSL{}, nil
	case SuiteGCM:
		return GCM{}, nil
	default:
		return nil, fmt.Errorf("ble/crypto: unknown suite %q", suite)
	}
}

// DeriveSharedKey hashes the two ids, sorted and joined with "_", with
// SHA-256 and returns the lowercase hex digest.
func DeriveSharedKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	sum := sha256.Sum256([]byte(strings.Join(ids, "_")))
	return hex.EncodeToString(sum[:])
}

var saltedMagic = []byte("Salted__")

// OpenSSL encrypts with AES-256-CBC under a passphrase, using the
// EVP_BytesToKey(MD5, 1 round) derivation and the "Salted__" envelope,
// base64 encoded.
type OpenSSL struct{}

func (OpenSSL) DeriveKey(localID, peerID string) string {
	return DeriveSharedKey(localID, peerID)
}

func (OpenSSL) Encrypt(plaintext, key string) (string, error) {
	salt := make([]byte, 8)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("ble/crypto: random salt: %w", err)
	}
	return encryptSalted([]byte(plaintext), []byte(key), salt)
}

func (OpenSSL) Decrypt(ciphertext, key string) (string, error) {
	if key == "" {
		return "", ErrNoKey
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) < 16 || !bytes.Equal(raw[:8], saltedMagic) {
		return "", ErrMalformed
	}
	salt, body := raw[8:16], raw[16:]
	if len(body) == 0 || len(body)%aes.BlockSize != 0 {
		return "", ErrMalformed
	}

	k, iv := evpBytesToKey([]byte(key), salt, 32, aes.BlockSize)
	block, err := aes.NewCipher(k)
	if err != nil {
		return "", fmt.Errorf("ble/crypto: new cipher: %w", err)
	}
	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, body)

	plain, err = pkcs7Unpad(plain)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func encryptSalted(plaintext, passphrase, salt []byte) (string, error) {
	k, iv := evpBytesToKey(passphrase, salt, 32, aes.BlockSize)
	block, err := aes.NewCipher(k)
	if err != nil {
		return "", fmt.Errorf("ble/crypto: new cipher: %w", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, 16+len(padded))
	copy(out, saltedMagic)
	copy(out[8:], salt)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[16:], padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

// evpBytesToKey is OpenSSL's legacy passphrase derivation with MD5 and a
// single iteration.
func evpBytesToKey(passphrase, salt []byte, keyLen, ivLen int) (key, iv []byte) {
	var derived, prev []byte
	for len(derived) < keyLen+ivLen {
		h := md5.New()
		h.Write(prev)
		h.Write(passphrase)
		h.Write(salt)
		prev = h.Sum(nil)
		derived = append(derived, prev...)
	}
	return derived[:keyLen], derived[keyLen : keyLen+ivLen]
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(append([]byte(nil), data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrMalformed
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, fmt.Errorf("%w: bad padding", ErrMalformed)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrMalformed)
		}
	}
	return data[:len(data)-n], nil
}

// GCM encrypts with AES-256-GCM. The passphrase is expanded to a 32-byte
// key with HKDF-SHA256 (salt=nil, info="buzztag"). The wire form is
// base64(iv || ciphertext || tag).
type GCM struct{}

func (GCM) DeriveKey(localID, peerID string) string {
	return DeriveSharedKey(localID, peerID)
}

func (GCM) Encrypt(plaintext, key string) (string, error) {
	k, err := DeriveEncryptionKey([]byte(key))
	if err != nil {
		return "", err
	}
	iv, ct, tag, err := Encrypt(k, []byte(plaintext))
	if err != nil {
		return "", err
	}
	out := make([]byte, 0, len(iv)+len(ct)+len(tag))
	out = append(out, iv...)
	out = append(out, ct...)
	out = append(out, tag...)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (GCM) Decrypt(ciphertext, key string) (string, error) {
	if key == "" {
		return "", ErrNoKey
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) < 12+16 {
		return "", ErrMalformed
	}
	k, err := DeriveEncryptionKey([]byte(key))
	if err != nil {
		return "", err
	}
	iv := raw[:12]
	ct := raw[12 : len(raw)-16]
	tag := raw[len(raw)-16:]
	plain, err := Decrypt(k, iv, ct, tag)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// DeriveEncryptionKey uses HKDF-SHA256 to derive a 32-byte AES key from secret.
func DeriveEncryptionKey(secret []byte) ([]byte, error) {
	hkdfReader := hkdf.New(sha256.New, secret, nil, []byte("buzztag"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdfReader, key); err != nil {
		return nil, fmt.Errorf("ble/crypto: HKDF: %w", err)
	}
	return key, nil
}

// Encrypt encrypts plaintext with AES-256-GCM, returning iv (12 bytes),
// ciphertext, and tag (16 bytes) separately.
func Encrypt(key, plaintext []byte) (iv, ciphertext, tag []byte, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, nil, err
	}

	iv = make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, nil, fmt.Errorf("ble/crypto: random IV: %w", err)
	}

	// Seal appends the tag to the ciphertext
	sealed := aead.Seal(nil, iv, plaintext, nil)
	tagSize := aead.Overhead()
	return iv, sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:], nil
}

// Decrypt decrypts ciphertext with AES-256-GCM using separate iv, ciphertext, and tag.
func Decrypt(key, iv, ciphertext, tag []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, len(ciphertext)+len(tag))
	copy(sealed, ciphertext)
	copy(sealed[len(ciphertext):], tag)
	plaintext, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: new GCM: %w", err)
	}
	return aead, nil
}
