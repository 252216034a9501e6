// Package cryptobox implements the symmetric primitives used on the wire:
// AES-CBC with HMAC, AEAD (AES-GCM and ChaCha20-Poly1305), the tls-crypt
// CTR/HMAC construction, and the key derivation for data channel keys.
package cryptobox

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrVerifyFailed means the packet failed authentication. Callers drop
	// the packet and carry on.
	ErrVerifyFailed = errors.New("verification failed")
	// ErrDecryptFailed means the packet authenticated (or could not be
	// authenticated) but did not decrypt into a well formed plaintext.
	ErrDecryptFailed = errors.New("decryption failed")

	ErrUnsupportedCipher = errors.New("unsupported cipher")
	ErrUnsupportedDigest = errors.New("unsupported digest")
	ErrInvalidKey        = errors.New("invalid key material")
)

// Flags carries the per-packet inputs of AEAD operations.
type Flags struct {
	// IV is the explicit part of the nonce, the packet id on the data channel.
	IV []byte
	// AD is authenticated but not encrypted.
	AD []byte
}

type Encrypter interface {
	// Encrypt returns the sealed form of plain.
	Encrypt(plain []byte, flags *Flags) ([]byte, error)
	// Overhead is the number of bytes Encrypt adds to the plaintext, at most.
	Overhead() int
}

type Decrypter interface {
	Decrypt(packet []byte, flags *Flags) ([]byte, error)
	// Verify authenticates packet without decrypting it.
	Verify(packet []byte, flags *Flags) error
}

// Box encrypts outgoing and decrypts incoming packets with one key set.
type Box interface {
	Encrypter
	Decrypter
}

// Keys holds the four directional keys of a box. Each entry is a 64-byte
// slot, truncated to the size the algorithm needs.
type Keys struct {
	CipherEncrypt []byte
	HMACEncrypt   []byte
	CipherDecrypt []byte
	HMACDecrypt   []byte
}

// New returns the box for the given data channel cipher. digest is ignored
// by AEAD ciphers.
func New(cipher, digest string, keys Keys) (Box, error) {
	if IsAEAD(cipher) {
		return NewAEAD(cipher, keys)
	}
	return NewCBC(cipher, digest, keys)
}

var supportedCiphers = map[string]int{
	"AES-128-CBC":       16,
	"AES-192-CBC":       24,
	"AES-256-CBC":       32,
	"AES-128-GCM":       16,
	"AES-192-GCM":       24,
	"AES-256-GCM":       32,
	"CHACHA20-POLY1305": 32,
}

// NormalizeCipher canonicalizes a cipher name, or returns
// ErrUnsupportedCipher.
func NormalizeCipher(name string) (string, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	if _, ok := supportedCiphers[n]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedCipher, name)
	}
	return n, nil
}

// SupportedCiphers lists the cipher names New accepts.
func SupportedCiphers() []string {
	return []string{
		"AES-256-GCM", "AES-128-GCM", "AES-192-GCM", "CHACHA20-POLY1305",
		"AES-256-CBC", "AES-192-CBC", "AES-128-CBC",
	}
}

// CipherKeyLength returns the key size of a supported cipher in bytes.
func CipherKeyLength(name string) int {
	return supportedCiphers[strings.ToUpper(name)]
}

func IsAEAD(name string) bool {
	n := strings.ToUpper(name)
	return strings.HasSuffix(n, "-GCM") || n == "CHACHA20-POLY1305"
}

func sliceKey(slot []byte, n int) ([]byte, error) {
	if len(slot) < n {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrInvalidKey, n, len(slot))
	}
	return slot[:n], nil
}
