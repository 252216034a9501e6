package cryptobox

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"strings"
)

var digests = map[string]func() hash.Hash{
	"SHA1":   sha1.New,
	"SHA224": sha256.New224,
	"SHA256": sha256.New,
	"SHA384": sha512.New384,
	"SHA512": sha512.New,
}

// NormalizeDigest canonicalizes a digest name, or returns
// ErrUnsupportedDigest.
func NormalizeDigest(name string) (string, error) {
	n := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), "-", ""))
	if _, ok := digests[n]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedDigest, name)
	}
	return n, nil
}

// DigestLength returns the output size of a supported digest, 0 otherwise.
func DigestLength(name string) int {
	n, err := NormalizeDigest(name)
	if err != nil {
		return 0
	}
	return digests[n]().Size()
}

// HMACBox signs outgoing and verifies incoming packets. The wire form is the
// digest followed by the authenticated bytes.
type HMACBox struct {
	newHash func() hash.Hash
	size    int
	sendKey []byte
	recvKey []byte
}

// NewHMAC builds an HMACBox from the HMAC slots of keys. The key length
// equals the digest size.
func NewHMAC(digest string, keys Keys) (*HMACBox, error) {
	n, err := NormalizeDigest(digest)
	if err != nil {
		return nil, err
	}
	h := digests[n]
	size := h().Size()
	send, err := sliceKey(keys.HMACEncrypt, size)
	if err != nil {
		return nil, err
	}
	recv, err := sliceKey(keys.HMACDecrypt, size)
	if err != nil {
		return nil, err
	}
	return &HMACBox{newHash: h, size: size, sendKey: send, recvKey: recv}, nil
}

// Size is the digest length.
func (b *HMACBox) Size() int {
	return b.size
}

// Sign returns the HMAC of the concatenation of parts with the send key.
func (b *HMACBox) Sign(parts ...[]byte) []byte {
	return b.mac(b.sendKey, parts...)
}

// Check verifies that mac is the HMAC of parts under the receive key.
func (b *HMACBox) Check(mac []byte, parts ...[]byte) error {
	if !hmac.Equal(mac, b.mac(b.recvKey, parts...)) {
		return ErrVerifyFailed
	}
	return nil
}

// Verify authenticates packet laid out as digest || data.
func (b *HMACBox) Verify(packet []byte, _ *Flags) error {
	if len(packet) < b.size {
		return ErrVerifyFailed
	}
	return b.Check(packet[:b.size], packet[b.size:])
}

func (b *HMACBox) mac(key []byte, parts ...[]byte) []byte {
	m := hmac.New(b.newHash, key)
	for _, p := range parts {
		m.Write(p)
	}
	return m.Sum(nil)
}
