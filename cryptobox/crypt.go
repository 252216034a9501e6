package cryptobox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
)

const (
	cryptKeyLength = 32
	// CryptTagLength is the HMAC-SHA256 tag that precedes the encrypted part
	// of a tls-crypt packet.
	CryptTagLength = sha256.Size
)

var _ Box = (*CryptBox)(nil)

// CryptBox is the tls-crypt construction: an HMAC-SHA256 tag over the
// cleartext header and the plaintext, then AES-256-CTR with the first 16
// bytes of the tag as IV. Flags.AD carries the cleartext header.
type CryptBox struct {
	encKey, encMAC []byte
	decKey, decMAC []byte
}

func NewCrypt(keys Keys) (*CryptBox, error) {
	b := &CryptBox{}
	var err error
	if b.encKey, err = sliceKey(keys.CipherEncrypt, cryptKeyLength); err != nil {
		return nil, err
	}
	if b.decKey, err = sliceKey(keys.CipherDecrypt, cryptKeyLength); err != nil {
		return nil, err
	}
	if b.encMAC, err = sliceKey(keys.HMACEncrypt, sha256.Size); err != nil {
		return nil, err
	}
	if b.decMAC, err = sliceKey(keys.HMACDecrypt, sha256.Size); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *CryptBox) Overhead() int {
	return CryptTagLength
}

func (b *CryptBox) Encrypt(plain []byte, flags *Flags) ([]byte, error) {
	tag := cryptTag(b.encMAC, flags, plain)
	out := make([]byte, CryptTagLength+len(plain))
	copy(out, tag)
	if err := ctr(b.encKey, tag[:aes.BlockSize], out[CryptTagLength:], plain); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *CryptBox) Decrypt(packet []byte, flags *Flags) ([]byte, error) {
	if len(packet) < CryptTagLength {
		return nil, ErrDecryptFailed
	}
	tag := packet[:CryptTagLength]
	plain := make([]byte, len(packet)-CryptTagLength)
	if err := ctr(b.decKey, tag[:aes.BlockSize], plain, packet[CryptTagLength:]); err != nil {
		return nil, ErrDecryptFailed
	}
	if !hmac.Equal(tag, cryptTag(b.decMAC, flags, plain)) {
		return nil, ErrVerifyFailed
	}
	return plain, nil
}

// Verify needs the plaintext, so it decrypts and discards the result.
func (b *CryptBox) Verify(packet []byte, flags *Flags) error {
	_, err := b.Decrypt(packet, flags)
	return err
}

func cryptTag(key []byte, flags *Flags, plain []byte) []byte {
	m := hmac.New(sha256.New, key)
	if flags != nil {
		m.Write(flags.AD)
	}
	m.Write(plain)
	return m.Sum(nil)
}

func ctr(key, iv, dst, src []byte) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	cipher.NewCTR(block, iv).XORKeyStream(dst, src)
	return nil
}
