package cryptobox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

var _ Box = (*cbcBox)(nil)

// cbcBox is AES-CBC with a PKCS#7 padded payload, authenticated with
// encrypt-then-MAC. Wire form: HMAC(IV || ciphertext) || IV || ciphertext.
type cbcBox struct {
	mac *HMACBox
	enc cipher.Block
	dec cipher.Block
}

func NewCBC(cipherName, digest string, keys Keys) (Box, error) {
	name, err := NormalizeCipher(cipherName)
	if err != nil {
		return nil, err
	}
	if IsAEAD(name) {
		return nil, fmt.Errorf("%w: %s is not a CBC cipher", ErrUnsupportedCipher, name)
	}
	mac, err := NewHMAC(digest, keys)
	if err != nil {
		return nil, err
	}
	n := supportedCiphers[name]
	ek, err := sliceKey(keys.CipherEncrypt, n)
	if err != nil {
		return nil, err
	}
	dk, err := sliceKey(keys.CipherDecrypt, n)
	if err != nil {
		return nil, err
	}
	enc, err := aes.NewCipher(ek)
	if err != nil {
		return nil, err
	}
	dec, err := aes.NewCipher(dk)
	if err != nil {
		return nil, err
	}
	return &cbcBox{mac: mac, enc: enc, dec: dec}, nil
}

func (b *cbcBox) Overhead() int {
	return b.mac.Size() + 2*aes.BlockSize
}

func (b *cbcBox) Encrypt(plain []byte, _ *Flags) ([]byte, error) {
	bs := aes.BlockSize
	pad := bs - len(plain)%bs
	out := make([]byte, b.mac.Size()+bs+len(plain)+pad)
	iv := out[b.mac.Size() : b.mac.Size()+bs]
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	body := out[b.mac.Size()+bs:]
	copy(body, plain)
	for i := len(plain); i < len(body); i++ {
		body[i] = byte(pad)
	}
	cipher.NewCBCEncrypter(b.enc, iv).CryptBlocks(body, body)
	copy(out, b.mac.Sign(out[b.mac.Size():]))
	return out, nil
}

func (b *cbcBox) Decrypt(packet []byte, flags *Flags) ([]byte, error) {
	bs := aes.BlockSize
	if len(packet) < b.mac.Size()+2*bs || (len(packet)-b.mac.Size())%bs != 0 {
		return nil, ErrDecryptFailed
	}
	if err := b.mac.Verify(packet, flags); err != nil {
		return nil, err
	}
	iv := packet[b.mac.Size() : b.mac.Size()+bs]
	body := packet[b.mac.Size()+bs:]
	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(b.dec, iv).CryptBlocks(plain, body)
	pad := int(plain[len(plain)-1])
	if pad == 0 || pad > bs {
		return nil, ErrDecryptFailed
	}
	for _, p := range plain[len(plain)-pad:] {
		if int(p) != pad {
			return nil, ErrDecryptFailed
		}
	}
	return plain[:len(plain)-pad], nil
}

func (b *cbcBox) Verify(packet []byte, flags *Flags) error {
	return b.mac.Verify(packet, flags)
}
