package cryptobox

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// implicitIVLength is the part of the nonce taken from the HMAC key
	// slot; the remaining 4 bytes are the packet id.
	implicitIVLength = 8
	packetIDLength   = 4
)

var _ Box = (*aeadBox)(nil)

// aeadBox seals with nonce = packet id || implicit IV. Wire form of the
// sealed part: tag || ciphertext.
type aeadBox struct {
	enc, dec     cipher.AEAD
	encIV, decIV []byte
}

func NewAEAD(cipherName string, keys Keys) (Box, error) {
	name, err := NormalizeCipher(cipherName)
	if err != nil {
		return nil, err
	}
	if !IsAEAD(name) {
		return nil, fmt.Errorf("%w: %s is not an AEAD cipher", ErrUnsupportedCipher, name)
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
	encIV, err := sliceKey(keys.HMACEncrypt, implicitIVLength)
	if err != nil {
		return nil, err
	}
	decIV, err := sliceKey(keys.HMACDecrypt, implicitIVLength)
	if err != nil {
		return nil, err
	}
	b := &aeadBox{
		encIV: append([]byte(nil), encIV...),
		decIV: append([]byte(nil), decIV...),
	}
	if name == "CHACHA20-POLY1305" {
		if b.enc, err = chacha20poly1305.New(ek); err != nil {
			return nil, err
		}
		if b.dec, err = chacha20poly1305.New(dk); err != nil {
			return nil, err
		}
		return b, nil
	}
	if b.enc, err = newGCM(ek); err != nil {
		return nil, err
	}
	if b.dec, err = newGCM(dk); err != nil {
		return nil, err
	}
	return b, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (b *aeadBox) Overhead() int {
	return b.enc.Overhead()
}

func (b *aeadBox) nonce(iv, implicit []byte) ([]byte, error) {
	if len(iv) != packetIDLength {
		return nil, fmt.Errorf("%w: explicit IV must be %d bytes", ErrInvalidKey, packetIDLength)
	}
	nonce := make([]byte, 0, packetIDLength+implicitIVLength)
	nonce = append(nonce, iv...)
	return append(nonce, implicit...), nil
}

func (b *aeadBox) Encrypt(plain []byte, flags *Flags) ([]byte, error) {
	if flags == nil {
		return nil, fmt.Errorf("%w: missing packet id", ErrInvalidKey)
	}
	nonce, err := b.nonce(flags.IV, b.encIV)
	if err != nil {
		return nil, err
	}
	sealed := b.enc.Seal(nil, nonce, plain, flags.AD)
	tagLen := b.enc.Overhead()
	ct, tag := sealed[:len(sealed)-tagLen], sealed[len(sealed)-tagLen:]
	out := make([]byte, 0, len(sealed))
	out = append(out, tag...)
	return append(out, ct...), nil
}

func (b *aeadBox) Decrypt(packet []byte, flags *Flags) ([]byte, error) {
	if flags == nil {
		return nil, ErrDecryptFailed
	}
	tagLen := b.dec.Overhead()
	if len(packet) < tagLen {
		return nil, ErrDecryptFailed
	}
	nonce, err := b.nonce(flags.IV, b.decIV)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	sealed := make([]byte, 0, len(packet))
	sealed = append(sealed, packet[tagLen:]...)
	sealed = append(sealed, packet[:tagLen]...)
	plain, err := b.dec.Open(sealed[:0], nonce, sealed, flags.AD)
	if err != nil {
		return nil, ErrVerifyFailed
	}
	return plain, nil
}

func (b *aeadBox) Verify(packet []byte, flags *Flags) error {
	_, err := b.Decrypt(packet, flags)
	return err
}
