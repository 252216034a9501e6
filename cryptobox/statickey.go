package cryptobox

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	KeySlotLength   = 64
	StaticKeyLength = 4 * KeySlotLength

	staticKeyBegin = "-----BEGIN OpenVPN Static key V1-----"
	staticKeyEnd   = "-----END OpenVPN Static key V1-----"
)

// KeyDirection selects which slots of a 256-byte key block encrypt and which
// decrypt.
type KeyDirection int

const (
	// KeyDirectionBidirectional uses the first cipher and HMAC slots both ways.
	KeyDirectionBidirectional KeyDirection = iota
	// KeyDirectionNormal sends with slots 0/1 and receives with slots 2/3.
	KeyDirectionNormal
	// KeyDirectionInverse sends with slots 2/3 and receives with slots 0/1.
	KeyDirectionInverse
)

func (d KeyDirection) String() string {
	switch d {
	case KeyDirectionNormal:
		return "0"
	case KeyDirectionInverse:
		return "1"
	default:
		return "bidirectional"
	}
}

// StaticKey is a 256-byte OpenVPN key block: cipher A, HMAC A, cipher B,
// HMAC B, 64 bytes each.
type StaticKey struct {
	data [StaticKeyLength]byte
}

// NewStaticKey wraps raw key bytes. Anything but 256 bytes is rejected.
func NewStaticKey(b []byte) (*StaticKey, error) {
	if len(b) != StaticKeyLength {
		return nil, fmt.Errorf("%w: static key must be %d bytes, got %d", ErrInvalidKey, StaticKeyLength, len(b))
	}
	k := &StaticKey{}
	copy(k.data[:], b)
	return k, nil
}

// ParseStaticKey parses the hex armored form found inside <tls-auth> and
// <tls-crypt> blocks.
func ParseStaticKey(s string) (*StaticKey, error) {
	var sb strings.Builder
	inside := false
	sc := bufio.NewScanner(strings.NewReader(s))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == staticKeyBegin:
			inside = true
		case line == staticKeyEnd:
			inside = false
		case inside && line != "" && !strings.HasPrefix(line, "#"):
			sb.WriteString(line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if sb.Len() == 0 {
		return nil, fmt.Errorf("%w: no static key block", ErrInvalidKey)
	}
	raw, err := hex.DecodeString(sb.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return NewStaticKey(raw)
}

// Slot returns the i-th 64-byte slot.
func (k *StaticKey) Slot(i int) []byte {
	return k.data[i*KeySlotLength : (i+1)*KeySlotLength]
}

func (k *StaticKey) Bytes() []byte {
	return k.data[:]
}

// Keys slices the block according to dir.
func (k *StaticKey) Keys(dir KeyDirection) Keys {
	return SliceKeys(k.data[:], dir)
}

// SliceKeys slices any 256-byte key block according to dir.
func SliceKeys(block []byte, dir KeyDirection) Keys {
	slot := func(i int) []byte {
		return block[i*KeySlotLength : (i+1)*KeySlotLength]
	}
	switch dir {
	case KeyDirectionNormal:
		return Keys{CipherEncrypt: slot(0), HMACEncrypt: slot(1), CipherDecrypt: slot(2), HMACDecrypt: slot(3)}
	case KeyDirectionInverse:
		return Keys{CipherEncrypt: slot(2), HMACEncrypt: slot(3), CipherDecrypt: slot(0), HMACDecrypt: slot(1)}
	default:
		return Keys{CipherEncrypt: slot(0), HMACEncrypt: slot(1), CipherDecrypt: slot(0), HMACDecrypt: slot(1)}
	}
}

// Hex returns the armored form accepted by ParseStaticKey.
func (k *StaticKey) Hex() string {
	var sb strings.Builder
	sb.WriteString(staticKeyBegin)
	sb.WriteByte('\n')
	enc := hex.EncodeToString(k.data[:])
	for i := 0; i < len(enc); i += 32 {
		sb.WriteString(enc[i : i+32])
		sb.WriteByte('\n')
	}
	sb.WriteString(staticKeyEnd)
	sb.WriteByte('\n')
	return sb.String()
}
