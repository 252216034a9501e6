package cryptobox

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"hash"

	"github.com/apernet/ovpnkit/packet"
)

const (
	PreMasterLength = 48
	RandomLength    = 32
	masterLength    = 48

	// KeyMaterialLength is the size of the expanded data channel key block.
	KeyMaterialLength = 4 * KeySlotLength

	labelMaster    = "OpenVPN master secret"
	labelExpansion = "OpenVPN key expansion"

	// ExporterLabel is the RFC 5705 label used when the server pushes
	// key-derivation tls-ekm.
	ExporterLabel = "EXPORTER-OpenVPN-datachannel"
)

// KeyMethod2 holds the random material exchanged in the key-method-2
// messages of both peers.
type KeyMethod2 struct {
	PreMaster     [PreMasterLength]byte
	ClientRandom1 [RandomLength]byte
	ClientRandom2 [RandomLength]byte
	ServerRandom1 [RandomLength]byte
	ServerRandom2 [RandomLength]byte

	ClientSessionID packet.SessionID
	ServerSessionID packet.SessionID
}

// Expand derives the data channel key block with the TLS 1.0 PRF.
func (k *KeyMethod2) Expand() []byte {
	master := PRF(k.PreMaster[:], labelMaster,
		concat(k.ClientRandom1[:], k.ServerRandom1[:]), masterLength)
	return PRF(master, labelExpansion,
		concat(k.ClientRandom2[:], k.ServerRandom2[:], k.ClientSessionID[:], k.ServerSessionID[:]),
		KeyMaterialLength)
}

// PRF is the TLS 1.0 pseudo random function: P_MD5 over the first half of
// the secret XOR P_SHA1 over the second half. Odd-length secrets share the
// middle byte.
func PRF(secret []byte, label string, seed []byte, size int) []byte {
	half := (len(secret) + 1) / 2
	s1 := secret[:half]
	s2 := secret[len(secret)-half:]
	labelSeed := concat([]byte(label), seed)
	out := make([]byte, size)
	pHash(md5.New, s1, labelSeed, out)
	tmp := make([]byte, size)
	pHash(sha1.New, s2, labelSeed, tmp)
	for i := range out {
		out[i] ^= tmp[i]
	}
	return out
}

func pHash(h func() hash.Hash, secret, seed, out []byte) {
	m := hmac.New(h, secret)
	m.Write(seed)
	a := m.Sum(nil)
	for n := 0; n < len(out); {
		m.Reset()
		m.Write(a)
		m.Write(seed)
		n += copy(out[n:], m.Sum(nil))
		m.Reset()
		m.Write(a)
		a = m.Sum(nil)
	}
}

func concat(parts ...[]byte) []byte {
	var n int
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
