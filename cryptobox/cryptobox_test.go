package cryptobox

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomStaticKey(t *testing.T) *StaticKey {
	t.Helper()
	b := make([]byte, StaticKeyLength)
	_, err := rand.Read(b)
	require.NoError(t, err)
	k, err := NewStaticKey(b)
	require.NoError(t, err)
	return k
}

// peers returns boxes for both ends of a link sharing one key block.
func peers(t *testing.T, cipher, digest string) (Box, Box) {
	t.Helper()
	k := randomStaticKey(t)
	client, err := New(cipher, digest, k.Keys(KeyDirectionNormal))
	require.NoError(t, err)
	server, err := New(cipher, digest, k.Keys(KeyDirectionInverse))
	require.NoError(t, err)
	return client, server
}

func TestCBCRoundTrip(t *testing.T) {
	for _, cipher := range []string{"AES-128-CBC", "aes-192-cbc", "AES-256-CBC"} {
		for _, digest := range []string{"SHA1", "sha256", "SHA512"} {
			cipher, digest := cipher, digest
			t.Run(cipher+"/"+digest, func(t *testing.T) {
				t.Parallel()
				client, server := peers(t, cipher, digest)
				for _, size := range []int{0, 1, 15, 16, 17, 1400} {
					plain := bytes.Repeat([]byte{0xab}, size)
					sealed, err := client.Encrypt(plain, nil)
					require.NoError(t, err)
					assert.LessOrEqual(t, len(sealed), size+client.Overhead())

					got, err := server.Decrypt(sealed, nil)
					require.NoError(t, err)
					assert.Equal(t, plain, got)
					assert.NoError(t, server.Verify(sealed, nil))
				}
			})
		}
	}
}

func TestCBCTampered(t *testing.T) {
	client, server := peers(t, "AES-256-CBC", "SHA256")
	sealed, err := client.Encrypt([]byte("hello"), nil)
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 1
	_, err = server.Decrypt(sealed, nil)
	assert.ErrorIs(t, err, ErrVerifyFailed)

	// Own direction keys must not decrypt our own traffic.
	sealed, err = client.Encrypt([]byte("hello"), nil)
	require.NoError(t, err)
	_, err = client.Decrypt(sealed, nil)
	assert.ErrorIs(t, err, ErrVerifyFailed)

	_, err = server.Decrypt([]byte{1, 2, 3}, nil)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestAEADRoundTrip(t *testing.T) {
	for _, cipher := range []string{"AES-128-GCM", "AES-256-GCM", "CHACHA20-POLY1305"} {
		cipher := cipher
		t.Run(cipher, func(t *testing.T) {
			t.Parallel()
			client, server := peers(t, cipher, "")
			flags := &Flags{
				IV: []byte{0, 0, 0, 1},
				AD: []byte{0x48, 0, 0, 1, 0, 0, 0, 1},
			}
			plain := []byte("the quick brown fox")
			sealed, err := client.Encrypt(plain, flags)
			require.NoError(t, err)
			assert.Len(t, sealed, len(plain)+16)

			got, err := server.Decrypt(sealed, flags)
			require.NoError(t, err)
			assert.Equal(t, plain, got)

			_, err = server.Decrypt(sealed, &Flags{IV: []byte{0, 0, 0, 2}, AD: flags.AD})
			assert.ErrorIs(t, err, ErrVerifyFailed)
			_, err = server.Decrypt(sealed, &Flags{IV: flags.IV, AD: []byte{0x48}})
			assert.ErrorIs(t, err, ErrVerifyFailed)
			_, err = server.Decrypt(sealed[:4], flags)
			assert.ErrorIs(t, err, ErrDecryptFailed)
		})
	}
}

func TestAEADRequiresPacketID(t *testing.T) {
	client, _ := peers(t, "AES-128-GCM", "")
	_, err := client.Encrypt([]byte("x"), nil)
	assert.Error(t, err)
	_, err = client.Encrypt([]byte("x"), &Flags{IV: []byte{1}})
	assert.Error(t, err)
}

func TestCryptRoundTrip(t *testing.T) {
	k := randomStaticKey(t)
	client, err := NewCrypt(k.Keys(KeyDirectionInverse))
	require.NoError(t, err)
	server, err := NewCrypt(k.Keys(KeyDirectionNormal))
	require.NoError(t, err)

	header := []byte{0x38, 1, 2, 3, 4, 5, 6, 7, 8, 0, 0, 0, 1, 0x65, 0x00, 0x00, 0x01}
	plain := []byte{0, 0, 0, 0, 0}
	sealed, err := client.Encrypt(plain, &Flags{AD: header})
	require.NoError(t, err)
	assert.Len(t, sealed, CryptTagLength+len(plain))

	got, err := server.Decrypt(sealed, &Flags{AD: header})
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	header[0] = 0x20
	_, err = server.Decrypt(sealed, &Flags{AD: header})
	assert.ErrorIs(t, err, ErrVerifyFailed)
}

func TestUnsupported(t *testing.T) {
	k := randomStaticKey(t)
	_, err := New("BF-CBC", "SHA1", k.Keys(KeyDirectionNormal))
	assert.ErrorIs(t, err, ErrUnsupportedCipher)
	_, err = New("AES-128-CBC", "MD5", k.Keys(KeyDirectionNormal))
	assert.ErrorIs(t, err, ErrUnsupportedDigest)
	_, err = NewCBC("AES-128-CBC", "SHA1", Keys{})
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestStaticKeyParse(t *testing.T) {
	k := randomStaticKey(t)
	armored := "#\n# 2048 bit OpenVPN static key\n#\n" + k.Hex()
	parsed, err := ParseStaticKey(armored)
	require.NoError(t, err)
	assert.Equal(t, k.Bytes(), parsed.Bytes())

	_, err = ParseStaticKey("-----BEGIN OpenVPN Static key V1-----\nabcd\n-----END OpenVPN Static key V1-----\n")
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = ParseStaticKey("nothing here")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestKeyDirections(t *testing.T) {
	k := randomStaticKey(t)
	n := k.Keys(KeyDirectionNormal)
	i := k.Keys(KeyDirectionInverse)
	b := k.Keys(KeyDirectionBidirectional)

	assert.Equal(t, k.Slot(0), n.CipherEncrypt)
	assert.Equal(t, k.Slot(3), n.HMACDecrypt)
	assert.Equal(t, n.CipherEncrypt, i.CipherDecrypt)
	assert.Equal(t, n.HMACEncrypt, i.HMACDecrypt)
	assert.Equal(t, b.CipherEncrypt, b.CipherDecrypt)
	assert.Equal(t, b.HMACEncrypt, b.HMACDecrypt)
}

func TestKeyMethod2Expand(t *testing.T) {
	var km KeyMethod2
	for i := range km.PreMaster {
		km.PreMaster[i] = byte(i)
	}
	km.ClientRandom1[0] = 1
	km.ServerRandom1[0] = 2
	km.ClientSessionID[0] = 3

	a := km.Expand()
	require.Len(t, a, KeyMaterialLength)
	assert.Equal(t, a, km.Expand())

	km.ServerSessionID[7] = 9
	assert.NotEqual(t, a, km.Expand())
}

func TestPRFLength(t *testing.T) {
	out := PRF([]byte("secret"), "label", []byte("seed"), 100)
	assert.Len(t, out, 100)
	assert.Equal(t, out[:48], PRF([]byte("secret"), "label", []byte("seed"), 48))
	assert.NotEqual(t, out, PRF([]byte("secreT"), "label", []byte("seed"), 100))
}
