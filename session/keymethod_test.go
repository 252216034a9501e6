package session

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serverKeyMethodBytes(options string, trailing ...string) []byte {
	out := binary.BigEndian.AppendUint32(nil, 0)
	out = append(out, keyMethod2)
	out = append(out, bytes.Repeat([]byte{1}, 32)...)
	out = append(out, bytes.Repeat([]byte{2}, 32)...)
	out = appendString(out, options)
	for _, s := range trailing {
		out = appendString(out, s)
	}
	return out
}

func TestParseServerKeyMethod(t *testing.T) {
	b := serverKeyMethodBytes("V4,dev-type tun", "", "", "IV_VER=2.6")
	for i := 0; i < 5+64+2+len("V4,dev-type tun"); i++ {
		_, _, err := parseServerKeyMethod(b[:i])
		assert.ErrorIs(t, err, errShortKeyMethod, "prefix %d", i)
	}
	km, used, err := parseServerKeyMethod(append(b, "PUSH_REPLY"...))
	require.NoError(t, err)
	assert.Equal(t, len(b), used)
	assert.Equal(t, "V4,dev-type tun", km.options)
	assert.Equal(t, bytes.Repeat([]byte{1}, 32), km.random1[:])
	assert.Equal(t, bytes.Repeat([]byte{2}, 32), km.random2[:])

	// trailing strings split across reads are waited for, never half used
	optEnd := 5 + 64 + 2 + len("V4,dev-type tun") + 1
	boundaries := map[int]bool{optEnd: true, optEnd + 2: true, optEnd + 4: true, len(b): true}
	for i := optEnd; i <= len(b); i++ {
		_, used, err := parseServerKeyMethod(b[:i])
		if boundaries[i] {
			require.NoError(t, err, "prefix %d", i)
			assert.Equal(t, i, used)
		} else {
			assert.ErrorIs(t, err, errShortKeyMethod, "prefix %d", i)
		}
	}

	bad := serverKeyMethodBytes("x")
	bad[4] = 1
	_, _, err = parseServerKeyMethod(bad)
	assert.ErrorIs(t, err, errKeyMethod)
}

func TestClientKeyMethod(t *testing.T) {
	src, err := newKeySource(bytes.NewReader(bytes.Repeat([]byte{9}, 48+64)))
	require.NoError(t, err)
	msg := clientKeyMethod(src, "V4", &Credentials{Username: "u", Password: "p"}, "IV_VER=1\n")
	got, km, ok := parseClientKeyMethod(msg)
	require.True(t, ok)
	assert.Equal(t, "V4", got.options)
	assert.Equal(t, "u", got.username)
	assert.Equal(t, "p", got.password)
	assert.Equal(t, "IV_VER=1\n", got.peerInfo)
	assert.Equal(t, src.preMaster, km.PreMaster)

	msg = clientKeyMethod(src, "V4", nil, "")
	got, _, ok = parseClientKeyMethod(msg)
	require.True(t, ok)
	assert.Empty(t, got.username)
	assert.Empty(t, got.password)
}

func TestPeerInfo(t *testing.T) {
	info := peerInfo([]string{"AES-256-GCM", "CHACHA20-POLY1305"}, map[string]string{"IV_GUI_VER": "ovpnkit"})
	assert.Contains(t, info, "IV_CIPHERS=AES-256-GCM:CHACHA20-POLY1305\n")
	assert.Contains(t, info, "IV_GUI_VER=ovpnkit\n")
	assert.Contains(t, info, "IV_NCP=2\n")
	assert.True(t, info[len(info)-1] == '\n')
}

func TestNegotiationMessages(t *testing.T) {
	n := &negotiation{plain: []byte("PUSH_REPLY,a\x00\x00AUTH_FAILED\x00partial")}
	assert.Equal(t, []string{"PUSH_REPLY,a", "AUTH_FAILED"}, n.messages())
	assert.Equal(t, []byte("partial"), n.plain)
}

func TestNextKeyID(t *testing.T) {
	assert.Equal(t, uint8(1), nextKeyID(0))
	assert.Equal(t, uint8(7), nextKeyID(6))
	assert.Equal(t, uint8(1), nextKeyID(7))
}
