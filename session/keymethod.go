package session

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sort"
	"strings"

	"github.com/apernet/ovpnkit/cryptobox"
)

const (
	keyMethod2 = 2

	// ivProto advertises DATA_V2 (bit 1) and TLS key export (bit 3).
	ivProto = 1<<1 | 1<<3

	// Version reported to the server in IV_VER.
	peerVersion = "2.6.0"
)

var (
	errShortKeyMethod = errors.New("short key-method message")
	errKeyMethod      = errors.New("unexpected key method")
)

// Credentials are sent in the key-method-2 message when the profile has
// auth-user-pass.
type Credentials struct {
	Username string
	Password string
}

// keySource is the random material one side contributes.
type keySource struct {
	preMaster [cryptobox.PreMasterLength]byte
	random1   [cryptobox.RandomLength]byte
	random2   [cryptobox.RandomLength]byte
}

func newKeySource(r io.Reader) (*keySource, error) {
	k := &keySource{}
	for _, b := range [][]byte{k.preMaster[:], k.random1[:], k.random2[:]} {
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, err
		}
	}
	return k, nil
}

// remoteKeyMethod is the server half of the exchange.
type remoteKeyMethod struct {
	random1 [cryptobox.RandomLength]byte
	random2 [cryptobox.RandomLength]byte
	options string
}

func appendString(dst []byte, s string) []byte {
	if s == "" {
		return binary.BigEndian.AppendUint16(dst, 0)
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(s)+1))
	dst = append(dst, s...)
	return append(dst, 0)
}

// clientKeyMethod builds the client key-method-2 message.
func clientKeyMethod(k *keySource, options string, creds *Credentials, peerInfo string) []byte {
	out := make([]byte, 0, 256+len(options)+len(peerInfo))
	out = binary.BigEndian.AppendUint32(out, 0)
	out = append(out, keyMethod2)
	out = append(out, k.preMaster[:]...)
	out = append(out, k.random1[:]...)
	out = append(out, k.random2[:]...)
	out = appendString(out, options)
	if creds != nil {
		out = appendString(out, creds.Username)
		out = appendString(out, creds.Password)
	} else {
		out = appendString(out, "")
		out = appendString(out, "")
	}
	return appendString(out, peerInfo)
}

// maxTrailingPrefix bounds the first byte of a trailing string length.
const maxTrailingPrefix = 0x20

// parseServerKeyMethod decodes the server key-method-2 message and returns
// the number of bytes it used. It returns errShortKeyMethod while b is
// incomplete, including a username, password or peer info string that has
// only partly arrived. Those strings are skipped.
func parseServerKeyMethod(b []byte) (*remoteKeyMethod, int, error) {
	const fixed = 4 + 1 + 2*cryptobox.RandomLength + 2
	if len(b) < fixed {
		return nil, 0, errShortKeyMethod
	}
	if binary.BigEndian.Uint32(b) != 0 {
		return nil, 0, fmt.Errorf("%w: nonzero prefix", errKeyMethod)
	}
	if b[4] != keyMethod2 {
		return nil, 0, fmt.Errorf("%w: %d", errKeyMethod, b[4])
	}
	r := &remoteKeyMethod{}
	off := 5
	off += copy(r.random1[:], b[off:])
	off += copy(r.random2[:], b[off:])
	n := int(binary.BigEndian.Uint16(b[off:]))
	off += 2
	if len(b) < off+n {
		return nil, 0, errShortKeyMethod
	}
	r.options = strings.TrimRight(string(b[off:off+n]), "\x00")
	off += n
	for i := 0; i < 3 && len(b) > off; i++ {
		// Text messages start with a printable byte, string lengths
		// below 8 KiB with a control byte.
		if b[off] >= maxTrailingPrefix {
			break
		}
		if len(b) < off+2 {
			return nil, 0, errShortKeyMethod
		}
		n := int(binary.BigEndian.Uint16(b[off:]))
		if len(b) < off+2+n {
			return nil, 0, errShortKeyMethod
		}
		off += 2 + n
	}
	return r, off, nil
}

// peerInfo builds the IV_* variables sent to the server.
func peerInfo(dataCiphers []string, extra map[string]string) string {
	vars := map[string]string{
		"IV_VER":     peerVersion,
		"IV_PLAT":    platform(),
		"IV_PROTO":   fmt.Sprint(ivProto),
		"IV_NCP":     "2",
		"IV_CIPHERS": strings.Join(dataCiphers, ":"),
		"IV_TCPNL":   "1",
	}
	for k, v := range extra {
		vars[k] = v
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(vars[k])
		sb.WriteByte('\n')
	}
	return sb.String()
}

func platform() string {
	switch runtime.GOOS {
	case "darwin":
		return "mac"
	case "windows":
		return "win"
	default:
		return runtime.GOOS
	}
}
