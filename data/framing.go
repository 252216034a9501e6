package data

import (
	"bytes"
	"errors"

	"github.com/apernet/ovpnkit/config"
)

const (
	noCompressByte     = 0xFA
	noCompressSwapByte = 0xFB
	lzoCompressByte    = 0x66
	lz4CompressByte    = 0x69
	compressV2Escape   = 0x50
)

var (
	// ErrCompressed means the peer sent a compressed payload.
	ErrCompressed = errors.New("compressed payload not supported")
	ErrBadFraming = errors.New("bad compression framing")
)

// KeepAlive is the payload of a data channel ping.
var KeepAlive = []byte{
	0x2a, 0x18, 0x7b, 0xf3, 0x64, 0x1e, 0xb4, 0xcb,
	0x07, 0xed, 0x2d, 0x0a, 0x98, 0x1f, 0xc7, 0x48,
}

func IsKeepAlive(b []byte) bool {
	return bytes.Equal(b, KeepAlive)
}

// frame prefixes payload for the configured framing. Nothing is ever
// compressed.
func frame(dst []byte, f config.CompressionFraming, payload []byte) []byte {
	switch f {
	case config.FramingCompLZO:
		dst = append(dst, noCompressByte)
		return append(dst, payload...)
	case config.FramingCompress:
		if len(payload) == 0 {
			return append(dst, noCompressSwapByte)
		}
		dst = append(dst, noCompressSwapByte)
		dst = append(dst, payload[1:]...)
		return append(dst, payload[0])
	case config.FramingCompressV2:
		if len(payload) > 0 && payload[0] == compressV2Escape {
			dst = append(dst, compressV2Escape, 0x00)
		}
		return append(dst, payload...)
	}
	return append(dst, payload...)
}

// unframe reverses frame. The result may alias b.
func unframe(f config.CompressionFraming, b []byte) ([]byte, error) {
	switch f {
	case config.FramingCompLZO:
		if len(b) == 0 {
			return nil, ErrBadFraming
		}
		switch b[0] {
		case noCompressByte:
			return b[1:], nil
		case lzoCompressByte:
			return nil, ErrCompressed
		}
		return nil, ErrBadFraming
	case config.FramingCompress:
		if len(b) == 0 {
			return nil, ErrBadFraming
		}
		switch b[0] {
		case noCompressSwapByte:
			if len(b) == 1 {
				return b[1:], nil
			}
			out := make([]byte, 0, len(b)-1)
			out = append(out, b[len(b)-1])
			return append(out, b[1:len(b)-1]...), nil
		case noCompressByte:
			return b[1:], nil
		case lzoCompressByte, lz4CompressByte:
			return nil, ErrCompressed
		}
		return nil, ErrBadFraming
	case config.FramingCompressV2:
		if len(b) == 0 || b[0] != compressV2Escape {
			return b, nil
		}
		if len(b) < 2 {
			return nil, ErrBadFraming
		}
		if b[1] != 0x00 {
			return nil, ErrCompressed
		}
		return b[2:], nil
	}
	return b, nil
}
