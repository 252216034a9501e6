package io

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/apernet/ovpnkit/utils"
)

const streamLengthSize = 2

var ErrPacketTooLarge = errors.New("packet too large for stream framing")

// PacketStream splits a TCP byte stream into packets. Each packet is
// prefixed with its length as a big-endian uint16.
type PacketStream struct {
	buf utils.ByteBuffer
}

// Append adds received bytes and returns every packet completed by them.
// A trailing partial frame stays buffered for the next call.
func (s *PacketStream) Append(data []byte) [][]byte {
	s.buf.Append(data)
	var out [][]byte
	for {
		n, ok := s.buf.GetUint16(false)
		if !ok || s.buf.Len() < streamLengthSize+int(n) {
			break
		}
		s.buf.Skip(streamLengthSize)
		payload, _ := s.buf.Get(int(n), true)
		out = append(out, append([]byte(nil), payload...))
	}
	s.buf.Compact()
	return out
}

// Buffered is the number of bytes waiting for the rest of their frame.
func (s *PacketStream) Buffered() int {
	return s.buf.Len()
}

func (s *PacketStream) Reset() {
	s.buf.Reset()
}

// Frame encodes packets for a stream transport.
func Frame(packets [][]byte) ([]byte, error) {
	size := 0
	for _, p := range packets {
		if len(p) > math.MaxUint16 {
			return nil, ErrPacketTooLarge
		}
		size += streamLengthSize + len(p)
	}
	out := make([]byte, 0, size)
	for _, p := range packets {
		out = binary.BigEndian.AppendUint16(out, uint16(len(p)))
		out = append(out, p...)
	}
	return out, nil
}
