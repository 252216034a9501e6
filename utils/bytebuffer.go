package utils

import "encoding/binary"

// ByteBuffer accumulates bytes from a stream and hands them out in
// big-endian chunks once enough of them have arrived.
type ByteBuffer struct {
	Buf []byte
}

func (b *ByteBuffer) Append(data []byte) {
	b.Buf = append(b.Buf, data...)
}

func (b *ByteBuffer) Len() int {
	return len(b.Buf)
}

// Get returns the first length bytes without copying. With consume set the
// bytes are removed from the buffer, so callers that keep the result past the
// next Append must copy it.
func (b *ByteBuffer) Get(length int, consume bool) (data []byte, ok bool) {
	if length < 0 || len(b.Buf) < length {
		return nil, false
	}
	data = b.Buf[:length:length]
	if consume {
		b.Buf = b.Buf[length:]
	}
	return data, true
}

func (b *ByteBuffer) GetByte(consume bool) (byte, bool) {
	data, ok := b.Get(1, consume)
	if !ok {
		return 0, false
	}
	return data[0], true
}

func (b *ByteBuffer) GetUint16(consume bool) (uint16, bool) {
	data, ok := b.Get(2, consume)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint16(data), true
}

func (b *ByteBuffer) GetUint32(consume bool) (uint32, bool) {
	data, ok := b.Get(4, consume)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint32(data), true
}

func (b *ByteBuffer) Skip(length int) bool {
	if len(b.Buf) < length {
		return false
	}
	b.Buf = b.Buf[length:]
	return true
}

// Compact moves the unread bytes to a fresh backing array, releasing the
// already consumed prefix.
func (b *ByteBuffer) Compact() {
	if len(b.Buf) == 0 {
		b.Buf = nil
		return
	}
	b.Buf = append([]byte(nil), b.Buf...)
}

func (b *ByteBuffer) Reset() {
	b.Buf = nil
}
