package packet

import "fmt"

// Code is the 5-bit OpenVPN packet opcode carried in the high bits of the
// first byte of every packet.
// Values from https://github.com/OpenVPN/openvpn/blob/master/src/openvpn/ssl_pkt.h
type Code byte

const (
	CodeHardResetClientV1 Code = 1
	CodeHardResetServerV1 Code = 2
	CodeSoftResetV1       Code = 3
	CodeControlV1         Code = 4
	CodeAckV1             Code = 5
	CodeDataV1            Code = 6
	CodeHardResetClientV2 Code = 7
	CodeHardResetServerV2 Code = 8
	CodeDataV2            Code = 9
	CodeHardResetClientV3 Code = 10
	CodeControlWKCV1      Code = 11
)

const (
	keyIDMask   = 0x07
	opcodeShift = 3

	// KeyIDCount is the number of distinct key ids (3 bits).
	KeyIDCount = 8
)

func (c Code) String() string {
	switch c {
	case CodeHardResetClientV1:
		return "HARD_RESET_CLIENT_V1"
	case CodeHardResetServerV1:
		return "HARD_RESET_SERVER_V1"
	case CodeSoftResetV1:
		return "SOFT_RESET_V1"
	case CodeControlV1:
		return "CONTROL_V1"
	case CodeAckV1:
		return "ACK_V1"
	case CodeDataV1:
		return "DATA_V1"
	case CodeHardResetClientV2:
		return "HARD_RESET_CLIENT_V2"
	case CodeHardResetServerV2:
		return "HARD_RESET_SERVER_V2"
	case CodeDataV2:
		return "DATA_V2"
	case CodeHardResetClientV3:
		return "HARD_RESET_CLIENT_V3"
	case CodeControlWKCV1:
		return "CONTROL_WKC_V1"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(c))
	}
}

// Valid reports whether c is a known opcode.
func (c Code) Valid() bool {
	return c >= CodeHardResetClientV1 && c <= CodeControlWKCV1
}

// IsControl reports whether packets with this code travel over the reliable
// control channel (acks excluded).
func (c Code) IsControl() bool {
	switch c {
	case CodeHardResetClientV1,
		CodeHardResetServerV1,
		CodeSoftResetV1,
		CodeControlV1,
		CodeHardResetClientV2,
		CodeHardResetServerV2,
		CodeHardResetClientV3,
		CodeControlWKCV1:
		return true
	}
	return false
}

func (c Code) IsData() bool {
	return c == CodeDataV1 || c == CodeDataV2
}

// IsServerReset reports whether c is a server hard reset.
func (c Code) IsServerReset() bool {
	return c == CodeHardResetServerV1 || c == CodeHardResetServerV2
}

// HeaderByte packs an opcode and a key id into the first packet byte.
func HeaderByte(code Code, keyID uint8) byte {
	return byte(code)<<opcodeShift | keyID&keyIDMask
}

// SplitHeaderByte is the inverse of HeaderByte.
func SplitHeaderByte(b byte) (Code, uint8) {
	return Code(b >> opcodeShift), b & keyIDMask
}
