package io

import (
	"errors"
	goio "io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const captureSnapLen = 0xFFFF

var errUnknownIPVersion = errors.New("unknown IP version")

// TunnelPacketInfo describes an IP packet carried inside the tunnel.
type TunnelPacketInfo struct {
	IPv6     bool
	Src      string
	Dst      string
	Protocol string
	Length   int
}

// DescribeTunnelPacket decodes the IP header of a tunnel packet.
func DescribeTunnelPacket(data []byte) (TunnelPacketInfo, error) {
	if len(data) == 0 {
		return TunnelPacketInfo{}, &ErrInvalidPacket{Err: errUnknownIPVersion}
	}
	var first gopacket.LayerType
	switch data[0] >> 4 {
	case 4:
		first = layers.LayerTypeIPv4
	case 6:
		first = layers.LayerTypeIPv6
	default:
		return TunnelPacketInfo{}, &ErrInvalidPacket{Err: errUnknownIPVersion}
	}
	packet := gopacket.NewPacket(data, first, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	if errLayer := packet.ErrorLayer(); errLayer != nil && packet.NetworkLayer() == nil {
		return TunnelPacketInfo{}, &ErrInvalidPacket{Err: errLayer.Error()}
	}
	info := TunnelPacketInfo{Length: len(data)}
	switch ip := packet.NetworkLayer().(type) {
	case *layers.IPv4:
		info.Src, info.Dst = ip.SrcIP.String(), ip.DstIP.String()
		info.Protocol = ip.Protocol.String()
	case *layers.IPv6:
		info.IPv6 = true
		info.Src, info.Dst = ip.SrcIP.String(), ip.DstIP.String()
		info.Protocol = ip.NextHeader.String()
	default:
		return TunnelPacketInfo{}, &ErrInvalidPacket{Err: errUnknownIPVersion}
	}
	return info, nil
}

// Capture writes tunnel packets to a pcap file with raw IP link type.
type Capture struct {
	mutex  sync.Mutex
	w      *pcapgo.Writer
	closer goio.Closer
}

func NewCapture(w goio.Writer) (*Capture, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(captureSnapLen, layers.LinkTypeRaw); err != nil {
		return nil, err
	}
	c := &Capture{w: pw}
	if closer, ok := w.(goio.Closer); ok {
		c.closer = closer
	}
	return c, nil
}

// CreateCapture creates (or truncates) the file at path.
func CreateCapture(path string) (*Capture, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	c, err := NewCapture(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return c, nil
}

// Write records packets with the given timestamp. Packets that are not IP
// are skipped.
func (c *Capture) Write(ts time.Time, packets [][]byte) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for _, p := range packets {
		if len(p) == 0 || (p[0]>>4 != 4 && p[0]>>4 != 6) {
			continue
		}
		data := p
		if len(data) > captureSnapLen {
			data = data[:captureSnapLen]
		}
		err := c.w.WritePacket(gopacket.CaptureInfo{
			Timestamp:     ts,
			CaptureLength: len(data),
			Length:        len(p),
		}, data)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Capture) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}
