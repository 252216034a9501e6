package io

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apernet/ovpnkit/config"
)

func TestPacketStreamPartial(t *testing.T) {
	framed, err := Frame([][]byte{{1, 2, 3}, {4}, {}})
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 3, 1, 2, 3, 0, 1, 4, 0, 0}, framed)

	var s PacketStream
	assert.Empty(t, s.Append(framed[:1]))
	assert.Empty(t, s.Append(framed[1:4]))
	assert.Equal(t, 4, s.Buffered())
	assert.Equal(t, [][]byte{{1, 2, 3}}, s.Append(framed[4:5]))
	assert.Equal(t, [][]byte{{4}, {}}, s.Append(framed[5:]))
	assert.Zero(t, s.Buffered())
}

func TestPacketStreamManyAtOnce(t *testing.T) {
	var packets [][]byte
	for i := 0; i < 50; i++ {
		packets = append(packets, bytes.Repeat([]byte{byte(i)}, i*7))
	}
	framed, err := Frame(packets)
	require.NoError(t, err)

	var s PacketStream
	var got [][]byte
	for len(framed) > 0 {
		n := 13
		if n > len(framed) {
			n = len(framed)
		}
		got = append(got, s.Append(framed[:n])...)
		framed = framed[n:]
	}
	require.Len(t, got, len(packets))
	for i := range packets {
		assert.Equal(t, len(packets[i]), len(got[i]))
		assert.True(t, bytes.Equal(packets[i], got[i]))
	}
}

func TestFrameTooLarge(t *testing.T) {
	_, err := Frame([][]byte{make([]byte, 0x10000)})
	assert.ErrorIs(t, err, ErrPacketTooLarge)
}

func TestUDPLink(t *testing.T) {
	server, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer server.Close()

	proto := config.EndpointProtocol{SocketType: config.SocketUDP4, Port: uint16(server.LocalAddr().(*net.UDPAddr).Port)}
	d := &Dialer{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	link, err := d.Dial(ctx, "127.0.0.1", proto)
	require.NoError(t, err)
	defer link.Close()
	assert.Equal(t, proto, link.Protocol())

	received := make(chan []byte, 4)
	require.NoError(t, link.Register(ctx, func(p Packet, err error) bool {
		if err == nil {
			received <- p.Data()
		}
		return true
	}))

	require.NoError(t, link.Send([][]byte{{0x38, 1, 2}}))
	buf := make([]byte, 64)
	n, peer, err := server.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x38, 1, 2}, buf[:n])

	_, err = server.WriteToUDP([]byte{0x40, 9}, peer)
	require.NoError(t, err)
	select {
	case b := <-received:
		assert.Equal(t, []byte{0x40, 9}, b)
	case <-time.After(5 * time.Second):
		t.Fatal("no packet received")
	}
}

func TestTCPLink(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	proto := config.EndpointProtocol{SocketType: config.SocketTCP4, Port: uint16(ln.Addr().(*net.TCPAddr).Port)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	link, err := (&Dialer{}).Dial(ctx, "127.0.0.1", proto)
	require.NoError(t, err)
	defer link.Close()

	received := make(chan []byte, 4)
	require.NoError(t, link.Register(ctx, func(p Packet, err error) bool {
		if err == nil {
			received <- p.Data()
		}
		return true
	}))

	var conn net.Conn
	select {
	case conn = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("no connection accepted")
	}
	defer conn.Close()

	require.NoError(t, link.Send([][]byte{{1, 2}, {3}}))
	buf := make([]byte, 7)
	_, err = conn.Read(buf[:1])
	require.NoError(t, err)
	for off := 1; off < len(buf); {
		n, err := conn.Read(buf[off:])
		require.NoError(t, err)
		off += n
	}
	assert.Equal(t, []byte{0, 2, 1, 2, 0, 1, 3}, buf)

	// split a frame across two writes
	_, err = conn.Write([]byte{0, 3, 7})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = conn.Write([]byte{8, 9})
	require.NoError(t, err)
	select {
	case b := <-received:
		assert.Equal(t, []byte{7, 8, 9}, b)
	case <-time.After(5 * time.Second):
		t.Fatal("no packet received")
	}
}

func TestNewLinkOverPipe(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	proto := config.EndpointProtocol{SocketType: config.SocketTCP, Port: 443}
	link := NewLink(client, proto)
	defer link.Close()
	assert.Equal(t, proto, link.Protocol())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	received := make(chan []byte, 4)
	require.NoError(t, link.Register(ctx, func(p Packet, err error) bool {
		if err == nil {
			received <- p.Data()
		}
		return true
	}))

	sent := make(chan error, 1)
	go func() { sent <- link.Send([][]byte{{5, 6}}) }()
	buf := make([]byte, 4)
	for off := 0; off < len(buf); {
		n, err := server.Read(buf[off:])
		require.NoError(t, err)
		off += n
	}
	require.NoError(t, <-sent)
	assert.Equal(t, []byte{0, 2, 5, 6}, buf)

	_, err := server.Write([]byte{0, 1, 4})
	require.NoError(t, err)
	select {
	case b := <-received:
		assert.Equal(t, []byte{4}, b)
	case <-time.After(5 * time.Second):
		t.Fatal("no packet received")
	}
}

func testIPv4Packet(t *testing.T) []byte {
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(10, 8, 0, 2),
		DstIP:    net.IPv4(1, 1, 1, 1),
	}
	udp := &layers.UDP{SrcPort: 5353, DstPort: 53}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload([]byte("hello"))))
	return buf.Bytes()
}

func TestDescribeTunnelPacket(t *testing.T) {
	pkt := testIPv4Packet(t)
	info, err := DescribeTunnelPacket(pkt)
	require.NoError(t, err)
	assert.False(t, info.IPv6)
	assert.Equal(t, "10.8.0.2", info.Src)
	assert.Equal(t, "1.1.1.1", info.Dst)
	assert.Equal(t, "UDP", info.Protocol)
	assert.Equal(t, len(pkt), info.Length)

	_, err = DescribeTunnelPacket([]byte{0x10, 0, 0})
	var invalid *ErrInvalidPacket
	assert.ErrorAs(t, err, &invalid)
}

func TestCaptureAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunnel.pcap")
	c, err := CreateCapture(path)
	require.NoError(t, err)
	pkt := testIPv4Packet(t)
	ts := time.Unix(1700000000, 0)
	require.NoError(t, c.Write(ts, [][]byte{pkt, {0x00, 0x01}, pkt}))
	require.NoError(t, c.Close())

	src, err := NewPcapSource(PcapSourceConfig{PcapFile: path})
	require.NoError(t, err)
	defer src.Close()

	type result struct {
		data []byte
		err  error
	}
	results := make(chan result, 8)
	require.NoError(t, src.Register(context.Background(), func(p Packet, err error) bool {
		if err != nil {
			results <- result{err: err}
			return false
		}
		results <- result{data: p.Data()}
		return true
	}))

	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			require.NoError(t, r.err)
			assert.Equal(t, pkt, r.data)
		case <-time.After(5 * time.Second):
			t.Fatal("replay stalled")
		}
	}
	select {
	case r := <-results:
		assert.Error(t, r.err)
	case <-time.After(5 * time.Second):
		t.Fatal("replay did not finish")
	}
}
