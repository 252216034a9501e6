package io

import (
	"context"
	"errors"
	goio "io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// PcapSourceConfig configures a PcapSource.
type PcapSourceConfig struct {
	PcapFile string
	Realtime bool
}

// PcapSource reads IP packets from a capture file, to be sent through the
// tunnel.
type PcapSource struct {
	file     *os.File
	reader   *pcapgo.Reader
	lastTime *time.Time
	config   PcapSourceConfig
}

func NewPcapSource(config PcapSourceConfig) (*PcapSource, error) {
	f, err := os.Open(config.PcapFile)
	if err != nil {
		return nil, err
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &PcapSource{
		file:   f,
		reader: r,
		config: config,
	}, nil
}

// Register delivers every IP packet of the file to cb from a separate
// goroutine. The callback receives goio.EOF when the file is exhausted.
func (p *PcapSource) Register(ctx context.Context, cb PacketCallback) error {
	go func() {
		linkType := p.reader.LinkType()
		for {
			data, ci, err := p.reader.ReadPacketData()
			if err != nil {
				if !errors.Is(err, goio.EOF) {
					err = &ErrInvalidPacket{Err: err}
				}
				cb(nil, err)
				return
			}
			if !p.wait(ctx, ci.Timestamp) {
				return
			}
			payload := networkPayload(data, linkType)
			if payload == nil {
				continue
			}
			if !cb(&linkPacket{timestamp: ci.Timestamp, data: payload}, nil) {
				return
			}
		}
	}()
	return nil
}

func (p *PcapSource) Close() error {
	return p.file.Close()
}

// networkPayload strips the link layer and returns the IP packet, or nil.
func networkPayload(data []byte, linkType layers.LinkType) []byte {
	packet := gopacket.NewPacket(data, linkType, gopacket.DecodeOptions{Lazy: true})
	networkLayer := packet.NetworkLayer()
	if networkLayer == nil {
		return nil
	}
	switch networkLayer.LayerType() {
	case layers.LayerTypeIPv4, layers.LayerTypeIPv6:
	default:
		return nil
	}
	out := make([]byte, 0, len(networkLayer.LayerContents())+len(networkLayer.LayerPayload()))
	out = append(out, networkLayer.LayerContents()...)
	return append(out, networkLayer.LayerPayload()...)
}

// Slow down the replay to match the timestamps in the capture.
func (p *PcapSource) wait(ctx context.Context, ts time.Time) bool {
	if !p.config.Realtime {
		return ctx.Err() == nil
	}
	if p.lastTime != nil {
		timer := time.NewTimer(ts.Sub(*p.lastTime))
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
		}
	}
	p.lastTime = &ts
	return true
}
