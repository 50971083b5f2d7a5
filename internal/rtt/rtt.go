// Package rtt implements a minimal client for SEGGER's Real-Time Transfer
// protocol: locating the control block a target firmware exports and
// draining bytes from its first up (target-to-host) channel.
package rtt

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/chaosstudygroup/dkrun/internal/dkerr"
	"github.com/chaosstudygroup/dkrun/internal/probe"
)

// controlBlockID is the fixed marker SEGGER_RTT_CB starts with.
var controlBlockID = []byte("SEGGER RTT")

// descriptor layout, little-endian, matching struct SEGGER_RTT_BUFFER_UP:
// char *sName; char *pBuffer; unsigned SizeOfBuffer; unsigned WrOff;
// unsigned RdOff; unsigned Flags. Five words after the name pointer.
const channelDescriptorSize = 24

// maxReadChunk bounds a single poll of the up-channel, matching the spec's
// fixed per-call cap.
const maxReadChunk = 1024

// Channel is an open up-channel ready to be drained.
type Channel struct {
	sess       probe.Session
	bufferAddr uint32
	sizeAddr   uint32
	wrOffAddr  uint32
	rdOffAddr  uint32
	size       uint32
}

// Open locates the RTT control block at the exact address reported by the
// image's _SEGGER_RTT symbol and returns its up-channel 0.
func Open(ctx context.Context, sess probe.Session, addr uint32) (*Channel, error) {
	header := make([]byte, 32)
	if err := sess.ReadBlock(ctx, addr, header); err != nil {
		return nil, fmt.Errorf("%w: reading RTT control block: %v", dkerr.ErrProbeIO, err)
	}
	if !bytes.HasPrefix(header, controlBlockID) {
		return nil, fmt.Errorf("%w: control block id mismatch at 0x%x", dkerr.ErrMissingTracingChannel, addr)
	}

	// Layout: char acID[16]; int MaxNumUpBuffers; int MaxNumDownBuffers;
	// then MaxNumUpBuffers up-channel descriptors.
	maxUp := binary.LittleEndian.Uint32(header[16:20])
	if maxUp == 0 {
		return nil, fmt.Errorf("%w: no up-channels configured", dkerr.ErrMissingTracingChannel)
	}

	upBase := addr + 24 // acID(16) + MaxNumUpBuffers(4) + MaxNumDownBuffers(4)
	chanHeader := make([]byte, channelDescriptorSize)
	if err := sess.ReadBlock(ctx, upBase, chanHeader); err != nil {
		return nil, fmt.Errorf("%w: reading up-channel 0 descriptor: %v", dkerr.ErrProbeIO, err)
	}

	bufferPtr := binary.LittleEndian.Uint32(chanHeader[4:8])
	size := binary.LittleEndian.Uint32(chanHeader[8:12])
	if bufferPtr == 0 || size == 0 {
		return nil, fmt.Errorf("%w: up-channel 0 not initialized by firmware yet", dkerr.ErrMissingTracingChannel)
	}

	return &Channel{
		sess:       sess,
		bufferAddr: bufferPtr,
		sizeAddr:   upBase + 8,
		wrOffAddr:  upBase + 12,
		rdOffAddr:  upBase + 16,
		size:       size,
	}, nil
}

// Read drains whatever bytes are currently available, up to maxReadChunk,
// without blocking. A zero-length, nil-error result means the channel is
// simply empty right now.
func (c *Channel) Read(ctx context.Context) ([]byte, error) {
	wrOff, err := c.sess.ReadWord(ctx, c.wrOffAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: reading WrOff: %v", dkerr.ErrProbeIO, err)
	}
	rdOff, err := c.sess.ReadWord(ctx, c.rdOffAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: reading RdOff: %v", dkerr.ErrProbeIO, err)
	}
	if wrOff == rdOff {
		return nil, nil
	}

	available := int(wrOff) - int(rdOff)
	if available < 0 {
		available += int(c.size)
	}
	if available > maxReadChunk {
		available = maxReadChunk
	}

	out := make([]byte, 0, available)
	remaining := available
	for remaining > 0 {
		run := int(c.size) - int(rdOff)
		if run > remaining {
			run = remaining
		}
		// ReadBlock moves whole words, so start at the word holding rdOff
		// and skip the bytes in front of it.
		skip := int(rdOff & 3)
		chunk := make([]byte, alignUp4(skip+run))
		if err := c.sess.ReadBlock(ctx, c.bufferAddr+rdOff-uint32(skip), chunk); err != nil {
			return nil, fmt.Errorf("%w: reading ring buffer: %v", dkerr.ErrProbeIO, err)
		}
		out = append(out, chunk[skip:skip+run]...)
		rdOff = (rdOff + uint32(run)) % c.size
		remaining -= run
	}

	if err := c.sess.WriteWord(ctx, c.rdOffAddr, rdOff); err != nil {
		return nil, fmt.Errorf("%w: writing RdOff: %v", dkerr.ErrProbeIO, err)
	}
	return out, nil
}

func alignUp4(n int) int {
	return (n + 3) &^ 3
}
