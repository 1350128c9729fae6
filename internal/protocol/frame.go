// SPDX-FileCopyrightText: (C) 2025 Particle Tools
// SPDX-License-Identifier: Apache 2.0

package protocol

import (
	"encoding/binary"
	"fmt"
)

// MaxFrameLen is the largest message the 2-byte length prefix can carry.
const MaxFrameLen = 0xffff

// EncodeFrame prepends the big-endian 2-byte length header to a message.
func EncodeFrame(msg []byte) ([]byte, error) {
	if len(msg) > MaxFrameLen {
		return nil, fmt.Errorf("protocol: frame of %d bytes exceeds %d", len(msg), MaxFrameLen)
	}
	out := make([]byte, 2+len(msg))
	binary.BigEndian.PutUint16(out, uint16(len(msg)))
	copy(out[2:], msg)
	return out, nil
}

// FrameDecoder reassembles length-prefixed frames from an arbitrary byte
// stream. Chunks may split anywhere, including inside the 2-byte header; no
// byte is ever dropped. expected < 0 means the header is still incomplete.
type FrameDecoder struct {
	header   [2]byte
	headerN  int
	expected int
	buf      []byte
	filled   int
}

// NewFrameDecoder returns a decoder awaiting a length header.
func NewFrameDecoder() *FrameDecoder {
	return &FrameDecoder{expected: -1}
}

// Push feeds a chunk into the decoder and returns every frame it completes,
// in order. A zero-length frame is legal and emitted as an empty slice.
func (d *FrameDecoder) Push(chunk []byte) [][]byte {
	var frames [][]byte
	for len(chunk) > 0 || (d.expected >= 0 && d.filled == d.expected) {
		if d.expected < 0 {
			n := copy(d.header[d.headerN:], chunk)
			d.headerN += n
			chunk = chunk[n:]
			if d.headerN < 2 {
				return frames
			}
			d.expected = int(binary.BigEndian.Uint16(d.header[:]))
			d.buf = make([]byte, d.expected)
			d.filled = 0
		}
		n := copy(d.buf[d.filled:], chunk)
		d.filled += n
		chunk = chunk[n:]
		if d.filled < d.expected {
			return frames
		}
		frames = append(frames, d.buf)
		d.buf = nil
		d.expected = -1
		d.headerN = 0
	}
	return frames
}
