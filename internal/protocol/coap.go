// SPDX-FileCopyrightText: (C) 2025 Particle Tools
// SPDX-License-Identifier: Apache 2.0

package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// CoAP message types.
type CoAPType uint8

const (
	Confirmable     CoAPType = 0
	NonConfirmable  CoAPType = 1
	Acknowledgement CoAPType = 2
	Reset           CoAPType = 3
)

// CoAP codes, class<<5 | detail.
type CoAPCode uint8

const (
	CodeEmpty   CoAPCode = 0x00 // 0.00, used for ping and bare ACKs
	CodeGET     CoAPCode = 0x01
	CodePOST    CoAPCode = 0x02
	CodeChanged CoAPCode = 0x44 // 2.04
	CodeContent CoAPCode = 0x45 // 2.05
)

const (
	coapVersion    = 1
	optURIPath     = 11
	payloadMarker  = 0xff
	maxTokenLength = 8
)

var errTruncatedPacket = errors.New("protocol: truncated CoAP packet")

// CoAPPacket is the subset of RFC 7252 spoken on the device stream: fixed
// header, token, Uri-Path options, payload. Other options are skipped on
// parse and never emitted.
type CoAPPacket struct {
	Type      CoAPType
	Code      CoAPCode
	MessageID uint16
	Token     []byte
	URIPath   []string
	Payload   []byte
}

// IsACK reports whether the packet is an empty acknowledgement.
func (p *CoAPPacket) IsACK() bool {
	return p.Type == Acknowledgement && p.Code == CodeEmpty
}

// PathString joins the Uri-Path segments for logging.
func (p *CoAPPacket) PathString() string {
	return "/" + strings.Join(p.URIPath, "/")
}

// Marshal encodes the packet.
func (p *CoAPPacket) Marshal() ([]byte, error) {
	if len(p.Token) > maxTokenLength {
		return nil, fmt.Errorf("protocol: token of %d bytes exceeds %d", len(p.Token), maxTokenLength)
	}
	var buf bytes.Buffer
	buf.WriteByte(coapVersion<<6 | byte(p.Type)<<4 | byte(len(p.Token)))
	buf.WriteByte(byte(p.Code))
	var mid [2]byte
	binary.BigEndian.PutUint16(mid[:], p.MessageID)
	buf.Write(mid[:])
	buf.Write(p.Token)

	prev := 0
	for _, seg := range p.URIPath {
		writeOption(&buf, optURIPath-prev, []byte(seg))
		prev = optURIPath
	}
	if len(p.Payload) > 0 {
		buf.WriteByte(payloadMarker)
		buf.Write(p.Payload)
	}
	return buf.Bytes(), nil
}

// ParseCoAP decodes a packet from one decrypted frame.
func ParseCoAP(data []byte) (*CoAPPacket, error) {
	if len(data) < 4 {
		return nil, errTruncatedPacket
	}
	if data[0]>>6 != coapVersion {
		return nil, fmt.Errorf("protocol: unsupported CoAP version %d", data[0]>>6)
	}
	tkl := int(data[0] & 0x0f)
	if tkl > maxTokenLength {
		return nil, fmt.Errorf("protocol: reserved token length %d", tkl)
	}
	p := &CoAPPacket{
		Type:      CoAPType(data[0] >> 4 & 0x3),
		Code:      CoAPCode(data[1]),
		MessageID: binary.BigEndian.Uint16(data[2:4]),
	}
	rest := data[4:]
	if len(rest) < tkl {
		return nil, errTruncatedPacket
	}
	p.Token = append([]byte(nil), rest[:tkl]...)
	rest = rest[tkl:]

	optNum := 0
	for len(rest) > 0 {
		if rest[0] == payloadMarker {
			if len(rest) == 1 {
				return nil, errors.New("protocol: payload marker with empty payload")
			}
			p.Payload = append([]byte(nil), rest[1:]...)
			return p, nil
		}
		delta, length := int(rest[0]>>4), int(rest[0]&0x0f)
		rest = rest[1:]
		var err error
		if delta, rest, err = extendOptionField(delta, rest); err != nil {
			return nil, err
		}
		if length, rest, err = extendOptionField(length, rest); err != nil {
			return nil, err
		}
		if len(rest) < length {
			return nil, errTruncatedPacket
		}
		optNum += delta
		if optNum == optURIPath {
			p.URIPath = append(p.URIPath, string(rest[:length]))
		}
		rest = rest[length:]
	}
	return p, nil
}

// writeOption emits one option header+value; delta is relative to the
// previous option number.
func writeOption(buf *bytes.Buffer, delta int, value []byte) {
	dn, dext := optionNibble(delta)
	ln, lext := optionNibble(len(value))
	buf.WriteByte(byte(dn)<<4 | byte(ln))
	buf.Write(dext)
	buf.Write(lext)
	buf.Write(value)
}

func optionNibble(v int) (int, []byte) {
	switch {
	case v < 13:
		return v, nil
	case v < 269:
		return 13, []byte{byte(v - 13)}
	default:
		var ext [2]byte
		binary.BigEndian.PutUint16(ext[:], uint16(v-269))
		return 14, ext[:]
	}
}

func extendOptionField(v int, rest []byte) (int, []byte, error) {
	switch v {
	case 13:
		if len(rest) < 1 {
			return 0, nil, errTruncatedPacket
		}
		return 13 + int(rest[0]), rest[1:], nil
	case 14:
		if len(rest) < 2 {
			return 0, nil, errTruncatedPacket
		}
		return 269 + int(binary.BigEndian.Uint16(rest[:2])), rest[2:], nil
	case 15:
		return 0, nil, errors.New("protocol: reserved option nibble")
	default:
		return v, rest, nil
	}
}
