// Package ethframe provides an immutable view over raw Ethernet frame bytes,
// including RFC 826 ARP request parsing and synthetic ARP reply generation
// used for local ARP spoofing on the overlay.
package ethframe

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrMalformedFrame is returned by Parse when the input is shorter than a
// minimal Ethernet header.
var ErrMalformedFrame = errors.New("ethframe: malformed frame")

// EtherType names the subset of ethertypes this overlay understands.
type EtherType int

const (
	EtherTypeOther EtherType = iota
	EtherTypeIPv4
	EtherTypeARP
)

const (
	rawEtherTypeIPv4 = 0x0800
	rawEtherTypeARP  = 0x0806

	// headerLen is destination MAC (6) + source MAC (6) + ethertype (2).
	headerLen = 14

	// arpBodyLen is the RFC 826 ARP body length for IPv4-over-Ethernet.
	arpBodyLen = 28

	arpOpRequest = 1
	arpOpReply   = 2

	htypeEthernet = 1
)

// Frame is a read-only view over a whole Ethernet frame (no preamble/FCS).
// Frames are created per-read and never mutated.
type Frame struct {
	raw []byte
}

// Parse validates and wraps raw bytes as a Frame. The returned Frame
// aliases data; callers must not mutate data afterward.
func Parse(data []byte) (Frame, error) {
	if len(data) < headerLen {
		return Frame{}, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedFrame, len(data), headerLen)
	}
	return Frame{raw: data}, nil
}

// Bytes returns the raw frame bytes.
func (f Frame) Bytes() []byte { return f.raw }

// DestinationMACHex returns the destination MAC as lowercase hex, no separators.
func (f Frame) DestinationMACHex() string { return hex.EncodeToString(f.raw[0:6]) }

// SourceMACHex returns the source MAC as lowercase hex, no separators.
func (f Frame) SourceMACHex() string { return hex.EncodeToString(f.raw[6:12]) }

func (f Frame) rawEtherType() uint16 { return binary.BigEndian.Uint16(f.raw[12:14]) }

// EthertypeName classifies the frame's ethertype.
func (f Frame) EthertypeName() EtherType {
	switch f.rawEtherType() {
	case rawEtherTypeARP:
		return EtherTypeARP
	case rawEtherTypeIPv4:
		return EtherTypeIPv4
	default:
		return EtherTypeOther
	}
}

// Payload returns everything after the 14-byte Ethernet header.
func (f Frame) Payload() []byte { return f.raw[headerLen:] }

// isARPRequest reports whether this is a well-formed ARP request.
func (f Frame) isARPRequest() bool {
	if f.EthertypeName() != EtherTypeARP {
		return false
	}
	p := f.Payload()
	if len(p) < arpBodyLen {
		return false
	}
	return binary.BigEndian.Uint16(p[6:8]) == arpOpRequest
}

// ARPRequestedIP extracts the dotted-quad target protocol address (the IP
// being resolved) from an ARP request. Valid only when the frame is an ARP
// request; ok is false otherwise.
func (f Frame) ARPRequestedIP() (ip string, ok bool) {
	if !f.isARPRequest() {
		return "", false
	}
	tpa := f.Payload()[24:28]
	return fmt.Sprintf("%d.%d.%d.%d", tpa[0], tpa[1], tpa[2], tpa[3]), true
}

// SynthesizeARPReply builds a byte-exact Ethernet+ARP reply frame answering
// this ARP request on behalf of answerMAC (6 raw bytes). The reply's
// destination is the original request's sender hardware address; its
// source is answerMAC; sender hw/proto are answerMAC and the requested IP;
// target hw/proto are the original request's sender hw/proto. Valid only
// when this frame is an ARP request.
func (f Frame) SynthesizeARPReply(answerMAC [6]byte) ([]byte, error) {
	if !f.isARPRequest() {
		return nil, errors.New("ethframe: SynthesizeARPReply called on a non-ARP-request frame")
	}
	p := f.Payload()
	sha := p[8:14]  // original sender hardware address
	spa := p[14:18] // original sender protocol address
	tpa := p[24:28] // original target protocol address (the requested IP)

	out := make([]byte, headerLen+arpBodyLen)

	// Ethernet header.
	copy(out[0:6], sha)          // destination = original sender
	copy(out[6:12], answerMAC[:]) // source = our answer
	binary.BigEndian.PutUint16(out[12:14], rawEtherTypeARP)

	// ARP body.
	body := out[headerLen:]
	binary.BigEndian.PutUint16(body[0:2], htypeEthernet)
	binary.BigEndian.PutUint16(body[2:4], rawEtherTypeIPv4)
	body[4] = 6 // hardware address length
	body[5] = 4 // protocol address length
	binary.BigEndian.PutUint16(body[6:8], arpOpReply)
	copy(body[8:14], answerMAC[:]) // sender hardware address = our answer
	copy(body[14:18], tpa)         // sender protocol address = requested IP
	copy(body[18:24], sha)         // target hardware address = original sender
	copy(body[24:28], spa)         // target protocol address = original sender's IP

	return out, nil
}

// ParseMACHex parses a canonical lowercase, separator-free MAC hex string
// (as produced by DestinationMACHex/SourceMACHex and stored on Peer) into
// its 6 raw bytes.
func ParseMACHex(s string) ([6]byte, error) {
	var out [6]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("ethframe: invalid MAC hex %q: %w", s, err)
	}
	if len(b) != 6 {
		return out, fmt.Errorf("ethframe: MAC hex %q decodes to %d bytes, want 6", s, len(b))
	}
	copy(out[:], b)
	return out, nil
}
