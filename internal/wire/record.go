// Package wire implements the length-prefixed record codec shared by the
// direct-link identity handshake and the ongoing frame stream: each record
// is a 2-byte big-endian length followed by exactly that many raw bytes.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// LengthPrefixSize is the size of the length prefix in bytes.
const LengthPrefixSize = 2

// MaxRecordLength bounds a single record's payload. It matches the TAP MTU
// plus the Ethernet header used across the overlay.
const MaxRecordLength = 2000

// ErrRecordTooLarge is returned by Encode when payload exceeds MaxRecordLength.
var ErrRecordTooLarge = errors.New("wire: record exceeds maximum length")

// Encode serializes payload as [u16 BE length][payload].
func Encode(payload []byte) ([]byte, error) {
	if len(payload) > MaxRecordLength {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrRecordTooLarge, len(payload), MaxRecordLength)
	}
	out := make([]byte, LengthPrefixSize+len(payload))
	binary.BigEndian.PutUint16(out[:LengthPrefixSize], uint16(len(payload)))
	copy(out[LengthPrefixSize:], payload)
	return out, nil
}

// Decode attempts to extract one complete record from the head of buf.
// It returns the record payload, the number of bytes consumed from buf
// (length prefix + payload), and ok = true if a complete record was
// present. If buf holds fewer than 2 bytes, or fewer than 2+L bytes once
// the length is known, ok is false and consumed is 0: the caller should
// wait for more data. Decode never returns a partial record.
func Decode(buf []byte) (payload []byte, consumed int, ok bool) {
	if len(buf) < LengthPrefixSize {
		return nil, 0, false
	}
	l := int(binary.BigEndian.Uint16(buf[:LengthPrefixSize]))
	total := LengthPrefixSize + l
	if len(buf) < total {
		return nil, 0, false
	}
	return buf[LengthPrefixSize:total], total, true
}

// Drain repeatedly decodes complete records from the head of buf, invoking
// deliver for each in order, and returns the undecoded residual — a strict
// prefix of the next record. deliver's slice aliases buf and is only valid
// until the next call to Drain with the same backing array reused.
func Drain(buf []byte, deliver func(record []byte) error) (residual []byte, err error) {
	for {
		record, consumed, ok := Decode(buf)
		if !ok {
			return buf, nil
		}
		if err := deliver(record); err != nil {
			return buf, err
		}
		buf = buf[consumed:]
	}
}
