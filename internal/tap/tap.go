// Package tap opens and configures a Layer-2 virtual network interface
// and provides blocking whole-frame read/write over it.
package tap

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/xtunnel/xtunneld/internal/metrics"
)

// ErrPlatformUnsupported is returned by Open on any GOOS without a TAP
// implementation in this package.
var ErrPlatformUnsupported = errors.New("tap: platform unsupported")

// readCeiling bounds a single OS read, matching the overlay's maximum
// frame size (TAP MTU plus Ethernet header).
const readCeiling = 2000

// Config describes how to open and configure the interface.
type Config struct {
	// Devnum selects /dev/net/tun unit numbering on Linux (e.g. "0" for tap0).
	Devnum string
	IP     string
	Mask   string
	// Owner is the unprivileged user the device is handed to after open.
	Owner string
}

// Endpoint is an open, configured TAP device.
type Endpoint struct {
	file      *os.File
	name      string
	macHex    string
}

// Name returns the OS interface name (e.g. "tap0").
func (e *Endpoint) Name() string { return e.name }

// MACHex returns the interface's MAC address as canonical lowercase hex,
// no separators.
func (e *Endpoint) MACHex() string { return e.macHex }

// ReadFrame performs a single OS read, returning one whole Ethernet frame.
func (e *Endpoint) ReadFrame() ([]byte, error) {
	buf := make([]byte, readCeiling)
	n, err := e.file.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("tap: read: %w", err)
	}
	metrics.TapReadBytes.Add(float64(n))
	return buf[:n], nil
}

// WriteFrame writes one whole frame in a single OS write.
func (e *Endpoint) WriteFrame(frame []byte) error {
	if _, err := e.file.Write(frame); err != nil {
		return fmt.Errorf("tap: write: %w", err)
	}
	metrics.TapWriteBytes.Add(float64(len(frame)))
	return nil
}

// Fd returns the underlying file descriptor. The event loop does not use
// it; its TAP pump reads through ReadFrame.
func (e *Endpoint) Fd() uintptr { return e.file.Fd() }

// Close releases the underlying device file.
func (e *Endpoint) Close() error { return e.file.Close() }

func canonicalizeMAC(raw []byte) string {
	return hex.EncodeToString(raw)
}

// macStringToBytes parses a colon-separated MAC address string (as
// reported by sysfs or ifconfig) into its 6 raw bytes.
func macStringToBytes(s string) ([]byte, error) {
	parts := make([]byte, 0, 6)
	for _, seg := range splitColon(s) {
		b, err := hex.DecodeString(seg)
		if err != nil || len(b) != 1 {
			return nil, fmt.Errorf("invalid mac segment %q", seg)
		}
		parts = append(parts, b[0])
	}
	if len(parts) != 6 {
		return nil, fmt.Errorf("mac %q has %d segments, want 6", s, len(parts))
	}
	return parts, nil
}

func splitColon(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
