//go:build darwin

package tap

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Open opens /dev/tap<devnum> (a BSD-style tap device created out of
// band, e.g. by tuntaposx or the kernel's native driver), brings it up
// with the configured IP/netmask via ifconfig, and parses its MAC out of
// ifconfig's own output.
func Open(cfg Config) (*Endpoint, error) {
	ifaceName := "tap" + cfg.Devnum
	devPath := "/dev/" + ifaceName

	f, err := os.OpenFile(devPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tap: open %s: %w", devPath, err)
	}

	if err := bringUp(ifaceName, cfg.IP, cfg.Mask); err != nil {
		f.Close()
		return nil, err
	}

	mac, err := readMACFromIfconfig(ifaceName)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Endpoint{file: f, name: ifaceName, macHex: mac}, nil
}

func bringUp(iface, ip, mask string) error {
	cmd := exec.Command("ifconfig", iface, ip, "netmask", mask, "up")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tap: ifconfig %s: %w: %s", iface, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func readMACFromIfconfig(iface string) (string, error) {
	out, err := exec.Command("ifconfig", iface).Output()
	if err != nil {
		return "", fmt.Errorf("tap: ifconfig %s: %w", iface, err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "ether ") {
			continue
		}
		addr := strings.TrimSpace(strings.TrimPrefix(line, "ether"))
		raw, err := macStringToBytes(addr)
		if err != nil {
			return "", fmt.Errorf("tap: parse mac %q: %w", addr, err)
		}
		return canonicalizeMAC(raw), nil
	}
	return "", fmt.Errorf("tap: no ether line in ifconfig %s output", iface)
}
