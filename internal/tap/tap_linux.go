//go:build linux

package tap

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const tunDevicePath = "/dev/net/tun"

// Open opens /dev/net/tun, negotiates a TAP|NO_PI interface named
// "tap<devnum>", hands ownership to cfg.Owner, brings it up with the
// configured IP/netmask via ifconfig, and reads its MAC back from
// /sys/class/net/<iface>/address.
func Open(cfg Config) (*Endpoint, error) {
	f, err := os.OpenFile(tunDevicePath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tap: open %s: %w", tunDevicePath, err)
	}

	ifaceName := "tap" + cfg.Devnum
	ifr, err := unix.NewIfreq(ifaceName)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("tap: NewIfreq: %w", err)
	}
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(int(f.Fd()), unix.TUNSETIFF, ifr); err != nil {
		f.Close()
		return nil, fmt.Errorf("tap: TUNSETIFF: %w", err)
	}

	if cfg.Owner != "" {
		uid, err := lookupUID(cfg.Owner)
		if err != nil {
			f.Close()
			return nil, err
		}
		if err := unix.IoctlSetInt(int(f.Fd()), unix.TUNSETOWNER, uid); err != nil {
			f.Close()
			return nil, fmt.Errorf("tap: TUNSETOWNER: %w", err)
		}
	}

	if err := bringUp(ifaceName, cfg.IP, cfg.Mask); err != nil {
		f.Close()
		return nil, err
	}

	mac, err := readMACFromSysfs(ifaceName)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Endpoint{file: f, name: ifaceName, macHex: mac}, nil
}

func lookupUID(owner string) (int, error) {
	if uid, err := strconv.Atoi(owner); err == nil {
		return uid, nil
	}
	u, err := user.Lookup(owner)
	if err != nil {
		return 0, fmt.Errorf("tap: lookup owner %q: %w", owner, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0, fmt.Errorf("tap: owner %q has non-numeric uid %q: %w", owner, u.Uid, err)
	}
	return uid, nil
}

func bringUp(iface, ip, mask string) error {
	cmd := exec.Command("ifconfig", iface, ip, "netmask", mask, "up")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tap: ifconfig %s: %w: %s", iface, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func readMACFromSysfs(iface string) (string, error) {
	path := "/sys/class/net/" + iface + "/address"
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("tap: read %s: %w", path, err)
	}
	addr := strings.TrimSpace(string(data))
	raw, err := macStringToBytes(addr)
	if err != nil {
		return "", fmt.Errorf("tap: parse mac %q: %w", addr, err)
	}
	return canonicalizeMAC(raw), nil
}
