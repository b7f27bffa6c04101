//go:build linux

package replicator

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/vishvananda/netlink"
)

const procNetARP = "/proc/net/arp"

// lookupMAC scans the kernel ARP table for ip. Entries with a zero MAC
// (incomplete resolution) are skipped.
func lookupMAC(ip [4]byte) (net.HardwareAddr, bool) {
	f, err := os.Open(procNetARP)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	want := fmt.Sprintf("%d.%d.%d.%d", ip[0], ip[1], ip[2], ip[3])

	sc := bufio.NewScanner(f)
	sc.Scan() // header line

	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		// IP address, HW type, Flags, HW address, Mask, Device
		if len(fields) < 6 {
			continue
		}
		if fields[0] != want || fields[3] == "00:00:00:00:00:00" {
			continue
		}
		mac, err := net.ParseMAC(fields[3])
		if err != nil {
			continue
		}
		return mac, true
	}
	return nil, false
}

// interfaceIPv4 returns the first IPv4 address assigned to the interface.
func interfaceIPv4(ifname string) (net.IP, error) {
	link, err := netlink.LinkByName(ifname)
	if err != nil {
		return nil, fmt.Errorf("looking up link %q: %w", ifname, err)
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("listing addresses of %q: %w", ifname, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("interface %q has no IPv4 address", ifname)
	}
	return addrs[0].IP.To4(), nil
}

// interfaceMAC returns the interface's hardware address.
func interfaceMAC(ifname string) (net.HardwareAddr, error) {
	iface, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, fmt.Errorf("getting interface %q: %w", ifname, err)
	}
	if len(iface.HardwareAddr) != 6 {
		return nil, fmt.Errorf("interface %q has no usable MAC", ifname)
	}
	return iface.HardwareAddr, nil
}
