// Package ifacestat snapshots NIC hardware counters via ethtool -S. The
// replicator prints the before/after delta at shutdown so operators can
// compare what the NIC saw against the data-plane counters.
package ifacestat

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/dustin/go-humanize"
)

type Counter int

const (
	TxPackets Counter = iota
	TxBytes
	RxPackets
	RxBytes
)

func (c Counter) String() string {
	switch c {
	case TxPackets:
		return "tx_packets_phy"
	case TxBytes:
		return "tx_bytes_phy"
	case RxPackets:
		return "rx_packets_phy"
	case RxBytes:
		return "rx_bytes_phy"
	}
	return ""
}

// AllCounters is the set the replicator snapshots.
var AllCounters = []Counter{TxPackets, TxBytes, RxPackets, RxBytes}

// Stats holds one snapshot of one interface.
type Stats map[Counter]uint64

// Snapshot reads the hardware counters of iface. NICs without the _phy
// counters report zeroes rather than an error.
func Snapshot(iface string, counters ...Counter) (Stats, error) {
	out, err := exec.Command("ethtool", "-S", iface).Output()
	if err != nil {
		return nil, fmt.Errorf("ethtool -S %s: %w", iface, err)
	}
	return parse(out, counters)
}

// parse extracts the wanted counters from ethtool -S output.
func parse(out []byte, counters []Counter) (Stats, error) {
	want := make(map[string]Counter, len(counters))
	for _, c := range counters {
		want[c.String()] = c
	}

	found := make(Stats, len(counters))

	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		parts := strings.Fields(strings.TrimSpace(sc.Text()))
		if len(parts) != 2 {
			continue
		}

		ctr, ok := want[strings.TrimSuffix(parts[0], ":")]
		if !ok {
			continue
		}

		var v uint64
		if _, err := fmt.Sscan(parts[1], &v); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		found[ctr] = v
	}

	for _, ctr := range counters {
		if _, ok := found[ctr]; !ok {
			found[ctr] = 0
		}
	}

	return found, nil
}

// Since computes s(now) - old.
func (s Stats) Since(old Stats) Stats {
	diff := make(Stats, len(s))
	for ctr, v := range s {
		diff[ctr] = v - old[ctr]
	}
	return diff
}

// Print writes the counters of one interface in human-readable form.
func Print(w io.Writer, iface string, s Stats) {
	fmt.Fprintf(w, "%s:\n", iface)
	fmt.Fprintf(w, "  TX   %-12d  ≈ %-8s (%s)\n",
		s[TxPackets], humanize.Bytes(s[TxBytes]), humanize.Comma(int64(s[TxBytes])),
	)
	fmt.Fprintf(w, "  RX   %-12d  ≈ %-8s (%s)\n",
		s[RxPackets], humanize.Bytes(s[RxBytes]), humanize.Comma(int64(s[RxBytes])),
	)
}
