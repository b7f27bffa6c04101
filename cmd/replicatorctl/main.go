//go:build linux

// replicatorctl manages a running replicator's destination set over the
// UDP control protocol.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

const replyTimeout = 2 * time.Second

func usage() {
	fmt.Fprintf(os.Stderr,
		"Usage: %s [-s host:port] <command>\n\n"+
			"Commands:\n"+
			"  add <ip> <port>      add a destination\n"+
			"  remove <ip> <port>   remove a destination\n"+
			"  list                 list destinations\n",
		os.Args[0])
}

func fatalf(msgf string, a ...any) {
	fmt.Fprintf(os.Stderr, msgf+"\n", a...)
	os.Exit(1)
}

func parseTarget(args []string) []byte {
	if len(args) != 2 {
		usage()
		os.Exit(1)
	}
	ip := net.ParseIP(args[0])
	if ip == nil || ip.To4() == nil {
		fatalf("invalid IPv4 address %q", args[0])
	}
	port, err := strconv.ParseUint(args[1], 10, 16)
	if err != nil {
		fatalf("invalid port %q", args[1])
	}

	msg := make([]byte, 0, 7)
	msg = append(msg, ip.To4()...)
	return append(msg, byte(port>>8), byte(port))
}

func main() {
	fServer := flag.String("s", "127.0.0.1:12345", "replicator control address")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	var msg []byte
	switch args[0] {
	case "add":
		msg = append([]byte{1}, parseTarget(args[1:])...)
	case "remove":
		msg = append([]byte{2}, parseTarget(args[1:])...)
	case "list":
		msg = []byte{3}
	default:
		usage()
		os.Exit(1)
	}

	conn, err := net.Dial("udp4", *fServer)
	if err != nil {
		fatalf("connecting to %s: %v", *fServer, err)
	}
	defer conn.Close()

	if _, err := conn.Write(msg); err != nil {
		fatalf("sending request: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(replyTimeout))
	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil {
		fatalf("no reply from %s: %v", *fServer, err)
	}
	reply := buf[:n]

	switch args[0] {
	case "add", "remove":
		if len(reply) == 1 && reply[0] == 1 {
			fmt.Println("ok")
		} else {
			fatalf("request failed")
		}
	case "list":
		if len(reply) < 1 {
			fatalf("malformed reply")
		}
		count := int(reply[0])
		fmt.Printf("%d destination(s)\n", count)
		for i := 0; i < count; i++ {
			entry := reply[1+i*6:]
			if len(entry) < 6 {
				fatalf("truncated reply")
			}
			fmt.Printf("  %d.%d.%d.%d:%d\n",
				entry[0], entry[1], entry[2], entry[3],
				uint16(entry[4])<<8|uint16(entry[5]))
		}
	}
}
