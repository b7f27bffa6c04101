//go:build linux

package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/aws-samples/afxdp-udp-replicator/afxdp"
	"github.com/aws-samples/afxdp-udp-replicator/ifacestat"
	"github.com/aws-samples/afxdp-udp-replicator/replicator"
)

// fileConfig is the optional YAML configuration. Flags and positional
// arguments override it.
type fileConfig struct {
	Queues      int    `yaml:"queues"`
	ProgPath    string `yaml:"prog"`
	ControlPort uint16 `yaml:"control-port"`
	MetricsAddr string `yaml:"metrics-addr"`
	RatePPS     uint64 `yaml:"rate-pps"`
	RTPriority  int    `yaml:"rt-priority"`

	FrameSize  uint32 `yaml:"frame-size"`
	FrameCount uint32 `yaml:"frame-count"`
	TxFrames   uint32 `yaml:"tx-frames"`
	RxFrames   uint32 `yaml:"rx-frames"`
}

func usage() {
	fmt.Fprintf(os.Stderr,
		"Usage: %s [flags] <interface> <listen_ip> <listen_port> [true|false]\n\n"+
			"  interface:   network interface to bind to (e.g. eth0)\n"+
			"  listen_ip:   IP address to listen on\n"+
			"  listen_port: port to listen on\n"+
			"  true|false:  enable zero-copy mode (default: true)\n\n"+
			"Control protocol (UDP port %d):\n"+
			"  add destination:    [1][4-byte IP][2-byte port]\n"+
			"  remove destination: [2][4-byte IP][2-byte port]\n"+
			"  list destinations:  [3]\n\nFlags:\n",
		os.Args[0], replicator.DefaultControlPort)
	flag.PrintDefaults()
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

func loadConfig() (replicator.Config, string, bool) {
	fConfig := flag.String("config", "", "path to YAML config file")
	fQueues := flag.Int("queues", 0, "number of RX queues to serve")
	fProg := flag.String("prog", "", "path to the classifier object file")
	fControlPort := flag.Uint("control-port", 0, "control protocol UDP port")
	fMetricsAddr := flag.String("metrics-addr", "", "Prometheus listen address (disabled if empty)")
	fRate := flag.Uint64("rate-pps", 0, "limit replication output in packets per second")
	fRTPrio := flag.Int("rt-priority", 0, "SCHED_FIFO priority for workers (0 = off)")
	fDebug := flag.Bool("debug", false, "verbose development logging")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 3 || len(args) > 4 {
		usage()
		os.Exit(1)
	}

	var fc fileConfig
	if *fConfig != "" {
		b, err := os.ReadFile(*fConfig)
		fatalIf(err, "reading config file")
		fatalIf(yaml.Unmarshal(b, &fc), "parsing config YAML")
	}
	if *fQueues != 0 {
		fc.Queues = *fQueues
	}
	if *fProg != "" {
		fc.ProgPath = *fProg
	}
	if *fControlPort != 0 {
		fc.ControlPort = uint16(*fControlPort)
	}
	if *fMetricsAddr != "" {
		fc.MetricsAddr = *fMetricsAddr
	}
	if *fRate != 0 {
		fc.RatePPS = *fRate
	}
	if *fRTPrio != 0 {
		fc.RTPriority = *fRTPrio
	}

	listenIP := net.ParseIP(args[1])
	if listenIP == nil || listenIP.To4() == nil {
		fmt.Fprintf(os.Stderr, "invalid listen IP %q\n", args[1])
		os.Exit(1)
	}
	port, err := strconv.ParseUint(args[2], 10, 16)
	fatalIf(err, "invalid listen port %q", args[2])

	zeroCopy := true
	if len(args) == 4 {
		zeroCopy = args[3] == "true" || args[3] == "1"
	}

	return replicator.Config{
		Interface:        args[0],
		ListenIP:         listenIP,
		ListenPort:       uint16(port),
		NumQueues:        fc.Queues,
		ZeroCopy:         zeroCopy,
		ProgPath:         fc.ProgPath,
		ControlPort:      fc.ControlPort,
		RatePPS:          fc.RatePPS,
		RealtimePriority: fc.RTPriority,
		Socket: afxdp.Config{
			FrameSize:  fc.FrameSize,
			FrameCount: fc.FrameCount,
			TxFrames:   fc.TxFrames,
			RxFrames:   fc.RxFrames,
		},
	}, fc.MetricsAddr, *fDebug
}

func main() {
	cfg, metricsAddr, debug := loadConfig()

	if os.Geteuid() != 0 {
		fmt.Fprintln(os.Stderr, "error: must be run as root for AF_XDP access")
		os.Exit(1)
	}

	var log *zap.Logger
	var err error
	if debug {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	fatalIf(err, "building logger")
	defer log.Sync()

	statsBefore, statErr := ifacestat.Snapshot(cfg.Interface, ifacestat.AllCounters...)
	if statErr != nil {
		log.Warn("NIC counter snapshot unavailable", zap.Error(statErr))
	}

	r, err := replicator.New(cfg, log)
	fatalIf(err, "configuration")

	if err := r.Initialize(); err != nil {
		log.Error("initialization failed", zap.Error(err))
		os.Exit(1)
	}

	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(r.Stats().Collectors()...)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Warn("metrics listener stopped", zap.Error(err))
			}
		}()
		log.Info("metrics exposed", zap.String("addr", metricsAddr))
	}

	r.Start()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	watch := time.NewTicker(time.Second)
	defer watch.Stop()
running:
	for {
		select {
		case sig := <-sigs:
			log.Info("shutting down", zap.Stringer("signal", sig))
			break running
		case <-watch.C:
			if !r.IsRunning() {
				log.Error("replicator stopped unexpectedly")
				os.Exit(1)
			}
		}
	}

	r.Stop()

	p := replicator.NewPrinter()
	fmt.Println()
	r.Stats().FinalReport(p)

	if statErr == nil {
		if statsAfter, err := ifacestat.Snapshot(cfg.Interface, ifacestat.AllCounters...); err == nil {
			fmt.Println("\nNIC counters:")
			ifacestat.Print(os.Stdout, cfg.Interface, statsAfter.Since(statsBefore))
		}
	}
}
