//go:build linux

// Package replicator receives UDP datagrams through per-queue AF_XDP
// sockets and re-emits each one, freshly framed, to every destination in a
// runtime-mutable registry. Destinations are managed over a small UDP
// control protocol.
package replicator

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/aws-samples/afxdp-udp-replicator/afxdp"
	"github.com/aws-samples/afxdp-udp-replicator/classifier"
	"github.com/aws-samples/afxdp-udp-replicator/ratelimit"
	"github.com/aws-samples/afxdp-udp-replicator/sysres"
)

// DefaultNumQueues matches the RX queue count of the target NICs.
const DefaultNumQueues = 4

// Config assembles a Replicator.
type Config struct {
	Interface  string
	ListenIP   net.IP
	ListenPort uint16

	NumQueues int
	ZeroCopy  bool

	// ProgPath is the classifier object file.
	ProgPath string

	ControlPort uint16

	// RatePPS throttles the replication output per worker; 0 disables.
	RatePPS uint64

	// RealtimePriority applies SCHED_FIFO to workers when > 0.
	RealtimePriority int

	Socket afxdp.Config
}

func (c *Config) applyDefaults() {
	if c.NumQueues == 0 {
		c.NumQueues = DefaultNumQueues
	}
	if c.ProgPath == "" {
		c.ProgPath = "./unicast_filter.o"
	}
	if c.ControlPort == 0 {
		c.ControlPort = DefaultControlPort
	}
}

// Replicator owns the whole data plane: the classifier attachment, one
// socket and worker per RX queue, the control server and the stats
// reporter.
type Replicator struct {
	cfg Config
	log *zap.Logger

	binder  *classifier.Binder
	sockets []*afxdp.Socket
	workers []*worker

	registry *Registry
	stats    *Stats
	control  *ControlServer
	fallback *net.UDPConn

	running      atomic.Bool
	reporterDone chan struct{}
	wg           sync.WaitGroup
	stopOnce     sync.Once
}

// New validates the configuration and builds the (not yet initialized)
// replicator.
func New(cfg Config, log *zap.Logger) (*Replicator, error) {
	cfg.applyDefaults()

	if cfg.Interface == "" {
		return nil, errors.New("interface must be set")
	}
	if cfg.ListenIP == nil || cfg.ListenIP.To4() == nil {
		return nil, fmt.Errorf("listen IP %v is not IPv4", cfg.ListenIP)
	}
	if cfg.ListenPort == 0 {
		return nil, errors.New("listen port must be set")
	}

	registry := NewRegistry(log)
	return &Replicator{
		cfg:          cfg,
		log:          log,
		registry:     registry,
		stats:        NewStats(cfg.NumQueues, registry),
		reporterDone: make(chan struct{}),
	}, nil
}

// Stats exposes the counter block, e.g. for Prometheus registration.
func (r *Replicator) Stats() *Stats { return r.stats }

// Initialize raises resource limits, attaches and configures the
// classifier and brings up one socket per RX queue plus the control
// socket. Any failure aborts with everything torn down again; a partially
// initialized data plane is never left behind.
func (r *Replicator) Initialize() error {
	if err := sysres.UnlimitMemlock(); err != nil {
		// UMEM registration will likely fail later, but let the kernel
		// have the final word.
		r.log.Warn("raising RLIMIT_MEMLOCK failed", zap.Error(err))
	}

	binder, err := classifier.Load(r.cfg.Interface, r.cfg.ProgPath, r.cfg.ZeroCopy, r.log)
	if err != nil {
		return fmt.Errorf("loading classifier: %w", err)
	}
	r.binder = binder

	if err := binder.Configure(r.cfg.ListenIP, r.cfg.ListenPort); err != nil {
		r.teardown()
		return fmt.Errorf("configuring classifier: %w", err)
	}

	xsksMap, err := binder.XsksMap()
	if err != nil {
		r.teardown()
		return err
	}

	mode := afxdp.ModeDrv
	if r.cfg.ZeroCopy {
		mode = afxdp.ModeZerocopy
	}

	srcMAC, err := interfaceMAC(r.cfg.Interface)
	if err != nil {
		r.teardown()
		return err
	}
	srcIP, err := interfaceIPv4(r.cfg.Interface)
	if err != nil {
		r.log.Warn("no interface IPv4 address, using listen IP as source",
			zap.Error(err))
		srcIP = r.cfg.ListenIP.To4()
	}

	fallback, err := net.ListenUDP("udp4", nil)
	if err != nil {
		r.teardown()
		return fmt.Errorf("opening fallback socket: %w", err)
	}
	r.fallback = fallback

	cpus := sysres.WorkerCPUs(r.cfg.NumQueues)

	for q := 0; q < r.cfg.NumQueues; q++ {
		qlog := r.log.With(zap.Uint32("queue", uint32(q)))

		sock, err := afxdp.NewSocket(r.cfg.Socket, qlog)
		if err != nil {
			r.teardown()
			return fmt.Errorf("queue %d: %w", q, err)
		}
		r.sockets = append(r.sockets, sock)

		if err := sock.SetupUmem(); err != nil {
			r.teardown()
			return fmt.Errorf("queue %d: %w", q, err)
		}
		if err := sock.Bind(r.cfg.Interface, uint32(q), mode); err != nil {
			r.teardown()
			return fmt.Errorf("queue %d: %w", q, err)
		}
		if err := sock.RegisterInClassifier(xsksMap); err != nil {
			r.teardown()
			return fmt.Errorf("queue %d: %w", q, err)
		}

		r.workers = append(r.workers, &worker{
			queueID:    uint32(q),
			sock:       sock,
			registry:   r.registry,
			stats:      r.stats,
			log:        qlog,
			fallback:   fallback,
			srcMAC:     srcMAC,
			srcIP:      srcIP,
			listenPort: r.cfg.ListenPort,
			limiter:    ratelimit.New(r.cfg.RatePPS),
			pinCPU:     cpus[q],
			rtPrio:     r.cfg.RealtimePriority,
		})
	}

	control, err := NewControlServer(r.cfg.ControlPort, r.registry, r.log)
	if err != nil {
		r.teardown()
		return err
	}
	r.control = control

	r.log.Info("replicator initialized",
		zap.String("iface", r.cfg.Interface),
		zap.String("listen_ip", r.cfg.ListenIP.String()),
		zap.Uint16("listen_port", r.cfg.ListenPort),
		zap.Int("queues", r.cfg.NumQueues),
		zap.Bool("zerocopy", r.cfg.ZeroCopy))
	return nil
}

// Start launches the worker, control and reporter goroutines.
func (r *Replicator) Start() {
	if r.running.Swap(true) {
		return
	}

	for _, w := range r.workers {
		r.wg.Add(1)
		go w.run(&r.running, &r.wg)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.control.Run(&r.running)
	}()

	r.wg.Add(1)
	go r.stats.RunReporter(r.reporterDone, &r.wg, r.log)

	r.log.Info("replicator started", zap.Int("workers", len(r.workers)))
}

// Stop clears the running flag, joins every goroutine, closes the sockets
// and detaches the classifier. Idempotent.
func (r *Replicator) Stop() {
	r.stopOnce.Do(func() {
		r.running.Store(false)
		close(r.reporterDone)
		r.wg.Wait()
		r.teardown()
		r.log.Info("replicator stopped")
	})
}

// IsRunning reports whether the workers are serving.
func (r *Replicator) IsRunning() bool { return r.running.Load() }

// teardown releases sockets first (they deregister from the classifier
// map), then the fallback socket, then the classifier attachment.
func (r *Replicator) teardown() {
	for _, s := range r.sockets {
		if err := s.Close(); err != nil {
			r.log.Warn("closing socket", zap.Error(err))
		}
	}
	r.sockets = nil

	if r.fallback != nil {
		_ = r.fallback.Close()
		r.fallback = nil
	}

	if r.binder != nil {
		if err := r.binder.Unload(); err != nil {
			r.log.Warn("unloading classifier", zap.Error(err))
		}
		r.binder = nil
	}
}
