//go:build linux

package replicator

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// reportInterval paces the periodic counter dump.
const reportInterval = 10 * time.Second

// QueueStats are the per-RX-queue counters, incremented with relaxed
// atomics on the worker hot path and sampled by the reporter.
type QueueStats struct {
	PacketsReceived atomic.Uint64
	PacketsSent     atomic.Uint64
}

// Stats aggregates the replicator's counters. One instance is shared by
// all workers and the reporter.
type Stats struct {
	registry *Registry

	Queues []QueueStats

	BytesReceived atomic.Uint64
	BytesSent     atomic.Uint64
	ParseErrors   atomic.Uint64
	FallbackSends atomic.Uint64
	SendErrors    atomic.Uint64
}

func NewStats(numQueues int, registry *Registry) *Stats {
	return &Stats{
		registry: registry,
		Queues:   make([]QueueStats, numQueues),
	}
}

// PacketsReceived sums the per-queue receive counters.
func (s *Stats) PacketsReceived() uint64 {
	var total uint64
	for i := range s.Queues {
		total += s.Queues[i].PacketsReceived.Load()
	}
	return total
}

// PacketsSent sums the per-queue send counters.
func (s *Stats) PacketsSent() uint64 {
	var total uint64
	for i := range s.Queues {
		total += s.Queues[i].PacketsSent.Load()
	}
	return total
}

// RunReporter logs the counters every reportInterval and once more on
// shutdown.
func (s *Stats) RunReporter(done <-chan struct{}, wg *sync.WaitGroup, log *zap.Logger) {
	defer wg.Done()

	t := time.NewTicker(reportInterval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			s.report(log)
		case <-done:
			s.report(log)
			return
		}
	}
}

func (s *Stats) report(log *zap.Logger) {
	log.Info("statistics",
		zap.String("packets_received", humanize.Comma(int64(s.PacketsReceived()))),
		zap.String("packets_sent", humanize.Comma(int64(s.PacketsSent()))),
		zap.String("bytes_received", humanize.Bytes(s.BytesReceived.Load())),
		zap.String("bytes_sent", humanize.Bytes(s.BytesSent.Load())),
		zap.Uint64("parse_errors", s.ParseErrors.Load()),
		zap.Uint64("fallback_sends", s.FallbackSends.Load()),
		zap.Uint64("send_errors", s.SendErrors.Load()),
		zap.Int("destinations", s.registry.Len()),
	)
}

// FinalReport prints the end-of-run summary via the message printer.
func (s *Stats) FinalReport(p *message.Printer) {
	p.Printf("packets received:  %d\n", s.PacketsReceived())
	p.Printf("packets sent:      %d\n", s.PacketsSent())
	p.Printf("bytes received:    %d\n", s.BytesReceived.Load())
	p.Printf("bytes sent:        %d\n", s.BytesSent.Load())
	p.Printf("parse errors:      %d\n", s.ParseErrors.Load())
	p.Printf("fallback sends:    %d\n", s.FallbackSends.Load())
	p.Printf("send errors:       %d\n", s.SendErrors.Load())
	p.Printf("destinations:      %d\n", s.registry.Len())
	for i := range s.Queues {
		p.Printf("queue %d:           rx=%d tx=%d\n", i,
			s.Queues[i].PacketsReceived.Load(), s.Queues[i].PacketsSent.Load())
	}
}

// NewPrinter returns the printer used for human-readable reports.
func NewPrinter() *message.Printer {
	return message.NewPrinter(language.English)
}

// Collectors exposes the counters to Prometheus. The hot path keeps its
// relaxed atomics; scraping reads them through CounterFunc/GaugeFunc.
func (s *Stats) Collectors() []prometheus.Collector {
	counter := func(name, help string, fn func() uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "replicator", Name: name, Help: help,
		}, func() float64 { return float64(fn()) })
	}

	return []prometheus.Collector{
		counter("packets_received_total", "Packets delivered by the classifier.", s.PacketsReceived),
		counter("packets_sent_total", "Frames replicated to destinations.", s.PacketsSent),
		counter("bytes_received_total", "Bytes received.", s.BytesReceived.Load),
		counter("bytes_sent_total", "Payload bytes replicated.", s.BytesSent.Load),
		counter("parse_errors_total", "Frames dropped by the worker parser.", s.ParseErrors.Load),
		counter("fallback_sends_total", "Sends that used the conventional UDP socket.", s.FallbackSends.Load),
		counter("send_errors_total", "Failed fallback sends.", s.SendErrors.Load),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "replicator", Name: "destinations",
			Help: "Currently configured destinations.",
		}, func() float64 { return float64(s.registry.Len()) }),
	}
}
