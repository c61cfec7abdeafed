package telemetry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/consolidator/internal/domain"
	"github.com/limiquantix/consolidator/internal/metrics"
)

// SampleSource produces utilization samples on demand, e.g. a simulator.
type SampleSource interface {
	Samples(ts time.Time) []domain.Sample
}

// Collector is the single ingestion path into a Store. Pushed samples (HTTP,
// pub/sub) go through Ingest; a SampleSource, if any, is polled by Run.
type Collector struct {
	store    *Store
	source   SampleSource
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewCollector creates a collector. source and m may be nil.
func NewCollector(store *Store, source SampleSource, interval time.Duration, m *metrics.Metrics, logger *zap.Logger) *Collector {
	return &Collector{
		store:    store,
		source:   source,
		interval: interval,
		metrics:  m,
		logger:   logger.With(zap.String("component", "telemetry-collector")),
	}
}

// Ingest stores samples and returns how many were accepted. Duplicates and
// samples older than the window floor are dropped.
func (c *Collector) Ingest(samples []domain.Sample) int {
	accepted := 0
	for _, s := range samples {
		err := c.store.Add(s)
		c.metrics.ObserveSample(err)
		if err != nil {
			c.logger.Debug("Dropped sample",
				zap.String("host_id", s.HostID),
				zap.String("vm_id", s.VMID),
				zap.Time("timestamp", s.Timestamp),
				zap.Error(err),
			)
			continue
		}
		accepted++
	}
	return accepted
}

// Collect polls the source once.
func (c *Collector) Collect(ts time.Time) int {
	if c.source == nil {
		return 0
	}
	return c.Ingest(c.source.Samples(ts))
}

// Run polls the source every interval until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	if c.source == nil || c.interval <= 0 {
		return
	}
	c.logger.Info("Starting telemetry collector", zap.Duration("interval", c.interval))

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	c.Collect(time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case ts := <-ticker.C:
			n := c.Collect(ts)
			c.logger.Debug("Collected samples", zap.Int("accepted", n), zap.Int("subjects", c.store.Subjects()))
		}
	}
}
