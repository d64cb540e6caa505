package memory

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type watcherMetrics struct {
	checks        prometheus.Counter
	checkFailures prometheus.Counter
}

// Watcher runs the watermark probe on a fixed period.
type Watcher struct {
	logger    log.Logger
	watermark *Watermark
	interval  time.Duration
	metrics   *watcherMetrics

	cancel     func()
	shutdownCh chan struct{}
}

// NewWatcher builds the periodic checker. The interval defaults to one
// second when zero.
func NewWatcher(
	logger log.Logger,
	reg prometheus.Registerer,
	watermark *Watermark,
	interval time.Duration,
) *Watcher {
	if interval <= 0 {
		interval = time.Second
	}
	reg = prometheus.WrapRegistererWithPrefix("meridian_memory_", reg)
	w := &Watcher{
		logger:    logger,
		watermark: watermark,
		interval:  interval,
		metrics: &watcherMetrics{
			checks: promauto.With(reg).NewCounter(prometheus.CounterOpts{
				Name: "watermark_checks_total",
				Help: "Number of high-watermark probes.",
			}),
			checkFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
				Name: "watermark_check_failures_total",
				Help: "Number of high-watermark probes that failed.",
			}),
		},
		shutdownCh: make(chan struct{}),
	}
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "high_watermark_hit",
		Help: "Whether the process memory high watermark is currently hit.",
	}, func() float64 {
		if watermark.HitHighWatermark() {
			return 1
		}
		return 0
	})
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "tracked_bytes",
		Help: "Bytes accounted by the memory tracker.",
	}, func() float64 {
		return float64(watermark.stats.Amount())
	})
	return w
}

func (w *Watcher) run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			level.Debug(w.logger).Log("msg", "memory watcher shut down")
			return
		case <-ticker.C:
			w.metrics.checks.Inc()
			if _, err := w.watermark.HitsHighWatermark(); err != nil {
				w.metrics.checkFailures.Inc()
				level.Error(w.logger).Log("msg", "memory watermark check failed", "err", err)
			}
		}
	}
}

// RunAsync starts the background loop.
func (w *Watcher) RunAsync() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go func() {
		w.run(ctx)
		close(w.shutdownCh)
	}()
}

// Close stops the background loop and waits for it to exit.
func (w *Watcher) Close() error {
	if w.cancel == nil { // watcher was never started
		return nil
	}
	w.cancel()
	<-w.shutdownCh
	return nil
}
