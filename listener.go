package meridian

import (
	"github.com/cockroachdb/pebble"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type listenerMetrics struct {
	compactions      prometheus.Counter
	flushes          prometheus.Counter
	tableFiles       prometheus.Counter
	backgroundErrors prometheus.Counter
	writeStalls      prometheus.Counter
}

// newEventListener wires the engine's background events into logging and
// metrics. Callbacks run on engine background goroutines and must never
// block or panic.
func newEventListener(logger log.Logger, reg prometheus.Registerer) *pebble.EventListener {
	m := &listenerMetrics{
		compactions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "compactions_total",
			Help: "Number of completed engine compactions.",
		}),
		flushes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "flushes_total",
			Help: "Number of completed memtable flushes.",
		}),
		tableFiles: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "table_files_created_total",
			Help: "Number of table files the engine created.",
		}),
		backgroundErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "background_errors_total",
			Help: "Number of background errors reported by the engine.",
		}),
		writeStalls: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "write_stalls_total",
			Help: "Number of write stalls the engine entered.",
		}),
	}

	return &pebble.EventListener{
		CompactionBegin: func(info pebble.CompactionInfo) {
			level.Info(logger).Log("msg", "engine compaction started", "job", info.JobID, "reason", info.Reason)
		},
		CompactionEnd: func(info pebble.CompactionInfo) {
			m.compactions.Inc()
			level.Info(logger).Log("msg", "engine compaction completed", "job", info.JobID, "reason", info.Reason, "err", info.Err)
		},
		FlushBegin: func(info pebble.FlushInfo) {
			level.Debug(logger).Log("msg", "engine flush started", "job", info.JobID)
		},
		FlushEnd: func(info pebble.FlushInfo) {
			m.flushes.Inc()
			level.Debug(logger).Log("msg", "engine flush completed", "job", info.JobID, "err", info.Err)
		},
		TableCreated: func(info pebble.TableCreateInfo) {
			m.tableFiles.Inc()
			level.Debug(logger).Log("msg", "engine table file created", "job", info.JobID, "path", info.Path)
		},
		TableDeleted: func(info pebble.TableDeleteInfo) {
			level.Debug(logger).Log("msg", "engine table file deleted", "job", info.JobID, "path", info.Path)
		},
		BackgroundError: func(err error) {
			m.backgroundErrors.Inc()
			level.Error(logger).Log("msg", "engine background error", "err", err)
		},
		WriteStallBegin: func(info pebble.WriteStallBeginInfo) {
			m.writeStalls.Inc()
			level.Warn(logger).Log("msg", "engine write stall started", "reason", info.Reason)
		},
		WriteStallEnd: func() {
			level.Warn(logger).Log("msg", "engine write stall ended")
		},
	}
}
