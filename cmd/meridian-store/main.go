// Command meridian-store runs the storage daemon: it opens the partitioned
// store over the configured data paths, watches the process memory high
// watermark, and drains cleanly on SIGTERM or SIGINT.
package main

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	meridian "github.com/meridiangraph/meridian"
	"github.com/meridiangraph/meridian/memory"
	"github.com/meridiangraph/meridian/signalhandler"
)

func main() {
	var configPath string

	cmd := &cobra.Command{
		Use:           "meridian-store",
		Short:         "meridian storage daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the yaml configuration file")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	logger := log.With(
		level.NewFilter(log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr)), level.AllowInfo()),
		"ts", log.DefaultTimestampUTC,
		"caller", log.DefaultCaller,
	)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.NumWorkerThreads > 0 {
		runtime.GOMAXPROCS(cfg.NumWorkerThreads)
	}

	release, err := acquirePidFile(cfg.PidFile)
	if err != nil {
		return err
	}
	defer release()

	reg := prometheus.NewRegistry()
	stats := memory.NewStats(0)
	watermark := memory.NewWatermark(logger, cfg.watermarkConfig(), stats)
	watcher := memory.NewWatcher(logger, reg, watermark,
		time.Duration(cfg.CheckMemoryIntervalInSecs)*time.Second)
	watcher.RunAsync()
	defer watcher.Close()

	opts, err := cfg.storeOptions()
	if err != nil {
		return err
	}
	opts.Watermark = watermark
	store, err := meridian.New(logger, reg, opts)
	if err != nil {
		return err
	}

	shutdownCh := make(chan signalhandler.Info, 1)
	signals := signalhandler.New(logger)
	defer signals.Close()
	if err := signals.Install(func(info signalhandler.Info) {
		select {
		case shutdownCh <- info:
		default:
		}
	}, syscall.SIGTERM, syscall.SIGINT); err != nil {
		return err
	}

	level.Info(logger).Log("msg", "meridian-store started", "pid", os.Getpid())
	info := <-shutdownCh
	level.Info(logger).Log("msg", "shutting down", "signal", info.String())

	return store.Close()
}

// acquirePidFile refuses to start while another live process holds the file.
func acquirePidFile(path string) (func(), error) {
	if b, err := os.ReadFile(path); err == nil {
		if pid, perr := strconv.Atoi(string(b)); perr == nil {
			if syscall.Kill(pid, 0) == nil {
				return nil, fmt.Errorf("pid file %s is held by running process %d", path, pid)
			}
		}
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	return func() { _ = os.Remove(path) }, nil
}
