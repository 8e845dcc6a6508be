package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/kvforge/pkg/atomic"
	"github.com/cuemby/kvforge/pkg/config"
	"github.com/cuemby/kvforge/pkg/fts"
	"github.com/cuemby/kvforge/pkg/gateway"
	"github.com/cuemby/kvforge/pkg/httpapi"
	"github.com/cuemby/kvforge/pkg/log"
	"github.com/cuemby/kvforge/pkg/metrics"
	"github.com/cuemby/kvforge/pkg/queue"
	"github.com/cuemby/kvforge/pkg/storage"
	"github.com/cuemby/kvforge/pkg/trigger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the kvforge KV/queue/gateway HTTP server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "Override the configured listen address")
	serveCmd.Flags().String("data-dir", "", "Override the configured data directory")
	serveCmd.Flags().Bool("enable-pprof", false, "Mount pprof profiling endpoints under /debug/pprof/")
	serveCmd.Flags().String("debug-addr", "127.0.0.1:6060", "Address for the pprof debug listener")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath, _ := rootCmd.PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.ListenAddr = listen
	}
	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		cfg.DataDir = dataDir
	}

	logger := log.WithComponent("serve")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}

	store, err := storage.Open(cfg.DataDir + "/kvforge.db")
	if err != nil {
		return err
	}
	defer store.Close()

	if cfg.TTL.SweepIntervalSeconds > 0 {
		store.SetSweepInterval(time.Duration(cfg.TTL.SweepIntervalSeconds) * time.Second)
	}
	store.StartSweeper()

	dispatcher := trigger.New()
	store.SetNotifier(dispatcher)

	ftsManager, err := fts.Open(store.DB())
	if err != nil {
		return err
	}
	store.SetIndexer(ftsManager)

	sink := metrics.NewSink()
	store.SetMetrics(sink)
	collector, err := metrics.NewCollector(sink, store.DB(), time.Duration(cfg.Metrics.FlushIntervalSeconds)*time.Second)
	if err != nil {
		return err
	}
	collector.Start()
	defer collector.Stop()

	committer := atomic.New(store)

	q, err := queue.Open(store)
	if err != nil {
		return err
	}
	defer q.Close()
	if cfg.Queue.LeaseSeconds > 0 {
		q.SetLeaseDuration(time.Duration(cfg.Queue.LeaseSeconds) * time.Second)
	}
	q.StartLeaseRecovery(0)

	if len(cfg.Queue.DefaultBackoffMS) > 0 {
		q.SetDefaultBackoff(cfg.Queue.DefaultBackoffMS)
	}

	api := httpapi.NewServer(store, committer, q, ftsManager, sink)

	var handler http.Handler = api.Handler()
	if cfg.Gateway.Enabled {
		gw := gateway.New(gateway.NewRegistry(), api.Handler())
		handler = gw
	}

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handler,
	}

	if enablePprof, _ := cmd.Flags().GetBool("enable-pprof"); enablePprof {
		debugAddr, _ := cmd.Flags().GetString("debug-addr")
		go func() {
			// nil mux serves net/http/pprof's handlers, registered on
			// http.DefaultServeMux by main.go's blank import.
			if err := http.ListenAndServe(debugAddr, nil); err != nil {
				logger.Warn().Err(err).Msg("pprof debug listener stopped")
			}
		}()
		logger.Info().Str("addr", debugAddr).Msg("pprof debug endpoints enabled")
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Str("data_dir", cfg.DataDir).Bool("gateway", cfg.Gateway.Enabled).Msg("kvforge listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
