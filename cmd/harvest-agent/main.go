// Command harvest-agent runs the per-node log-collection agent: it
// recursively discovers .log files under a root directory, tails newly
// appended lines, and forwards them to configured output sinks under
// control-plane direction.
//
// Wiring order follows spec.md §2's leaf-first dependency chain:
// Dispatcher -> Registry -> Reader/Writer Pool -> Path Watcher ->
// Control Ingress. Graceful shutdown (SPEC_FULL.md §12.5) reverses it:
// stop the two event producers first (Control Ingress, Path Watcher),
// close every Pool worker, then drain the Registry applier.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nodeharvest/harvest-agent/internal/api"
	"github.com/nodeharvest/harvest-agent/internal/config"
	"github.com/nodeharvest/harvest-agent/internal/control"
	"github.com/nodeharvest/harvest-agent/internal/dispatcher"
	"github.com/nodeharvest/harvest-agent/internal/output"
	"github.com/nodeharvest/harvest-agent/internal/registry"
	"github.com/nodeharvest/harvest-agent/internal/status"
	"github.com/nodeharvest/harvest-agent/internal/tailer"
	"github.com/nodeharvest/harvest-agent/internal/watcher"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var cfg config.Config

	cmd := &cobra.Command{
		Use:          "harvest-agent",
		Short:        "Per-node log-collection agent",
		SilenceUsage: true,
		RunE: func(c *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(c.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.Namespace, "namespace", "", "only paths whose first underscore-segment equals this value are admitted (required)")
	flags.StringVar(&cfg.Dir, "dir", "", "root directory watched recursively (required)")
	flags.StringVar(&cfg.APIServer, "api-server", "", "event-stream URL of the control plane (required)")
	flags.StringVar(&cfg.Host, "host", "", "node identity used to filter control directives (required)")
	flags.IntVar(&cfg.WorkerPoolSize, "worker-pool-size", tailer.DefaultPoolSize, "maximum number of concurrent tailer workers")
	flags.StringVar(&cfg.AdminAddr, "admin-addr", "0.0.0.0:8080", "listen address for the HTTP admin surface")
	flags.StringVar(&cfg.LogLevel, "log-level", "info", "zap log level: debug, info, warn, error")

	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	log, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("harvest-agent: build logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Dispatcher (C3) ---
	podEvents := dispatcher.New[registry.PodRecord](log)
	pathEvents := dispatcher.New[watcher.Identity](log)

	// --- Registry (C2) ---
	reg := registry.New(podEvents, log)
	registryCtx, cancelRegistry := context.WithCancel(context.Background())
	registryDone := make(chan struct{})
	go func() {
		defer close(registryDone)
		reg.Run(registryCtx)
	}()

	// --- output sinks ---
	outs := output.NewRegistry()
	outs.Register("stdout", output.NewStdout(os.Stdout))
	outs.Register("fake_output", output.NewCounter())

	// --- metrics ---
	metrics := status.New(prometheus.DefaultRegisterer)

	// --- Reader/Writer Pool (C4) ---
	pool := tailer.NewPool(reg, outs, cfg.WorkerPoolSize, log)
	pool.SetMetrics(metrics)

	podEvents.Register(dispatcher.KindAdd, func(rec registry.PodRecord) {
		if rec.Upload {
			go func() { _ = pool.Open(rec) }()
		}
	})
	podEvents.Register(dispatcher.KindUpdate, func(rec registry.PodRecord) {
		if rec.Upload {
			go func() { _ = pool.Open(rec) }()
		} else {
			pool.Close(rec.UUID)
		}
	})
	podEvents.Register(dispatcher.KindDelete, func(rec registry.PodRecord) {
		pool.Close(rec.UUID)
	})

	// --- Path Watcher (C1) ---
	w := watcher.New(cfg.Namespace, cfg.Dir, pathEvents, log)

	pathEvents.Register(dispatcher.KindNeedOpen, func(id watcher.Identity) {
		// Discover, not Apply: a stray Create folded into an already-running
		// collector's Create|Write event (spec.md §4.4) must never merge a
		// blank Upload/Filter/Output/IPs onto the live record.
		reg.Discover(registry.PodRecord{
			UUID: id.UUID(), Namespace: id.Namespace, PodName: id.Pod, ContainerName: id.Container,
			Offset: discoveryOffset(id.Path, log),
		})
	})
	pathEvents.Register(dispatcher.KindNeedWrite, func(id watcher.Identity) {
		pool.NotifyWrite(id.UUID())
	})
	pathEvents.Register(dispatcher.KindNeedClose, func(id watcher.Identity) {
		pool.Close(id.UUID())
		reg.Delete(id.UUID())
	})

	initial, err := w.PrepareScan()
	if err != nil {
		cancelRegistry()
		<-registryDone
		return fmt.Errorf("harvest-agent: initial scan of %q: %w", cfg.Dir, err)
	}
	for _, id := range initial {
		reg.Discover(registry.PodRecord{
			UUID: id.UUID(), Namespace: id.Namespace, PodName: id.Pod, ContainerName: id.Container,
			Offset: discoveryOffset(id.Path, log),
		})
	}

	watcherCtx, cancelWatcher := context.WithCancel(ctx)
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		if err := w.Run(watcherCtx); err != nil {
			log.Error("path watcher stopped with error", zap.Error(err))
		}
	}()

	// --- Control Ingress (C5) ---
	ingress := control.New(cfg.APIServer, cfg.Host, reg, log)
	ingressCtx, cancelIngress := context.WithCancel(ctx)
	ingressDone := make(chan struct{})
	go func() {
		defer close(ingressDone)
		if err := ingress.Run(ingressCtx); err != nil {
			log.Error("control ingress stopped with error", zap.Error(err))
		}
	}()

	// --- HTTP admin surface ---
	rulesSnapshot := func() []any {
		ds := ingress.Cache().Snapshot()
		out := make([]any, len(ds))
		for i, d := range ds {
			out[i] = d
		}
		return out
	}
	adminServer, err := api.New(cfg.AdminAddr, reg, rulesSnapshot, log)
	if err != nil {
		cancelIngress()
		cancelWatcher()
		cancelRegistry()
		<-ingressDone
		<-watcherDone
		<-registryDone
		return fmt.Errorf("harvest-agent: start admin server: %w", err)
	}
	adminDone := make(chan struct{})
	go func() {
		defer close(adminDone)
		if err := adminServer.Serve(); err != nil {
			log.Error("admin server stopped with error", zap.Error(err))
		}
	}()

	log.Info("harvest-agent started",
		zap.String("namespace", cfg.Namespace), zap.String("dir", cfg.Dir),
		zap.String("admin_addr", adminServer.Addr()))

	<-ctx.Done()
	log.Info("shutdown signal received, draining")

	// Reverse dependency order: stop producers first.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = adminServer.Shutdown(shutdownCtx)
	<-adminDone

	cancelIngress()
	<-ingressDone

	cancelWatcher()
	<-watcherDone

	pool.CloseAll()

	reg.Close() // applies every command queued before it, then stops Run
	cancelRegistry()
	<-registryDone

	log.Info("harvest-agent stopped cleanly")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	zapLevel := zap.NewAtomicLevel()
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg.Level = zapLevel
	return cfg.Build()
}

// discoveryOffset seeds a freshly discovered record's Offset at the file's
// current size, so a path found before its collector is enabled starts
// tailing from EOF rather than replaying everything written before
// discovery (spec.md §8 scenarios S1/S2). A stat failure is logged and
// treated as offset 0: the worst case is a replay of the file's current
// contents on the first open, not a crash.
func discoveryOffset(path string, log *zap.Logger) int64 {
	info, err := os.Stat(path)
	if err != nil {
		log.Warn("could not stat newly discovered file, seeding offset at 0",
			zap.String("path", path), zap.Error(err))
		return 0
	}
	return info.Size()
}
