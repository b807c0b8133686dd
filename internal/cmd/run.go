package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"adguard-dns-sync/internal/health"
	"adguard-dns-sync/internal/kube"
	"adguard-dns-sync/internal/reconcile"
	"adguard-dns-sync/internal/scheduler"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon",
	Long: `Run reconciliation continuously: once at startup, then on every sync interval
and shortly after any service or ingress change. A health server exposes
/health, /status and POST /sync.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func init() {
	runCmd.Flags().String("interval", "", "sync interval (e.g. 30s)")
	runCmd.Flags().String("debounce", "", "quiet period after a cluster change before syncing")
	runCmd.Flags().Int("health-port", 0, "health server port")
	bindFlag("sync.interval", runCmd.Flags().Lookup("interval"))
	bindFlag("sync.debounce", runCmd.Flags().Lookup("debounce"))
	bindFlag("health.port", runCmd.Flags().Lookup("health-port"))
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := loadApp()
	if err != nil {
		return err
	}
	log := a.log.WithField("component", "daemon")
	log.WithFields(logrus.Fields{
		"provider": a.cfg.Provider,
		"interval": a.cfg.Sync.Interval.String(),
		"debounce": a.cfg.Sync.Debounce.String(),
		"state":    a.store.Path(),
	}).Info("starting adguard-sync")

	if err := a.connectGateway(ctx); err != nil {
		return err
	}
	if err := a.connectCluster(); err != nil {
		return err
	}

	rc := a.reconciler()
	sched := scheduler.New(func(ctx context.Context) error {
		_, err := rc.Run(ctx, reconcile.RunOptions{})
		if errors.Is(err, reconcile.ErrCycleInProgress) {
			return nil
		}
		return err
	}, a.cfg.Sync.Interval, a.cfg.Sync.Debounce, a.cfg.ShutdownGrace, a.log)

	checker := health.NewChecker(a.cfg.Health.CacheDuration, a.cfg.Health.CheckTimeout, a.cfg.Health.MaxConsecutiveFailures)
	checker.Register(health.ComponentProvider, a.pingGateway)
	checker.Register(health.ComponentCluster, a.observer.Ping)
	srv := health.NewServer(a.healthAddr(), checker, a.sink, sched.Notify, a.log)

	watcher := kube.NewWatcher(a.cluster, kube.DefaultRestartDelay, a.cfg.Kube.WatchTimeout, a.log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		watcher.Watch(gctx, sched.Notify)
		return nil
	})
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.ShutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info("adguard-sync stopped")
	return err
}
