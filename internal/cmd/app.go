package cmd

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"k8s.io/client-go/kubernetes"

	"adguard-dns-sync/internal/adguard"
	"adguard-dns-sync/internal/cloudflare"
	"adguard-dns-sync/internal/config"
	"adguard-dns-sync/internal/kube"
	"adguard-dns-sync/internal/logging"
	"adguard-dns-sync/internal/metrics"
	"adguard-dns-sync/internal/reconcile"
	"adguard-dns-sync/internal/retry"
	"adguard-dns-sync/internal/rewrite"
	"adguard-dns-sync/internal/store"
)

// app holds the components shared by the commands.
type app struct {
	cfg      *config.Config
	log      *logrus.Logger
	sink     *metrics.Sink
	store    *store.FileStore
	gateway  rewrite.Gateway
	cluster  kubernetes.Interface
	observer *kube.Observer
}

// loadApp reads and fully validates the configuration and builds the
// logger and store. The gateway and cluster client are built on demand.
func loadApp() (*app, error) {
	return newApp(config.Load)
}

// loadStateApp is loadApp for commands that only touch the state file; the
// provider and cluster settings are not required.
func loadStateApp() (*app, error) {
	return newApp(config.LoadState)
}

func newApp(load func(*viper.Viper) (*config.Config, error)) (*app, error) {
	cfg, err := load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.JSON, nil)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, sink: metrics.NewSink()}
	a.store = a.buildStore()
	return a, nil
}

func (a *app) buildStore() *store.FileStore {
	opts := []store.Option{
		store.WithMaxBackups(a.cfg.Store.MaxBackups),
		store.WithLockTimeout(a.cfg.Store.LockTimeout),
		store.WithLogger(a.log),
	}
	if a.cfg.Archive.Enabled {
		archive := store.NewMinioArchive(store.MinioConfig{
			Endpoint:          a.cfg.Archive.Endpoint,
			AccessKey:         a.cfg.Archive.AccessKey,
			SecretKey:         a.cfg.Archive.SecretKey,
			Bucket:            a.cfg.Archive.Bucket,
			UseSSL:            a.cfg.Archive.UseSSL,
			BucketPath:        a.cfg.Archive.Path,
			AutoCreateBucket:  a.cfg.Archive.AutoCreate,
			RespectCapacity:   true,
			CapacityThreshold: a.cfg.Archive.CapacityThreshold,
		}, a.log)
		opts = append(opts, store.WithArchive(archive))
	}
	return store.New(a.cfg.StorePath(), opts...)
}

func (a *app) retryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: a.cfg.Retry.MaxAttempts,
		Delay:       a.cfg.Retry.Delay,
		Timeout:     a.cfg.Retry.RequestTimeout,
	}
}

// connectGateway builds the configured provider gateway.
func (a *app) connectGateway(ctx context.Context) error {
	switch a.cfg.Provider {
	case config.ProviderCloudflare:
		api, err := cloudflare.NewAPI(a.cfg.Cloudflare.Token)
		if err != nil {
			return err
		}
		gw, err := cloudflare.NewGateway(api, a.cfg.Cloudflare.Zone,
			cloudflare.WithLogger(a.log),
			cloudflare.WithRecorder(a.sink),
			cloudflare.WithRetryPolicy(a.retryPolicy()))
		if err != nil {
			return err
		}
		a.gateway = gw
	default:
		client, err := adguard.NewClient(adguard.Config{
			URL:      a.cfg.AdGuard.URL,
			Username: a.cfg.AdGuard.Username,
			Password: a.cfg.AdGuard.Password,
			Retry:    a.retryPolicy(),
		}, adguard.WithLogger(a.log), adguard.WithRecorder(a.sink))
		if err != nil {
			return err
		}
		if err := client.Login(ctx); err != nil {
			return err
		}
		a.gateway = client
	}
	return nil
}

// connectCluster builds the Kubernetes client and observer.
func (a *app) connectCluster() error {
	client, err := kube.NewClientset(a.cfg.Kube.Kubeconfig)
	if err != nil {
		return err
	}
	a.cluster = client
	a.observer = kube.NewObserver(client, a.cfg.Kube.HostnameAnnotation, a.log)
	return nil
}

func (a *app) reconciler() *reconcile.Reconciler {
	return reconcile.New(a.observer, a.gateway, a.store,
		reconcile.WithThreshold(a.cfg.Sync.SafetyThreshold),
		reconcile.WithRecorder(a.sink),
		reconcile.WithLogger(a.log))
}

// pingGateway checks provider reachability for health reporting.
func (a *app) pingGateway(ctx context.Context) error {
	pinger, ok := a.gateway.(rewrite.Pinger)
	if !ok {
		_, err := a.gateway.List(ctx)
		return err
	}
	return pinger.Ping(ctx)
}

func (a *app) healthAddr() string {
	return fmt.Sprintf(":%d", a.cfg.Health.Port)
}
