package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/pflag"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/cache"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/seadogger/backup-manager/internal/api/httpx"
	"github.com/seadogger/backup-manager/internal/config"
	"github.com/seadogger/backup-manager/internal/controller/restore"
	"github.com/seadogger/backup-manager/internal/coordinator"
	"github.com/seadogger/backup-manager/internal/coordinator/registry"
	"github.com/seadogger/backup-manager/internal/coordinator/registry/redis"
	"github.com/seadogger/backup-manager/internal/coordinator/sagalog/sqlite"
	"github.com/seadogger/backup-manager/internal/kube/backup"
	"github.com/seadogger/backup-manager/internal/kube/gitops"
	"github.com/seadogger/backup-manager/internal/kube/workload"
	"github.com/seadogger/backup-manager/internal/metrics"
	"github.com/seadogger/backup-manager/internal/pkg/telemetry"
)

const leaderElectionID = "backup-manager.seadogger.io"

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		slog.Error("backup-manager failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	level, err := telemetry.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	handler := telemetry.InitLogger(level)
	ctrl.SetLogger(logr.FromSlogHandler(handler))
	klog.SetSlogLogger(slog.New(handler))

	ctx := ctrl.SetupSignalHandler()

	shutdown, err := telemetry.SetupTracer(ctx, cfg.ServiceName, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("initialise tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			slog.Error("tracer shutdown error", "error", err)
		}
	}()

	restCfg, err := ctrl.GetConfig()
	if err != nil {
		return fmt.Errorf("load kubeconfig: %w", err)
	}
	restCfg.QPS = cfg.QPS
	restCfg.Burst = cfg.Burst

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return fmt.Errorf("create kubernetes client: %w", err)
	}
	dynamicClient, err := dynamic.NewForConfig(restCfg)
	if err != nil {
		return fmt.Errorf("create dynamic client: %w", err)
	}

	store, closeStore, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := metrics.Init(ctrlmetrics.Registry); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	catalog := cfg.Catalog()
	deps := coordinator.Deps{
		Catalog:   catalog,
		Scaler:    workload.NewScaler(clientset, catalog),
		Gate:      gitops.NewGate(dynamicClient, cfg.ArgoCDNamespace, catalog),
		Submitter: backup.NewSubmitter(dynamicClient, cfg.Backend.RunAsUser),
		Watcher:   backup.NewWatcher(dynamicClient),
		Store:     store,
	}
	if cfg.SagaLogPath != "" {
		repo, err := sqlite.Open(cfg.SagaLogPath)
		if err != nil {
			return err
		}
		defer func() { _ = repo.Close() }()
		deps.SagaLog = repo
		slog.Info("saga history enabled", "path", cfg.SagaLogPath)
	}
	orchestrator := coordinator.NewOrchestrator(deps, cfg.OrchestratorConfig())

	namespaces := make(map[string]cache.Config)
	for _, ns := range cfg.Namespaces() {
		namespaces[ns] = cache.Config{}
	}
	mgr, err := ctrl.NewManager(restCfg, ctrl.Options{
		Metrics:                metricsserver.Options{BindAddress: cfg.MetricsAddress},
		HealthProbeBindAddress: cfg.HealthProbeAddress,
		LeaderElection:         cfg.LeaderElection,
		LeaderElectionID:       leaderElectionID,
		Cache:                  cache.Options{DefaultNamespaces: namespaces},
	})
	if err != nil {
		return fmt.Errorf("create manager: %w", err)
	}

	if err := restore.NewReconciler(mgr, orchestrator, cfg.PollInterval).SetupWithManager(mgr); err != nil {
		return fmt.Errorf("set up restore controller: %w", err)
	}
	if err := mgr.Add(coordinator.NewPoller(orchestrator, cfg.PollInterval)); err != nil {
		return fmt.Errorf("add poller: %w", err)
	}

	router := httpx.NewRouter(httpx.NewHandler(orchestrator, backup.NewSnapshotLister(dynamicClient, catalog)))
	if err := mgr.Add(&apiServer{addr: cfg.ListenAddress, handler: router}); err != nil {
		return fmt.Errorf("add api server: %w", err)
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		return fmt.Errorf("add healthz check: %w", err)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		return fmt.Errorf("add readyz check: %w", err)
	}

	slog.Info("starting backup-manager",
		"listen", cfg.ListenAddress, "store", cfg.Store, "applications", len(catalog))
	return mgr.Start(ctx)
}

func newStore(ctx context.Context, cfg *config.Config) (registry.Store, func(), error) {
	if cfg.Store != config.StoreRedis {
		return registry.NewMemoryStore(), func() {}, nil
	}
	store := redis.NewStore(cfg.RedisAddress, cfg.RedisKeyPrefix)
	pingCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	slog.Info("using redis saga registry", "addr", cfg.RedisAddress)
	return store, func() { _ = store.Close() }, nil
}

// apiServer runs the REST API on every replica, leader or not.
type apiServer struct {
	addr    string
	handler http.Handler
}

func (s *apiServer) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("REST API listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *apiServer) NeedLeaderElection() bool { return false }
