// Command controlplane runs the cell-based placement control plane: the
// developer provisioning API, the operator admin API, and the scheduler
// behind them. With a reachable cluster it applies Claims through
// server-side apply; otherwise it falls back to standalone mode and only
// returns the decision documents.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/idpcell/controlplane/analytics"
	"github.com/idpcell/controlplane/claimstore"
	"github.com/idpcell/controlplane/config"
	"github.com/idpcell/controlplane/experiment"
	"github.com/idpcell/controlplane/featureflag"
	"github.com/idpcell/controlplane/handlers"
	"github.com/idpcell/controlplane/health"
	"github.com/idpcell/controlplane/metrics"
	"github.com/idpcell/controlplane/scheduler"
	"github.com/idpcell/controlplane/store"
)

var (
	configFile = flag.String("config", "", "Path to configuration YAML file (or set IDP_CONFIG)")
	dbPath     = flag.String("db", "", "Path to the SQLite history database (or set IDP_DB)")
	kubeconfig = flag.String("kubeconfig", "", "Path to a kubeconfig file (or set IDP_KUBECONFIG)")
	standalone = flag.Bool("standalone", false, "Run without a cluster even if one is reachable")
)

func main() {
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	path := *configFile
	if path == "" {
		path = os.Getenv("IDP_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *dbPath != "" {
		cfg.Store.Path = *dbPath
	}
	if err := cfg.ApplyEnv(); err != nil {
		log.Fatalf("Invalid environment: %v", err)
	}

	tiers, err := cfg.TierTable()
	if err != nil {
		log.Fatalf("Invalid tier table: %v", err)
	}
	cat, err := cfg.Catalog()
	if err != nil {
		log.Fatalf("Invalid cell catalog: %v", err)
	}
	products, err := cfg.ProductRegistry()
	if err != nil {
		log.Fatalf("Invalid product catalog: %v", err)
	}

	healthReg := cfg.HealthRegistry()
	healthReg.Seed(cat.Providers()...)
	experiments := experiment.NewStore()
	flags := featureflag.NewStore()
	recorder := analytics.NewRecorder()
	collector := metrics.NewCollector()
	for _, p := range cat.Providers() {
		collector.SetBreakerState(p, 0)
	}
	sched := scheduler.New(cat, tiers, experiments, flags, healthReg)

	var history *store.SQLite
	if cfg.Store.Path != "" {
		history, err = store.Open(cfg.Store.Path)
		if err != nil {
			log.Fatalf("Failed to open history store: %v", err)
		}
		defer history.Close()
		logger.Info("placement history enabled", "path", cfg.Store.Path)
		restoreState(logger, history, experiments, flags, healthReg)
	}

	claims := newClaimStore(logger)
	logger.Info("claim store ready", "mode", claims.Mode())

	svc := handlers.NewServiceHandler(logger, products, tiers, cat, sched,
		healthReg, recorder, claims, collector, history)
	admin := handlers.NewAdminHandler(logger, products, tiers, cat,
		healthReg, experiments, flags, recorder, history, claims.Mode())
	router := handlers.NewRouter(svc, admin, collector)

	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting control plane", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
}

// restoreState reloads the operator-mutable decision inputs from the
// persistent store so experiments, flags, and health bits survive restarts.
func restoreState(logger *slog.Logger, history *store.SQLite,
	experiments *experiment.Store, flags *featureflag.Store, healthReg *health.Registry) {
	ctx := context.Background()

	docs, err := history.LoadExperiments(ctx)
	if err != nil {
		logger.Error("loading stored experiments", "error", err)
	}
	for _, doc := range docs {
		var spec experiment.Spec
		if err := json.Unmarshal(doc, &spec); err != nil {
			logger.Error("decoding stored experiment", "error", err)
			continue
		}
		if _, err := experiments.Create(spec); err != nil {
			logger.Error("restoring experiment", "id", spec.ID, "error", err)
		}
	}

	stored, err := history.Flags(ctx)
	if err != nil {
		logger.Error("loading stored flags", "error", err)
	}
	for name, enabled := range stored {
		flags.Set(name, enabled)
	}

	bits, err := history.ProviderHealth(ctx)
	if err != nil {
		logger.Error("loading stored provider health", "error", err)
	}
	for provider, healthy := range bits {
		healthReg.SetHealthy(provider, healthy)
	}

	logger.Info("operator state restored",
		"experiments", len(docs), "flags", len(stored), "providers", len(bits))
}

// newClaimStore connects to the cluster with the in-cluster config first,
// then an explicit kubeconfig, and falls back to standalone mode when
// neither works.
func newClaimStore(logger *slog.Logger) claimstore.Store {
	if *standalone {
		return claimstore.NewMemory()
	}

	restCfg, err := rest.InClusterConfig()
	if err != nil {
		path := *kubeconfig
		if path == "" {
			path = os.Getenv("IDP_KUBECONFIG")
		}
		if path == "" {
			if home, err := os.UserHomeDir(); err == nil {
				path = home + "/.kube/config"
			}
		}
		restCfg, err = clientcmd.BuildConfigFromFlags("", path)
		if err != nil {
			logger.Warn("no cluster reachable, running standalone", "error", err)
			return claimstore.NewMemory()
		}
	}

	dyn, err := dynamic.NewForConfig(restCfg)
	if err != nil {
		logger.Warn("building dynamic client failed, running standalone", "error", err)
		return claimstore.NewMemory()
	}
	clients, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		logger.Warn("building clientset failed, running standalone", "error", err)
		return claimstore.NewMemory()
	}
	return claimstore.NewKube(dyn, clients)
}
