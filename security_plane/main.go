package main

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/plugsentry/PlugSentry/security_plane/analyzer"
	"github.com/plugsentry/PlugSentry/security_plane/audit"
	"github.com/plugsentry/PlugSentry/security_plane/auth"
	"github.com/plugsentry/PlugSentry/security_plane/config"
	"github.com/plugsentry/PlugSentry/security_plane/container"
	"github.com/plugsentry/PlugSentry/security_plane/installer"
	"github.com/plugsentry/PlugSentry/security_plane/middleware"
	"github.com/plugsentry/PlugSentry/security_plane/netguard"
	"github.com/plugsentry/PlugSentry/security_plane/permission"
	"github.com/plugsentry/PlugSentry/security_plane/reputation"
	"github.com/plugsentry/PlugSentry/security_plane/resource"
	"github.com/plugsentry/PlugSentry/security_plane/signature"
	"github.com/plugsentry/PlugSentry/security_plane/store"
)

// ageTickInterval drives periodic reputation maturity recomputation.
const ageTickInterval = 6 * time.Hour

func main() {
	cfg, err := config.Load(os.Getenv("PLUGSENTRY_CONFIG_FILE"))
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}
	logrus.SetFormatter(&logrus.JSONFormatter{})
	log := logrus.WithField("component", "main")

	ctx := context.Background()

	// Storage and coordination backends. The memory store serves both roles
	// for single-node operation; production runs Postgres plus Redis.
	var (
		s     store.Store
		coord store.Coordinator
	)
	switch cfg.Backend {
	case "postgres":
		pg, err := store.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		defer pg.Close()
		s = pg
		if cfg.RedisAddr == "" {
			log.Fatal("Postgres backend requires PLUGSENTRY_REDIS_ADDR for coordination")
		}
		rc, err := store.NewRedisCoordinator(cfg.RedisAddr, "", 0)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer rc.Close()
		coord = rc
		log.Infof("Connected to Postgres and Redis at %s", cfg.RedisAddr)
	default:
		mem := store.NewMemoryStore()
		s = mem
		coord = mem
		log.Warn("Using in-memory store: single-node operation only")
	}

	auditLog := audit.NewLog(s)

	registry := signature.NewPublisherRegistry()
	if cfg.TrustedKeysDir != "" {
		if err := loadTrustedKeys(registry, cfg.TrustedKeysDir); err != nil {
			log.Fatalf("Failed to load trusted publisher keys: %v", err)
		}
	}

	an := analyzer.New(cfg.AnalysisScoreFloor)
	verifier := signature.NewVerifier(registry)
	policy := permission.LoadPolicy()
	perms := permission.NewService(s, auditLog)
	ng := netguard.NewController(s, coord, auditLog, nil, cfg.NetworkRateLimit, cfg.NetworkRateWindow)
	limiter := resource.NewLimiter(s)
	rep := reputation.NewTracker(s)
	inst := installer.New(installer.NewHTTPRegistry(cfg.RegistryURL, cfg.CollaboratorTimeout), coord)
	live := container.NewLiveRegistry()
	runtime := container.NewHTTPRuntime(cfg.RuntimeURL, cfg.CollaboratorTimeout)
	isolator := container.NewIsolator(runtime, limiter, auditLog, live)

	pipeline := NewPipeline(s, auditLog, an, verifier, policy, perms, ng, limiter, rep, inst, isolator)
	api := NewAPI(s, coord, pipeline, perms, ng, limiter, rep, auditLog)

	authn, err := auth.New(cfg.JWTSecret)
	if err != nil {
		log.Fatalf("Failed to initialize auth: %v", err)
	}
	authed := middleware.AuthMiddleware(authn)

	go api.wsHub.Run(ctx)
	go runAgeTicker(ctx, s, rep)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.Handle("/plugins", authed(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			api.handleListInstances(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})))
	mux.Handle("/plugins/install", authed(http.HandlerFunc(api.withIdempotency(api.handleInstall))))
	mux.Handle("/plugins/execute", authed(http.HandlerFunc(api.handleExecute)))
	mux.Handle("/plugins/", authed(http.HandlerFunc(api.handleInstance)))

	mux.Handle("/permissions/check", authed(http.HandlerFunc(api.handleCheckPermission)))
	mux.Handle("/network/check", authed(http.HandlerFunc(api.handleNetworkCheck)))

	mux.Handle("/reputation/", authed(http.HandlerFunc(api.handleReputation)))

	mux.Handle("/audit", authed(http.HandlerFunc(api.handleQueryAudit)))
	mux.Handle("/audit/stream", authed(http.HandlerFunc(api.handleAuditStream)))

	// Metrics stay on their own listener, off the tenant-facing surface.
	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		log.Fatal(http.ListenAndServe(cfg.MetricsAddr, metricsMux))
	}()

	handler := middleware.CORS(cfg.CORSOrigin)(mux)

	log.Infof("PlugSentry security plane listening on %s", cfg.ListenAddr)
	log.Fatal(http.ListenAndServe(cfg.ListenAddr, handler))
}

// loadTrustedKeys registers every *.pem file in dir as a trusted publisher
// key, using the file name (without extension) as the publisher name.
func loadTrustedKeys(registry *signature.PublisherRegistry, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pem") {
			continue
		}
		pemBytes, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		name := strings.TrimSuffix(entry.Name(), ".pem")
		if err := registry.Add(name, pemBytes); err != nil {
			return err
		}
		logrus.WithField("publisher", name).Info("Loaded trusted publisher key")
	}
	return nil
}

// runAgeTicker periodically recomputes reputation so the maturity sub-score
// tracks calendar age even for plugins with no new signals.
func runAgeTicker(ctx context.Context, s store.Store, rep *reputation.Tracker) {
	ticker := time.NewTicker(ageTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := s.ListReputationPluginIDs(ctx)
			if err != nil {
				logrus.WithError(err).Warn("Failed to enumerate plugins for age tick")
				continue
			}
			for _, id := range ids {
				if err := rep.OnAgeTick(ctx, id); err != nil {
					logrus.WithError(err).WithField("plugin", id).Warn("Age tick failed")
				}
			}
		}
	}
}
