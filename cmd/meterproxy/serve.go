package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ngoyal88/meterproxy/pkg/ai"
	"github.com/ngoyal88/meterproxy/pkg/api"
	"github.com/ngoyal88/meterproxy/pkg/cache"
	"github.com/ngoyal88/meterproxy/pkg/config"
	"github.com/ngoyal88/meterproxy/pkg/keymanager"
	"github.com/ngoyal88/meterproxy/pkg/logging"
	"github.com/ngoyal88/meterproxy/pkg/middleware"
	"github.com/ngoyal88/meterproxy/pkg/proxy"
	"github.com/ngoyal88/meterproxy/pkg/storage"
)

var serveFlags struct {
	listen string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the proxy server",
	Long: `Start the proxy server.

Configuration is read from YAML and METERPROXY_* environment variables and is
reloaded when the file changes. On SIGINT or SIGTERM the server stops
accepting requests and waits for pending usage records to be written.

Examples:
  meterproxy serve
  meterproxy serve --config /etc/meterproxy/config.yaml --listen :9090`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&serveFlags.listen, "listen", "l", "", "override server.port")
}

func runServe(cmd *cobra.Command, args []string) error {
	initial, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := logging.New(initial.Log.Level, initial.Log.Development)
	if err != nil {
		return err
	}
	defer log.Sync()

	cfgStore, err := config.LoadAndWatch(cfgFile, log)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := cfgStore.Get()
	if serveFlags.listen != "" {
		cfg.Server.Port = serveFlags.listen
	}

	// Redis always backs the key store; cache and logs may use it too.
	rdb, err := cache.NewRedis(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return err
	}
	defer rdb.Close()
	log.Info("connected to redis", zap.String("address", cfg.Redis.Address))

	logStore, closeStore, err := openLogStore(cfg, rdb)
	if err != nil {
		return err
	}
	defer closeStore()
	log.Info("request log store ready", zap.String("backend", cfg.Storage.Backend))

	var responses cache.Store
	if cfg.Cache.Enabled {
		switch cfg.Cache.Backend {
		case "memory":
			responses = cache.NewMemoryStore()
		default:
			responses = cache.NewRedisStore(rdb)
		}
		log.Info("response cache enabled",
			zap.String("backend", cfg.Cache.Backend),
			zap.Duration("ttl", cfg.Cache.TTL),
			zap.Bool("single_flight", cfg.Cache.SingleFlight))
	}

	tokenizer, err := ai.NewTiktoken(ai.DefaultEncoding)
	if err != nil {
		return err
	}

	upstream := proxy.NewUpstream(proxy.UpstreamConfig{
		Scheme:      cfg.Upstream.Scheme,
		Host:        cfg.Upstream.Host,
		APIKey:      cfg.Upstream.APIKey,
		Timeout:     cfg.Upstream.Timeout,
		MaxFailures: cfg.Upstream.Breaker.MaxFailures,
		OpenTimeout: cfg.Upstream.Breaker.OpenTimeout,
	}, nil, log)
	resolver := proxy.NewResolver(responses, upstream, proxy.ResolverConfig{
		TTL:          cfg.Cache.TTL,
		SingleFlight: cfg.Cache.SingleFlight,
	}, log)
	tasks := proxy.NewTasks(cfg.Storage.FinalizeTimeout, log)
	handler := proxy.NewHandler(
		resolver,
		storage.NewRecorder(logStore, cfg.Storage.MaxBodyBytes),
		ai.NewAccountant(tokenizer, log),
		tasks,
		proxy.Options{MaxBodyBytes: cfg.Server.MaxBodyBytes, Prices: cfgStore.Prices},
		log,
	)

	keys := keymanager.New(rdb)
	if cfg.Auth.AdminKey == "" {
		log.Warn("auth.admin_key is empty, admin API will reject every request")
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.AccessLog(log))
	r.Use(chimw.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/admin", api.NewAdminAPI(keys, logStore, cfg.Auth.AdminKey, cfgStore.Prices, log).Routes())
	r.Handle("/*", middleware.Auth(keys, log)(handler))

	srv := &http.Server{
		Addr:              cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening",
			zap.String("addr", cfg.Server.Port),
			zap.String("upstream", upstream.URL("/", "")))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", zap.Error(err))
	}
	if err := tasks.Shutdown(shutdownCtx); err != nil {
		log.Error("pending usage records not written", zap.Error(err))
		return err
	}
	log.Info("server stopped")
	return nil
}

func openLogStore(cfg *config.Config, rdb *cache.Client) (storage.Store, func(), error) {
	switch cfg.Storage.Backend {
	case "redis":
		return storage.NewRedisStore(rdb, cfg.Storage.Retention), func() {}, nil
	default:
		db, err := storage.OpenSQLite(cfg.Storage.DSN)
		if err != nil {
			return nil, nil, err
		}
		s, err := storage.NewSQLStore(db)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	}
}
