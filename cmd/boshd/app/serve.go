package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ggoodman/bosh-server-go/bosh"
	"github.com/ggoodman/bosh-server-go/boshhttp"
	"github.com/ggoodman/bosh-server-go/conditioncache/redis"
	"github.com/ggoodman/bosh-server-go/connector/echo"
	"github.com/ggoodman/bosh-server-go/internal/logctx"
)

const (
	defaultGracefulTimeout = 15 * time.Second
	serverReadTimeout      = 10 * time.Second
	// Held responses extend their own write deadline; this covers the rest.
	serverWriteTimeout = 30 * time.Second
	serverIdleTimeout  = 120 * time.Second
)

// serveConfig is read from the environment first. Flags that are set on the
// command line win.
type serveConfig struct {
	Listen        string `env:"BOSHD_LISTEN,default=:5280"`
	Path          string `env:"BOSHD_PATH,default=/http-bind"`
	MetricsListen string `env:"BOSHD_METRICS_LISTEN"`
	LogLevel      string `env:"BOSHD_LOG_LEVEL,default=info"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPrefix   string `env:"BOSH_CONDITIONS_KEY_PREFIX,default=bosh:conditions:"`
}

func loadServeConfig() (serveConfig, error) {
	var cfg serveConfig
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return serveConfig{}, fmt.Errorf("decode boshd config: %w", err)
	}
	return cfg, nil
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the BOSH HTTP listener",
		RunE:  runServe,
	}
	cmd.Flags().String("listen", "", "address to listen on (env BOSHD_LISTEN)")
	cmd.Flags().String("path", "", "URL path of the BOSH endpoint (env BOSHD_PATH)")
	cmd.Flags().String("metrics-listen", "", "address for the Prometheus endpoint; disabled when empty (env BOSHD_METRICS_LISTEN)")
	cmd.Flags().String("log-level", "", "debug, info, warn or error (env BOSHD_LOG_LEVEL)")
	cmd.Flags().String("redis-addr", "", "share terminated-session conditions through Redis at this address (env REDIS_ADDR)")
	return cmd
}

// applyFlags copies explicitly set flags over cfg.
func applyFlags(cmd *cobra.Command, cfg *serveConfig) {
	for name, dst := range map[string]*string{
		"listen":         &cfg.Listen,
		"path":           &cfg.Path,
		"metrics-listen": &cfg.MetricsListen,
		"log-level":      &cfg.LogLevel,
		"redis-addr":     &cfg.RedisAddr,
	} {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			*dst = f.Value.String()
		}
	}
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return logctx.Wrap(slog.New(h)), nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadServeConfig()
	if err != nil {
		return err
	}
	applyFlags(cmd, &cfg)

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	boshCfg, err := bosh.ConfigFromEnv()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []bosh.Option{
		bosh.WithConfig(boshCfg),
		bosh.WithLogger(log),
		bosh.WithMetrics(bosh.NewMetrics(reg)),
	}
	if cfg.RedisAddr != "" {
		cache, err := redis.New(redis.Config{Addr: cfg.RedisAddr, KeyPrefix: cfg.RedisPrefix})
		if err != nil {
			return fmt.Errorf("connect condition cache: %w", err)
		}
		defer cache.Close()
		opts = append(opts, bosh.WithConditionCache(cache))
		log.Info("conditions.redis.ok", slog.String("addr", cfg.RedisAddr))
	}

	eng, err := bosh.NewEngine(echo.New(echo.WithLogger(log)), opts...)
	if err != nil {
		return err
	}
	h, err := boshhttp.New(eng, boshhttp.WithPath(cfg.Path), boshhttp.WithLogger(log))
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, h)
	servers := []*http.Server{{
		Addr:         cfg.Listen,
		Handler:      mux,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}}
	if cfg.MetricsListen != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		servers = append(servers, &http.Server{Addr: cfg.MetricsListen, Handler: metricsMux, ReadTimeout: serverReadTimeout})
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, len(servers))
	for _, srv := range servers {
		go func() {
			log.Info("http.listen.ok", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("boshd.shutdown.start")
	case runErr = <-errc:
		log.Error("http.listen.fail", slog.String("err", runErr.Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()
	// Sessions go first so held requests are answered before the listener
	// waits for them.
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Warn("engine.shutdown.fail", slog.String("err", err.Error()))
	}
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http.shutdown.fail", slog.String("addr", srv.Addr), slog.String("err", err.Error()))
		}
	}
	return runErr
}
