package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/fartnode/distributor/distributor/pkg/config"
	"github.com/fartnode/distributor/distributor/pkg/summary"
	"github.com/fartnode/distributor/monitor/pkg/server"
	"github.com/fartnode/distributor/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	jsonLogsFlag := flag.Bool("json-logs", false, "emit line-delimited JSON logs instead of colored console output")
	envFileFlag := flag.String("env-file", ".env", "dotenv file loaded before reading the environment (ignored when missing)")
	bindFlag := flag.String("bind", "0.0.0.0", "address to bind the dashboard to")
	portFlag := flag.Int("port", config.DefaultMonitorPort, "dashboard port (or set MONITOR_PORT env var)")
	limitFlag := flag.Int("limit", summary.DefaultRecentLimit, "number of recent epochs shown")
	rpmFlag := flag.Int("requests-per-minute", 60, "per-IP request budget for dashboard routes")
	originsFlag := flag.String("allowed-origins", "", "comma-separated CORS origins (or set MONITOR_ALLOWED_ORIGINS env var); empty allows any")
	flag.Parse()

	if err := godotenv.Load(*envFileFlag); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", *envFileFlag, err)
	}

	port := *portFlag
	if envPort := os.Getenv("MONITOR_PORT"); envPort != "" {
		p, err := strconv.Atoi(envPort)
		if err != nil || p <= 0 || p > 65535 {
			return &config.Error{Key: "MONITOR_PORT", Err: fmt.Errorf("invalid port %q", envPort)}
		}
		port = p
	}
	origins := *originsFlag
	if envOrigins := os.Getenv("MONITOR_ALLOWED_ORIGINS"); envOrigins != "" {
		origins = envOrigins
	}

	storeCfg, err := config.LoadStore(os.Getenv)
	if err != nil {
		return err
	}

	log := logger.New(logger.Options{
		Verbose: *verboseFlag,
		Level:   os.Getenv("LOG_LEVEL"),
		JSON:    *jsonLogsFlag,
		Service: "monitor",
	})
	server.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := openStore(ctx, log, storeCfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("failed to close summary store", "error", err)
		}
	}()

	srv, err := server.New(server.Config{
		Logger:            log,
		Store:             store,
		Limit:             *limitFlag,
		RequestsPerMinute: *rpmFlag,
		AllowedOrigins:    splitOrigins(origins),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              net.JoinHostPort(*bindFlag, strconv.Itoa(port)),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("monitoring UI started", "address", httpServer.Addr, "backend", storeCfg.Backend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return srv.Limiter().Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("shutting down monitoring UI")
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, log *slog.Logger, cfg config.StoreConfig) (summary.Store, error) {
	if cfg.Backend == config.BackendPostgres {
		// The distributor owns migrations; the monitor only reads.
		store, err := summary.NewPostgresStore(ctx, summary.PostgresConfig{Logger: log, DSN: cfg.PostgresDSN})
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres summary store: %w", err)
		}
		return store, nil
	}
	store, err := summary.NewFileStore(log, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open summary file: %w", err)
	}
	return store, nil
}

func splitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
