package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/fartnode/distributor/distributor/pkg/config"
	"github.com/fartnode/distributor/distributor/pkg/epoch"
	"github.com/fartnode/distributor/distributor/pkg/metrics"
	"github.com/fartnode/distributor/distributor/pkg/notify"
	"github.com/fartnode/distributor/distributor/pkg/pricing"
	"github.com/fartnode/distributor/distributor/pkg/pumpportal"
	"github.com/fartnode/distributor/distributor/pkg/sol"
	"github.com/fartnode/distributor/distributor/pkg/submit"
	"github.com/fartnode/distributor/distributor/pkg/summary"
	"github.com/fartnode/distributor/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultRunTimeout   = 15 * time.Minute
	defaultHTTPTimeout  = 30 * time.Second
	sentryFlushDeadline = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run executes exactly one epoch and returns. Scheduling is left to the
// host (cron, systemd timer, Kubernetes CronJob).
func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	jsonLogsFlag := flag.Bool("json-logs", false, "emit line-delimited JSON logs instead of colored console output")
	envFileFlag := flag.String("env-file", ".env", "dotenv file loaded before reading the environment (ignored when missing)")
	dataDirFlag := flag.String("data-dir", "", "directory for epochs.jsonl (or set DATA_DIR env var)")
	pushURLFlag := flag.String("metrics-push-url", "", "Prometheus Pushgateway URL (or set PUSHGATEWAY_URL env var)")
	timeoutFlag := flag.Duration("timeout", defaultRunTimeout, "upper bound on a single epoch run")
	flag.Parse()

	if err := godotenv.Load(*envFileFlag); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", *envFileFlag, err)
	}
	if *dataDirFlag != "" {
		if err := os.Setenv("DATA_DIR", *dataDirFlag); err != nil {
			return err
		}
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if *pushURLFlag != "" {
		cfg.PushgatewayURL = *pushURLFlag
	}

	log := logger.New(logger.Options{
		Verbose: *verboseFlag,
		Level:   cfg.LogLevel,
		JSON:    *jsonLogsFlag,
		Service: "distributor",
	})
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Release:          version,
			TracesSampleRate: 1.0,
		}); err != nil {
			log.Warn("failed to initialize sentry", "error", err)
		} else {
			defer sentry.Flush(sentryFlushDeadline)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, *timeoutFlag)
	defer cancelTimeout()

	runner, closeStore, err := newRunner(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Warn("failed to close summary store", "error", err)
		}
	}()

	span := sentry.StartSpan(ctx, "epoch.run", sentry.WithDescription("distributor epoch"))
	res, runErr := runner.Run(span.Context())
	span.SetTag("outcome", string(res.Outcome))
	span.SetTag("stage", string(res.Stage))
	if runErr != nil {
		span.Status = sentry.SpanStatusInternalError
		sentry.CaptureException(runErr)
	} else {
		span.Status = sentry.SpanStatusOK
	}
	span.Finish()

	if cfg.PushgatewayURL != "" {
		pushCtx, pushCancel := context.WithTimeout(context.Background(), defaultHTTPTimeout)
		defer pushCancel()
		if err := metrics.Push(pushCtx, cfg.PushgatewayURL); err != nil {
			log.Warn("failed to push metrics", "error", err, "url", cfg.PushgatewayURL)
		}
	}

	if runErr != nil {
		return fmt.Errorf("epoch %s failed at %s: %w", res.EpochID, res.Stage, runErr)
	}
	return nil
}

func newRunner(ctx context.Context, log *slog.Logger, cfg config.AppConfig) (*epoch.Runner, func() error, error) {
	httpClient := &http.Client{Timeout: defaultHTTPTimeout}

	client, err := sol.NewClient(sol.ClientConfig{
		Logger:     log,
		RPC:        sol.NewRPC(cfg.RPCEndpoint),
		Commitment: cfg.Commitment,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create ledger client: %w", err)
	}

	submitter, err := submit.New(submit.Config{
		Logger:      log,
		Network:     client,
		PriorityFee: cfg.PriorityFee,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create submitter: %w", err)
	}

	oracle, err := pricing.New(pricing.Config{
		Logger:     log,
		URL:        cfg.PriceAPIURL,
		HTTPClient: httpClient,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create price oracle: %w", err)
	}

	claimer, err := pumpportal.New(pumpportal.Config{
		Logger:     log,
		URL:        cfg.PumpPortalURL,
		HTTPClient: httpClient,
		Ledger:     client,
		Mint:       cfg.Mint,
		Creator:    cfg.Creator,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create fee claimer: %w", err)
	}

	store, err := openStore(ctx, log, cfg.Store)
	if err != nil {
		return nil, nil, err
	}

	var notifier epoch.Notifier
	if cfg.SlackWebhookURL != "" {
		slackNotifier, err := notify.NewSlack(notify.SlackConfig{
			Logger:     log,
			WebhookURL: cfg.SlackWebhookURL,
			HTTPClient: httpClient,
		})
		if err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("failed to create slack notifier: %w", err)
		}
		notifier = slackNotifier
	}

	runner, err := epoch.New(epoch.Config{
		Logger:               log,
		Oracle:               oracle,
		Claimer:              claimer,
		Holders:              client,
		Ledger:               client,
		Submitter:            submitter,
		Store:                store,
		Notifier:             notifier,
		Mint:                 cfg.Mint,
		Creator:              cfg.Creator,
		Reserve:              cfg.RewardsVault,
		USDThreshold:         cfg.USDThreshold,
		DistributionPPM:      cfg.DistributionPPM,
		Band:                 cfg.Band,
		MaxTransfersPerBatch: cfg.MaxTransfersPerBatch,
		PriorityFee:          cfg.PriorityFee,
	})
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("failed to create epoch runner: %w", err)
	}
	return runner, store.Close, nil
}

func openStore(ctx context.Context, log *slog.Logger, cfg config.StoreConfig) (summary.Store, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		store, err := summary.NewPostgresStore(ctx, summary.PostgresConfig{
			Logger:  log,
			DSN:     cfg.PostgresDSN,
			Migrate: true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres summary store: %w", err)
		}
		return store, nil
	default:
		store, err := summary.NewFileStore(log, cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open summary file: %w", err)
		}
		log.Info("summary store ready", "path", store.Path())
		return store, nil
	}
}
