package summary

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"
)

//go:embed migrations/*.sql
var EmbedMigrations embed.FS

type PostgresConfig struct {
	Logger *slog.Logger
	DSN    string

	// Migrate applies the embedded migrations on open.
	Migrate bool
}

func (cfg *PostgresConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DSN == "" {
		return errors.New("postgres dsn is required")
	}
	return nil
}

// PostgresStore keeps summaries in the epoch_summaries table.
type PostgresStore struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = 4
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &PostgresStore{log: cfg.Logger, pool: pool}
	if cfg.Migrate {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	s.log.Info("summary: running postgres migrations")

	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, mustSub(EmbedMigrations, "migrations"))
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	for _, r := range results {
		s.log.Info("summary: applied migration", "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}

const insertSummary = `
INSERT INTO epoch_summaries (
	epoch_id, run_id, recorded_at, status, sol_usd_price, claim_signature,
	claimed_lamports, distribution_lamports, rewards_vault_balance, distributed_lamports,
	eligible_holder_count, tx_signatures, error
) VALUES (
	$1, NULLIF($2, '')::uuid, $3, $4, $5::numeric, NULLIF($6, ''),
	$7::numeric, $8::numeric, $9::numeric, $10::numeric,
	$11, $12::jsonb, NULLIF($13, '')
)`

func (s *PostgresStore) Append(ctx context.Context, summary EpochSummary) error {
	sigs := summary.TxSignatures
	if sigs == nil {
		sigs = []string{}
	}
	sigsJSON, err := json.Marshal(sigs)
	if err != nil {
		return fmt.Errorf("failed to encode signatures: %w", err)
	}

	_, err = s.pool.Exec(ctx, insertSummary,
		summary.EpochID,
		summary.RunID,
		summary.Timestamp.UTC(),
		string(summary.EffectiveStatus()),
		summary.SOLUSDPrice.String(),
		summary.ClaimSignature,
		strconv.FormatUint(summary.ClaimedLamports, 10),
		strconv.FormatUint(summary.DistributionLamports, 10),
		strconv.FormatUint(summary.RewardsVaultBalance, 10),
		strconv.FormatUint(summary.DistributedLamports, 10),
		summary.EligibleHolderCount,
		string(sigsJSON),
		summary.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to insert summary: %w", err)
	}
	return nil
}

const selectRecent = `
SELECT epoch_id, COALESCE(run_id::text, ''), recorded_at, status, sol_usd_price::text,
	COALESCE(claim_signature, ''), claimed_lamports::text, distribution_lamports::text,
	rewards_vault_balance::text, distributed_lamports::text, eligible_holder_count,
	tx_signatures, COALESCE(error, '')
FROM epoch_summaries
ORDER BY id DESC
LIMIT $1`

func (s *PostgresStore) ReadRecent(ctx context.Context, limit int) ([]EpochSummary, error) {
	if limit <= 0 {
		return []EpochSummary{}, nil
	}
	rows, err := s.pool.Query(ctx, selectRecent, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query summaries: %w", err)
	}

	out, err := pgx.CollectRows(rows, scanSummary)
	if err != nil {
		return nil, fmt.Errorf("failed to scan summaries: %w", err)
	}
	if out == nil {
		out = []EpochSummary{}
	}
	return out, nil
}

func scanSummary(row pgx.CollectableRow) (EpochSummary, error) {
	var rec EpochSummary
	var status, price string
	var claimed, distribution, vault, paidOut string
	var sigs []byte
	if err := row.Scan(
		&rec.EpochID, &rec.RunID, &rec.Timestamp, &status, &price,
		&rec.ClaimSignature, &claimed, &distribution,
		&vault, &paidOut, &rec.EligibleHolderCount,
		&sigs, &rec.Error,
	); err != nil {
		return EpochSummary{}, err
	}
	rec.Status = Status(status)

	var err error
	if rec.SOLUSDPrice, err = decimal.NewFromString(price); err != nil {
		return EpochSummary{}, fmt.Errorf("sol_usd_price: %w", err)
	}
	for _, f := range []struct {
		dst *uint64
		src string
	}{
		{&rec.ClaimedLamports, claimed},
		{&rec.DistributionLamports, distribution},
		{&rec.RewardsVaultBalance, vault},
		{&rec.DistributedLamports, paidOut},
	} {
		if *f.dst, err = strconv.ParseUint(f.src, 10, 64); err != nil {
			return EpochSummary{}, err
		}
	}
	if err := json.Unmarshal(sigs, &rec.TxSignatures); err != nil {
		return EpochSummary{}, fmt.Errorf("tx_signatures: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
