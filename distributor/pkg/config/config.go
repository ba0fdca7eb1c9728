package config

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"

	"github.com/fartnode/distributor/distributor/pkg/rewards"
)

const (
	// PPMScale is the fixed-point scale of DistributionPPM.
	PPMScale = 1_000_000

	DefaultDataDir     = "data"
	DefaultMonitorPort = 8787

	BackendFile     = "file"
	BackendPostgres = "postgres"

	// maxTransfersCeiling keeps a batch inside the transaction packet limit
	// even with the compute-budget prefix.
	maxTransfersCeiling = 20
)

var ErrMissing = errors.New("missing required value")

// Error reports an invalid or missing configuration value.
type Error struct {
	Key string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %v", e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// StoreConfig selects where epoch summaries are kept. It is shared by the
// distributor and the monitor.
type StoreConfig struct {
	Backend     string
	DataDir     string
	PostgresDSN string
}

// AppConfig is resolved once at startup and passed by value; nothing in the
// pipeline mutates it.
type AppConfig struct {
	RPCEndpoint string
	Mint        solana.PublicKey

	Creator      solana.PrivateKey
	RewardsVault solana.PrivateKey

	USDThreshold decimal.Decimal

	// DistributionPPM is the share of claimed fees moved to the reserve, in
	// parts per million.
	DistributionPPM uint64

	Band rewards.Band

	PumpPortalURL string
	PriceAPIURL   string

	Commitment           solanarpc.CommitmentType
	PriorityFee          rewards.PriorityFee
	MaxTransfersPerBatch int

	Store StoreConfig

	SlackWebhookURL string
	PushgatewayURL  string
	SentryDSN       string
	LogLevel        string
}

// LoadFromEnv reads AppConfig from the process environment.
func LoadFromEnv() (AppConfig, error) {
	return Load(os.Getenv)
}

// Load reads AppConfig through getenv and validates it.
func Load(getenv func(string) string) (AppConfig, error) {
	r := reader{getenv: getenv}

	cfg := AppConfig{
		RPCEndpoint:     r.url("RPC_ENDPOINT"),
		Mint:            r.publicKey("FARTNODE_MINT"),
		Creator:         r.keypair("CREATOR_SECRET_B58"),
		RewardsVault:    r.keypair("REWARDS_VAULT_SECRET_B58"),
		USDThreshold:    r.nonNegativeDecimal("USD_THRESHOLD"),
		DistributionPPM: r.fraction("DISTRIBUTION_PERCENT"),
		Band: rewards.Band{
			Min: r.uint("MIN_ELIGIBLE_BALANCE"),
			Max: r.optionalMax("MAX_ELIGIBLE_BALANCE"),
		},
		PumpPortalURL:        r.url("PUMP_PORTAL_URL"),
		PriceAPIURL:          r.url("PRICE_API_URL"),
		Commitment:           r.commitment("COMMITMENT"),
		PriorityFee:          rewards.PriorityFee{MicroLamports: r.optionalUint("PRIORITY_FEE_MICROLAMPORTS", 0)},
		MaxTransfersPerBatch: int(r.optionalUint("MAX_TRANSFERS_PER_BATCH", rewards.MaxTransfersPerBatch)),
		SlackWebhookURL:      strings.TrimSpace(getenv("SLACK_WEBHOOK_URL")),
		PushgatewayURL:       strings.TrimSpace(getenv("PUSHGATEWAY_URL")),
		SentryDSN:            strings.TrimSpace(getenv("SENTRY_DSN")),
		LogLevel:             strings.TrimSpace(getenv("LOG_LEVEL")),
	}
	if r.err != nil {
		return AppConfig{}, r.err
	}

	store, err := LoadStore(getenv)
	if err != nil {
		return AppConfig{}, err
	}
	cfg.Store = store

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadStore reads the summary store selection.
func LoadStore(getenv func(string) string) (StoreConfig, error) {
	cfg := StoreConfig{
		Backend:     strings.ToLower(strings.TrimSpace(getenv("SUMMARY_BACKEND"))),
		DataDir:     strings.TrimSpace(getenv("DATA_DIR")),
		PostgresDSN: strings.TrimSpace(getenv("POSTGRES_DSN")),
	}
	if err := cfg.Validate(); err != nil {
		return StoreConfig{}, err
	}
	return cfg, nil
}

func (c *StoreConfig) Validate() error {
	if c.Backend == "" {
		c.Backend = BackendFile
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	switch c.Backend {
	case BackendFile:
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return &Error{Key: "POSTGRES_DSN", Err: fmt.Errorf("%w when SUMMARY_BACKEND=postgres", ErrMissing)}
		}
	default:
		return &Error{Key: "SUMMARY_BACKEND", Err: fmt.Errorf("unsupported backend %q", c.Backend)}
	}
	return nil
}

// Validate checks cross-field invariants. It is also safe to call on a
// hand-built AppConfig.
func (c AppConfig) Validate() error {
	if c.RPCEndpoint == "" {
		return &Error{Key: "RPC_ENDPOINT", Err: ErrMissing}
	}
	if c.Mint.IsZero() {
		return &Error{Key: "FARTNODE_MINT", Err: ErrMissing}
	}
	if len(c.Creator) != ed25519.PrivateKeySize {
		return &Error{Key: "CREATOR_SECRET_B58", Err: ErrMissing}
	}
	if len(c.RewardsVault) != ed25519.PrivateKeySize {
		return &Error{Key: "REWARDS_VAULT_SECRET_B58", Err: ErrMissing}
	}
	if c.Creator.PublicKey().Equals(c.RewardsVault.PublicKey()) {
		return &Error{Key: "REWARDS_VAULT_SECRET_B58", Err: errors.New("reserve must differ from creator")}
	}
	if c.USDThreshold.IsNegative() {
		return &Error{Key: "USD_THRESHOLD", Err: errors.New("must be >= 0")}
	}
	if c.DistributionPPM > PPMScale {
		return &Error{Key: "DISTRIBUTION_PERCENT", Err: errors.New("must be between 0 and 1")}
	}
	if c.Band.Max != nil && *c.Band.Max < c.Band.Min {
		return &Error{Key: "MAX_ELIGIBLE_BALANCE", Err: fmt.Errorf("must be >= MIN_ELIGIBLE_BALANCE (%d)", c.Band.Min)}
	}
	if c.Commitment != solanarpc.CommitmentConfirmed && c.Commitment != solanarpc.CommitmentFinalized {
		return &Error{Key: "COMMITMENT", Err: fmt.Errorf("unsupported commitment %q", c.Commitment)}
	}
	if c.MaxTransfersPerBatch < 1 || c.MaxTransfersPerBatch > maxTransfersCeiling {
		return &Error{Key: "MAX_TRANSFERS_PER_BATCH", Err: fmt.Errorf("must be between 1 and %d", maxTransfersCeiling)}
	}
	return nil
}

// reader records the first failure and turns later lookups into no-ops.
type reader struct {
	getenv func(string) string
	err    error
}

func (r *reader) fail(key string, err error) {
	if r.err == nil {
		r.err = &Error{Key: key, Err: err}
	}
}

func (r *reader) required(key string) string {
	if r.err != nil {
		return ""
	}
	v := strings.TrimSpace(r.getenv(key))
	if v == "" {
		r.fail(key, ErrMissing)
	}
	return v
}

func (r *reader) url(key string) string {
	raw := r.required(key)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		r.fail(key, err)
		return ""
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		r.fail(key, fmt.Errorf("must be an http(s) URL, got %q", raw))
		return ""
	}
	return raw
}

func (r *reader) publicKey(key string) solana.PublicKey {
	raw := r.required(key)
	if raw == "" {
		return solana.PublicKey{}
	}
	pk, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		r.fail(key, err)
	}
	return pk
}

func (r *reader) keypair(key string) solana.PrivateKey {
	raw := r.required(key)
	if raw == "" {
		return nil
	}
	secret, err := base58.Decode(raw)
	if err != nil {
		r.fail(key, fmt.Errorf("invalid base58: %w", err))
		return nil
	}
	if len(secret) != ed25519.PrivateKeySize {
		r.fail(key, fmt.Errorf("invalid secret length (%d)", len(secret)))
		return nil
	}
	derived := ed25519.NewKeyFromSeed(secret[:ed25519.SeedSize])
	if !bytes.Equal(derived.Public().(ed25519.PublicKey), secret[ed25519.SeedSize:]) {
		r.fail(key, errors.New("public half does not match secret seed"))
		return nil
	}
	return solana.PrivateKey(secret)
}

func (r *reader) nonNegativeDecimal(key string) decimal.Decimal {
	raw := r.required(key)
	if raw == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		r.fail(key, errors.New("must be a number"))
		return decimal.Zero
	}
	if d.IsNegative() {
		r.fail(key, errors.New("must be >= 0"))
	}
	return d
}

// fraction parses a value in [0, 1] into parts per million, rounded half
// away from zero.
func (r *reader) fraction(key string) uint64 {
	d := r.nonNegativeDecimal(key)
	if r.err != nil {
		return 0
	}
	if d.GreaterThan(decimal.NewFromInt(1)) {
		r.fail(key, errors.New("must be <= 1"))
		return 0
	}
	return uint64(d.Shift(6).Round(0).IntPart())
}

func (r *reader) uint(key string) uint64 {
	raw := r.required(key)
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		r.fail(key, errors.New("must be a non-negative integer"))
	}
	return v
}

func (r *reader) optionalUint(key string, def uint64) uint64 {
	if r.err != nil {
		return def
	}
	raw := strings.TrimSpace(r.getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		r.fail(key, errors.New("must be a non-negative integer"))
		return def
	}
	return v
}

// optionalMax treats an empty value or "0" as no upper bound.
func (r *reader) optionalMax(key string) *uint64 {
	v := r.optionalUint(key, 0)
	if r.err != nil || v == 0 {
		return nil
	}
	return &v
}

func (r *reader) commitment(key string) solanarpc.CommitmentType {
	raw := strings.ToLower(strings.TrimSpace(r.getenv(key)))
	if raw == "" {
		return solanarpc.CommitmentConfirmed
	}
	return solanarpc.CommitmentType(raw)
}
