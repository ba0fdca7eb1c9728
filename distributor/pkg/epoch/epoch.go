package epoch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/bits"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/fartnode/distributor/distributor/pkg/metrics"
	"github.com/fartnode/distributor/distributor/pkg/notify"
	"github.com/fartnode/distributor/distributor/pkg/pumpportal"
	"github.com/fartnode/distributor/distributor/pkg/rewards"
	"github.com/fartnode/distributor/distributor/pkg/submit"
	"github.com/fartnode/distributor/distributor/pkg/summary"
)

const (
	// DustThresholdLamports is the reserve balance at or below which an
	// epoch does not distribute.
	DustThresholdLamports = 10_000

	ppmScale = 1_000_000

	epochIDLayout = "2006-01-02T15:04:05.000Z07:00"
)

type PriceOracle interface {
	SOLPrice(ctx context.Context) (decimal.Decimal, error)
}

type FeeClaimer interface {
	Claim(ctx context.Context) (*pumpportal.ClaimResult, error)
}

type HolderSource interface {
	Holders(ctx context.Context, mint solana.PublicKey) ([]rewards.HolderBalance, error)
}

type Ledger interface {
	Balance(ctx context.Context, account solana.PublicKey) (uint64, error)
}

type BatchSubmitter interface {
	Submit(ctx context.Context, batches []rewards.Batch, signer solana.PrivateKey) ([]solana.Signature, error)
}

type SummaryStore interface {
	Append(ctx context.Context, s summary.EpochSummary) error
}

type Notifier interface {
	Notify(ctx context.Context, ev notify.Event) error
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	Oracle    PriceOracle
	Claimer   FeeClaimer
	Holders   HolderSource
	Ledger    Ledger
	Submitter BatchSubmitter
	Store     SummaryStore
	// Notifier is optional; failures to notify are logged and ignored.
	Notifier Notifier

	Mint    solana.PublicKey
	Creator solana.PrivateKey
	Reserve solana.PrivateKey

	USDThreshold    decimal.Decimal
	DistributionPPM uint64
	Band            rewards.Band

	MaxTransfersPerBatch  int
	PriorityFee           rewards.PriorityFee
	DustThresholdLamports uint64

	NewRunID func() string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Oracle == nil {
		return errors.New("price oracle is required")
	}
	if cfg.Claimer == nil {
		return errors.New("fee claimer is required")
	}
	if cfg.Holders == nil {
		return errors.New("holder source is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.Submitter == nil {
		return errors.New("submitter is required")
	}
	if cfg.Store == nil {
		return errors.New("summary store is required")
	}
	if cfg.Mint.IsZero() {
		return errors.New("mint is required")
	}
	if len(cfg.Creator) != 64 {
		return errors.New("creator key is required")
	}
	if len(cfg.Reserve) != 64 {
		return errors.New("reserve key is required")
	}
	if cfg.USDThreshold.IsNegative() {
		return errors.New("usd threshold must be >= 0")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MaxTransfersPerBatch == 0 {
		cfg.MaxTransfersPerBatch = rewards.MaxTransfersPerBatch
	}
	if cfg.MaxTransfersPerBatch < 0 {
		return errors.New("max transfers per batch must be positive")
	}
	if cfg.DustThresholdLamports == 0 {
		cfg.DustThresholdLamports = DustThresholdLamports
	}
	if cfg.NewRunID == nil {
		cfg.NewRunID = uuid.NewString
	}
	return nil
}

// Runner executes epoch runs. It holds no state between runs.
type Runner struct {
	log     *slog.Logger
	cfg     Config
	creator solana.PublicKey
	reserve solana.PublicKey
}

func New(cfg Config) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Runner{
		log:     cfg.Logger,
		cfg:     cfg,
		creator: cfg.Creator.PublicKey(),
		reserve: cfg.Reserve.PublicKey(),
	}
	if r.creator.Equals(r.reserve) {
		return nil, errors.New("creator and reserve must be different accounts")
	}
	return r, nil
}

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeGated     Outcome = "gated"
	OutcomeFailed    Outcome = "failed"
)

type Stage string

const (
	StagePriceLookup         Stage = "price_lookup"
	StageThresholdCheck      Stage = "threshold_check"
	StageFeeClaim            Stage = "fee_claim"
	StageReserveTopUp        Stage = "reserve_topup"
	StageReserveBalanceCheck Stage = "reserve_balance_check"
	StageHolderEnumeration   Stage = "holder_enumeration"
	StageEligibilityFilter   Stage = "eligibility_filter"
	StagePayoutCompute       Stage = "payout_compute"
	StageBatch               Stage = "batch"
	StageSubmit              Stage = "submit"
	StageSummaryPersist      Stage = "summary_persist"
	StageDone                Stage = "done"
)

// Result describes how a run ended. Stage is the state the run stopped in;
// for a completed run it is StageDone. Summary is set whenever a record was
// written, including the partial record of a failed submission.
type Result struct {
	RunID   string
	EpochID string
	Outcome Outcome
	Stage   Stage
	Reason  string
	Summary *summary.EpochSummary
}

// run carries one epoch's intermediate values.
type run struct {
	log    *slog.Logger
	result *Result

	price        decimal.Decimal
	claim        *pumpportal.ClaimResult
	distribution uint64
	reserve      uint64
	eligible     int
}

// Run executes one epoch. A gated stop is not an error. Any error aborts
// the run; the returned Result is non-nil in every case and names the
// stage that failed.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	start := r.cfg.Clock.Now()
	runID := r.cfg.NewRunID()
	st := &run{
		log: r.log.With("run_id", runID),
		result: &Result{
			RunID:   runID,
			EpochID: start.UTC().Format(epochIDLayout),
			Stage:   StagePriceLookup,
		},
	}

	st.log.Info("epoch: starting run", "epoch_id", st.result.EpochID)
	err := r.execute(ctx, st)
	res := st.result

	switch {
	case err != nil:
		res.Outcome = OutcomeFailed
		st.log.Error("epoch: run failed", "outcome", string(res.Outcome), "stage", string(res.Stage), "error", err)
	case res.Outcome == OutcomeGated:
		st.log.Info("epoch: run stopped early", "outcome", string(res.Outcome), "stage", string(res.Stage), "reason", res.Reason)
	default:
		res.Outcome = OutcomeCompleted
		res.Stage = StageDone
		st.log.Info("epoch: run completed", "outcome", string(res.Outcome),
			"distributed_lamports", res.Summary.DistributedLamports,
			"transactions", len(res.Summary.TxSignatures),
			"duration", r.cfg.Clock.Since(start).String())
	}

	metrics.EpochRunsTotal.WithLabelValues(string(res.Outcome), string(res.Stage)).Inc()
	metrics.EpochDuration.Observe(r.cfg.Clock.Since(start).Seconds())
	r.notify(ctx, st.log, res, err)
	return res, err
}

func (st *run) gate(stage Stage, reason string) {
	st.result.Outcome = OutcomeGated
	st.result.Stage = stage
	st.result.Reason = reason
}

func (r *Runner) execute(ctx context.Context, st *run) error {
	res := st.result

	res.Stage = StagePriceLookup
	price, err := r.cfg.Oracle.SOLPrice(ctx)
	if err != nil {
		return fmt.Errorf("failed to look up SOL price: %w", err)
	}
	st.price = price

	res.Stage = StageThresholdCheck
	met, err := r.thresholdMet(ctx, st)
	if err != nil || !met {
		return err
	}

	res.Stage = StageFeeClaim
	claim, err := r.cfg.Claimer.Claim(ctx)
	if err != nil {
		return fmt.Errorf("failed to claim creator fees: %w", err)
	}
	st.claim = claim
	st.distribution = ScalePPM(claim.ClaimedLamports, r.cfg.DistributionPPM)
	metrics.ClaimedLamportsTotal.Add(float64(claim.ClaimedLamports))
	st.log.Info("epoch: creator fees claimed",
		"claim_signature", claim.Signature.String(),
		"claimed_lamports", claim.ClaimedLamports,
		"distribution_lamports", st.distribution)

	res.Stage = StageReserveTopUp
	if err := r.topUp(ctx, st); err != nil {
		return err
	}

	res.Stage = StageReserveBalanceCheck
	reserve, err := r.cfg.Ledger.Balance(ctx, r.reserve)
	if err != nil {
		return fmt.Errorf("failed to read reserve balance: %w", err)
	}
	st.reserve = reserve
	metrics.ReserveBalanceLamports.Set(float64(reserve))
	if reserve <= r.cfg.DustThresholdLamports {
		st.gate(StageReserveBalanceCheck, fmt.Sprintf("reserve balance %d at or below dust threshold %d", reserve, r.cfg.DustThresholdLamports))
		return nil
	}

	res.Stage = StageHolderEnumeration
	holders, err := r.cfg.Holders.Holders(ctx, r.cfg.Mint)
	if err != nil {
		return fmt.Errorf("failed to enumerate holders: %w", err)
	}

	res.Stage = StageEligibilityFilter
	eligible := rewards.FilterEligible(holders, r.cfg.Band)
	st.eligible = len(eligible)
	metrics.EligibleHolders.Set(float64(len(eligible)))
	st.log.Info("epoch: holders filtered", "holders", len(holders), "eligible", len(eligible))
	if len(eligible) == 0 {
		st.gate(StageEligibilityFilter, "no eligible holders")
		return nil
	}

	res.Stage = StagePayoutCompute
	fees := rewards.EstimateFees(len(eligible), r.cfg.MaxTransfersPerBatch, r.cfg.PriorityFee)
	var pool uint64
	if reserve > fees {
		pool = reserve - fees
	}
	payouts, err := rewards.ComputePayouts(eligible, pool)
	if err != nil {
		return fmt.Errorf("failed to compute payouts: %w", err)
	}
	if len(payouts) == 0 {
		st.gate(StagePayoutCompute, "no non-zero payouts")
		return nil
	}
	total, err := rewards.TotalLamports(payouts)
	if err != nil {
		return fmt.Errorf("failed to total payouts: %w", err)
	}
	st.log.Info("epoch: payouts computed",
		"payouts", len(payouts),
		"pool_lamports", pool,
		"fee_budget_lamports", fees,
		"payout_lamports", total,
		"residual_lamports", pool-total)

	res.Stage = StageBatch
	batches, err := rewards.BatchPayouts(payouts, r.cfg.MaxTransfersPerBatch, r.reserve)
	if err != nil {
		return fmt.Errorf("failed to batch payouts: %w", err)
	}

	res.Stage = StageSubmit
	sigs, submitErr := r.cfg.Submitter.Submit(ctx, batches, r.cfg.Reserve)
	paid, err := confirmedLamports(batches, len(sigs))
	if err != nil {
		return err
	}
	metrics.DistributedLamportsTotal.Add(float64(paid))

	rec := r.summary(st, sigs, paid)
	if submitErr != nil {
		var subErr *submit.SubmissionError
		if errors.As(submitErr, &subErr) && len(sigs) > 0 {
			rec.Status = summary.StatusPartial
			rec.Error = submitErr.Error()
			if err := r.cfg.Store.Append(ctx, rec); err != nil {
				st.log.Error("epoch: failed to persist partial summary",
					"error", err,
					"tx_signatures", rec.TxSignatures)
			} else {
				res.Summary = &rec
			}
		}
		return fmt.Errorf("failed to submit distribution: %w", submitErr)
	}

	res.Stage = StageSummaryPersist
	if err := r.cfg.Store.Append(ctx, rec); err != nil {
		st.log.Error("epoch: distribution landed but summary was not persisted", "tx_signatures", rec.TxSignatures)
		return fmt.Errorf("failed to persist summary: %w", err)
	}
	res.Summary = &rec
	return nil
}

// thresholdMet compares the USD value of creator and reserve balances with
// the configured threshold, gating the run when it falls short.
func (r *Runner) thresholdMet(ctx context.Context, st *run) (bool, error) {
	creator, err := r.cfg.Ledger.Balance(ctx, r.creator)
	if err != nil {
		return false, fmt.Errorf("failed to read creator balance: %w", err)
	}
	reserve, err := r.cfg.Ledger.Balance(ctx, r.reserve)
	if err != nil {
		return false, fmt.Errorf("failed to read reserve balance: %w", err)
	}
	total, carry := bits.Add64(creator, reserve, 0)
	if carry != 0 {
		return false, fmt.Errorf("creator and reserve balances: %w", rewards.ErrAmountOverflow)
	}

	usd := LamportsToUSD(total, st.price)
	st.log.Info("epoch: pre-claim balances evaluated",
		"sol_usd_price", st.price.String(),
		"creator_lamports", creator,
		"reserve_lamports", reserve,
		"pre_claim_usd", usd.StringFixed(2))

	if usd.LessThan(r.cfg.USDThreshold) {
		st.gate(StageThresholdCheck, fmt.Sprintf("pre-claim value $%s below threshold $%s", usd.StringFixed(2), r.cfg.USDThreshold.String()))
		return false, nil
	}
	return true, nil
}

// topUp moves the distribution share of the claim from the creator to the
// reserve, signed by the creator.
func (r *Runner) topUp(ctx context.Context, st *run) error {
	if st.distribution == 0 {
		st.log.Info("epoch: nothing to move to reserve")
		return nil
	}
	batch := rewards.Batch{
		FeePayer: r.creator,
		Payouts:  []rewards.Payout{{Owner: r.reserve, Lamports: st.distribution}},
	}
	sigs, err := r.cfg.Submitter.Submit(ctx, []rewards.Batch{batch}, r.cfg.Creator)
	if err != nil {
		return fmt.Errorf("failed to top up reserve: %w", err)
	}
	if len(sigs) > 0 {
		st.log.Info("epoch: reserve topped up", "signature", sigs[0].String(), "lamports", st.distribution)
	}
	return nil
}

func (r *Runner) summary(st *run, sigs []solana.Signature, paid uint64) summary.EpochSummary {
	txs := make([]string, len(sigs))
	for i, s := range sigs {
		txs[i] = s.String()
	}
	return summary.EpochSummary{
		EpochID:              st.result.EpochID,
		RunID:                st.result.RunID,
		Timestamp:            r.cfg.Clock.Now().UTC(),
		Status:               summary.StatusCompleted,
		SOLUSDPrice:          st.price,
		ClaimSignature:       st.claim.Signature.String(),
		ClaimedLamports:      st.claim.ClaimedLamports,
		DistributionLamports: st.distribution,
		RewardsVaultBalance:  st.reserve,
		DistributedLamports:  paid,
		EligibleHolderCount:  st.eligible,
		TxSignatures:         txs,
	}
}

func (r *Runner) notify(ctx context.Context, log *slog.Logger, res *Result, runErr error) {
	if r.cfg.Notifier == nil {
		return
	}
	outcome := string(res.Outcome)
	if res.Summary != nil && res.Summary.Status == summary.StatusPartial {
		outcome = string(summary.StatusPartial)
	}
	ev := notify.Event{
		RunID:   res.RunID,
		Outcome: outcome,
		Stage:   string(res.Stage),
		Reason:  res.Reason,
		Err:     runErr,
		Summary: res.Summary,
	}
	if err := r.cfg.Notifier.Notify(ctx, ev); err != nil {
		log.Warn("epoch: failed to send notification", "error", err)
	}
}

// confirmedLamports sums the first n batches.
func confirmedLamports(batches []rewards.Batch, n int) (uint64, error) {
	var total uint64
	for _, b := range batches[:min(n, len(batches))] {
		l, err := b.Lamports()
		if err != nil {
			return 0, err
		}
		var carry uint64
		if total, carry = bits.Add64(total, l, 0); carry != 0 {
			return 0, rewards.ErrAmountOverflow
		}
	}
	return total, nil
}

// ScalePPM returns floor(amount * ppm / 1_000_000). A ppm of zero yields
// zero and a ppm at or above one million yields amount.
func ScalePPM(amount, ppm uint64) uint64 {
	if ppm == 0 {
		return 0
	}
	if ppm >= ppmScale {
		return amount
	}
	hi, lo := bits.Mul64(amount, ppm)
	q, _ := bits.Div64(hi, lo, ppmScale)
	return q
}

// LamportsToUSD converts lamports to USD at price per SOL without rounding.
func LamportsToUSD(lamports uint64, price decimal.Decimal) decimal.Decimal {
	return decimal.NewFromUint64(lamports).Mul(price).Shift(-9)
}
