package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"

	"github.com/fartnode/distributor/distributor/pkg/metrics"
	"github.com/fartnode/distributor/distributor/pkg/rewards"
)

// Freshness is the recent blockhash a transaction is signed against and the
// last block height at which the network will still accept it.
type Freshness struct {
	Blockhash            solana.Hash
	LastValidBlockHeight uint64
}

// Network is the ledger surface the submitter drives.
type Network interface {
	LatestBlockhash(ctx context.Context) (Freshness, error)
	Broadcast(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	// Confirm blocks until sig reaches the configured commitment, the
	// transaction fails, or the chain passes freshness.LastValidBlockHeight.
	Confirm(ctx context.Context, sig solana.Signature, freshness Freshness) error
}

// Step names the phase of a batch that failed.
type Step string

const (
	StepPrepare   Step = "prepare"
	StepSign      Step = "sign"
	StepBroadcast Step = "broadcast"
	StepConfirm   Step = "confirm"
)

// SubmissionError reports a batch that could not be landed. Confirmed holds
// the signatures of every earlier batch; those transfers are final and are
// not rolled back.
type SubmissionError struct {
	BatchIndex int
	BatchCount int
	Step       Step
	// Signature is set when the failing batch was broadcast but not confirmed.
	// Its outcome is unknown and must be checked before any manual retry.
	Signature solana.Signature
	Confirmed []solana.Signature
	Err       error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("batch %d of %d failed at %s (%d confirmed): %v",
		e.BatchIndex+1, e.BatchCount, e.Step, len(e.Confirmed), e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

type Config struct {
	Logger      *slog.Logger
	Network     Network
	PriorityFee rewards.PriorityFee
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Network == nil {
		return errors.New("network is required")
	}
	return nil
}

// Submitter lands batches one at a time, in order.
type Submitter struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Submitter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Submitter{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Submit signs, broadcasts and confirms each batch strictly sequentially.
// A fresh blockhash is fetched immediately before each batch is signed, and
// batch i+1 is not prepared until batch i is confirmed. On failure the
// signatures confirmed so far are returned together with a *SubmissionError.
func (s *Submitter) Submit(ctx context.Context, batches []rewards.Batch, signer solana.PrivateKey) ([]solana.Signature, error) {
	signatures := make([]solana.Signature, 0, len(batches))
	if len(batches) == 0 {
		return signatures, nil
	}

	signerKey := signer.PublicKey()
	fail := func(i int, step Step, sig solana.Signature, err error) ([]solana.Signature, error) {
		metrics.BatchesTotal.WithLabelValues("failed").Inc()
		s.log.Error("submit: batch failed",
			"batch", i+1,
			"batches", len(batches),
			"step", string(step),
			"confirmed", len(signatures),
			"error", err)
		return signatures, &SubmissionError{
			BatchIndex: i,
			BatchCount: len(batches),
			Step:       step,
			Signature:  sig,
			Confirmed:  append([]solana.Signature(nil), signatures...),
			Err:        err,
		}
	}

	for i, batch := range batches {
		if !batch.FeePayer.Equals(signerKey) {
			return fail(i, StepSign, solana.Signature{}, fmt.Errorf("signer %s does not match fee payer %s", signerKey, batch.FeePayer))
		}

		freshness, err := s.cfg.Network.LatestBlockhash(ctx)
		if err != nil {
			return fail(i, StepPrepare, solana.Signature{}, fmt.Errorf("failed to get latest blockhash: %w", err))
		}

		tx, err := batch.Transaction(freshness.Blockhash, s.cfg.PriorityFee)
		if err != nil {
			return fail(i, StepPrepare, solana.Signature{}, err)
		}
		if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
			if key.Equals(signerKey) {
				return &signer
			}
			return nil
		}); err != nil {
			return fail(i, StepSign, solana.Signature{}, fmt.Errorf("failed to sign transaction: %w", err))
		}

		sig, err := s.cfg.Network.Broadcast(ctx, tx)
		if err != nil {
			return fail(i, StepBroadcast, solana.Signature{}, fmt.Errorf("failed to send transaction: %w", err))
		}
		s.log.Debug("submit: batch sent",
			"batch", i+1,
			"signature", sig.String(),
			"last_valid_block_height", freshness.LastValidBlockHeight)

		if err := s.cfg.Network.Confirm(ctx, sig, freshness); err != nil {
			return fail(i, StepConfirm, sig, fmt.Errorf("failed to confirm transaction %s: %w", sig, err))
		}

		signatures = append(signatures, sig)
		metrics.BatchesTotal.WithLabelValues("confirmed").Inc()

		lamports, _ := batch.Lamports()
		s.log.Info("submit: batch confirmed",
			"batch", i+1,
			"batches", len(batches),
			"transfers", len(batch.Payouts),
			"lamports", lamports,
			"signature", sig.String())
	}

	return signatures, nil
}
