package sol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/jonboulle/clockwork"

	"github.com/fartnode/distributor/distributor/pkg/metrics"
	"github.com/fartnode/distributor/distributor/pkg/submit"
	"github.com/fartnode/distributor/utils/pkg/retry"
)

// ErrBlockhashExpired is returned by Confirm when the chain has moved past
// the transaction's last valid block height without confirming it.
var ErrBlockhashExpired = errors.New("blockhash expired before confirmation")

// SolanaRPC is the subset of the solana-go RPC client the distributor uses.
type SolanaRPC interface {
	GetBalance(ctx context.Context, account solana.PublicKey, commitment solanarpc.CommitmentType) (*solanarpc.GetBalanceResult, error)
	GetLatestBlockhash(ctx context.Context, commitment solanarpc.CommitmentType) (*solanarpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts solanarpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*solanarpc.GetSignatureStatusesResult, error)
	GetBlockHeight(ctx context.Context, commitment solanarpc.CommitmentType) (uint64, error)
	GetProgramAccountsWithOpts(ctx context.Context, program solana.PublicKey, opts *solanarpc.GetProgramAccountsOpts) (solanarpc.GetProgramAccountsResult, error)
}

var _ SolanaRPC = (*solanarpc.Client)(nil)

type ClientConfig struct {
	Logger *slog.Logger
	RPC    SolanaRPC
	Clock  clockwork.Clock

	// Commitment a broadcast transaction must reach before Confirm returns.
	// Reads are always made at confirmed.
	Commitment   solanarpc.CommitmentType
	PollInterval time.Duration
	Retry        retry.Config
}

func (cfg *ClientConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("rpc client is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	switch cfg.Commitment {
	case "":
		cfg.Commitment = solanarpc.CommitmentConfirmed
	case solanarpc.CommitmentProcessed, solanarpc.CommitmentConfirmed, solanarpc.CommitmentFinalized:
	default:
		return fmt.Errorf("unsupported commitment %q", cfg.Commitment)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// Client is the distributor's ledger client: balances, holder enumeration,
// and the submit.Network surface.
type Client struct {
	log *slog.Logger
	cfg ClientConfig
}

var _ submit.Network = (*Client)(nil)

func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// NewRPC returns a solana-go RPC client for endpoint.
func NewRPC(endpoint string) *solanarpc.Client {
	return solanarpc.New(endpoint)
}

func observe(method string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RPCRequestsTotal.WithLabelValues(method, status).Inc()
}

// Balance returns the lamport balance of account at confirmed commitment.
func (c *Client) Balance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	out, err := retry.DoValue(ctx, c.cfg.Retry, func() (*solanarpc.GetBalanceResult, error) {
		res, err := c.cfg.RPC.GetBalance(ctx, account, solanarpc.CommitmentConfirmed)
		observe("getBalance", err)
		return res, err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get balance of %s: %w", account, err)
	}
	if out == nil {
		return 0, fmt.Errorf("empty balance response for %s", account)
	}
	return out.Value, nil
}

// LatestBlockhash fetches a fresh blockhash and its expiry height.
func (c *Client) LatestBlockhash(ctx context.Context) (submit.Freshness, error) {
	out, err := retry.DoValue(ctx, c.cfg.Retry, func() (*solanarpc.GetLatestBlockhashResult, error) {
		res, err := c.cfg.RPC.GetLatestBlockhash(ctx, solanarpc.CommitmentConfirmed)
		observe("getLatestBlockhash", err)
		return res, err
	})
	if err != nil {
		return submit.Freshness{}, fmt.Errorf("failed to get latest blockhash: %w", err)
	}
	if out == nil || out.Value == nil {
		return submit.Freshness{}, errors.New("empty latest blockhash response")
	}
	return submit.Freshness{
		Blockhash:            out.Value.Blockhash,
		LastValidBlockHeight: out.Value.LastValidBlockHeight,
	}, nil
}

// Broadcast sends a signed transaction once, with preflight simulation.
// It is never retried here: a resend after an ambiguous failure is the
// caller's decision.
func (c *Client) Broadcast(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	sig, err := c.cfg.RPC.SendTransactionWithOpts(ctx, tx, solanarpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: solanarpc.CommitmentConfirmed,
	})
	observe("sendTransaction", err)
	if err != nil {
		return solana.Signature{}, err
	}
	return sig, nil
}

// Confirm polls the signature status until it reaches the configured
// commitment. It fails if the transaction errored on chain, or if the block
// height passes freshness.LastValidBlockHeight while the transaction has not
// landed. Once any status is seen the transaction can no longer expire, so
// polling continues until the commitment is reached or ctx is done.
func (c *Client) Confirm(ctx context.Context, sig solana.Signature, freshness submit.Freshness) error {
	ticker := c.cfg.Clock.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	landed := false
	for {
		done, seen, err := c.pollStatus(ctx, sig)
		if err != nil || done {
			return err
		}
		landed = landed || seen

		if !landed {
			height, err := retry.DoValue(ctx, c.cfg.Retry, func() (uint64, error) {
				h, err := c.cfg.RPC.GetBlockHeight(ctx, solanarpc.CommitmentConfirmed)
				observe("getBlockHeight", err)
				return h, err
			})
			if err != nil {
				return fmt.Errorf("failed to get block height: %w", err)
			}
			if height > freshness.LastValidBlockHeight {
				// The transaction may have landed after the last status read.
				done, seen, err := c.pollStatus(ctx, sig)
				if err != nil || done {
					return err
				}
				if !seen {
					return fmt.Errorf("%w: block height %d > last valid %d", ErrBlockhashExpired, height, freshness.LastValidBlockHeight)
				}
				landed = true
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}
	}
}

// pollStatus reads the signature status once. done is true when the
// configured commitment is reached; seen is true when the cluster knows the
// transaction at any commitment.
func (c *Client) pollStatus(ctx context.Context, sig solana.Signature) (done, seen bool, err error) {
	statuses, err := retry.DoValue(ctx, c.cfg.Retry, func() (*solanarpc.GetSignatureStatusesResult, error) {
		res, err := c.cfg.RPC.GetSignatureStatuses(ctx, false, sig)
		observe("getSignatureStatuses", err)
		return res, err
	})
	if err != nil {
		return false, false, fmt.Errorf("failed to get signature status: %w", err)
	}
	if statuses == nil || len(statuses.Value) == 0 || statuses.Value[0] == nil {
		return false, false, nil
	}
	status := statuses.Value[0]
	if status.Err != nil {
		return false, true, fmt.Errorf("transaction failed on chain: %v", status.Err)
	}
	if !commitmentReached(status.ConfirmationStatus, c.cfg.Commitment) {
		return false, true, nil
	}
	c.log.Debug("sol: transaction confirmed",
		"signature", sig.String(),
		"slot", status.Slot,
		"status", string(status.ConfirmationStatus))
	return true, true, nil
}

func commitmentReached(status solanarpc.ConfirmationStatusType, want solanarpc.CommitmentType) bool {
	switch want {
	case solanarpc.CommitmentFinalized:
		return status == solanarpc.ConfirmationStatusFinalized
	case solanarpc.CommitmentConfirmed:
		return status == solanarpc.ConfirmationStatusConfirmed || status == solanarpc.ConfirmationStatusFinalized
	default:
		return status != ""
	}
}
