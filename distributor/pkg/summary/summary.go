package summary

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusCompleted Status = "completed"
	// StatusPartial marks a run where some distribution batches confirmed
	// before a later one failed. TxSignatures lists the confirmed ones.
	StatusPartial Status = "partial"
)

// DefaultRecentLimit is how many summaries the dashboard shows.
const DefaultRecentLimit = 50

// EpochSummary is the append-only record of one epoch run that reached
// submission. Lamport amounts are encoded as JSON strings.
type EpochSummary struct {
	EpochID              string          `json:"epochId"`
	RunID                string          `json:"runId,omitempty"`
	Timestamp            time.Time       `json:"timestamp"`
	Status               Status          `json:"status,omitempty"`
	SOLUSDPrice          decimal.Decimal `json:"solUsdPrice"`
	ClaimSignature       string          `json:"claimSignature,omitempty"`
	ClaimedLamports      uint64          `json:"claimedLamports,string"`
	DistributionLamports uint64          `json:"distributionLamports,string"`
	RewardsVaultBalance  uint64          `json:"rewardsVaultBalance,string"`
	DistributedLamports  uint64          `json:"distributedLamports,string"`
	EligibleHolderCount  int             `json:"eligibleHolderCount"`
	TxSignatures         []string        `json:"txSignatures"`
	Error                string          `json:"error,omitempty"`
}

// EffectiveStatus treats records written before statuses existed as
// completed.
func (s EpochSummary) EffectiveStatus() Status {
	if s.Status == "" {
		return StatusCompleted
	}
	return s.Status
}

// Store persists epoch summaries. Records are never updated after Append;
// ReadRecent returns at most limit records, newest first.
type Store interface {
	Append(ctx context.Context, s EpochSummary) error
	ReadRecent(ctx context.Context, limit int) ([]EpochSummary, error)
	Close() error
}
