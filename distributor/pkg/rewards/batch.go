package rewards

import (
	"errors"
	"fmt"
	"math"
	"math/bits"

	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/system"
)

// MaxTransfersPerBatch keeps a batch of system transfers comfortably under
// the packet size limit for a legacy transaction.
const MaxTransfersPerBatch = 12

const (
	baseComputeUnits        = 5_000
	computeUnitsPerTransfer = 10_000

	// LamportsPerSignature is the base network fee per transaction signature.
	LamportsPerSignature = 5_000
)

// Batch is a group of payouts that will be sent as one signed transaction
// funded and signed by FeePayer.
type Batch struct {
	FeePayer solana.PublicKey
	Payouts  []Payout
}

// PriorityFee adds compute-budget instructions to a batch. A zero
// MicroLamports leaves the transaction without them.
type PriorityFee struct {
	MicroLamports uint64
}

// BatchPayouts partitions payouts into consecutive batches of at most
// maxPerBatch transfers, preserving order. No payouts yields no batches.
func BatchPayouts(payouts []Payout, maxPerBatch int, feePayer solana.PublicKey) ([]Batch, error) {
	if maxPerBatch <= 0 {
		return nil, fmt.Errorf("rewards: max transfers per batch must be positive, got %d", maxPerBatch)
	}
	if feePayer.IsZero() {
		return nil, errors.New("rewards: fee payer is required")
	}
	if len(payouts) == 0 {
		return nil, nil
	}

	batches := make([]Batch, 0, (len(payouts)+maxPerBatch-1)/maxPerBatch)
	for start := 0; start < len(payouts); start += maxPerBatch {
		end := min(start+maxPerBatch, len(payouts))
		group := make([]Payout, end-start)
		copy(group, payouts[start:end])
		batches = append(batches, Batch{FeePayer: feePayer, Payouts: group})
	}
	return batches, nil
}

// Lamports is the total transferred by the batch.
func (b Batch) Lamports() (uint64, error) {
	return TotalLamports(b.Payouts)
}

// Instructions returns the batch's instructions: optional compute-budget
// instructions followed by one system transfer per payout.
func (b Batch) Instructions(fee PriorityFee) []solana.Instruction {
	ixs := make([]solana.Instruction, 0, len(b.Payouts)+2)
	if fee.MicroLamports > 0 {
		units := uint32(baseComputeUnits + computeUnitsPerTransfer*len(b.Payouts))
		ixs = append(ixs,
			computebudget.NewSetComputeUnitLimitInstruction(units).Build(),
			computebudget.NewSetComputeUnitPriceInstruction(fee.MicroLamports).Build(),
		)
	}
	for _, p := range b.Payouts {
		ixs = append(ixs, system.NewTransferInstruction(p.Lamports, b.FeePayer, p.Owner).Build())
	}
	return ixs
}

// Transaction builds the unsigned transaction for the batch against blockhash.
func (b Batch) Transaction(blockhash solana.Hash, fee PriorityFee) (*solana.Transaction, error) {
	if len(b.Payouts) == 0 {
		return nil, errors.New("rewards: empty batch")
	}
	tx, err := solana.NewTransaction(b.Instructions(fee), blockhash, solana.TransactionPayer(b.FeePayer))
	if err != nil {
		return nil, fmt.Errorf("failed to build batch transaction: %w", err)
	}
	return tx, nil
}

// EstimateFees bounds the network fees the fee payer spends landing
// payoutCount transfers in batches of maxPerBatch: one signature per batch
// plus the priority fee for its compute-unit limit. It saturates instead of
// overflowing.
func EstimateFees(payoutCount, maxPerBatch int, fee PriorityFee) uint64 {
	if payoutCount <= 0 || maxPerBatch <= 0 {
		return 0
	}
	var total uint64
	for remaining := payoutCount; remaining > 0; remaining -= maxPerBatch {
		n := min(remaining, maxPerBatch)
		perBatch := uint64(LamportsPerSignature)
		if fee.MicroLamports > 0 {
			units := uint64(baseComputeUnits + computeUnitsPerTransfer*n)
			hi, lo := bits.Mul64(units, fee.MicroLamports)
			if hi >= 1_000_000 {
				return math.MaxUint64
			}
			q, r := bits.Div64(hi, lo, 1_000_000)
			if r > 0 {
				q++
			}
			var carry uint64
			if perBatch, carry = bits.Add64(perBatch, q, 0); carry != 0 {
				return math.MaxUint64
			}
		}
		var carry uint64
		if total, carry = bits.Add64(total, perBatch, 0); carry != 0 {
			return math.MaxUint64
		}
	}
	return total
}
