package rewards

import (
	"github.com/gagliardetto/solana-go"
)

// HolderBalance is one owner's token balance aggregated across all of its
// token accounts for the rewards mint.
type HolderBalance struct {
	Owner  solana.PublicKey
	Amount uint64
}

// Band is the inclusive balance range a holder must fall in to be eligible.
// A nil Max means no upper bound.
type Band struct {
	Min uint64
	Max *uint64
}

// Contains reports whether amount lies within the band.
func (b Band) Contains(amount uint64) bool {
	if amount < b.Min {
		return false
	}
	if b.Max != nil && amount > *b.Max {
		return false
	}
	return true
}

// FilterEligible returns the holders whose balance lies within band, in input order.
func FilterEligible(holders []HolderBalance, band Band) []HolderBalance {
	eligible := make([]HolderBalance, 0, len(holders))
	for _, h := range holders {
		if band.Contains(h.Amount) {
			eligible = append(eligible, h)
		}
	}
	return eligible
}
