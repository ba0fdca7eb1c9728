package rewards

import (
	"errors"
	"math/bits"

	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"
)

// ErrAmountOverflow is returned when an amount does not fit the uint64
// lamport representation. Amounts are never truncated.
var ErrAmountOverflow = errors.New("rewards: amount exceeds uint64 range")

// Payout is a transfer of native lamports owed to a holder for one epoch.
type Payout struct {
	Owner    solana.PublicKey
	Lamports uint64
}

// ComputePayouts splits reserve across holders in proportion to their
// balances: floor(reserve * amount / total) per holder, computed in 256-bit
// integers. Zero payouts are dropped. Rounding residue is not redistributed
// and stays in the reserve for the next epoch, so the sum of the result never
// exceeds reserve.
func ComputePayouts(holders []HolderBalance, reserve uint64) ([]Payout, error) {
	if reserve == 0 {
		return nil, nil
	}

	total := new(uint256.Int)
	for _, h := range holders {
		total.Add(total, uint256.NewInt(h.Amount))
	}
	if total.IsZero() {
		return nil, nil
	}

	pool := uint256.NewInt(reserve)
	share := new(uint256.Int)
	payouts := make([]Payout, 0, len(holders))
	for _, h := range holders {
		if _, overflow := share.MulOverflow(pool, uint256.NewInt(h.Amount)); overflow {
			return nil, ErrAmountOverflow
		}
		share.Div(share, total)
		if !share.IsUint64() {
			return nil, ErrAmountOverflow
		}
		lamports := share.Uint64()
		if lamports == 0 {
			continue
		}
		payouts = append(payouts, Payout{Owner: h.Owner, Lamports: lamports})
	}
	return payouts, nil
}

// TotalLamports sums the payouts, failing instead of wrapping on overflow.
func TotalLamports(payouts []Payout) (uint64, error) {
	var total uint64
	for _, p := range payouts {
		sum, carry := bits.Add64(total, p.Lamports, 0)
		if carry != 0 {
			return 0, ErrAmountOverflow
		}
		total = sum
	}
	return total, nil
}
