package sol

import (
	"context"
	"fmt"
	"math/bits"
	"slices"
	"strings"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	solanarpc "github.com/gagliardetto/solana-go/rpc"

	"github.com/fartnode/distributor/distributor/pkg/rewards"
	"github.com/fartnode/distributor/utils/pkg/retry"
)

// tokenAccountSize is the length of an SPL token account; the mint is
// stored at offset 0.
const tokenAccountSize = 165

// Holders enumerates every SPL token account of mint and returns one
// balance per owner, summed across that owner's accounts, sorted by owner
// address. Empty accounts are skipped.
func (c *Client) Holders(ctx context.Context, mint solana.PublicKey) ([]rewards.HolderBalance, error) {
	accounts, err := retry.DoValue(ctx, c.cfg.Retry, func() (solanarpc.GetProgramAccountsResult, error) {
		res, err := c.cfg.RPC.GetProgramAccountsWithOpts(ctx, solana.TokenProgramID, &solanarpc.GetProgramAccountsOpts{
			Commitment: solanarpc.CommitmentConfirmed,
			Encoding:   solana.EncodingBase64,
			Filters: []solanarpc.RPCFilter{
				{DataSize: tokenAccountSize},
				{Memcmp: &solanarpc.RPCFilterMemcmp{Offset: 0, Bytes: solana.Base58(mint.Bytes())}},
			},
		})
		observe("getProgramAccounts", err)
		return res, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get token accounts for mint %s: %w", mint, err)
	}

	c.log.Debug("sol: fetched token accounts", "mint", mint.String(), "count", len(accounts))

	totals := make(map[solana.PublicKey]uint64, len(accounts))
	skipped := 0
	for _, keyed := range accounts {
		if keyed == nil || keyed.Account == nil || keyed.Account.Data == nil {
			skipped++
			continue
		}
		data := keyed.Account.Data.GetBinary()
		if len(data) != tokenAccountSize {
			skipped++
			continue
		}

		var acc token.Account
		if err := bin.NewBinDecoder(data).Decode(&acc); err != nil {
			return nil, fmt.Errorf("failed to decode token account %s: %w", keyed.Pubkey, err)
		}
		if !acc.Mint.Equals(mint) {
			skipped++
			continue
		}
		if acc.Amount == 0 {
			continue
		}

		sum, carry := bits.Add64(totals[acc.Owner], acc.Amount, 0)
		if carry != 0 {
			return nil, fmt.Errorf("balance of owner %s: %w", acc.Owner, rewards.ErrAmountOverflow)
		}
		totals[acc.Owner] = sum
	}
	if skipped > 0 {
		c.log.Warn("sol: skipped unexpected token accounts", "mint", mint.String(), "count", skipped)
	}

	holders := make([]rewards.HolderBalance, 0, len(totals))
	for owner, amount := range totals {
		holders = append(holders, rewards.HolderBalance{Owner: owner, Amount: amount})
	}
	slices.SortFunc(holders, func(a, b rewards.HolderBalance) int {
		return strings.Compare(a.Owner.String(), b.Owner.String())
	})
	return holders, nil
}
