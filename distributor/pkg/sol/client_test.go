package sol

import (
	"context"
	"encoding/binary"
	"errors"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/require"

	"github.com/fartnode/distributor/distributor/pkg/rewards"
	"github.com/fartnode/distributor/distributor/pkg/submit"
	"github.com/fartnode/distributor/utils/pkg/retry"
	distributortesting "github.com/fartnode/distributor/utils/pkg/testing"
)

type mockSolanaRPC struct {
	getBalanceFunc           func(context.Context, solana.PublicKey, solanarpc.CommitmentType) (*solanarpc.GetBalanceResult, error)
	getLatestBlockhashFunc   func(context.Context, solanarpc.CommitmentType) (*solanarpc.GetLatestBlockhashResult, error)
	sendTransactionFunc      func(context.Context, *solana.Transaction, solanarpc.TransactionOpts) (solana.Signature, error)
	getSignatureStatusesFunc func(context.Context, bool, ...solana.Signature) (*solanarpc.GetSignatureStatusesResult, error)
	getBlockHeightFunc       func(context.Context, solanarpc.CommitmentType) (uint64, error)
	getProgramAccountsFunc   func(context.Context, solana.PublicKey, *solanarpc.GetProgramAccountsOpts) (solanarpc.GetProgramAccountsResult, error)
}

func (m *mockSolanaRPC) GetBalance(ctx context.Context, account solana.PublicKey, commitment solanarpc.CommitmentType) (*solanarpc.GetBalanceResult, error) {
	if m.getBalanceFunc != nil {
		return m.getBalanceFunc(ctx, account, commitment)
	}
	return &solanarpc.GetBalanceResult{Value: 0}, nil
}

func (m *mockSolanaRPC) GetLatestBlockhash(ctx context.Context, commitment solanarpc.CommitmentType) (*solanarpc.GetLatestBlockhashResult, error) {
	if m.getLatestBlockhashFunc != nil {
		return m.getLatestBlockhashFunc(ctx, commitment)
	}
	return &solanarpc.GetLatestBlockhashResult{
		Value: &solanarpc.LatestBlockhashResult{Blockhash: solana.Hash{9}, LastValidBlockHeight: 1_000},
	}, nil
}

func (m *mockSolanaRPC) SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts solanarpc.TransactionOpts) (solana.Signature, error) {
	if m.sendTransactionFunc != nil {
		return m.sendTransactionFunc(ctx, tx, opts)
	}
	return solana.Signature{1}, nil
}

func (m *mockSolanaRPC) GetSignatureStatuses(ctx context.Context, search bool, sigs ...solana.Signature) (*solanarpc.GetSignatureStatusesResult, error) {
	if m.getSignatureStatusesFunc != nil {
		return m.getSignatureStatusesFunc(ctx, search, sigs...)
	}
	return &solanarpc.GetSignatureStatusesResult{
		Value: []*solanarpc.SignatureStatusesResult{{ConfirmationStatus: solanarpc.ConfirmationStatusConfirmed}},
	}, nil
}

func (m *mockSolanaRPC) GetBlockHeight(ctx context.Context, commitment solanarpc.CommitmentType) (uint64, error) {
	if m.getBlockHeightFunc != nil {
		return m.getBlockHeightFunc(ctx, commitment)
	}
	return 10, nil
}

func (m *mockSolanaRPC) GetProgramAccountsWithOpts(ctx context.Context, program solana.PublicKey, opts *solanarpc.GetProgramAccountsOpts) (solanarpc.GetProgramAccountsResult, error) {
	if m.getProgramAccountsFunc != nil {
		return m.getProgramAccountsFunc(ctx, program, opts)
	}
	return nil, nil
}

func newTestClient(t *testing.T, rpc SolanaRPC, commitment solanarpc.CommitmentType) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{
		Logger:       distributortesting.NewLogger(),
		RPC:          rpc,
		Commitment:   commitment,
		PollInterval: time.Millisecond,
		Retry:        retry.Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
	})
	require.NoError(t, err)
	return c
}

func TestDistributor_Sol_NewClient(t *testing.T) {
	t.Parallel()

	_, err := NewClient(ClientConfig{RPC: &mockSolanaRPC{}})
	require.ErrorContains(t, err, "logger is required")

	_, err = NewClient(ClientConfig{Logger: distributortesting.NewLogger()})
	require.ErrorContains(t, err, "rpc client is required")

	_, err = NewClient(ClientConfig{Logger: distributortesting.NewLogger(), RPC: &mockSolanaRPC{}, Commitment: "recent"})
	require.ErrorContains(t, err, "unsupported commitment")

	c, err := NewClient(ClientConfig{Logger: distributortesting.NewLogger(), RPC: &mockSolanaRPC{}})
	require.NoError(t, err)
	require.Equal(t, solanarpc.CommitmentConfirmed, c.cfg.Commitment)
	require.NotNil(t, c.cfg.Clock)
}

func TestDistributor_Sol_Balance(t *testing.T) {
	t.Parallel()

	t.Run("retries transient failures", func(t *testing.T) {
		t.Parallel()
		var calls atomic.Int32
		rpc := &mockSolanaRPC{
			getBalanceFunc: func(ctx context.Context, pk solana.PublicKey, c solanarpc.CommitmentType) (*solanarpc.GetBalanceResult, error) {
				require.Equal(t, solanarpc.CommitmentConfirmed, c)
				if calls.Add(1) == 1 {
					return nil, errors.New("429 Too Many Requests")
				}
				return &solanarpc.GetBalanceResult{Value: 42}, nil
			},
		}
		got, err := newTestClient(t, rpc, "").Balance(context.Background(), solana.PublicKey{1})
		require.NoError(t, err)
		require.Equal(t, uint64(42), got)
		require.Equal(t, int32(2), calls.Load())
	})

	t.Run("returns permanent failure", func(t *testing.T) {
		t.Parallel()
		rpc := &mockSolanaRPC{
			getBalanceFunc: func(context.Context, solana.PublicKey, solanarpc.CommitmentType) (*solanarpc.GetBalanceResult, error) {
				return nil, errors.New("invalid param")
			},
		}
		_, err := newTestClient(t, rpc, "").Balance(context.Background(), solana.PublicKey{1})
		require.ErrorContains(t, err, "failed to get balance")
	})
}

func TestDistributor_Sol_LatestBlockhash(t *testing.T) {
	t.Parallel()

	f, err := newTestClient(t, &mockSolanaRPC{}, "").LatestBlockhash(context.Background())
	require.NoError(t, err)
	require.Equal(t, submit.Freshness{Blockhash: solana.Hash{9}, LastValidBlockHeight: 1_000}, f)

	rpc := &mockSolanaRPC{
		getLatestBlockhashFunc: func(context.Context, solanarpc.CommitmentType) (*solanarpc.GetLatestBlockhashResult, error) {
			return &solanarpc.GetLatestBlockhashResult{}, nil
		},
	}
	_, err = newTestClient(t, rpc, "").LatestBlockhash(context.Background())
	require.ErrorContains(t, err, "empty latest blockhash response")
}

func TestDistributor_Sol_Broadcast(t *testing.T) {
	t.Parallel()

	t.Run("sends once with preflight", func(t *testing.T) {
		t.Parallel()
		var calls atomic.Int32
		rpc := &mockSolanaRPC{
			sendTransactionFunc: func(ctx context.Context, tx *solana.Transaction, opts solanarpc.TransactionOpts) (solana.Signature, error) {
				calls.Add(1)
				require.False(t, opts.SkipPreflight)
				return solana.Signature{}, errors.New("connection reset")
			},
		}
		_, err := newTestClient(t, rpc, "").Broadcast(context.Background(), &solana.Transaction{})
		require.Error(t, err)
		require.Equal(t, int32(1), calls.Load(), "broadcasts are never retried")
	})
}

func TestDistributor_Sol_Confirm(t *testing.T) {
	t.Parallel()

	freshness := submit.Freshness{Blockhash: solana.Hash{1}, LastValidBlockHeight: 100}

	t.Run("waits until commitment is reached", func(t *testing.T) {
		t.Parallel()
		var polls atomic.Int32
		rpc := &mockSolanaRPC{
			getSignatureStatusesFunc: func(ctx context.Context, search bool, sigs ...solana.Signature) (*solanarpc.GetSignatureStatusesResult, error) {
				switch polls.Add(1) {
				case 1:
					return &solanarpc.GetSignatureStatusesResult{Value: []*solanarpc.SignatureStatusesResult{nil}}, nil
				case 2:
					return &solanarpc.GetSignatureStatusesResult{Value: []*solanarpc.SignatureStatusesResult{{ConfirmationStatus: solanarpc.ConfirmationStatusProcessed}}}, nil
				default:
					return &solanarpc.GetSignatureStatusesResult{Value: []*solanarpc.SignatureStatusesResult{{ConfirmationStatus: solanarpc.ConfirmationStatusConfirmed}}}, nil
				}
			},
		}
		err := newTestClient(t, rpc, solanarpc.CommitmentConfirmed).Confirm(context.Background(), solana.Signature{1}, freshness)
		require.NoError(t, err)
		require.Equal(t, int32(3), polls.Load())
	})

	t.Run("finalized commitment ignores confirmed status", func(t *testing.T) {
		t.Parallel()
		var polls atomic.Int32
		rpc := &mockSolanaRPC{
			getSignatureStatusesFunc: func(ctx context.Context, search bool, sigs ...solana.Signature) (*solanarpc.GetSignatureStatusesResult, error) {
				status := solanarpc.ConfirmationStatusConfirmed
				if polls.Add(1) >= 3 {
					status = solanarpc.ConfirmationStatusFinalized
				}
				return &solanarpc.GetSignatureStatusesResult{Value: []*solanarpc.SignatureStatusesResult{{ConfirmationStatus: status}}}, nil
			},
		}
		err := newTestClient(t, rpc, solanarpc.CommitmentFinalized).Confirm(context.Background(), solana.Signature{1}, freshness)
		require.NoError(t, err)
		require.Equal(t, int32(3), polls.Load())
	})

	t.Run("fails once block height passes expiry", func(t *testing.T) {
		t.Parallel()
		var height atomic.Uint64
		height.Store(98)
		rpc := &mockSolanaRPC{
			getSignatureStatusesFunc: func(ctx context.Context, search bool, sigs ...solana.Signature) (*solanarpc.GetSignatureStatusesResult, error) {
				return &solanarpc.GetSignatureStatusesResult{Value: []*solanarpc.SignatureStatusesResult{nil}}, nil
			},
			getBlockHeightFunc: func(context.Context, solanarpc.CommitmentType) (uint64, error) {
				return height.Add(1), nil
			},
		}
		err := newTestClient(t, rpc, "").Confirm(context.Background(), solana.Signature{1}, freshness)
		require.ErrorIs(t, err, ErrBlockhashExpired)
		require.Equal(t, uint64(101), height.Load())
	})

	t.Run("landed transaction does not expire while awaiting finalization", func(t *testing.T) {
		t.Parallel()
		var polls, heightReads atomic.Int32
		rpc := &mockSolanaRPC{
			getSignatureStatusesFunc: func(ctx context.Context, search bool, sigs ...solana.Signature) (*solanarpc.GetSignatureStatusesResult, error) {
				status := solanarpc.ConfirmationStatusConfirmed
				if polls.Add(1) >= 3 {
					status = solanarpc.ConfirmationStatusFinalized
				}
				return &solanarpc.GetSignatureStatusesResult{Value: []*solanarpc.SignatureStatusesResult{{ConfirmationStatus: status}}}, nil
			},
			getBlockHeightFunc: func(context.Context, solanarpc.CommitmentType) (uint64, error) {
				heightReads.Add(1)
				return 101, nil
			},
		}
		err := newTestClient(t, rpc, solanarpc.CommitmentFinalized).Confirm(context.Background(), solana.Signature{1}, freshness)
		require.NoError(t, err)
		require.Equal(t, int32(3), polls.Load())
		require.Zero(t, heightReads.Load())
	})

	t.Run("rechecks status before reporting expiry", func(t *testing.T) {
		t.Parallel()
		var polls atomic.Int32
		rpc := &mockSolanaRPC{
			getSignatureStatusesFunc: func(ctx context.Context, search bool, sigs ...solana.Signature) (*solanarpc.GetSignatureStatusesResult, error) {
				if polls.Add(1) == 1 {
					return &solanarpc.GetSignatureStatusesResult{Value: []*solanarpc.SignatureStatusesResult{nil}}, nil
				}
				return &solanarpc.GetSignatureStatusesResult{Value: []*solanarpc.SignatureStatusesResult{{ConfirmationStatus: solanarpc.ConfirmationStatusConfirmed}}}, nil
			},
			getBlockHeightFunc: func(context.Context, solanarpc.CommitmentType) (uint64, error) {
				return 101, nil
			},
		}
		err := newTestClient(t, rpc, solanarpc.CommitmentConfirmed).Confirm(context.Background(), solana.Signature{1}, freshness)
		require.NoError(t, err)
		require.Equal(t, int32(2), polls.Load())
	})

	t.Run("keeps polling when the recheck finds a processed transaction", func(t *testing.T) {
		t.Parallel()
		var polls, heightReads atomic.Int32
		rpc := &mockSolanaRPC{
			getSignatureStatusesFunc: func(ctx context.Context, search bool, sigs ...solana.Signature) (*solanarpc.GetSignatureStatusesResult, error) {
				switch polls.Add(1) {
				case 1:
					return &solanarpc.GetSignatureStatusesResult{Value: []*solanarpc.SignatureStatusesResult{nil}}, nil
				case 2:
					return &solanarpc.GetSignatureStatusesResult{Value: []*solanarpc.SignatureStatusesResult{{ConfirmationStatus: solanarpc.ConfirmationStatusProcessed}}}, nil
				default:
					return &solanarpc.GetSignatureStatusesResult{Value: []*solanarpc.SignatureStatusesResult{{ConfirmationStatus: solanarpc.ConfirmationStatusConfirmed}}}, nil
				}
			},
			getBlockHeightFunc: func(context.Context, solanarpc.CommitmentType) (uint64, error) {
				heightReads.Add(1)
				return 101, nil
			},
		}
		err := newTestClient(t, rpc, solanarpc.CommitmentConfirmed).Confirm(context.Background(), solana.Signature{1}, freshness)
		require.NoError(t, err)
		require.Equal(t, int32(3), polls.Load())
		require.Equal(t, int32(1), heightReads.Load())
	})

	t.Run("fails on transaction error", func(t *testing.T) {
		t.Parallel()
		rpc := &mockSolanaRPC{
			getSignatureStatusesFunc: func(ctx context.Context, search bool, sigs ...solana.Signature) (*solanarpc.GetSignatureStatusesResult, error) {
				return &solanarpc.GetSignatureStatusesResult{Value: []*solanarpc.SignatureStatusesResult{{
					ConfirmationStatus: solanarpc.ConfirmationStatusConfirmed,
					Err:                map[string]any{"InstructionError": []any{0, "InsufficientFunds"}},
				}}}, nil
			},
		}
		err := newTestClient(t, rpc, "").Confirm(context.Background(), solana.Signature{1}, freshness)
		require.ErrorContains(t, err, "transaction failed on chain")
	})

	t.Run("stops when context is cancelled", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		rpc := &mockSolanaRPC{
			getSignatureStatusesFunc: func(ctx context.Context, search bool, sigs ...solana.Signature) (*solanarpc.GetSignatureStatusesResult, error) {
				cancel()
				return &solanarpc.GetSignatureStatusesResult{Value: []*solanarpc.SignatureStatusesResult{nil}}, nil
			},
		}
		err := newTestClient(t, rpc, "").Confirm(ctx, solana.Signature{1}, freshness)
		require.ErrorIs(t, err, context.Canceled)
	})
}

func tokenAccountData(mint, owner solana.PublicKey, amount uint64) []byte {
	data := make([]byte, tokenAccountSize)
	copy(data[0:32], mint[:])
	copy(data[32:64], owner[:])
	binary.LittleEndian.PutUint64(data[64:72], amount)
	data[108] = 1 // initialized
	return data
}

func keyed(pubkey solana.PublicKey, data []byte) *solanarpc.KeyedAccount {
	return &solanarpc.KeyedAccount{
		Pubkey:  pubkey,
		Account: &solanarpc.Account{Data: solanarpc.DataBytesOrJSONFromBytes(data)},
	}
}

func TestDistributor_Sol_Holders(t *testing.T) {
	t.Parallel()

	mint := solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")
	otherMint := solana.PublicKey{7}
	alice := solana.PublicKey{0xaa, 1}
	bob := solana.PublicKey{0xbb, 2}

	t.Run("aggregates by owner, drops zero balances and sorts by address", func(t *testing.T) {
		t.Parallel()
		rpc := &mockSolanaRPC{
			getProgramAccountsFunc: func(ctx context.Context, program solana.PublicKey, opts *solanarpc.GetProgramAccountsOpts) (solanarpc.GetProgramAccountsResult, error) {
				require.Equal(t, solana.TokenProgramID, program)
				require.Len(t, opts.Filters, 2)
				require.Equal(t, uint64(tokenAccountSize), opts.Filters[0].DataSize)
				require.Equal(t, uint64(0), opts.Filters[1].Memcmp.Offset)
				require.Equal(t, solana.Base58(mint.Bytes()), opts.Filters[1].Memcmp.Bytes)
				return solanarpc.GetProgramAccountsResult{
					keyed(solana.PublicKey{1}, tokenAccountData(mint, alice, 100)),
					keyed(solana.PublicKey{2}, tokenAccountData(mint, bob, 50)),
					keyed(solana.PublicKey{3}, tokenAccountData(mint, alice, 25)),
					keyed(solana.PublicKey{4}, tokenAccountData(mint, solana.PublicKey{5}, 0)),
					keyed(solana.PublicKey{6}, tokenAccountData(otherMint, bob, 1_000)),
					keyed(solana.PublicKey{8}, []byte{1, 2, 3}),
				}, nil
			},
		}

		holders, err := newTestClient(t, rpc, "").Holders(context.Background(), mint)
		require.NoError(t, err)
		want := []rewards.HolderBalance{
			{Owner: alice, Amount: 125},
			{Owner: bob, Amount: 50},
		}
		slices.SortFunc(want, func(a, b rewards.HolderBalance) int {
			return strings.Compare(a.Owner.String(), b.Owner.String())
		})
		require.Equal(t, want, holders)
	})

	t.Run("detects aggregate overflow", func(t *testing.T) {
		t.Parallel()
		rpc := &mockSolanaRPC{
			getProgramAccountsFunc: func(context.Context, solana.PublicKey, *solanarpc.GetProgramAccountsOpts) (solanarpc.GetProgramAccountsResult, error) {
				return solanarpc.GetProgramAccountsResult{
					keyed(solana.PublicKey{1}, tokenAccountData(mint, alice, ^uint64(0))),
					keyed(solana.PublicKey{2}, tokenAccountData(mint, alice, 1)),
				}, nil
			},
		}
		_, err := newTestClient(t, rpc, "").Holders(context.Background(), mint)
		require.ErrorIs(t, err, rewards.ErrAmountOverflow)
	})

	t.Run("propagates rpc failure", func(t *testing.T) {
		t.Parallel()
		rpc := &mockSolanaRPC{
			getProgramAccountsFunc: func(context.Context, solana.PublicKey, *solanarpc.GetProgramAccountsOpts) (solanarpc.GetProgramAccountsResult, error) {
				return nil, errors.New("method disabled")
			},
		}
		_, err := newTestClient(t, rpc, "").Holders(context.Background(), mint)
		require.ErrorContains(t, err, "failed to get token accounts")
	})
}
