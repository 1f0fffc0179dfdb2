package withdraw

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/harvestlabs/rewardpool/pkg/audit"
	"github.com/harvestlabs/rewardpool/pkg/instruction"
	"github.com/harvestlabs/rewardpool/pkg/ledger"
	"github.com/harvestlabs/rewardpool/pkg/retry"
	rptesting "github.com/harvestlabs/rewardpool/pkg/testing"
)

type serviceFixture struct {
	service   *Service
	null      *ledger.NullClient
	store     *audit.MemoryStore
	programID solana.PublicKey
	authority *solana.Wallet
	farmer    *solana.Wallet
	mint      solana.PublicKey
	treasury  solana.PublicKey
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	return newServiceFixtureWith(t, nil)
}

// newServiceFixtureWith lets a test interpose on the ledger client while the
// fixture keeps direct access to the underlying in-memory engine.
func newServiceFixtureWith(t *testing.T, wrap func(ledger.Client) ledger.Client) *serviceFixture {
	t.Helper()

	programID := solana.NewWallet().PublicKey()
	null, err := ledger.NewNullClient(ledger.NullConfig{
		Logger:    rptesting.NewLogger(),
		ProgramID: programID,
	})
	require.NoError(t, err)

	var client ledger.Client = null
	if wrap != nil {
		client = wrap(null)
	}

	store := audit.NewMemoryStore()
	mint := solana.NewWallet().PublicKey()
	treasury := solana.NewWallet().PublicKey()

	service, err := New(Config{
		Logger:                rptesting.NewLogger(),
		Ledger:                client,
		ProgramID:             programID,
		Audit:                 store,
		TreasuryTokenAccounts: map[solana.PublicKey]solana.PublicKey{mint: treasury},
		Retry: retry.Config{
			MaxAttempts: 3,
			BaseBackoff: time.Millisecond,
			MaxBackoff:  5 * time.Millisecond,
		},
	})
	require.NoError(t, err)

	return &serviceFixture{
		service:   service,
		null:      null,
		store:     store,
		programID: programID,
		authority: solana.NewWallet(),
		farmer:    solana.NewWallet(),
		mint:      mint,
		treasury:  treasury,
	}
}

func (f *serviceFixture) seedPool(t *testing.T, fee uint8, vault uint64) {
	t.Helper()
	_, err := f.service.InitializePool(context.Background(), f.authority.PrivateKey, fee)
	require.NoError(t, err)
	f.null.FundVault(f.mint, vault)
}

func (f *serviceFixture) seedTask(t *testing.T, taskID string, amount uint64) {
	t.Helper()
	f.seedTaskForMint(t, taskID, f.mint, amount)
}

func (f *serviceFixture) seedTaskForMint(t *testing.T, taskID string, mint solana.PublicKey, amount uint64) {
	t.Helper()
	_, err := f.service.RecordTask(context.Background(), f.authority.PrivateKey, f.farmer.PublicKey(), mint, taskID, "pool-main", amount)
	require.NoError(t, err)
	f.store.AddTask(taskID, f.farmer.PublicKey(), mint)
}

func TestRewardPool_Withdraw_Service_PrepareAndExecute(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	f.seedPool(t, 10, 1_000_000)
	f.seedTask(t, "task-1", 100_000)
	f.seedTask(t, "task-2", 100_000)
	f.seedTask(t, "task-3", 100_000)

	prep, err := f.service.Prepare(context.Background(), f.farmer.PublicKey(), f.mint, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"task-1", "task-2", "task-3"}, prep.TaskIDs)
	require.Equal(t, uint64(0), prep.ExpectedNonce)
	require.Equal(t, uint64(300_000), prep.TotalReward)
	require.Equal(t, uint64(30_000), prep.PlatformFee)
	require.Equal(t, uint64(270_000), prep.FarmerNet)
	require.NotEmpty(t, prep.UnsignedInstruction)
	require.NotNil(t, prep.Instruction)

	receipt, err := f.service.Execute(context.Background(), ExecuteRequest{
		Farmer:        f.farmer.PublicKey(),
		TaskIDs:       prep.TaskIDs,
		ExpectedNonce: prep.ExpectedNonce,
		Signer:        f.farmer.PrivateKey,
	})
	require.NoError(t, err)
	require.Equal(t, 3, receipt.AppliedCount)
	require.Equal(t, uint64(300_000), receipt.TotalReward)
	require.Equal(t, uint64(30_000), receipt.PlatformFee)
	require.Equal(t, uint64(270_000), receipt.FarmerNet)
	require.False(t, receipt.Reconciled)
	require.NotEqual(t, solana.Signature{}, receipt.Signature)

	farmerRec, err := f.null.FetchFarmer(context.Background(), f.farmer.PublicKey())
	require.NoError(t, err)
	require.Equal(t, uint64(1), farmerRec.WithdrawalNonce)
	require.Equal(t, uint64(270_000), farmerRec.TotalWithdrawn)

	for _, id := range prep.TaskIDs {
		require.True(t, f.store.Claimed(id), "audit store should record claim for %s", id)
	}

	t.Run("replay with consumed nonce fails", func(t *testing.T) {
		_, err := f.service.Execute(context.Background(), ExecuteRequest{
			Farmer:        f.farmer.PublicKey(),
			TaskIDs:       prep.TaskIDs,
			ExpectedNonce: prep.ExpectedNonce,
			Signer:        f.farmer.PrivateKey,
		})
		require.ErrorIs(t, err, ledger.ErrNonceMismatch)
	})

	t.Run("nothing left to prepare", func(t *testing.T) {
		_, err := f.service.Prepare(context.Background(), f.farmer.PublicKey(), f.mint, 10)
		require.ErrorIs(t, err, ErrNoUnclaimedTasks)
	})
}

func TestRewardPool_Withdraw_Service_Prepare(t *testing.T) {
	t.Parallel()

	t.Run("rejects batch size out of range", func(t *testing.T) {
		t.Parallel()
		f := newServiceFixture(t)
		f.seedPool(t, 10, 1_000_000)

		var verr *instruction.ValidationError
		_, err := f.service.Prepare(context.Background(), f.farmer.PublicKey(), f.mint, 0)
		require.ErrorAs(t, err, &verr)
		_, err = f.service.Prepare(context.Background(), f.farmer.PublicKey(), f.mint, instruction.MaxBatchSize+1)
		require.ErrorAs(t, err, &verr)
	})

	t.Run("limits batch to requested size", func(t *testing.T) {
		t.Parallel()
		f := newServiceFixture(t)
		f.seedPool(t, 10, 1_000_000)
		f.seedTask(t, "task-1", 10_000)
		f.seedTask(t, "task-2", 10_000)
		f.seedTask(t, "task-3", 10_000)

		prep, err := f.service.Prepare(context.Background(), f.farmer.PublicKey(), f.mint, 2)
		require.NoError(t, err)
		require.Equal(t, []string{"task-1", "task-2"}, prep.TaskIDs)
		require.Equal(t, uint64(20_000), prep.TotalReward)
	})

	t.Run("drops tasks the ledger already has claimed", func(t *testing.T) {
		t.Parallel()
		f := newServiceFixture(t)
		f.seedPool(t, 10, 1_000_000)
		f.seedTask(t, "task-1", 10_000)
		f.seedTask(t, "task-2", 10_000)

		// Claim task-1 on the ledger without telling the audit store, as if
		// the store lagged a confirmed withdrawal.
		receipt, err := f.service.Execute(context.Background(), ExecuteRequest{
			Farmer:        f.farmer.PublicKey(),
			TaskIDs:       []string{"task-1"},
			ExpectedNonce: 0,
			Signer:        f.farmer.PrivateKey,
		})
		require.NoError(t, err)
		require.Equal(t, 1, receipt.AppliedCount)
		f.store.AddTask("task-1", f.farmer.PublicKey(), f.mint) // reset the store's view

		prep, err := f.service.Prepare(context.Background(), f.farmer.PublicKey(), f.mint, 10)
		require.NoError(t, err)
		require.Equal(t, []string{"task-2"}, prep.TaskIDs)
		require.Equal(t, uint64(1), prep.ExpectedNonce)
	})

	t.Run("unknown farmer has nothing to withdraw", func(t *testing.T) {
		t.Parallel()
		f := newServiceFixture(t)
		f.seedPool(t, 10, 1_000_000)

		_, err := f.service.Prepare(context.Background(), solana.NewWallet().PublicKey(), f.mint, 10)
		require.ErrorIs(t, err, ErrNoUnclaimedTasks)
	})
}

func TestRewardPool_Withdraw_Service_Execute_Rejections(t *testing.T) {
	t.Parallel()

	t.Run("signer must be the farmer", func(t *testing.T) {
		t.Parallel()
		f := newServiceFixture(t)
		f.seedPool(t, 10, 1_000_000)
		f.seedTask(t, "task-1", 10_000)

		outsider := solana.NewWallet()
		_, err := f.service.Execute(context.Background(), ExecuteRequest{
			Farmer:        f.farmer.PublicKey(),
			TaskIDs:       []string{"task-1"},
			ExpectedNonce: 0,
			Signer:        outsider.PrivateKey,
		})
		require.ErrorIs(t, err, ledger.ErrUnauthorized)
	})

	t.Run("already claimed batch is rejected wholesale", func(t *testing.T) {
		t.Parallel()
		f := newServiceFixture(t)
		f.seedPool(t, 10, 1_000_000)
		f.seedTask(t, "task-1", 10_000)

		_, err := f.service.Execute(context.Background(), ExecuteRequest{
			Farmer:        f.farmer.PublicKey(),
			TaskIDs:       []string{"task-1"},
			ExpectedNonce: 0,
			Signer:        f.farmer.PrivateKey,
		})
		require.NoError(t, err)

		f.seedTask(t, "task-2", 10_000)
		f.seedTask(t, "task-3", 10_000)

		var claimedErr *AlreadyClaimedError
		_, err = f.service.Execute(context.Background(), ExecuteRequest{
			Farmer:        f.farmer.PublicKey(),
			TaskIDs:       []string{"task-1", "task-2", "task-3"},
			ExpectedNonce: 1,
			Signer:        f.farmer.PrivateKey,
		})
		require.ErrorAs(t, err, &claimedErr)
		require.Equal(t, []string{"task-1"}, claimedErr.TaskIDs)
		require.ErrorIs(t, err, ledger.ErrAlreadyClaimed)

		// The fresh tasks stay unclaimed on the ledger.
		for _, id := range []string{"task-2", "task-3"} {
			task, fetchErr := f.null.FetchTask(context.Background(), id)
			require.NoError(t, fetchErr)
			require.False(t, task.Claimed)
		}
	})

	t.Run("duplicate task ids in one request", func(t *testing.T) {
		t.Parallel()
		f := newServiceFixture(t)
		f.seedPool(t, 10, 1_000_000)
		f.seedTask(t, "task-1", 100_000)

		var verr *instruction.ValidationError
		_, err := f.service.Execute(context.Background(), ExecuteRequest{
			Farmer:        f.farmer.PublicKey(),
			TaskIDs:       []string{"task-1", "task-1"},
			ExpectedNonce: 0,
			Signer:        f.farmer.PrivateKey,
		})
		require.ErrorAs(t, err, &verr)
		require.Equal(t, "taskIds", verr.Field)

		// Rejected before submission: the task pays out once at most.
		task, err := f.null.FetchTask(context.Background(), "task-1")
		require.NoError(t, err)
		require.False(t, task.Claimed)
		farmerRec, err := f.null.FetchFarmer(context.Background(), f.farmer.PublicKey())
		require.NoError(t, err)
		require.Equal(t, uint64(0), farmerRec.WithdrawalNonce)
		require.Equal(t, uint64(0), farmerRec.TotalWithdrawn)
	})

	t.Run("mixed mint batch is rejected", func(t *testing.T) {
		t.Parallel()
		f := newServiceFixture(t)
		f.seedPool(t, 10, 1_000_000)
		f.seedTask(t, "task-1", 10_000)
		otherMint := solana.NewWallet().PublicKey()
		f.seedTaskForMint(t, "task-2", otherMint, 10_000)

		_, err := f.service.Execute(context.Background(), ExecuteRequest{
			Farmer:        f.farmer.PublicKey(),
			TaskIDs:       []string{"task-1", "task-2"},
			ExpectedNonce: 0,
			Signer:        f.farmer.PrivateKey,
		})
		require.ErrorIs(t, err, ErrMixedMintBatch)
	})

	t.Run("paused pool blocks withdrawals", func(t *testing.T) {
		t.Parallel()
		f := newServiceFixture(t)
		f.seedPool(t, 10, 1_000_000)
		f.seedTask(t, "task-1", 10_000)

		_, err := f.service.SetPaused(context.Background(), f.authority.PrivateKey, true)
		require.NoError(t, err)

		_, err = f.service.Execute(context.Background(), ExecuteRequest{
			Farmer:        f.farmer.PublicKey(),
			TaskIDs:       []string{"task-1"},
			ExpectedNonce: 0,
			Signer:        f.farmer.PrivateKey,
		})
		require.ErrorIs(t, err, ledger.ErrPoolPaused)

		_, err = f.service.SetPaused(context.Background(), f.authority.PrivateKey, false)
		require.NoError(t, err)

		receipt, err := f.service.Execute(context.Background(), ExecuteRequest{
			Farmer:        f.farmer.PublicKey(),
			TaskIDs:       []string{"task-1"},
			ExpectedNonce: 0,
			Signer:        f.farmer.PrivateKey,
		})
		require.NoError(t, err)
		require.Equal(t, 1, receipt.AppliedCount)
	})

	t.Run("insufficient vault balance", func(t *testing.T) {
		t.Parallel()
		f := newServiceFixture(t)
		f.seedPool(t, 10, 5_000)
		f.seedTask(t, "task-1", 10_000)

		_, err := f.service.Execute(context.Background(), ExecuteRequest{
			Farmer:        f.farmer.PublicKey(),
			TaskIDs:       []string{"task-1"},
			ExpectedNonce: 0,
			Signer:        f.farmer.PrivateKey,
		})
		require.ErrorIs(t, err, ledger.ErrInsufficientVaultBalance)
	})

	t.Run("unknown task", func(t *testing.T) {
		t.Parallel()
		f := newServiceFixture(t)
		f.seedPool(t, 10, 1_000_000)
		f.seedTask(t, "task-1", 10_000)

		_, err := f.service.Execute(context.Background(), ExecuteRequest{
			Farmer:        f.farmer.PublicKey(),
			TaskIDs:       []string{"task-missing"},
			ExpectedNonce: 0,
			Signer:        f.farmer.PrivateKey,
		})
		require.ErrorIs(t, err, ledger.ErrTaskNotFound)
	})
}

// flakyClient interposes on withdrawal submissions to simulate transport
// failures. Other instructions (pool setup, task credits) pass straight
// through, and the underlying engine still decides whether state applied.
type flakyClient struct {
	ledger.Client
	submitWithdraw func(ctx context.Context, instr solana.Instruction, signers []solana.PrivateKey) (*ledger.SubmitResult, error)
}

func (c *flakyClient) Submit(ctx context.Context, instr solana.Instruction, signers []solana.PrivateKey) (*ledger.SubmitResult, error) {
	data, err := instr.Data()
	if err == nil && len(data) > 0 && instruction.Opcode(data[0]) == instruction.OpWithdrawRewards && c.submitWithdraw != nil {
		return c.submitWithdraw(ctx, instr, signers)
	}
	return c.Client.Submit(ctx, instr, signers)
}

type transientSubmitError struct{ err error }

func (e *transientSubmitError) Error() string   { return e.err.Error() }
func (e *transientSubmitError) Unwrap() error   { return e.err }
func (e *transientSubmitError) Transient() bool { return true }

func TestRewardPool_Withdraw_Service_Retry(t *testing.T) {
	t.Parallel()

	t.Run("transient submit failure is retried with a fresh nonce read", func(t *testing.T) {
		t.Parallel()

		attempts := 0
		f := newServiceFixtureWith(t, func(inner ledger.Client) ledger.Client {
			flaky := &flakyClient{Client: inner}
			flaky.submitWithdraw = func(ctx context.Context, instr solana.Instruction, signers []solana.PrivateKey) (*ledger.SubmitResult, error) {
				attempts++
				if attempts == 1 {
					// Drop the submission before it reaches the engine.
					return nil, &transientSubmitError{err: errors.New("connection reset by peer")}
				}
				return inner.Submit(ctx, instr, signers)
			}
			return flaky
		})
		f.seedPool(t, 10, 1_000_000)
		f.seedTask(t, "task-1", 100_000)

		receipt, err := f.service.Execute(context.Background(), ExecuteRequest{
			Farmer:        f.farmer.PublicKey(),
			TaskIDs:       []string{"task-1"},
			ExpectedNonce: 0,
			Signer:        f.farmer.PrivateKey,
		})
		require.NoError(t, err)
		require.Equal(t, 2, attempts)
		require.Equal(t, 1, receipt.AppliedCount)
		require.False(t, receipt.Reconciled)

		farmerRec, err := f.null.FetchFarmer(context.Background(), f.farmer.PublicKey())
		require.NoError(t, err)
		require.Equal(t, uint64(1), farmerRec.WithdrawalNonce)
	})

	t.Run("ambiguous confirmation reconciles instead of resubmitting", func(t *testing.T) {
		t.Parallel()

		attempts := 0
		f := newServiceFixtureWith(t, func(inner ledger.Client) ledger.Client {
			flaky := &flakyClient{Client: inner}
			flaky.submitWithdraw = func(ctx context.Context, instr solana.Instruction, signers []solana.PrivateKey) (*ledger.SubmitResult, error) {
				attempts++
				if attempts == 1 {
					// The engine applies the withdrawal but the confirmation
					// is lost, as in a client-side confirm timeout.
					if _, err := inner.Submit(ctx, instr, signers); err != nil {
						return nil, err
					}
					return nil, &transientSubmitError{err: ledger.ErrConfirmationTimeout}
				}
				return inner.Submit(ctx, instr, signers)
			}
			return flaky
		})
		f.seedPool(t, 10, 1_000_000)
		f.seedTask(t, "task-1", 100_000)
		f.seedTask(t, "task-2", 100_000)

		receipt, err := f.service.Execute(context.Background(), ExecuteRequest{
			Farmer:        f.farmer.PublicKey(),
			TaskIDs:       []string{"task-1", "task-2"},
			ExpectedNonce: 0,
			Signer:        f.farmer.PrivateKey,
		})
		require.NoError(t, err)
		require.Equal(t, 1, attempts, "retry must not resubmit once the nonce shows the batch applied")
		require.True(t, receipt.Reconciled)
		require.Equal(t, solana.Signature{}, receipt.Signature)
		require.Equal(t, 2, receipt.AppliedCount)
		require.Equal(t, uint64(200_000), receipt.TotalReward)
		require.Equal(t, uint64(20_000), receipt.PlatformFee)
		require.Equal(t, uint64(180_000), receipt.FarmerNet)

		// Exactly one withdrawal applied despite the retry.
		farmerRec, err := f.null.FetchFarmer(context.Background(), f.farmer.PublicKey())
		require.NoError(t, err)
		require.Equal(t, uint64(1), farmerRec.WithdrawalNonce)
		require.Equal(t, uint64(180_000), farmerRec.TotalWithdrawn)
	})

	t.Run("reconciled receipt reports the fee at submission time", func(t *testing.T) {
		t.Parallel()

		var fx *serviceFixture
		attempts := 0
		fx = newServiceFixtureWith(t, func(inner ledger.Client) ledger.Client {
			flaky := &flakyClient{Client: inner}
			flaky.submitWithdraw = func(ctx context.Context, instr solana.Instruction, signers []solana.PrivateKey) (*ledger.SubmitResult, error) {
				attempts++
				if attempts == 1 {
					if _, err := inner.Submit(ctx, instr, signers); err != nil {
						return nil, err
					}
					// A fee change lands between the applied withdrawal and
					// the reconciling re-read.
					feeInstr, err := instruction.BuildUpdatePlatformFee(fx.programID, fx.authority.PublicKey(), 50)
					if err != nil {
						return nil, err
					}
					if _, err := inner.Submit(ctx, feeInstr, []solana.PrivateKey{fx.authority.PrivateKey}); err != nil {
						return nil, err
					}
					return nil, &transientSubmitError{err: ledger.ErrConfirmationTimeout}
				}
				return inner.Submit(ctx, instr, signers)
			}
			return flaky
		})
		fx.seedPool(t, 10, 1_000_000)
		fx.seedTask(t, "task-1", 100_000)

		receipt, err := fx.service.Execute(context.Background(), ExecuteRequest{
			Farmer:        fx.farmer.PublicKey(),
			TaskIDs:       []string{"task-1"},
			ExpectedNonce: 0,
			Signer:        fx.farmer.PrivateKey,
		})
		require.NoError(t, err)
		require.True(t, receipt.Reconciled)

		// The withdrawal applied under the 10% fee; the later 50% fee must
		// not leak into the receipt.
		require.Equal(t, uint64(10_000), receipt.PlatformFee)
		require.Equal(t, uint64(90_000), receipt.FarmerNet)

		farmerRec, err := fx.null.FetchFarmer(context.Background(), fx.farmer.PublicKey())
		require.NoError(t, err)
		require.Equal(t, uint64(90_000), farmerRec.TotalWithdrawn)
	})

	t.Run("stale nonce fails without submitting", func(t *testing.T) {
		t.Parallel()

		attempts := 0
		f := newServiceFixtureWith(t, func(inner ledger.Client) ledger.Client {
			flaky := &flakyClient{Client: inner}
			flaky.submitWithdraw = func(ctx context.Context, instr solana.Instruction, signers []solana.PrivateKey) (*ledger.SubmitResult, error) {
				attempts++
				return inner.Submit(ctx, instr, signers)
			}
			return flaky
		})
		f.seedPool(t, 10, 1_000_000)
		f.seedTask(t, "task-1", 10_000)

		_, err := f.service.Execute(context.Background(), ExecuteRequest{
			Farmer:        f.farmer.PublicKey(),
			TaskIDs:       []string{"task-1"},
			ExpectedNonce: 5,
			Signer:        f.farmer.PrivateKey,
		})
		require.ErrorIs(t, err, ledger.ErrNonceMismatch)
		require.Zero(t, attempts, "stale nonce is caught before submission")
	})
}

func TestRewardPool_Withdraw_Service_Admin(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	_, err := f.service.InitializePool(context.Background(), f.authority.PrivateKey, 10)
	require.NoError(t, err)

	pool, err := f.null.FetchPool(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint8(10), pool.FeePercentage)

	t.Run("update platform fee", func(t *testing.T) {
		_, err := f.service.UpdatePlatformFee(context.Background(), f.authority.PrivateKey, 25)
		require.NoError(t, err)
		pool, err := f.null.FetchPool(context.Background())
		require.NoError(t, err)
		require.Equal(t, uint8(25), pool.FeePercentage)
	})

	t.Run("fee above limit rejected before submission", func(t *testing.T) {
		var verr *instruction.ValidationError
		_, err := f.service.UpdatePlatformFee(context.Background(), f.authority.PrivateKey, 101)
		require.ErrorAs(t, err, &verr)
	})
}
