// Package withdraw implements the withdrawal orchestration protocol: validate
// a request, derive the fencing nonce, assemble a single-mint batch, submit,
// and reconcile outcomes across retries. The engine's atomic, ordered
// execution plus the monotonic nonce carry correctness; the orchestrator's
// pre-submission checks are fail-fast optimizations.
package withdraw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mr-tron/base58"
	"golang.org/x/sync/errgroup"

	"github.com/harvestlabs/rewardpool/pkg/audit"
	"github.com/harvestlabs/rewardpool/pkg/instruction"
	"github.com/harvestlabs/rewardpool/pkg/layout"
	"github.com/harvestlabs/rewardpool/pkg/ledger"
	"github.com/harvestlabs/rewardpool/pkg/metrics"
	"github.com/harvestlabs/rewardpool/pkg/retry"
)

// fetchConcurrency bounds concurrent task record reads per batch.
const fetchConcurrency = 8

type Config struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Ledger    ledger.Client
	ProgramID solana.PublicKey

	// Audit is the off-chain submission store. Optional; required only for
	// Prepare, and updated best-effort after confirmation.
	Audit audit.Store

	// TreasuryTokenAccounts maps token mint -> platform treasury token
	// account receiving the fee share.
	TreasuryTokenAccounts map[solana.PublicKey]solana.PublicKey

	Retry retry.Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger client is required")
	}
	if cfg.ProgramID.IsZero() {
		return errors.New("program id is required")
	}
	return nil
}

type Service struct {
	log   *slog.Logger
	cfg   Config
	clock clockwork.Clock
}

func New(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.Retry.Clock == nil {
		cfg.Retry.Clock = cfg.Clock
	}
	return &Service{log: cfg.Logger, cfg: cfg, clock: cfg.Clock}, nil
}

// Preparation is the unsigned half of a withdrawal: the caller signs the
// instruction with the farmer key and calls Execute with the same task ids
// and nonce.
type Preparation struct {
	Farmer        solana.PublicKey
	TokenMint     solana.PublicKey
	TaskIDs       []string
	ExpectedNonce uint64

	TotalReward uint64
	PlatformFee uint64
	FarmerNet   uint64

	Instruction solana.Instruction
	// UnsignedInstruction is the instruction data, base58-encoded for
	// transport to the signing wallet.
	UnsignedInstruction string
}

// Prepare reads the farmer's fencing nonce, selects unclaimed tasks from the
// audit store, verifies them against the ledger, and returns the unsigned
// withdrawal instruction with exact totals.
func (s *Service) Prepare(ctx context.Context, farmer solana.PublicKey, tokenMint solana.PublicKey, batchSize int) (*Preparation, error) {
	if batchSize < 1 || batchSize > instruction.MaxBatchSize {
		return nil, &instruction.ValidationError{Field: "batchSize", Reason: fmt.Sprintf("must be in [1,%d], got %d", instruction.MaxBatchSize, batchSize)}
	}
	if s.cfg.Audit == nil {
		return nil, errors.New("audit store is required for prepare")
	}

	pool, err := s.fetchReadyPool(ctx)
	if err != nil {
		return nil, err
	}

	farmerRec, err := s.cfg.Ledger.FetchFarmer(ctx, farmer)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return nil, ErrNoUnclaimedTasks
		}
		return nil, fmt.Errorf("failed to read farmer ledger record: %w", err)
	}

	candidates, err := s.cfg.Audit.FindUnclaimedTasks(ctx, farmer, tokenMint, batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list unclaimed tasks: %w", err)
	}
	if len(candidates) == 0 {
		return nil, ErrNoUnclaimedTasks
	}

	records, err := s.fetchTasks(ctx, candidates)
	if err != nil {
		return nil, err
	}

	// The audit store can lag the ledger; drop anything the ledger says is
	// already claimed instead of failing the preparation.
	fresh := records[:0]
	for _, record := range records {
		if record.Claimed {
			s.log.Debug("withdraw: dropping task already claimed on ledger", "task_id", record.TaskID)
			continue
		}
		fresh = append(fresh, record)
	}
	if len(fresh) == 0 {
		return nil, ErrNoUnclaimedTasks
	}

	batch, err := validateBatch(farmer, tokenMint, fresh)
	if err != nil {
		return nil, err
	}

	if err := s.checkVault(ctx, batch.tokenMint, batch.total); err != nil {
		return nil, err
	}

	platformFee, farmerNet := ledger.FeeSplit(batch.total, pool.FeePercentage)

	instr, err := s.buildWithdrawal(farmer, batch.tokenMint, batch.taskIDs, farmerRec.WithdrawalNonce)
	if err != nil {
		return nil, err
	}
	data, err := instr.Data()
	if err != nil {
		return nil, fmt.Errorf("failed to read instruction data: %w", err)
	}

	return &Preparation{
		Farmer:              farmer,
		TokenMint:           batch.tokenMint,
		TaskIDs:             batch.taskIDs,
		ExpectedNonce:       farmerRec.WithdrawalNonce,
		TotalReward:         batch.total,
		PlatformFee:         platformFee,
		FarmerNet:           farmerNet,
		Instruction:         instr,
		UnsignedInstruction: base58.Encode(data),
	}, nil
}

// ExecuteRequest is one withdrawal protocol run. ExpectedNonce must come from
// a fresh Prepare; a stale nonce is rejected without side effects.
type ExecuteRequest struct {
	Farmer        solana.PublicKey
	TaskIDs       []string
	ExpectedNonce uint64

	// TokenMint is optional; when zero it is inferred from the batch.
	TokenMint solana.PublicKey

	// Signer is the farmer's key. Withdrawal is farmer-initiated, never
	// platform-initiated.
	Signer solana.PrivateKey
}

// Receipt reports a confirmed withdrawal.
type Receipt struct {
	AppliedCount int
	Signature    solana.Signature
	Slot         uint64
	Nonce        uint64

	TotalReward uint64
	PlatformFee uint64
	FarmerNet   uint64

	// Reconciled is set when a prior ambiguous attempt turned out to have
	// applied; Signature is zero in that case.
	Reconciled bool
}

// Execute runs the withdrawal state machine with retries. Transient failures
// back off and re-read the fencing nonce before resubmitting; terminal errors
// surface unchanged.
func (s *Service) Execute(ctx context.Context, req ExecuteRequest) (*Receipt, error) {
	if len(req.TaskIDs) == 0 || len(req.TaskIDs) > instruction.MaxBatchSize {
		return nil, &instruction.ValidationError{Field: "taskIds", Reason: fmt.Sprintf("batch size must be in [1,%d], got %d", instruction.MaxBatchSize, len(req.TaskIDs))}
	}
	if req.Signer == nil {
		return nil, &instruction.ValidationError{Field: "signer", Reason: "farmer signer is required"}
	}
	if !req.Signer.PublicKey().Equals(req.Farmer) {
		return nil, fmt.Errorf("%w: signer %s is not farmer %s", ledger.ErrUnauthorized, req.Signer.PublicKey(), req.Farmer)
	}

	attemptID := uuid.NewString()
	log := s.log.With("attempt_id", attemptID, "farmer", req.Farmer.String(), "expected_nonce", req.ExpectedNonce)

	var receipt *Receipt
	submittedFeePct := -1
	err := retry.Do(ctx, s.cfg.Retry, func(attempt int) error {
		if attempt > 1 {
			metrics.WithdrawalRetriesTotal.Inc()
			log.Info("withdraw: retrying submission", "attempt", attempt)
		}
		var err error
		receipt, err = s.attempt(ctx, log, req, attempt, &submittedFeePct)
		return err
	})
	if err != nil {
		metrics.WithdrawalAttemptsTotal.WithLabelValues(statusLabel(err)).Inc()
		return nil, err
	}

	metrics.WithdrawalAttemptsTotal.WithLabelValues("confirmed").Inc()
	metrics.WithdrawalAmount.WithLabelValues("farmer").Add(float64(receipt.FarmerNet))
	metrics.WithdrawalAmount.WithLabelValues("platform").Add(float64(receipt.PlatformFee))
	metrics.BatchSize.Observe(float64(receipt.AppliedCount))

	// The ledger is the source of truth; the audit store is advisory and
	// updated only after confirmation.
	if s.cfg.Audit != nil {
		if auditErr := s.cfg.Audit.MarkClaimed(ctx, req.TaskIDs, receipt.Signature, receipt.Slot); auditErr != nil {
			log.Warn("withdraw: failed to mark tasks claimed in audit store", "error", auditErr)
		}
	}

	log.Info("withdraw: confirmed",
		"applied", receipt.AppliedCount,
		"farmer_net", receipt.FarmerNet,
		"platform_fee", receipt.PlatformFee,
		"slot", receipt.Slot,
		"reconciled", receipt.Reconciled)
	return receipt, nil
}

// attempt runs one pass of the state machine:
// PREPARING -> NONCE_VERIFIED -> ASSEMBLED -> SUBMITTED -> CONFIRMED.
// submittedFeePct records the pool fee in effect for the latest submission so
// that a later reconciliation reports the split the engine actually applied.
func (s *Service) attempt(ctx context.Context, log *slog.Logger, req ExecuteRequest, attempt int, submittedFeePct *int) (*Receipt, error) {
	// PREPARING: the fencing token is always re-derived from fresh state,
	// never reused from a prior attempt.
	farmerRec, err := s.cfg.Ledger.FetchFarmer(ctx, req.Farmer)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return nil, fmt.Errorf("%w: farmer %s has no ledger record", ledger.ErrNotInitialized, req.Farmer)
		}
		return nil, fmt.Errorf("failed to read farmer ledger record: %w", err)
	}

	// A prior attempt may have applied despite a client-side timeout. If the
	// nonce advanced past ours, check whether our exact batch landed before
	// reporting a mismatch.
	if attempt > 1 && farmerRec.WithdrawalNonce == req.ExpectedNonce+1 {
		receipt, reconciled, err := s.reconcile(ctx, req, farmerRec, *submittedFeePct)
		if err != nil {
			return nil, err
		}
		if reconciled {
			log.Info("withdraw: prior ambiguous attempt confirmed on re-read")
			return receipt, nil
		}
	}

	// NONCE_VERIFIED
	if farmerRec.WithdrawalNonce != req.ExpectedNonce {
		return nil, fmt.Errorf("%w: ledger nonce %d, request nonce %d", ledger.ErrNonceMismatch, farmerRec.WithdrawalNonce, req.ExpectedNonce)
	}

	// Paused state and vault balance can change between preparation and
	// submission, so both are read immediately before each assembly.
	pool, err := s.fetchReadyPool(ctx)
	if err != nil {
		return nil, err
	}

	// ASSEMBLED
	records, err := s.fetchTasks(ctx, req.TaskIDs)
	if err != nil {
		return nil, err
	}
	batch, err := validateBatch(req.Farmer, req.TokenMint, records)
	if err != nil {
		return nil, err
	}
	if err := s.checkVault(ctx, batch.tokenMint, batch.total); err != nil {
		return nil, err
	}
	platformFee, farmerNet := ledger.FeeSplit(batch.total, pool.FeePercentage)

	// SUBMITTED
	instr, err := s.buildWithdrawal(req.Farmer, batch.tokenMint, batch.taskIDs, req.ExpectedNonce)
	if err != nil {
		return nil, err
	}
	*submittedFeePct = int(pool.FeePercentage)
	start := s.clock.Now()
	result, err := s.cfg.Ledger.Submit(ctx, instr, []solana.PrivateKey{req.Signer})
	metrics.SubmissionDuration.Observe(s.clock.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	// CONFIRMED
	return &Receipt{
		AppliedCount: len(batch.taskIDs),
		Signature:    result.Signature,
		Slot:         result.Slot,
		Nonce:        req.ExpectedNonce,
		TotalReward:  batch.total,
		PlatformFee:  platformFee,
		FarmerNet:    farmerNet,
	}, nil
}

// reconcile decides whether a prior ambiguous attempt actually applied: the
// nonce advanced by exactly one and every task in our batch is now claimed.
func (s *Service) reconcile(ctx context.Context, req ExecuteRequest, farmerRec *layout.FarmerAccount, submittedFeePct int) (*Receipt, bool, error) {
	records, err := s.fetchTasks(ctx, req.TaskIDs)
	if err != nil {
		return nil, false, err
	}
	var total uint64
	for _, record := range records {
		if !record.Claimed || record.Farmer != req.Farmer {
			return nil, false, nil
		}
		total += record.RewardAmount
	}
	// The receipt must report the split the engine applied, which is the fee
	// in effect when this run submitted. The current pool fee is only a
	// fallback for the case where another process applied our exact batch.
	feePct := uint8(0)
	if submittedFeePct >= 0 {
		feePct = uint8(submittedFeePct)
	} else {
		pool, err := s.cfg.Ledger.FetchPool(ctx)
		if err != nil {
			return nil, false, fmt.Errorf("failed to read pool record: %w", err)
		}
		feePct = pool.FeePercentage
	}
	platformFee, farmerNet := ledger.FeeSplit(total, feePct)
	return &Receipt{
		AppliedCount: len(records),
		Slot:         farmerRec.LastWithdrawalSlot,
		Nonce:        req.ExpectedNonce,
		TotalReward:  total,
		PlatformFee:  platformFee,
		FarmerNet:    farmerNet,
		Reconciled:   true,
	}, true, nil
}

type assembledBatch struct {
	taskIDs   []string
	tokenMint solana.PublicKey
	total     uint64
}

// validateBatch enforces ownership, claim state, and the single-mint
// constraint before any bytes are built.
func validateBatch(farmer, wantMint solana.PublicKey, records []*layout.TaskCompletionRecord) (*assembledBatch, error) {
	batch := &assembledBatch{tokenMint: wantMint}
	var claimed []string
	seen := make(map[string]struct{}, len(records))
	for _, record := range records {
		if _, dup := seen[record.TaskID]; dup {
			return nil, &instruction.ValidationError{Field: "taskIds", Reason: fmt.Sprintf("duplicate task id %q", record.TaskID)}
		}
		seen[record.TaskID] = struct{}{}
		if record.Farmer != farmer {
			return nil, fmt.Errorf("%w: task %q belongs to %s", ledger.ErrInvalidFarmerAddress, record.TaskID, record.Farmer)
		}
		if record.Claimed {
			claimed = append(claimed, record.TaskID)
			continue
		}
		if batch.tokenMint.IsZero() {
			batch.tokenMint = record.TokenMint
		} else if batch.tokenMint != record.TokenMint {
			return nil, fmt.Errorf("%w: %s and %s", ErrMixedMintBatch, batch.tokenMint, record.TokenMint)
		}
		batch.total += record.RewardAmount
		batch.taskIDs = append(batch.taskIDs, record.TaskID)
	}
	if len(claimed) > 0 {
		return nil, &AlreadyClaimedError{TaskIDs: claimed}
	}
	return batch, nil
}

func (s *Service) fetchTasks(ctx context.Context, taskIDs []string) ([]*layout.TaskCompletionRecord, error) {
	records := make([]*layout.TaskCompletionRecord, len(taskIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, taskID := range taskIDs {
		i, taskID := i, taskID
		g.Go(func() error {
			record, err := s.cfg.Ledger.FetchTask(gctx, taskID)
			if err != nil {
				if errors.Is(err, ledger.ErrAccountNotFound) {
					return fmt.Errorf("%w: %q", ledger.ErrTaskNotFound, taskID)
				}
				return fmt.Errorf("failed to read task record %q: %w", taskID, err)
			}
			records[i] = record
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Service) fetchReadyPool(ctx context.Context) (*layout.RewardPool, error) {
	pool, err := s.cfg.Ledger.FetchPool(ctx)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return nil, ledger.ErrNotInitialized
		}
		return nil, fmt.Errorf("failed to read pool record: %w", err)
	}
	if !pool.Initialized {
		return nil, ledger.ErrNotInitialized
	}
	if pool.Paused {
		return nil, ledger.ErrPoolPaused
	}
	return pool, nil
}

func (s *Service) checkVault(ctx context.Context, tokenMint solana.PublicKey, total uint64) error {
	balance, err := s.cfg.Ledger.VaultBalance(ctx, tokenMint)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return fmt.Errorf("%w: no vault for mint %s", ledger.ErrInsufficientVaultBalance, tokenMint)
		}
		return fmt.Errorf("failed to read vault balance: %w", err)
	}
	if balance < total {
		return fmt.Errorf("%w: vault holds %d, batch needs %d", ledger.ErrInsufficientVaultBalance, balance, total)
	}
	return nil
}

func (s *Service) buildWithdrawal(farmer, tokenMint solana.PublicKey, taskIDs []string, expectedNonce uint64) (solana.Instruction, error) {
	treasury, ok := s.cfg.TreasuryTokenAccounts[tokenMint]
	if !ok {
		return nil, fmt.Errorf("no platform treasury configured for mint %s", tokenMint)
	}
	farmerTokenAccount, _, err := solana.FindAssociatedTokenAddress(farmer, tokenMint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive farmer token account: %w", err)
	}
	return instruction.BuildWithdrawRewards(s.cfg.ProgramID, farmer, tokenMint, farmerTokenAccount, treasury, taskIDs, expectedNonce)
}

func statusLabel(err error) string {
	switch {
	case errors.Is(err, ledger.ErrNonceMismatch):
		return "nonce_mismatch"
	case errors.Is(err, ledger.ErrAlreadyClaimed):
		return "already_claimed"
	case errors.Is(err, ledger.ErrPoolPaused):
		return "pool_paused"
	case errors.Is(err, ledger.ErrInsufficientVaultBalance):
		return "insufficient_vault"
	case errors.Is(err, ledger.ErrUnauthorized):
		return "unauthorized"
	default:
		return "error"
	}
}
