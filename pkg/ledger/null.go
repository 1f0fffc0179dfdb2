package ledger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gagliardetto/solana-go"

	"github.com/harvestlabs/rewardpool/pkg/instruction"
	"github.com/harvestlabs/rewardpool/pkg/layout"
)

type NullConfig struct {
	Logger    *slog.Logger
	ProgramID solana.PublicKey
}

func (cfg *NullConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ProgramID.IsZero() {
		return errors.New("program id is required")
	}
	return nil
}

// NullClient is an in-memory model of the execution engine, selected when no
// real backend is configured. It applies instructions one at a time and
// atomically, with the same checks the on-chain program performs: every
// mutation is validated in full before any state is committed.
type NullClient struct {
	log *slog.Logger
	cfg NullConfig

	mu      sync.Mutex
	slot    uint64
	pool    *layout.RewardPool
	farmers map[solana.PublicKey]*layout.FarmerAccount
	tasks   map[string]*layout.TaskCompletionRecord
	vaults  map[solana.PublicKey]uint64
}

func NewNullClient(cfg NullConfig) (*NullClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &NullClient{
		log:     cfg.Logger,
		cfg:     cfg,
		farmers: make(map[solana.PublicKey]*layout.FarmerAccount),
		tasks:   make(map[string]*layout.TaskCompletionRecord),
		vaults:  make(map[solana.PublicKey]uint64),
	}, nil
}

// FundVault credits the payout vault for a token mint. Test and local-mode
// stand-in for an operator funding transfer.
func (c *NullClient) FundVault(tokenMint solana.PublicKey, amount uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vaults[tokenMint] += amount
}

func (c *NullClient) Submit(ctx context.Context, instr solana.Instruction, signers []solana.PrivateKey) (*SubmitResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, transientErr(err)
	}
	if len(signers) == 0 {
		return nil, permanentErr(errors.New("at least one signer is required"))
	}

	data, err := instr.Data()
	if err != nil {
		return nil, permanentErr(fmt.Errorf("failed to read instruction data: %w", err))
	}
	decoded, err := instruction.Decode(data)
	if err != nil {
		return nil, permanentErr(err)
	}

	signerSet := make(map[solana.PublicKey]bool, len(signers))
	for _, signer := range signers {
		signerSet[signer.PublicKey()] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.slot++

	var applyErr error
	switch decoded.Op {
	case instruction.OpInitialize:
		applyErr = c.applyInitialize(instr, decoded, signerSet)
	case instruction.OpRecordTaskCompletion:
		applyErr = c.applyRecordTaskCompletion(instr, decoded, signerSet)
	case instruction.OpWithdrawRewards:
		applyErr = c.applyWithdrawRewards(instr, decoded, signerSet)
	case instruction.OpSetPaused:
		applyErr = c.applySetPaused(instr, decoded, signerSet)
	case instruction.OpUpdatePlatformFee:
		applyErr = c.applyUpdatePlatformFee(instr, decoded, signerSet)
	default:
		applyErr = fmt.Errorf("unknown opcode %d", uint8(decoded.Op))
	}
	if applyErr != nil {
		return nil, permanentErr(applyErr)
	}

	c.log.Debug("ledger/null: instruction applied", "op", decoded.Op.String(), "slot", c.slot)
	return &SubmitResult{Signature: syntheticSignature(c.slot), Slot: c.slot}, nil
}

func syntheticSignature(slot uint64) solana.Signature {
	var sig solana.Signature
	binary.LittleEndian.PutUint64(sig[:], slot)
	return sig
}

func (c *NullClient) requireSigner(instr solana.Instruction, index int, signerSet map[solana.PublicKey]bool) (solana.PublicKey, error) {
	accounts := instr.Accounts()
	if index >= len(accounts) {
		return solana.PublicKey{}, fmt.Errorf("missing account meta at index %d", index)
	}
	key := accounts[index].PublicKey
	if !accounts[index].IsSigner || !signerSet[key] {
		return solana.PublicKey{}, ErrUnauthorized
	}
	return key, nil
}

func (c *NullClient) applyInitialize(instr solana.Instruction, decoded *instruction.Decoded, signerSet map[solana.PublicKey]bool) error {
	authority, err := c.requireSigner(instr, 1, signerSet)
	if err != nil {
		return err
	}
	if c.pool != nil {
		return errors.New("reward pool already initialized")
	}
	c.pool = &layout.RewardPool{
		Initialized:   true,
		Authority:     authority,
		FeePercentage: decoded.FeePercentage,
	}
	return nil
}

func (c *NullClient) applyRecordTaskCompletion(instr solana.Instruction, decoded *instruction.Decoded, signerSet map[solana.PublicKey]bool) error {
	authority, err := c.requireSigner(instr, 5, signerSet)
	if err != nil {
		return err
	}
	if c.pool == nil || !c.pool.Initialized {
		return ErrNotInitialized
	}
	if c.pool.Authority != authority {
		return ErrUnauthorized
	}
	if c.pool.Paused {
		return ErrPoolPaused
	}
	if _, exists := c.tasks[decoded.TaskID]; exists {
		return fmt.Errorf("task record %q already exists", decoded.TaskID)
	}

	accounts := instr.Accounts()
	if len(accounts) < 6 {
		return errors.New("missing task completion account metas")
	}
	farmer := accounts[3].PublicKey
	tokenMint := accounts[4].PublicKey

	record, ok := c.farmers[farmer]
	if !ok {
		// Farmer ledger records are created lazily on first credited task.
		record = &layout.FarmerAccount{Initialized: true, Address: farmer}
		c.farmers[farmer] = record
	}
	record.TotalEarned += decoded.RewardAmount

	c.tasks[decoded.TaskID] = &layout.TaskCompletionRecord{
		Initialized:    true,
		TaskID:         decoded.TaskID,
		Farmer:         farmer,
		PoolID:         decoded.PoolID,
		RewardAmount:   decoded.RewardAmount,
		TokenMint:      tokenMint,
		CompletionSlot: c.slot,
	}
	return nil
}

func (c *NullClient) applyWithdrawRewards(instr solana.Instruction, decoded *instruction.Decoded, signerSet map[solana.PublicKey]bool) error {
	farmer, err := c.requireSigner(instr, instruction.WithdrawFarmerAccountIndex, signerSet)
	if err != nil {
		return err
	}
	if c.pool == nil || !c.pool.Initialized {
		return ErrNotInitialized
	}
	if c.pool.Paused {
		return ErrPoolPaused
	}
	record, ok := c.farmers[farmer]
	if !ok || !record.Initialized {
		return ErrNotInitialized
	}
	if record.Address != farmer {
		return ErrInvalidFarmerAddress
	}
	// The engine's nonce check is the true safety net: at most one
	// withdrawal per nonce value ever succeeds.
	if record.WithdrawalNonce != decoded.ExpectedNonce {
		return ErrNonceMismatch
	}

	// Validate the whole batch before touching anything.
	var total uint64
	var tokenMint solana.PublicKey
	batch := make([]*layout.TaskCompletionRecord, 0, len(decoded.TaskIDs))
	seen := make(map[string]struct{}, len(decoded.TaskIDs))
	for _, taskID := range decoded.TaskIDs {
		// The program claims ids in order, so a repeated id observes its
		// first occurrence already claimed.
		if _, dup := seen[taskID]; dup {
			return fmt.Errorf("%w: %q", ErrAlreadyClaimed, taskID)
		}
		seen[taskID] = struct{}{}
		task, ok := c.tasks[taskID]
		if !ok {
			return fmt.Errorf("%w: %q", ErrTaskNotFound, taskID)
		}
		if task.Farmer != farmer {
			return ErrInvalidFarmerAddress
		}
		if task.Claimed {
			return fmt.Errorf("%w: %q", ErrAlreadyClaimed, taskID)
		}
		if tokenMint.IsZero() {
			tokenMint = task.TokenMint
		} else if tokenMint != task.TokenMint {
			return ErrInvalidTokenAccount
		}
		total += task.RewardAmount
		batch = append(batch, task)
	}
	if total == 0 {
		return errors.New("zero-value withdrawal")
	}
	if c.vaults[tokenMint] < total {
		return ErrInsufficientVaultBalance
	}

	platformFee, farmerNet := FeeSplit(total, c.pool.FeePercentage)

	// Commit. All checks passed, so the batch applies atomically.
	for _, task := range batch {
		task.Claimed = true
	}
	c.vaults[tokenMint] -= total
	record.WithdrawalNonce++
	record.TotalWithdrawn += farmerNet
	record.LastWithdrawalSlot = c.slot
	c.pool.TotalDistributed += farmerNet
	c.pool.TotalFeesCollected += platformFee
	return nil
}

func (c *NullClient) applySetPaused(instr solana.Instruction, decoded *instruction.Decoded, signerSet map[solana.PublicKey]bool) error {
	authority, err := c.requireSigner(instr, 1, signerSet)
	if err != nil {
		return err
	}
	if c.pool == nil || !c.pool.Initialized {
		return ErrNotInitialized
	}
	if c.pool.Authority != authority {
		return ErrUnauthorized
	}
	c.pool.Paused = decoded.Paused
	return nil
}

func (c *NullClient) applyUpdatePlatformFee(instr solana.Instruction, decoded *instruction.Decoded, signerSet map[solana.PublicKey]bool) error {
	authority, err := c.requireSigner(instr, 1, signerSet)
	if err != nil {
		return err
	}
	if c.pool == nil || !c.pool.Initialized {
		return ErrNotInitialized
	}
	if c.pool.Authority != authority {
		return ErrUnauthorized
	}
	c.pool.FeePercentage = decoded.FeePercentage
	return nil
}

// Fetches round-trip through the codec so callers observe exactly what a real
// backend would return.

func (c *NullClient) FetchPool(ctx context.Context) (*layout.RewardPool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pool == nil {
		return nil, ErrAccountNotFound
	}
	return copyThroughCodec(c.pool.Encode, layout.DecodeRewardPool)
}

func (c *NullClient) FetchFarmer(ctx context.Context, farmer solana.PublicKey) (*layout.FarmerAccount, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.farmers[farmer]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return copyThroughCodec(record.Encode, layout.DecodeFarmerAccount)
}

func (c *NullClient) FetchTask(ctx context.Context, taskID string) (*layout.TaskCompletionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	task, ok := c.tasks[taskID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return copyThroughCodec(task.Encode, layout.DecodeTaskCompletionRecord)
}

func (c *NullClient) VaultBalance(ctx context.Context, tokenMint solana.PublicKey) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	balance, ok := c.vaults[tokenMint]
	if !ok {
		return 0, ErrAccountNotFound
	}
	return balance, nil
}

func copyThroughCodec[T any](encode func() ([]byte, error), decode func([]byte) (*T, error)) (*T, error) {
	buf, err := encode()
	if err != nil {
		return nil, err
	}
	return decode(buf)
}
