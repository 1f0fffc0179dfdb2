package withdraw

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/harvestlabs/rewardpool/pkg/instruction"
	"github.com/harvestlabs/rewardpool/pkg/ledger"
	"github.com/harvestlabs/rewardpool/pkg/retry"
)

// Platform-authority operations. These are not part of the withdrawal state
// machine but the pool needs them before any withdrawal can happen.

// InitializePool creates the singleton pool record with a fixed fee.
func (s *Service) InitializePool(ctx context.Context, authority solana.PrivateKey, feePercentage uint8) (*ledger.SubmitResult, error) {
	instr, err := instruction.BuildInitialize(s.cfg.ProgramID, authority.PublicKey(), feePercentage)
	if err != nil {
		return nil, err
	}
	result, err := s.submitAdmin(ctx, instr, authority)
	if err != nil {
		return nil, err
	}
	s.log.Info("withdraw: pool initialized", "fee_percentage", feePercentage, "slot", result.Slot)
	return result, nil
}

// RecordTask credits one completed task to a farmer, creating the farmer
// ledger record lazily on first credit.
func (s *Service) RecordTask(ctx context.Context, authority solana.PrivateKey, farmer, tokenMint solana.PublicKey, taskID, poolID string, rewardAmount uint64) (*ledger.SubmitResult, error) {
	instr, err := instruction.BuildRecordTaskCompletion(s.cfg.ProgramID, authority.PublicKey(), farmer, tokenMint, taskID, poolID, rewardAmount)
	if err != nil {
		return nil, err
	}
	result, err := s.submitAdmin(ctx, instr, authority)
	if err != nil {
		return nil, err
	}
	s.log.Info("withdraw: task completion recorded",
		"task_id", taskID,
		"farmer", farmer.String(),
		"reward_amount", rewardAmount,
		"slot", result.Slot)
	return result, nil
}

// SetPaused toggles the pool-wide pause flag.
func (s *Service) SetPaused(ctx context.Context, authority solana.PrivateKey, paused bool) (*ledger.SubmitResult, error) {
	instr, err := instruction.BuildSetPaused(s.cfg.ProgramID, authority.PublicKey(), paused)
	if err != nil {
		return nil, err
	}
	result, err := s.submitAdmin(ctx, instr, authority)
	if err != nil {
		return nil, err
	}
	s.log.Info("withdraw: pool pause state set", "paused", paused, "slot", result.Slot)
	return result, nil
}

// UpdatePlatformFee changes the pool fee for future withdrawals.
func (s *Service) UpdatePlatformFee(ctx context.Context, authority solana.PrivateKey, newFeePercentage uint8) (*ledger.SubmitResult, error) {
	instr, err := instruction.BuildUpdatePlatformFee(s.cfg.ProgramID, authority.PublicKey(), newFeePercentage)
	if err != nil {
		return nil, err
	}
	result, err := s.submitAdmin(ctx, instr, authority)
	if err != nil {
		return nil, err
	}
	s.log.Info("withdraw: platform fee updated", "fee_percentage", newFeePercentage, "slot", result.Slot)
	return result, nil
}

func (s *Service) submitAdmin(ctx context.Context, instr solana.Instruction, authority solana.PrivateKey) (*ledger.SubmitResult, error) {
	var result *ledger.SubmitResult
	err := retry.Do(ctx, s.cfg.Retry, func(attempt int) error {
		var err error
		result, err = s.cfg.Ledger.Submit(ctx, instr, []solana.PrivateKey{authority})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to submit %s: %w", instructionName(instr), err)
	}
	return result, nil
}

func instructionName(instr solana.Instruction) string {
	data, err := instr.Data()
	if err != nil || len(data) == 0 {
		return "instruction"
	}
	return instruction.Opcode(data[0]).String()
}
