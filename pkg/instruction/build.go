package instruction

import (
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/harvestlabs/rewardpool/pkg/pda"
)

// Account meta order is fixed by the on-chain program. The withdrawal
// instruction appends one writable meta per task record after the fixed
// accounts.
const (
	// WithdrawFixedAccounts is the number of metas preceding the task
	// record metas in a WithdrawRewards instruction.
	WithdrawFixedAccounts = 7
	// WithdrawFarmerAccountIndex is the position of the farmer signer meta.
	WithdrawFarmerAccountIndex = 5
)

// BuildInitialize assembles the Initialize instruction with its account metas:
// pool(w), authority(w,s), system program, rent sysvar.
func BuildInitialize(programID, authority solana.PublicKey, feePercentage uint8) (solana.Instruction, error) {
	data, err := Initialize(feePercentage)
	if err != nil {
		return nil, err
	}
	pool, _, err := pda.Pool(programID)
	if err != nil {
		return nil, fmt.Errorf("failed to derive pool address: %w", err)
	}
	metas := solana.AccountMetaSlice{
		solana.Meta(pool).WRITE(),
		solana.Meta(authority).WRITE().SIGNER(),
		solana.Meta(solana.SystemProgramID),
		solana.Meta(solana.SysVarRentPubkey),
	}
	return solana.NewInstruction(programID, metas, data), nil
}

// BuildRecordTaskCompletion assembles the RecordTaskCompletion instruction:
// pool(w), farmer ledger(w), task record(w), farmer, mint, authority(w,s),
// system program, rent sysvar.
func BuildRecordTaskCompletion(programID, authority, farmer, tokenMint solana.PublicKey, taskID, poolID string, rewardAmount uint64) (solana.Instruction, error) {
	data, err := RecordTaskCompletion(taskID, poolID, rewardAmount)
	if err != nil {
		return nil, err
	}
	pool, _, err := pda.Pool(programID)
	if err != nil {
		return nil, fmt.Errorf("failed to derive pool address: %w", err)
	}
	farmerAccount, _, err := pda.Farmer(programID, farmer)
	if err != nil {
		return nil, fmt.Errorf("failed to derive farmer ledger address: %w", err)
	}
	taskRecord, _, err := pda.Task(programID, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to derive task record address: %w", err)
	}
	metas := solana.AccountMetaSlice{
		solana.Meta(pool).WRITE(),
		solana.Meta(farmerAccount).WRITE(),
		solana.Meta(taskRecord).WRITE(),
		solana.Meta(farmer),
		solana.Meta(tokenMint),
		solana.Meta(authority).WRITE().SIGNER(),
		solana.Meta(solana.SystemProgramID),
		solana.Meta(solana.SysVarRentPubkey),
	}
	return solana.NewInstruction(programID, metas, data), nil
}

// BuildWithdrawRewards assembles the WithdrawRewards instruction:
// pool(w), farmer ledger(w), vault(w), farmer token account(w),
// platform treasury(w), farmer(s), token program, then one writable meta per
// task record. Withdrawal is farmer-initiated: the farmer is the sole signer.
func BuildWithdrawRewards(programID, farmer, tokenMint, farmerTokenAccount, platformTreasury solana.PublicKey, taskIDs []string, expectedNonce uint64) (solana.Instruction, error) {
	data, err := WithdrawRewards(taskIDs, expectedNonce)
	if err != nil {
		return nil, err
	}
	pool, _, err := pda.Pool(programID)
	if err != nil {
		return nil, fmt.Errorf("failed to derive pool address: %w", err)
	}
	farmerAccount, _, err := pda.Farmer(programID, farmer)
	if err != nil {
		return nil, fmt.Errorf("failed to derive farmer ledger address: %w", err)
	}
	vault, _, err := pda.Vault(programID, tokenMint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive vault address: %w", err)
	}
	metas := solana.AccountMetaSlice{
		solana.Meta(pool).WRITE(),
		solana.Meta(farmerAccount).WRITE(),
		solana.Meta(vault).WRITE(),
		solana.Meta(farmerTokenAccount).WRITE(),
		solana.Meta(platformTreasury).WRITE(),
		solana.Meta(farmer).SIGNER(),
		solana.Meta(solana.TokenProgramID),
	}
	for _, taskID := range taskIDs {
		taskRecord, _, err := pda.Task(programID, taskID)
		if err != nil {
			return nil, fmt.Errorf("failed to derive task record address for %q: %w", taskID, err)
		}
		metas = append(metas, solana.Meta(taskRecord).WRITE())
	}
	return solana.NewInstruction(programID, metas, data), nil
}

// BuildSetPaused assembles the SetPaused instruction: pool(w), authority(s).
func BuildSetPaused(programID, authority solana.PublicKey, paused bool) (solana.Instruction, error) {
	data, err := SetPaused(paused)
	if err != nil {
		return nil, err
	}
	return buildAdmin(programID, authority, data)
}

// BuildUpdatePlatformFee assembles the UpdatePlatformFee instruction:
// pool(w), authority(s).
func BuildUpdatePlatformFee(programID, authority solana.PublicKey, newFeePercentage uint8) (solana.Instruction, error) {
	data, err := UpdatePlatformFee(newFeePercentage)
	if err != nil {
		return nil, err
	}
	return buildAdmin(programID, authority, data)
}

func buildAdmin(programID, authority solana.PublicKey, data []byte) (solana.Instruction, error) {
	pool, _, err := pda.Pool(programID)
	if err != nil {
		return nil, fmt.Errorf("failed to derive pool address: %w", err)
	}
	metas := solana.AccountMetaSlice{
		solana.Meta(pool).WRITE(),
		solana.Meta(authority).SIGNER(),
	}
	return solana.NewInstruction(programID, metas, data), nil
}
