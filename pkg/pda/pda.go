// Package pda derives the program-owned addresses the reward pool protocol
// reads and writes. Derivation is pure and deterministic: identical seeds
// always yield the identical address.
package pda

import (
	"github.com/gagliardetto/solana-go"
)

// Seed tags, fixed by the on-chain program.
const (
	poolSeed   = "reward_pool"
	farmerSeed = "farmer"
	taskSeed   = "task"
	vaultSeed  = "reward_vault"
)

// DefaultProgramID is the deployed reward pool program.
var DefaultProgramID = solana.MustPublicKeyFromBase58("Fg6PaFpoGXkYsidMpWTK6W2BeZ7FEfcYkg476zPFsLnS")

// Pool derives the singleton pool account address.
func Pool(programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte(poolSeed)}, programID)
}

// Farmer derives the per-participant ledger account address.
func Farmer(programID, farmer solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte(farmerSeed), farmer.Bytes()}, programID)
}

// Task derives the per-task completion record address.
func Task(programID solana.PublicKey, taskID string) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte(taskSeed), []byte(taskID)}, programID)
}

// Vault derives the payout vault address for a token mint.
func Vault(programID, tokenMint solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte(vaultSeed), tokenMint.Bytes()}, programID)
}
