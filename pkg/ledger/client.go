// Package ledger submits reward pool instructions to the execution engine
// and reads account state back. Two implementations exist: RPCClient against
// a real Solana RPC endpoint, and NullClient, an in-memory engine model used
// when no real backend is configured.
package ledger

import (
	"context"

	"github.com/gagliardetto/solana-go"

	"github.com/harvestlabs/rewardpool/pkg/layout"
)

// SubmitResult identifies a confirmed submission.
type SubmitResult struct {
	Signature solana.Signature
	Slot      uint64
}

// Client is the engine-facing interface of the withdrawal protocol. Fetches
// return ErrAccountNotFound when the account is absent. Submit returns a
// *SubmissionError on failure.
type Client interface {
	// Submit signs and submits one instruction, waiting for confirmation.
	// The first signer pays for the transaction.
	Submit(ctx context.Context, instr solana.Instruction, signers []solana.PrivateKey) (*SubmitResult, error)

	FetchPool(ctx context.Context) (*layout.RewardPool, error)
	FetchFarmer(ctx context.Context, farmer solana.PublicKey) (*layout.FarmerAccount, error)
	FetchTask(ctx context.Context, taskID string) (*layout.TaskCompletionRecord, error)

	// VaultBalance returns the payout vault balance for a token mint.
	VaultBalance(ctx context.Context, tokenMint solana.PublicKey) (uint64, error)
}

// FeeSplit computes the exact platform fee split for a batch total:
// platformFee = floor(total * feePct / 100), farmerNet = total - platformFee.
// The decomposition avoids overflow for totals near the uint64 range, and
// platformFee + farmerNet == total always holds.
func FeeSplit(total uint64, feePct uint8) (platformFee, farmerNet uint64) {
	platformFee = (total/100)*uint64(feePct) + (total%100)*uint64(feePct)/100
	return platformFee, total - platformFee
}
