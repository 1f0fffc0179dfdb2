// Package audit is the boundary to the off-chain submission/audit store. The
// store is never the source of truth for claimed state — only the ledger is —
// and is updated only after ledger confirmation.
package audit

import (
	"context"

	"github.com/gagliardetto/solana-go"
)

// Store lists withdrawal candidates and records confirmed claims.
type Store interface {
	// FindUnclaimedTasks returns up to limit task ids completed by the
	// farmer and not yet marked claimed. A zero tokenMint means any mint.
	FindUnclaimedTasks(ctx context.Context, farmer solana.PublicKey, tokenMint solana.PublicKey, limit int) ([]string, error)

	// MarkClaimed records a confirmed withdrawal for the given tasks.
	MarkClaimed(ctx context.Context, taskIDs []string, signature solana.Signature, slot uint64) error
}
