package withdraw

import (
	"errors"
	"fmt"
	"strings"

	"github.com/harvestlabs/rewardpool/pkg/ledger"
)

var (
	// ErrNoUnclaimedTasks means the farmer has nothing to withdraw.
	ErrNoUnclaimedTasks = errors.New("withdraw: no unclaimed tasks")

	// ErrMixedMintBatch rejects batches spanning more than one token mint.
	// Batches are single-mint by construction.
	ErrMixedMintBatch = errors.New("withdraw: batch spans multiple token mints")
)

// AlreadyClaimedError lists the batch members that were already withdrawn.
// Callers drop the listed ids and retry the remainder; the rejected attempt
// mutates nothing.
type AlreadyClaimedError struct {
	TaskIDs []string
}

func (e *AlreadyClaimedError) Error() string {
	return fmt.Sprintf("withdraw: tasks already claimed: %s", strings.Join(e.TaskIDs, ", "))
}

func (e *AlreadyClaimedError) Unwrap() error { return ledger.ErrAlreadyClaimed }
