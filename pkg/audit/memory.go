package audit

import (
	"context"
	"sort"
	"sync"

	"github.com/gagliardetto/solana-go"
)

// MemoryStore is an in-memory Store for tests and null-ledger mode.
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]*memoryTask
	seq   int
}

type memoryTask struct {
	farmer    solana.PublicKey
	tokenMint solana.PublicKey
	claimed   bool
	signature solana.Signature
	slot      uint64
	order     int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*memoryTask)}
}

// AddTask registers a completed task as a withdrawal candidate.
func (s *MemoryStore) AddTask(taskID string, farmer, tokenMint solana.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.tasks[taskID] = &memoryTask{farmer: farmer, tokenMint: tokenMint, order: s.seq}
}

func (s *MemoryStore) FindUnclaimedTasks(ctx context.Context, farmer solana.PublicKey, tokenMint solana.PublicKey, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	type candidate struct {
		id    string
		order int
	}
	var candidates []candidate
	for id, task := range s.tasks {
		if task.claimed || task.farmer != farmer {
			continue
		}
		if !tokenMint.IsZero() && task.tokenMint != tokenMint {
			continue
		}
		candidates = append(candidates, candidate{id: id, order: task.order})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].order < candidates[j].order })

	taskIDs := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if limit > 0 && len(taskIDs) >= limit {
			break
		}
		taskIDs = append(taskIDs, c.id)
	}
	return taskIDs, nil
}

func (s *MemoryStore) MarkClaimed(ctx context.Context, taskIDs []string, signature solana.Signature, slot uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range taskIDs {
		if task, ok := s.tasks[id]; ok {
			task.claimed = true
			task.signature = signature
			task.slot = slot
		}
	}
	return nil
}

// Claimed reports whether the store has recorded a claim for the task.
func (s *MemoryStore) Claimed(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	return ok && task.claimed
}
