package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (cfg *PostgresConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	return nil
}

// PostgresStore reads and marks task submissions in the audit database.
type PostgresStore struct {
	log *slog.Logger
	cfg PostgresConfig
}

func NewPostgresStore(cfg PostgresConfig) (*PostgresStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &PostgresStore{log: cfg.Logger, cfg: cfg}, nil
}

func (s *PostgresStore) FindUnclaimedTasks(ctx context.Context, farmer solana.PublicKey, tokenMint solana.PublicKey, limit int) ([]string, error) {
	query := `
		SELECT task_id
		FROM task_submissions
		WHERE farmer_address = $1
		  AND claimed = false
		  AND ($2 = '' OR token_mint = $2)
		ORDER BY completed_at
		LIMIT $3
	`
	mintFilter := ""
	if !tokenMint.IsZero() {
		mintFilter = tokenMint.String()
	}

	rows, err := s.cfg.Pool.Query(ctx, query, farmer.String(), mintFilter, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unclaimed tasks: %w", err)
	}
	defer rows.Close()

	var taskIDs []string
	for rows.Next() {
		var taskID string
		if err := rows.Scan(&taskID); err != nil {
			return nil, fmt.Errorf("failed to scan task id: %w", err)
		}
		taskIDs = append(taskIDs, taskID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read unclaimed tasks: %w", err)
	}
	return taskIDs, nil
}

func (s *PostgresStore) MarkClaimed(ctx context.Context, taskIDs []string, signature solana.Signature, slot uint64) error {
	if len(taskIDs) == 0 {
		return nil
	}
	query := `
		UPDATE task_submissions
		SET claimed = true, claim_signature = $2, claim_slot = $3
		WHERE task_id = ANY($1)
	`
	tag, err := s.cfg.Pool.Exec(ctx, query, taskIDs, signature.String(), int64(slot))
	if err != nil {
		return fmt.Errorf("failed to mark tasks claimed: %w", err)
	}
	if tag.RowsAffected() != int64(len(taskIDs)) {
		// The ledger already confirmed the claim; a short update here means
		// the audit rows drifted, which is worth surfacing but not fatal.
		s.log.Warn("audit/postgres: claim update touched fewer rows than expected",
			"expected", len(taskIDs),
			"updated", tag.RowsAffected(),
			"signature", signature.String())
	}
	return nil
}
