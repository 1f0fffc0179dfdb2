package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/harvestlabs/rewardpool/pkg/layout"
	"github.com/harvestlabs/rewardpool/pkg/pda"
)

type RPCConfig struct {
	Logger    *slog.Logger
	Endpoint  string
	ProgramID solana.PublicKey

	// Commitment for reads. Defaults to confirmed.
	Commitment solanarpc.CommitmentType
	// ConfirmTimeout bounds the post-send confirmation wait. On expiry the
	// submission outcome is ambiguous. Defaults to 45s.
	ConfirmTimeout time.Duration
	// ConfirmPollInterval is the signature status poll cadence. Defaults to 500ms.
	ConfirmPollInterval time.Duration
	// ReadsPerSecond rate-limits account reads against the endpoint. Defaults to 10.
	ReadsPerSecond float64

	Clock clockwork.Clock
}

func (cfg *RPCConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Endpoint == "" {
		return errors.New("rpc endpoint is required")
	}
	if cfg.ProgramID.IsZero() {
		return errors.New("program id is required")
	}
	return nil
}

// RPCClient talks to a Solana RPC endpoint.
type RPCClient struct {
	log     *slog.Logger
	cfg     RPCConfig
	rpc     *solanarpc.Client
	clock   clockwork.Clock
	limiter *rate.Limiter
}

func NewRPCClient(cfg RPCConfig) (*RPCClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Commitment == "" {
		cfg.Commitment = solanarpc.CommitmentConfirmed
	}
	if cfg.ConfirmTimeout == 0 {
		cfg.ConfirmTimeout = 45 * time.Second
	}
	if cfg.ConfirmPollInterval == 0 {
		cfg.ConfirmPollInterval = 500 * time.Millisecond
	}
	if cfg.ReadsPerSecond == 0 {
		cfg.ReadsPerSecond = 10
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &RPCClient{
		log:     cfg.Logger,
		cfg:     cfg,
		rpc:     solanarpc.New(cfg.Endpoint),
		clock:   cfg.Clock,
		limiter: rate.NewLimiter(rate.Limit(cfg.ReadsPerSecond), 1),
	}, nil
}

func (c *RPCClient) Submit(ctx context.Context, instr solana.Instruction, signers []solana.PrivateKey) (*SubmitResult, error) {
	if len(signers) == 0 {
		return nil, permanentErr(errors.New("at least one signer is required"))
	}

	// Fresh validity context per submission. A stale blockhash causes
	// spurious rejection, so never reuse one across attempts.
	blockhash, err := c.rpc.GetLatestBlockhash(ctx, solanarpc.CommitmentFinalized)
	if err != nil {
		return nil, transientErr(fmt.Errorf("failed to fetch latest blockhash: %w", err))
	}

	payer := signers[0].PublicKey()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{instr},
		blockhash.Value.Blockhash,
		solana.TransactionPayer(payer),
	)
	if err != nil {
		return nil, permanentErr(fmt.Errorf("failed to build transaction: %w", err))
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		for i := range signers {
			if signers[i].PublicKey().Equals(key) {
				return &signers[i]
			}
		}
		return nil
	}); err != nil {
		return nil, permanentErr(fmt.Errorf("failed to sign transaction: %w", err))
	}

	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, solanarpc.TransactionOpts{
		PreflightCommitment: solanarpc.CommitmentProcessed,
	})
	if err != nil {
		return nil, classifySendError(err)
	}

	c.log.Debug("ledger/rpc: transaction sent", "signature", sig.String(), "payer", payer.String())
	return c.confirm(ctx, sig)
}

func (c *RPCClient) confirm(ctx context.Context, sig solana.Signature) (*SubmitResult, error) {
	deadline := c.clock.Now().Add(c.cfg.ConfirmTimeout)
	for {
		out, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
		if err != nil {
			c.log.Debug("ledger/rpc: signature status poll failed", "signature", sig.String(), "error", err)
		} else if len(out.Value) > 0 && out.Value[0] != nil {
			status := out.Value[0]
			if status.Err != nil {
				return nil, permanentErr(fmt.Errorf("transaction failed on-chain: %v", status.Err))
			}
			if status.ConfirmationStatus == solanarpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == solanarpc.ConfirmationStatusFinalized {
				return &SubmitResult{Signature: sig, Slot: status.Slot}, nil
			}
		}

		if c.clock.Now().After(deadline) {
			return nil, transientErr(fmt.Errorf("%w: signature %s", ErrConfirmationTimeout, sig))
		}
		select {
		case <-ctx.Done():
			return nil, transientErr(ctx.Err())
		case <-c.clock.After(c.cfg.ConfirmPollInterval):
		}
	}
}

func (c *RPCClient) fetchAccount(ctx context.Context, addr solana.PublicKey) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	out, err := c.rpc.GetAccountInfoWithOpts(ctx, addr, &solanarpc.GetAccountInfoOpts{
		Commitment: c.cfg.Commitment,
	})
	if err != nil {
		if errors.Is(err, solanarpc.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to fetch account %s: %w", addr, err)
	}
	if out.Value == nil {
		return nil, ErrAccountNotFound
	}
	return out.Value.Data.GetBinary(), nil
}

func (c *RPCClient) FetchPool(ctx context.Context) (*layout.RewardPool, error) {
	addr, _, err := pda.Pool(c.cfg.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("failed to derive pool address: %w", err)
	}
	data, err := c.fetchAccount(ctx, addr)
	if err != nil {
		return nil, err
	}
	return layout.DecodeRewardPool(data)
}

func (c *RPCClient) FetchFarmer(ctx context.Context, farmer solana.PublicKey) (*layout.FarmerAccount, error) {
	addr, _, err := pda.Farmer(c.cfg.ProgramID, farmer)
	if err != nil {
		return nil, fmt.Errorf("failed to derive farmer ledger address: %w", err)
	}
	data, err := c.fetchAccount(ctx, addr)
	if err != nil {
		return nil, err
	}
	return layout.DecodeFarmerAccount(data)
}

func (c *RPCClient) FetchTask(ctx context.Context, taskID string) (*layout.TaskCompletionRecord, error) {
	addr, _, err := pda.Task(c.cfg.ProgramID, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to derive task record address: %w", err)
	}
	data, err := c.fetchAccount(ctx, addr)
	if err != nil {
		return nil, err
	}
	return layout.DecodeTaskCompletionRecord(data)
}

func (c *RPCClient) VaultBalance(ctx context.Context, tokenMint solana.PublicKey) (uint64, error) {
	vault, _, err := pda.Vault(c.cfg.ProgramID, tokenMint)
	if err != nil {
		return 0, fmt.Errorf("failed to derive vault address: %w", err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	out, err := c.rpc.GetTokenAccountBalance(ctx, vault, c.cfg.Commitment)
	if err != nil {
		if errors.Is(err, solanarpc.ErrNotFound) {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("failed to fetch vault balance for mint %s: %w", tokenMint, err)
	}
	amount, err := strconv.ParseUint(out.Value.Amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse vault balance %q: %w", out.Value.Amount, err)
	}
	return amount, nil
}
