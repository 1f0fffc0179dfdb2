package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/harvestlabs/rewardpool/pkg/audit"
	"github.com/harvestlabs/rewardpool/pkg/ledger"
	"github.com/harvestlabs/rewardpool/pkg/logger"
	"github.com/harvestlabs/rewardpool/pkg/pda"
	"github.com/harvestlabs/rewardpool/pkg/retry"
	"github.com/harvestlabs/rewardpool/pkg/withdraw"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// Ledger configuration
	rpcURLFlag := flag.String("rpc-url", "", "Solana RPC endpoint (or set REWARDPOOL_RPC_URL env var)")
	programIDFlag := flag.String("program-id", pda.DefaultProgramID.String(), "reward pool program id (or set REWARDPOOL_PROGRAM_ID env var)")
	keypairFlag := flag.String("keypair", "", "path to the signer keypair file (or set REWARDPOOL_KEYPAIR env var)")
	nullFlag := flag.Bool("null", false, "use the in-memory null ledger instead of an RPC endpoint")

	// Audit store configuration
	databaseURLFlag := flag.String("database-url", "", "Postgres DSN for the task submission store (or set DATABASE_URL env var)")

	// Treasury configuration
	tokenMintFlag := flag.String("token-mint", "", "reward token mint")
	treasuryFlag := flag.String("treasury", "", "platform treasury token account for the mint")

	metricsAddrFlag := flag.String("metrics-addr", "", "address to listen on for prometheus metrics (empty = disabled)")

	// Commands
	initPoolFlag := flag.Bool("init-pool", false, "initialize the reward pool")
	recordTaskFlag := flag.Bool("record-task", false, "record a completed task and credit the farmer")
	withdrawFlag := flag.Bool("withdraw", false, "prepare and execute a withdrawal for the signer's unclaimed tasks")
	setPausedFlag := flag.Bool("set-paused", false, "pause or resume withdrawals (see --paused)")
	updateFeeFlag := flag.Bool("update-fee", false, "update the platform fee percentage")
	statusFlag := flag.Bool("status", false, "print pool and farmer state")

	// Command options
	feeFlag := flag.Uint8("fee", 10, "platform fee percentage for --init-pool / --update-fee")
	pausedFlag := flag.Bool("paused", true, "target paused state for --set-paused")
	farmerFlag := flag.String("farmer", "", "farmer address for --record-task / --status")
	taskIDFlag := flag.String("task-id", "", "task id for --record-task")
	poolIDFlag := flag.String("pool-id", "", "pool id for --record-task")
	amountFlag := flag.Uint64("amount", 0, "reward amount in base units for --record-task")
	batchSizeFlag := flag.Int("batch-size", 10, "maximum tasks per withdrawal for --withdraw")

	flag.Parse()

	// Optional .env for local development.
	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	if env := os.Getenv("REWARDPOOL_RPC_URL"); env != "" && *rpcURLFlag == "" {
		*rpcURLFlag = env
	}
	if env := os.Getenv("REWARDPOOL_PROGRAM_ID"); env != "" {
		*programIDFlag = env
	}
	if env := os.Getenv("REWARDPOOL_KEYPAIR"); env != "" && *keypairFlag == "" {
		*keypairFlag = env
	}
	if env := os.Getenv("DATABASE_URL"); env != "" && *databaseURLFlag == "" {
		*databaseURLFlag = env
	}

	programID, err := solana.PublicKeyFromBase58(*programIDFlag)
	if err != nil {
		return fmt.Errorf("invalid --program-id: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *metricsAddrFlag != "" {
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
			}
		}()
	}

	var client ledger.Client
	if *nullFlag {
		client, err = ledger.NewNullClient(ledger.NullConfig{Logger: log, ProgramID: programID})
		if err != nil {
			return err
		}
	} else {
		if *rpcURLFlag == "" {
			return fmt.Errorf("--rpc-url is required (or pass --null for the in-memory ledger)")
		}
		client, err = ledger.NewRPCClient(ledger.RPCConfig{
			Logger:    log,
			Endpoint:  *rpcURLFlag,
			ProgramID: programID,
		})
		if err != nil {
			return err
		}
	}

	var store audit.Store
	if *databaseURLFlag != "" {
		pool, err := pgxpool.New(ctx, *databaseURLFlag)
		if err != nil {
			return fmt.Errorf("failed to connect to audit database: %w", err)
		}
		defer pool.Close()
		store, err = audit.NewPostgresStore(audit.PostgresConfig{Logger: log, Pool: pool})
		if err != nil {
			return err
		}
	} else if *nullFlag {
		store = audit.NewMemoryStore()
	}

	treasuries := map[solana.PublicKey]solana.PublicKey{}
	if *tokenMintFlag != "" && *treasuryFlag != "" {
		mint, err := solana.PublicKeyFromBase58(*tokenMintFlag)
		if err != nil {
			return fmt.Errorf("invalid --token-mint: %w", err)
		}
		treasury, err := solana.PublicKeyFromBase58(*treasuryFlag)
		if err != nil {
			return fmt.Errorf("invalid --treasury: %w", err)
		}
		treasuries[mint] = treasury
	}

	service, err := withdraw.New(withdraw.Config{
		Logger:                log,
		Ledger:                client,
		ProgramID:             programID,
		Audit:                 store,
		TreasuryTokenAccounts: treasuries,
		Retry:                 retry.DefaultConfig(),
	})
	if err != nil {
		return err
	}

	loadSigner := func() (solana.PrivateKey, error) {
		if *keypairFlag == "" {
			return nil, fmt.Errorf("--keypair is required for this command")
		}
		key, err := solana.PrivateKeyFromSolanaKeygenFile(*keypairFlag)
		if err != nil {
			return nil, fmt.Errorf("failed to load keypair %s: %w", *keypairFlag, err)
		}
		return key, nil
	}

	switch {
	case *initPoolFlag:
		signer, err := loadSigner()
		if err != nil {
			return err
		}
		result, err := service.InitializePool(ctx, signer, *feeFlag)
		if err != nil {
			return err
		}
		log.Info("pool initialized", "fee_percentage", *feeFlag, "signature", result.Signature.String(), "slot", result.Slot)
		return nil

	case *recordTaskFlag:
		signer, err := loadSigner()
		if err != nil {
			return err
		}
		if *farmerFlag == "" || *taskIDFlag == "" || *poolIDFlag == "" || *amountFlag == 0 {
			return fmt.Errorf("--farmer, --task-id, --pool-id and --amount are required for --record-task")
		}
		if *tokenMintFlag == "" {
			return fmt.Errorf("--token-mint is required for --record-task")
		}
		farmer, err := solana.PublicKeyFromBase58(*farmerFlag)
		if err != nil {
			return fmt.Errorf("invalid --farmer: %w", err)
		}
		mint, err := solana.PublicKeyFromBase58(*tokenMintFlag)
		if err != nil {
			return fmt.Errorf("invalid --token-mint: %w", err)
		}
		result, err := service.RecordTask(ctx, signer, farmer, mint, *taskIDFlag, *poolIDFlag, *amountFlag)
		if err != nil {
			return err
		}
		log.Info("task recorded", "task_id", *taskIDFlag, "farmer", farmer.String(), "amount", *amountFlag, "signature", result.Signature.String())
		return nil

	case *withdrawFlag:
		signer, err := loadSigner()
		if err != nil {
			return err
		}
		var mint solana.PublicKey
		if *tokenMintFlag != "" {
			mint, err = solana.PublicKeyFromBase58(*tokenMintFlag)
			if err != nil {
				return fmt.Errorf("invalid --token-mint: %w", err)
			}
		}
		farmer := signer.PublicKey()
		prep, err := service.Prepare(ctx, farmer, mint, *batchSizeFlag)
		if err != nil {
			return err
		}
		log.Info("withdrawal prepared",
			"tasks", len(prep.TaskIDs),
			"nonce", prep.ExpectedNonce,
			"total_reward", prep.TotalReward,
			"platform_fee", prep.PlatformFee,
			"farmer_net", prep.FarmerNet)
		receipt, err := service.Execute(ctx, withdraw.ExecuteRequest{
			Farmer:        farmer,
			TaskIDs:       prep.TaskIDs,
			ExpectedNonce: prep.ExpectedNonce,
			TokenMint:     prep.TokenMint,
			Signer:        signer,
		})
		if err != nil {
			return err
		}
		log.Info("withdrawal confirmed",
			"applied", receipt.AppliedCount,
			"farmer_net", receipt.FarmerNet,
			"signature", receipt.Signature.String(),
			"slot", receipt.Slot,
			"reconciled", receipt.Reconciled)
		return nil

	case *setPausedFlag:
		signer, err := loadSigner()
		if err != nil {
			return err
		}
		result, err := service.SetPaused(ctx, signer, *pausedFlag)
		if err != nil {
			return err
		}
		log.Info("pool pause state updated", "paused", *pausedFlag, "signature", result.Signature.String())
		return nil

	case *updateFeeFlag:
		signer, err := loadSigner()
		if err != nil {
			return err
		}
		result, err := service.UpdatePlatformFee(ctx, signer, *feeFlag)
		if err != nil {
			return err
		}
		log.Info("platform fee updated", "fee_percentage", *feeFlag, "signature", result.Signature.String())
		return nil

	case *statusFlag:
		pool, err := client.FetchPool(ctx)
		if err != nil {
			return err
		}
		log.Info("pool",
			"authority", pool.Authority.String(),
			"fee_percentage", pool.FeePercentage,
			"paused", pool.Paused,
			"total_distributed", pool.TotalDistributed,
			"total_fees_collected", pool.TotalFeesCollected)
		if *farmerFlag != "" {
			farmer, err := solana.PublicKeyFromBase58(*farmerFlag)
			if err != nil {
				return fmt.Errorf("invalid --farmer: %w", err)
			}
			rec, err := client.FetchFarmer(ctx, farmer)
			if err != nil {
				return err
			}
			log.Info("farmer",
				"address", rec.Address.String(),
				"withdrawal_nonce", rec.WithdrawalNonce,
				"total_earned", rec.TotalEarned,
				"total_withdrawn", rec.TotalWithdrawn,
				"last_withdrawal_slot", rec.LastWithdrawalSlot)
		}
		return nil
	}

	flag.Usage()
	return fmt.Errorf("no command given")
}
