package ledger

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// EngineCode is a custom error code returned by the on-chain program. The
// order is fixed by the program's error enum.
type EngineCode uint32

const (
	CodeInvalidFeePercentage EngineCode = iota
	CodeUnauthorized
	CodeNotInitialized
	CodePoolPaused
	CodeAlreadyClaimed
	CodeNonceMismatch
	CodeInsufficientVaultBalance
	CodeInvalidTokenAccount
	CodeTaskNotFound
	CodeInvalidFarmerAddress
)

// Sentinel errors for engine rejections and read misses. These are the
// terminal conditions the withdrawal orchestrator branches on.
var (
	ErrAccountNotFound          = errors.New("ledger: account not found")
	ErrInvalidFeePercentage     = errors.New("ledger: invalid fee percentage")
	ErrUnauthorized             = errors.New("ledger: unauthorized signer")
	ErrNotInitialized           = errors.New("ledger: account not initialized")
	ErrPoolPaused               = errors.New("ledger: reward pool is paused")
	ErrAlreadyClaimed           = errors.New("ledger: task already claimed")
	ErrNonceMismatch            = errors.New("ledger: withdrawal nonce mismatch")
	ErrInsufficientVaultBalance = errors.New("ledger: insufficient vault balance")
	ErrInvalidTokenAccount      = errors.New("ledger: invalid token account")
	ErrTaskNotFound             = errors.New("ledger: task record not found")
	ErrInvalidFarmerAddress     = errors.New("ledger: farmer address mismatch")

	// ErrConfirmationTimeout is ambiguous: the instruction may or may not
	// have applied. Callers must re-read ledger state before resubmitting.
	ErrConfirmationTimeout = errors.New("ledger: confirmation timed out")
)

var codeErrors = map[EngineCode]error{
	CodeInvalidFeePercentage:     ErrInvalidFeePercentage,
	CodeUnauthorized:             ErrUnauthorized,
	CodeNotInitialized:           ErrNotInitialized,
	CodePoolPaused:               ErrPoolPaused,
	CodeAlreadyClaimed:           ErrAlreadyClaimed,
	CodeNonceMismatch:            ErrNonceMismatch,
	CodeInsufficientVaultBalance: ErrInsufficientVaultBalance,
	CodeInvalidTokenAccount:      ErrInvalidTokenAccount,
	CodeTaskNotFound:             ErrTaskNotFound,
	CodeInvalidFarmerAddress:     ErrInvalidFarmerAddress,
}

// ErrorForCode maps an engine custom error code to its sentinel.
func ErrorForCode(code EngineCode) error {
	if err, ok := codeErrors[code]; ok {
		return err
	}
	return fmt.Errorf("ledger: unknown engine error code %d", code)
}

// SubmissionError classifies a failed submission. Permanent means the engine
// definitely rejected the instruction before execution: resubmitting the
// identical bytes cannot succeed. Transient covers network failures and
// confirmation timeouts, where the caller may retry after re-reading state.
type SubmissionError struct {
	Permanent bool
	Err       error
}

func (e *SubmissionError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("submission failed (%s): %v", kind, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// Transient reports whether the submission may be retried.
func (e *SubmissionError) Transient() bool { return !e.Permanent }

func permanentErr(err error) *SubmissionError {
	return &SubmissionError{Permanent: true, Err: err}
}

func transientErr(err error) *SubmissionError {
	return &SubmissionError{Err: err}
}

var customProgramErrRe = regexp.MustCompile(`custom program error: 0x([0-9a-fA-F]+)`)

// classifySendError maps an RPC send failure into a SubmissionError. A
// preflight rejection carrying a custom program error code is a definite
// pre-execution rejection; anything else is treated as transient.
func classifySendError(err error) *SubmissionError {
	msg := err.Error()
	if m := customProgramErrRe.FindStringSubmatch(msg); m != nil {
		code, parseErr := strconv.ParseUint(m[1], 16, 32)
		if parseErr == nil {
			return permanentErr(fmt.Errorf("%w: %v", ErrorForCode(EngineCode(code)), err))
		}
	}
	if strings.Contains(msg, "Transaction simulation failed") ||
		strings.Contains(msg, "invalid transaction") ||
		strings.Contains(msg, "Blockhash not found") {
		// Definitely not applied. A fresh blockhash and rebuilt transaction
		// may still succeed, so blockhash staleness stays transient.
		if strings.Contains(msg, "Blockhash not found") {
			return transientErr(err)
		}
		return permanentErr(err)
	}
	return transientErr(err)
}
