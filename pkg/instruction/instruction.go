// Package instruction builds the byte form of reward pool instructions: a
// 1-byte opcode followed by fixed-width fields, then length-prefixed variable
// fields last. Arguments are validated before encoding; malformed bytes are
// never emitted.
package instruction

import (
	"encoding/binary"
	"fmt"

	"github.com/harvestlabs/rewardpool/pkg/layout"
)

// Opcode identifies a reward pool instruction.
type Opcode uint8

const (
	OpInitialize Opcode = iota
	OpRecordTaskCompletion
	OpWithdrawRewards
	OpSetPaused
	OpUpdatePlatformFee
)

func (o Opcode) String() string {
	switch o {
	case OpInitialize:
		return "Initialize"
	case OpRecordTaskCompletion:
		return "RecordTaskCompletion"
	case OpWithdrawRewards:
		return "WithdrawRewards"
	case OpSetPaused:
		return "SetPaused"
	case OpUpdatePlatformFee:
		return "UpdatePlatformFee"
	default:
		return fmt.Sprintf("Opcode(%d)", uint8(o))
	}
}

const (
	// MaxFeePercentage is the upper bound for the platform fee.
	MaxFeePercentage = 100
	// MaxBatchSize bounds the number of task ids in one withdrawal.
	MaxBatchSize = 50
)

// ValidationError reports a bad argument, naming the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("instruction: field %q: %s", e.Field, e.Reason)
}

func validateString(field, v string) error {
	if len(v) == 0 {
		return &ValidationError{Field: field, Reason: "must not be empty"}
	}
	if len(v) > layout.StringCapacity {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("length %d exceeds capacity %d", len(v), layout.StringCapacity)}
	}
	return nil
}

func validateFee(field string, fee uint8) error {
	if fee > MaxFeePercentage {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("must be in [0,%d], got %d", MaxFeePercentage, fee)}
	}
	return nil
}

// Initialize encodes the Initialize(feePercentage) instruction data.
func Initialize(feePercentage uint8) ([]byte, error) {
	if err := validateFee("feePercentage", feePercentage); err != nil {
		return nil, err
	}
	return []byte{byte(OpInitialize), feePercentage}, nil
}

// RecordTaskCompletion encodes the RecordTaskCompletion instruction data.
// Layout: opcode(1) + rewardAmount(8) + taskId(1+n) + poolId(1+n).
func RecordTaskCompletion(taskID, poolID string, rewardAmount uint64) ([]byte, error) {
	if err := validateString("taskId", taskID); err != nil {
		return nil, err
	}
	if err := validateString("poolId", poolID); err != nil {
		return nil, err
	}
	data := make([]byte, 0, 1+8+1+len(taskID)+1+len(poolID))
	data = append(data, byte(OpRecordTaskCompletion))
	data = binary.LittleEndian.AppendUint64(data, rewardAmount)
	data = appendString(data, taskID)
	data = appendString(data, poolID)
	return data, nil
}

// WithdrawRewards encodes the WithdrawRewards instruction data.
// Layout: opcode(1) + expectedNonce(8) + count(1) + taskIds each (1+n).
func WithdrawRewards(taskIDs []string, expectedNonce uint64) ([]byte, error) {
	if len(taskIDs) == 0 {
		return nil, &ValidationError{Field: "taskIds", Reason: "must not be empty"}
	}
	if len(taskIDs) > MaxBatchSize {
		return nil, &ValidationError{Field: "taskIds", Reason: fmt.Sprintf("batch size %d exceeds maximum %d", len(taskIDs), MaxBatchSize)}
	}
	data := []byte{byte(OpWithdrawRewards)}
	data = binary.LittleEndian.AppendUint64(data, expectedNonce)
	data = append(data, uint8(len(taskIDs)))
	seen := make(map[string]struct{}, len(taskIDs))
	for _, taskID := range taskIDs {
		if err := validateString("taskIds", taskID); err != nil {
			return nil, err
		}
		if _, dup := seen[taskID]; dup {
			return nil, &ValidationError{Field: "taskIds", Reason: fmt.Sprintf("duplicate task id %q", taskID)}
		}
		seen[taskID] = struct{}{}
		data = appendString(data, taskID)
	}
	return data, nil
}

// SetPaused encodes the SetPaused instruction data.
func SetPaused(paused bool) ([]byte, error) {
	flag := byte(0)
	if paused {
		flag = 1
	}
	return []byte{byte(OpSetPaused), flag}, nil
}

// UpdatePlatformFee encodes the UpdatePlatformFee instruction data.
func UpdatePlatformFee(newFeePercentage uint8) ([]byte, error) {
	if err := validateFee("newFeePercentage", newFeePercentage); err != nil {
		return nil, err
	}
	return []byte{byte(OpUpdatePlatformFee), newFeePercentage}, nil
}

func appendString(data []byte, v string) []byte {
	data = append(data, uint8(len(v)))
	return append(data, v...)
}

// Decoded is the parsed form of an instruction's data bytes. Only the fields
// for the decoded opcode are set.
type Decoded struct {
	Op            Opcode
	FeePercentage uint8
	TaskID        string
	PoolID        string
	RewardAmount  uint64
	TaskIDs       []string
	ExpectedNonce uint64
	Paused        bool
}

// Decode parses instruction data bytes. The execution engine side of the
// protocol; also used by the in-memory null ledger.
func Decode(data []byte) (*Decoded, error) {
	if len(data) < 1 {
		return nil, &ValidationError{Field: "data", Reason: "empty instruction data"}
	}
	op := Opcode(data[0])
	rest := data[1:]
	switch op {
	case OpInitialize, OpUpdatePlatformFee:
		if len(rest) != 1 {
			return nil, &ValidationError{Field: "data", Reason: "malformed fee instruction"}
		}
		if err := validateFee("feePercentage", rest[0]); err != nil {
			return nil, err
		}
		return &Decoded{Op: op, FeePercentage: rest[0]}, nil
	case OpSetPaused:
		if len(rest) != 1 {
			return nil, &ValidationError{Field: "data", Reason: "malformed pause instruction"}
		}
		return &Decoded{Op: op, Paused: rest[0] != 0}, nil
	case OpRecordTaskCompletion:
		if len(rest) < 8 {
			return nil, &ValidationError{Field: "data", Reason: "malformed task completion instruction"}
		}
		amount := binary.LittleEndian.Uint64(rest)
		rest = rest[8:]
		taskID, rest, err := readString("taskId", rest)
		if err != nil {
			return nil, err
		}
		poolID, rest, err := readString("poolId", rest)
		if err != nil {
			return nil, err
		}
		if len(rest) != 0 {
			return nil, &ValidationError{Field: "data", Reason: "trailing bytes after task completion instruction"}
		}
		return &Decoded{Op: op, TaskID: taskID, PoolID: poolID, RewardAmount: amount}, nil
	case OpWithdrawRewards:
		if len(rest) < 9 {
			return nil, &ValidationError{Field: "data", Reason: "malformed withdrawal instruction"}
		}
		nonce := binary.LittleEndian.Uint64(rest)
		count := int(rest[8])
		rest = rest[9:]
		if count == 0 || count > MaxBatchSize {
			return nil, &ValidationError{Field: "taskIds", Reason: fmt.Sprintf("batch size %d out of range [1,%d]", count, MaxBatchSize)}
		}
		taskIDs := make([]string, 0, count)
		for i := 0; i < count; i++ {
			var taskID string
			var err error
			taskID, rest, err = readString("taskIds", rest)
			if err != nil {
				return nil, err
			}
			taskIDs = append(taskIDs, taskID)
		}
		if len(rest) != 0 {
			return nil, &ValidationError{Field: "data", Reason: "trailing bytes after withdrawal instruction"}
		}
		return &Decoded{Op: op, TaskIDs: taskIDs, ExpectedNonce: nonce}, nil
	default:
		return nil, &ValidationError{Field: "opcode", Reason: fmt.Sprintf("unknown opcode %d", uint8(op))}
	}
}

func readString(field string, data []byte) (string, []byte, error) {
	if len(data) < 1 {
		return "", nil, &ValidationError{Field: field, Reason: "missing length prefix"}
	}
	n := int(data[0])
	if n > layout.StringCapacity {
		return "", nil, &ValidationError{Field: field, Reason: fmt.Sprintf("length prefix %d exceeds capacity %d", n, layout.StringCapacity)}
	}
	if len(data) < 1+n {
		return "", nil, &ValidationError{Field: field, Reason: "truncated string"}
	}
	return string(data[1 : 1+n]), data[1+n:], nil
}
