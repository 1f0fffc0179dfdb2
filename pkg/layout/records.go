package layout

import (
	"github.com/gagliardetto/solana-go"
)

// RewardPool is the singleton pool account.
// On-chain size: 1 + 32 + 1 + 8 + 8 + 1 = 51 bytes.
type RewardPool struct {
	Initialized        bool             // 1 byte
	Authority          solana.PublicKey // 32 bytes
	FeePercentage      uint8            // 1 byte, 0-100
	TotalDistributed   uint64           // 8 bytes
	TotalFeesCollected uint64           // 8 bytes
	Paused             bool             // 1 byte
}

// RewardPoolSpan is the fixed byte span of a RewardPool record.
const RewardPoolSpan = 1 + solana.PublicKeyLength + 1 + 8 + 8 + 1

func (p *RewardPool) Encode() ([]byte, error) {
	e := newEncoder(RewardPoolSpan)
	e.putBool(p.Initialized)
	e.putPublicKey(p.Authority)
	e.putUint8(p.FeePercentage)
	e.putUint64(p.TotalDistributed)
	e.putUint64(p.TotalFeesCollected)
	e.putBool(p.Paused)
	return e.buf, nil
}

func DecodeRewardPool(buf []byte) (*RewardPool, error) {
	d, err := newDecoder("rewardPool", buf, RewardPoolSpan)
	if err != nil {
		return nil, err
	}
	return &RewardPool{
		Initialized:        d.bool(),
		Authority:          d.publicKey(),
		FeePercentage:      d.uint8(),
		TotalDistributed:   d.uint64(),
		TotalFeesCollected: d.uint64(),
		Paused:             d.bool(),
	}, nil
}

// FarmerAccount is the per-participant ledger record. WithdrawalNonce is the
// fencing counter: it starts at 0 and increments by exactly 1 per successful
// withdrawal.
// On-chain size: 1 + 32 + 8 + 8 + 8 + 8 = 65 bytes.
type FarmerAccount struct {
	Initialized        bool             // 1 byte
	Address            solana.PublicKey // 32 bytes
	WithdrawalNonce    uint64           // 8 bytes
	TotalEarned        uint64           // 8 bytes
	TotalWithdrawn     uint64           // 8 bytes, invariant: TotalWithdrawn <= TotalEarned
	LastWithdrawalSlot uint64           // 8 bytes
}

// FarmerAccountSpan is the fixed byte span of a FarmerAccount record.
const FarmerAccountSpan = 1 + solana.PublicKeyLength + 8 + 8 + 8 + 8

func (f *FarmerAccount) Encode() ([]byte, error) {
	e := newEncoder(FarmerAccountSpan)
	e.putBool(f.Initialized)
	e.putPublicKey(f.Address)
	e.putUint64(f.WithdrawalNonce)
	e.putUint64(f.TotalEarned)
	e.putUint64(f.TotalWithdrawn)
	e.putUint64(f.LastWithdrawalSlot)
	return e.buf, nil
}

func DecodeFarmerAccount(buf []byte) (*FarmerAccount, error) {
	d, err := newDecoder("farmerAccount", buf, FarmerAccountSpan)
	if err != nil {
		return nil, err
	}
	return &FarmerAccount{
		Initialized:        d.bool(),
		Address:            d.publicKey(),
		WithdrawalNonce:    d.uint64(),
		TotalEarned:        d.uint64(),
		TotalWithdrawn:     d.uint64(),
		LastWithdrawalSlot: d.uint64(),
	}, nil
}

// TaskCompletionRecord is created once per credited task. Claimed flips
// false -> true exactly once, on successful withdrawal inclusion, and never
// reverts.
// On-chain size: 1 + (1+32) + 32 + (1+32) + 8 + 32 + 1 + 8 = 148 bytes.
type TaskCompletionRecord struct {
	Initialized    bool             // 1 byte
	TaskID         string           // 1+32 bytes
	Farmer         solana.PublicKey // 32 bytes
	PoolID         string           // 1+32 bytes
	RewardAmount   uint64           // 8 bytes
	TokenMint      solana.PublicKey // 32 bytes
	Claimed        bool             // 1 byte
	CompletionSlot uint64           // 8 bytes
}

// TaskCompletionRecordSpan is the fixed byte span of a TaskCompletionRecord.
const TaskCompletionRecordSpan = 1 + (1 + StringCapacity) + solana.PublicKeyLength + (1 + StringCapacity) + 8 + solana.PublicKeyLength + 1 + 8

func (t *TaskCompletionRecord) Encode() ([]byte, error) {
	e := newEncoder(TaskCompletionRecordSpan)
	e.putBool(t.Initialized)
	if err := e.putString("taskId", t.TaskID); err != nil {
		return nil, err
	}
	e.putPublicKey(t.Farmer)
	if err := e.putString("poolId", t.PoolID); err != nil {
		return nil, err
	}
	e.putUint64(t.RewardAmount)
	e.putPublicKey(t.TokenMint)
	e.putBool(t.Claimed)
	e.putUint64(t.CompletionSlot)
	return e.buf, nil
}

func DecodeTaskCompletionRecord(buf []byte) (*TaskCompletionRecord, error) {
	d, err := newDecoder("taskCompletionRecord", buf, TaskCompletionRecordSpan)
	if err != nil {
		return nil, err
	}
	r := &TaskCompletionRecord{}
	r.Initialized = d.bool()
	taskID, err := d.string("taskId")
	if err != nil {
		return nil, err
	}
	r.TaskID = taskID
	r.Farmer = d.publicKey()
	poolID, err := d.string("poolId")
	if err != nil {
		return nil, err
	}
	r.PoolID = poolID
	r.RewardAmount = d.uint64()
	r.TokenMint = d.publicKey()
	r.Claimed = d.bool()
	r.CompletionSlot = d.uint64()
	return r, nil
}
