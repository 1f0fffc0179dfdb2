package layout

import (
	"strings"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

func TestRewardPool_Layout_RewardPool_RoundTrip(t *testing.T) {
	t.Parallel()

	pool := &RewardPool{
		Initialized:        true,
		Authority:          solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112"),
		FeePercentage:      10,
		TotalDistributed:   270_000,
		TotalFeesCollected: 30_000,
		Paused:             false,
	}

	buf, err := pool.Encode()
	require.NoError(t, err)
	require.Len(t, buf, RewardPoolSpan)
	require.Equal(t, 51, RewardPoolSpan)

	decoded, err := DecodeRewardPool(buf)
	require.NoError(t, err)
	require.Equal(t, pool, decoded)
}

func TestRewardPool_Layout_RewardPool_ShortBuffer(t *testing.T) {
	t.Parallel()

	_, err := DecodeRewardPool(make([]byte, RewardPoolSpan-1))
	require.Error(t, err)
	var layoutErr *LayoutError
	require.ErrorAs(t, err, &layoutErr)
	require.Equal(t, "rewardPool", layoutErr.Field)
}

func TestRewardPool_Layout_FarmerAccount_RoundTrip(t *testing.T) {
	t.Parallel()

	farmer := &FarmerAccount{
		Initialized:        true,
		Address:            solana.NewWallet().PublicKey(),
		WithdrawalNonce:    7,
		TotalEarned:        1_000_000,
		TotalWithdrawn:     900_000,
		LastWithdrawalSlot: 123_456,
	}

	buf, err := farmer.Encode()
	require.NoError(t, err)
	require.Len(t, buf, FarmerAccountSpan)
	require.Equal(t, 65, FarmerAccountSpan)

	decoded, err := DecodeFarmerAccount(buf)
	require.NoError(t, err)
	require.Equal(t, farmer, decoded)
}

func TestRewardPool_Layout_TaskCompletionRecord_RoundTrip(t *testing.T) {
	t.Parallel()

	// Boundary string lengths: empty, single byte, and full capacity.
	for _, tc := range []struct {
		name   string
		taskID string
		poolID string
	}{
		{name: "empty strings", taskID: "", poolID: ""},
		{name: "single byte strings", taskID: "a", poolID: "b"},
		{name: "full capacity strings", taskID: strings.Repeat("t", StringCapacity), poolID: strings.Repeat("p", StringCapacity)},
		{name: "typical ids", taskID: "task-00042", poolID: "pool-main"},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			record := &TaskCompletionRecord{
				Initialized:    true,
				TaskID:         tc.taskID,
				Farmer:         solana.NewWallet().PublicKey(),
				PoolID:         tc.poolID,
				RewardAmount:   100_000,
				TokenMint:      solana.NewWallet().PublicKey(),
				Claimed:        false,
				CompletionSlot: 42,
			}

			buf, err := record.Encode()
			require.NoError(t, err)
			require.Len(t, buf, TaskCompletionRecordSpan)
			require.Equal(t, 148, TaskCompletionRecordSpan)

			decoded, err := DecodeTaskCompletionRecord(buf)
			require.NoError(t, err)
			require.Equal(t, record, decoded)
		})
	}
}

func TestRewardPool_Layout_TaskCompletionRecord_OversizedString(t *testing.T) {
	t.Parallel()

	record := &TaskCompletionRecord{
		Initialized: true,
		TaskID:      strings.Repeat("x", StringCapacity+1),
	}

	_, err := record.Encode()
	require.Error(t, err)
	var layoutErr *LayoutError
	require.ErrorAs(t, err, &layoutErr)
	require.Equal(t, "taskId", layoutErr.Field)
}

func TestRewardPool_Layout_TaskCompletionRecord_CorruptLengthPrefix(t *testing.T) {
	t.Parallel()

	record := &TaskCompletionRecord{Initialized: true, TaskID: "ok", PoolID: "ok"}
	buf, err := record.Encode()
	require.NoError(t, err)

	// Length prefix larger than the reserved capacity must be rejected.
	buf[1] = StringCapacity + 1
	_, err = DecodeTaskCompletionRecord(buf)
	require.Error(t, err)
	var layoutErr *LayoutError
	require.ErrorAs(t, err, &layoutErr)
	require.Equal(t, "taskId", layoutErr.Field)
}

func TestRewardPool_Layout_PaddingIgnoredOnDecode(t *testing.T) {
	t.Parallel()

	record := &TaskCompletionRecord{Initialized: true, TaskID: "abc", PoolID: "xyz"}
	buf, err := record.Encode()
	require.NoError(t, err)

	// Garbage in the padding beyond the declared length must not leak into
	// the decoded value.
	copy(buf[1+1+len(record.TaskID):1+1+StringCapacity], strings.Repeat("Z", StringCapacity-len(record.TaskID)))

	decoded, err := DecodeTaskCompletionRecord(buf)
	require.NoError(t, err)
	require.Equal(t, "abc", decoded.TaskID)
}
