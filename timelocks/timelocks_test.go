package timelocks

import (
	"encoding/hex"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func testSchedule() Timelocks {
	return New(1000, 100, 200, 300, 400, 150, 250, 350)
}

func TestStageStart(t *testing.T) {
	tl := testSchedule()

	cases := []struct {
		stage Stage
		want  uint64
	}{
		{StageSrcWithdrawal, 1100},
		{StageSrcPublicWithdrawal, 1200},
		{StageSrcCancellation, 1300},
		{StageSrcPublicCancellation, 1400},
		{StageDstWithdrawal, 1150},
		{StageDstPublicWithdrawal, 1250},
		{StageDstCancellation, 1350},
	}
	for _, tc := range cases {
		t.Run(tc.stage.String(), func(t *testing.T) {
			got, err := tl.StageStart(tc.stage)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestStageStartOverflow(t *testing.T) {
	tl := testSchedule()
	tl.DeployedAt = math.MaxUint64
	_, err := tl.StageStart(StageSrcWithdrawal)
	require.ErrorIs(t, err, ErrOverflow)
}

func TestStageStartUnknownStage(t *testing.T) {
	_, err := testSchedule().StageStart(Stage(99))
	require.ErrorIs(t, err, ErrUnknownStage)
}

func TestRescueStart(t *testing.T) {
	tl := testSchedule()

	start, err := tl.RescueStart(604800)
	require.NoError(t, err)
	require.Equal(t, uint64(605800), start)

	_, err = tl.RescueStart(math.MaxUint64)
	require.ErrorIs(t, err, ErrOverflow)
}

func TestValidate(t *testing.T) {
	require.NoError(t, testSchedule().Validate())

	t.Run("deployed at not set", func(t *testing.T) {
		tl := testSchedule()
		tl.DeployedAt = 0
		require.ErrorIs(t, tl.Validate(), ErrDeployedAtNotSet)
	})

	t.Run("src ordering", func(t *testing.T) {
		tl := testSchedule()
		tl.SrcPublicWithdrawal = tl.SrcWithdrawal - 1
		require.ErrorIs(t, tl.Validate(), ErrSrcOrdering)
	})

	t.Run("dst ordering", func(t *testing.T) {
		tl := testSchedule()
		tl.DstCancellation = tl.DstWithdrawal - 1
		require.ErrorIs(t, tl.Validate(), ErrDstOrdering)
	})

	t.Run("equal offsets are rejected", func(t *testing.T) {
		tl := testSchedule()
		tl.SrcPublicWithdrawal = tl.SrcWithdrawal
		require.ErrorIs(t, tl.Validate(), ErrSrcOrdering)

		tl = testSchedule()
		tl.DstPublicWithdrawal = tl.DstWithdrawal
		require.ErrorIs(t, tl.Validate(), ErrDstOrdering)
	})
}

func TestPack(t *testing.T) {
	packed, err := testSchedule().Pack()
	require.NoError(t, err)
	require.Equal(t,
		"000003e80000015e000000fa00000096000001900000012c000000c800000064",
		hex.EncodeToString(packed[:]),
	)
}

func TestPackOverflow(t *testing.T) {
	tl := testSchedule()
	tl.DeployedAt = math.MaxUint32 + 1
	_, err := tl.Pack()
	require.ErrorIs(t, err, ErrOverflow)
}

func TestPackUnpackRoundTrip(t *testing.T) {
	tl := testSchedule()
	packed, err := tl.Pack()
	require.NoError(t, err)
	require.Equal(t, tl, Unpack(packed))
}
