// Package timelocks implements the time-window schedule attached to every
// escrow. A schedule is a deployment timestamp plus seven relative offsets,
// one per protocol stage, and packs into a single 32-byte word compatible
// with the EVM uint256 layout used by the on-chain contracts.
package timelocks

import (
	"errors"
	"math"

	"github.com/hashlocked/escrowd/common"
)

// PackedLen is the size in bytes of a packed schedule.
const PackedLen = 32

// Stage identifies one of the seven time-gated protocol stages.
type Stage uint8

const (
	StageSrcWithdrawal Stage = iota
	StageSrcPublicWithdrawal
	StageSrcCancellation
	StageSrcPublicCancellation
	StageDstWithdrawal
	StageDstPublicWithdrawal
	StageDstCancellation

	numStages = 7
)

func (s Stage) String() string {
	switch s {
	case StageSrcWithdrawal:
		return "src-withdrawal"
	case StageSrcPublicWithdrawal:
		return "src-public-withdrawal"
	case StageSrcCancellation:
		return "src-cancellation"
	case StageSrcPublicCancellation:
		return "src-public-cancellation"
	case StageDstWithdrawal:
		return "dst-withdrawal"
	case StageDstPublicWithdrawal:
		return "dst-public-withdrawal"
	case StageDstCancellation:
		return "dst-cancellation"
	default:
		return "unknown"
	}
}

var (
	// ErrDeployedAtNotSet is returned when the schedule has no deployment timestamp.
	ErrDeployedAtNotSet = errors.New("timelocks: deployed_at not set")
	// ErrSrcOrdering is returned when the source-side offsets are not monotonic.
	ErrSrcOrdering = errors.New("timelocks: src offsets must be non-decreasing")
	// ErrDstOrdering is returned when the destination-side offsets are not monotonic.
	ErrDstOrdering = errors.New("timelocks: dst offsets must be non-decreasing")
	// ErrOverflow is returned when a stage start or the packed deployment
	// timestamp does not fit its encoding.
	ErrOverflow = errors.New("timelocks: timestamp overflow")
	// ErrUnknownStage is returned for a stage outside the seven defined ones.
	ErrUnknownStage = errors.New("timelocks: unknown stage")
)

// Timelocks is the full schedule for one escrow. Offsets are relative to
// DeployedAt, in seconds.
type Timelocks struct {
	DeployedAt uint64

	SrcWithdrawal         uint32
	SrcPublicWithdrawal   uint32
	SrcCancellation       uint32
	SrcPublicCancellation uint32

	DstWithdrawal       uint32
	DstPublicWithdrawal uint32
	DstCancellation     uint32
}

// New builds a schedule from a deployment timestamp and the seven stage
// offsets in stage order.
func New(
	deployedAt uint64,
	srcWithdrawal, srcPublicWithdrawal, srcCancellation, srcPublicCancellation uint32,
	dstWithdrawal, dstPublicWithdrawal, dstCancellation uint32,
) Timelocks {
	return Timelocks{
		DeployedAt:            deployedAt,
		SrcWithdrawal:         srcWithdrawal,
		SrcPublicWithdrawal:   srcPublicWithdrawal,
		SrcCancellation:       srcCancellation,
		SrcPublicCancellation: srcPublicCancellation,
		DstWithdrawal:         dstWithdrawal,
		DstPublicWithdrawal:   dstPublicWithdrawal,
		DstCancellation:       dstCancellation,
	}
}

func (t Timelocks) offset(stage Stage) (uint32, error) {
	switch stage {
	case StageSrcWithdrawal:
		return t.SrcWithdrawal, nil
	case StageSrcPublicWithdrawal:
		return t.SrcPublicWithdrawal, nil
	case StageSrcCancellation:
		return t.SrcCancellation, nil
	case StageSrcPublicCancellation:
		return t.SrcPublicCancellation, nil
	case StageDstWithdrawal:
		return t.DstWithdrawal, nil
	case StageDstPublicWithdrawal:
		return t.DstPublicWithdrawal, nil
	case StageDstCancellation:
		return t.DstCancellation, nil
	default:
		return 0, ErrUnknownStage
	}
}

// StageStart returns the absolute unix timestamp at which the given stage
// opens. It fails if the addition overflows uint64.
func (t Timelocks) StageStart(stage Stage) (uint64, error) {
	off, err := t.offset(stage)
	if err != nil {
		return 0, err
	}
	start := t.DeployedAt + uint64(off)
	if start < t.DeployedAt {
		return 0, ErrOverflow
	}
	return start, nil
}

// RescueStart returns the absolute unix timestamp from which rescue is
// allowed, given the registry-wide rescue delay.
func (t Timelocks) RescueStart(rescueDelay uint64) (uint64, error) {
	start := t.DeployedAt + rescueDelay
	if start < t.DeployedAt {
		return 0, ErrOverflow
	}
	return start, nil
}

// Validate checks that the schedule is well formed: deployment timestamp set
// and each side's offsets strictly increasing in stage order.
func (t Timelocks) Validate() error {
	if t.DeployedAt == 0 {
		return ErrDeployedAtNotSet
	}
	if t.SrcWithdrawal >= t.SrcPublicWithdrawal ||
		t.SrcPublicWithdrawal >= t.SrcCancellation ||
		t.SrcCancellation >= t.SrcPublicCancellation {
		return ErrSrcOrdering
	}
	if t.DstWithdrawal >= t.DstPublicWithdrawal ||
		t.DstPublicWithdrawal >= t.DstCancellation {
		return ErrDstOrdering
	}
	return nil
}

// Pack encodes the schedule into the 32-byte EVM word layout: DeployedAt
// truncated to uint32 occupies the top 4 bytes, and stage i occupies the
// 4-byte lane i slots from the bottom.
func (t Timelocks) Pack() ([PackedLen]byte, error) {
	var packed [PackedLen]byte
	if t.DeployedAt > math.MaxUint32 {
		return packed, ErrOverflow
	}
	copy(packed[0:4], common.Uint32ToBytes(uint32(t.DeployedAt)))
	offsets := [numStages]uint32{
		t.SrcWithdrawal,
		t.SrcPublicWithdrawal,
		t.SrcCancellation,
		t.SrcPublicCancellation,
		t.DstWithdrawal,
		t.DstPublicWithdrawal,
		t.DstCancellation,
	}
	for i, off := range offsets {
		hi := PackedLen - 4*i
		copy(packed[hi-4:hi], common.Uint32ToBytes(off))
	}
	return packed, nil
}

// Unpack decodes a 32-byte word produced by Pack.
func Unpack(packed [PackedLen]byte) Timelocks {
	var offsets [numStages]uint32
	for i := range offsets {
		hi := PackedLen - 4*i
		offsets[i] = common.BytesToUint32(packed[hi-4 : hi])
	}
	return Timelocks{
		DeployedAt:            uint64(common.BytesToUint32(packed[0:4])),
		SrcWithdrawal:         offsets[0],
		SrcPublicWithdrawal:   offsets[1],
		SrcCancellation:       offsets[2],
		SrcPublicCancellation: offsets[3],
		DstWithdrawal:         offsets[4],
		DstPublicWithdrawal:   offsets[5],
		DstCancellation:       offsets[6],
	}
}
