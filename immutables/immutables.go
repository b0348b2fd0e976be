// Package immutables defines the identity record of an escrow: the parties,
// token, amounts and schedule fixed at creation. Its canonical hash is
// keccak256 over the same byte layout the EVM contracts use, so the same
// record hashes identically on both chains.
package immutables

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashlocked/escrowd/timelocks"
	"github.com/iden3/go-iden3-crypto/keccak256"
	"github.com/mr-tron/base58"
)

const (
	// EVMAddressLen is the size of an EVM account address.
	EVMAddressLen = 20
	// LocalAccountLen is the size of the decoded local-chain account id.
	LocalAccountLen = 32
	// amountBits is the maximum width of escrow amounts on the wire.
	amountBits = 128
)

var (
	// ErrNonPositiveAmount is returned when the escrowed amount is zero or negative.
	ErrNonPositiveAmount = errors.New("immutables: amount must be positive")
	// ErrNegativeSafetyDeposit is returned when the safety deposit is negative.
	ErrNegativeSafetyDeposit = errors.New("immutables: safety deposit must not be negative")
	// ErrAmountOutOfRange is returned when an amount does not fit in 128 bits.
	ErrAmountOutOfRange = errors.New("immutables: amount out of range")
	// ErrInvalidLocalAddress is returned for a malformed local-chain address.
	ErrInvalidLocalAddress = errors.New("immutables: invalid local address")
	// ErrHashMismatch is returned when a record no longer matches its canonical hash.
	ErrHashMismatch = errors.New("immutables: hash mismatch")
)

// LocalAddress is a base58-encoded 32-byte account id on the non-EVM chain.
type LocalAddress string

// Validate decodes the address and checks its length.
func (a LocalAddress) Validate() error {
	if a == "" {
		return fmt.Errorf("%w: empty", ErrInvalidLocalAddress)
	}
	raw, err := base58.Decode(string(a))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidLocalAddress, err)
	}
	if len(raw) != LocalAccountLen {
		return fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidLocalAddress, LocalAccountLen, len(raw))
	}
	return nil
}

// LocalAddressFromBytes encodes a raw 32-byte account id.
func LocalAddressFromBytes(raw [LocalAccountLen]byte) LocalAddress {
	return LocalAddress(base58.Encode(raw[:]))
}

// DualAddress carries both representations of one account: its EVM address,
// which is the only one entering the canonical hash, and its local-chain
// counterpart, which is where funds actually move.
type DualAddress struct {
	EVM   common.Address
	Local LocalAddress
}

// Validate checks the local representation. The EVM side has a fixed size by
// construction.
func (d DualAddress) Validate() error {
	return d.Local.Validate()
}

// Immutables is the full identity record of one escrow.
type Immutables struct {
	OrderHash common.Hash
	Hashlock  common.Hash

	Maker DualAddress
	Taker DualAddress
	Token DualAddress

	Amount        *big.Int
	SafetyDeposit *big.Int

	Timelocks timelocks.Timelocks
}

// ValidateAmounts checks the amount and safety deposit bounds: amount strictly
// positive, deposit non-negative, both within 128 bits.
func (i Immutables) ValidateAmounts() error {
	if i.Amount == nil || i.Amount.Sign() <= 0 {
		return ErrNonPositiveAmount
	}
	if i.SafetyDeposit == nil || i.SafetyDeposit.Sign() < 0 {
		return ErrNegativeSafetyDeposit
	}
	if i.Amount.BitLen() > amountBits || i.SafetyDeposit.BitLen() > amountBits {
		return ErrAmountOutOfRange
	}
	return nil
}

// Validate checks the whole record: addresses, amounts and schedule.
func (i Immutables) Validate() error {
	if err := i.Maker.Validate(); err != nil {
		return fmt.Errorf("maker: %w", err)
	}
	if err := i.Taker.Validate(); err != nil {
		return fmt.Errorf("taker: %w", err)
	}
	if err := i.Token.Validate(); err != nil {
		return fmt.Errorf("token: %w", err)
	}
	if err := i.ValidateAmounts(); err != nil {
		return err
	}
	return i.Timelocks.Validate()
}

// addressLane left-pads an EVM address into a 32-byte word.
func addressLane(addr common.Address) []byte {
	lane := make([]byte, 32)
	copy(lane[32-EVMAddressLen:], addr.Bytes())
	return lane
}

// amountLane encodes an amount as a 16-byte big-endian integer right-aligned
// in a 32-byte word.
func amountLane(amount *big.Int) []byte {
	lane := make([]byte, 32)
	amount.FillBytes(lane[16:])
	return lane
}

// Hash computes the canonical keccak256 hash of the record. The preimage is
// the EVM contract's abi layout: order hash, hashlock, the three EVM
// addresses left-padded to a word each, the two amounts as 128-bit values
// right-aligned in a word each, and the packed schedule.
func (i Immutables) Hash() (common.Hash, error) {
	if err := i.ValidateAmounts(); err != nil {
		return common.Hash{}, err
	}
	packed, err := i.Timelocks.Pack()
	if err != nil {
		return common.Hash{}, err
	}
	h := keccak256.Hash(
		i.OrderHash.Bytes(),
		i.Hashlock.Bytes(),
		addressLane(i.Maker.EVM),
		addressLane(i.Taker.EVM),
		addressLane(i.Token.EVM),
		amountLane(i.Amount),
		amountLane(i.SafetyDeposit),
		packed[:],
	)
	return common.BytesToHash(h), nil
}
