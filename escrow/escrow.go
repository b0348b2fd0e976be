// Package escrow implements the hash-locked, time-gated escrow state machine.
// It decides, for a given caller, secret and clock reading, whether a
// withdraw, cancel or rescue is allowed and which transfers it produces. It
// holds no state of its own; persistence and locking live in the registry.
package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/hashlocked/escrowd/immutables"
	"github.com/hashlocked/escrowd/log"
	"github.com/hashlocked/escrowd/timelocks"
)

// Side tells which half of the swap an escrow implements.
type Side string

const (
	// SideSrc holds the maker's funds on the source chain.
	SideSrc Side = "src"
	// SideDst holds the taker's funds on the destination chain.
	SideDst Side = "dst"
)

// Stage is the lifecycle stage of an escrow.
type Stage string

const (
	StageCreated   Stage = "created"
	StageWithdrawn Stage = "withdrawn"
	StageCancelled Stage = "cancelled"
)

var (
	// ErrInvalidCaller is returned when the caller is not entitled to the operation.
	ErrInvalidCaller = errors.New("escrow: invalid caller")
	// ErrInvalidImmutables is returned when the provided record does not match
	// the one the escrow was created with.
	ErrInvalidImmutables = errors.New("escrow: invalid immutables")
	// ErrInvalidSecret is returned when the secret does not hash to the hashlock.
	ErrInvalidSecret = errors.New("escrow: invalid secret")
	// ErrInvalidTime is returned when the operation is outside its time window
	// or the escrow is no longer in the created stage.
	ErrInvalidTime = errors.New("escrow: invalid time")
	// ErrAddressMappingMissing is returned when an EVM address has no known
	// local counterpart.
	ErrAddressMappingMissing = errors.New("escrow: address mapping missing")
	// ErrTransferFailure is returned when moving funds fails.
	ErrTransferFailure = errors.New("escrow: transfer failure")
)

// SecretLen is the size of a withdrawal secret.
const SecretLen = 32

// Secret is the hashlock preimage revealed on withdrawal.
type Secret [SecretLen]byte

// Hashlock returns the keccak256 commitment of the secret.
func (s Secret) Hashlock() common.Hash {
	return crypto.Keccak256Hash(s[:])
}

// Clock abstracts time so escrow decisions are testable.
type Clock interface {
	Now() uint64
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() uint64 { return uint64(time.Now().Unix()) }

// AddressBook resolves an EVM address to its local-chain counterpart.
type AddressBook interface {
	ResolveLocal(addr common.Address) (immutables.LocalAddress, error)
}

// Transferrer moves funds between local accounts. A nil or non-positive
// amount is a no-op.
type Transferrer interface {
	Transfer(token, from, to immutables.LocalAddress, amount *big.Int) error
}

// Machine evaluates escrow operations against a record, a clock and the
// funds ledger backing the escrow account.
type Machine struct {
	logger        *log.Logger
	book          AddressBook
	funds         Transferrer
	clock         Clock
	escrowAccount immutables.LocalAddress
}

// NewMachine builds a state machine over the given address book, ledger view
// and clock. escrowAccount is the local account all escrowed funds sit in.
func NewMachine(
	logger *log.Logger,
	book AddressBook,
	funds Transferrer,
	clock Clock,
	escrowAccount immutables.LocalAddress,
) *Machine {
	return &Machine{
		logger:        logger,
		book:          book,
		funds:         funds,
		clock:         clock,
		escrowAccount: escrowAccount,
	}
}

// onlyAfter fails with ErrInvalidTime while now is before start.
func (m *Machine) onlyAfter(imm immutables.Immutables, stage timelocks.Stage) error {
	start, err := imm.Timelocks.StageStart(stage)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTime, err)
	}
	if m.clock.Now() < start {
		return fmt.Errorf("%w: %s not open yet", ErrInvalidTime, stage)
	}
	return nil
}

// onlyBefore fails with ErrInvalidTime once now reaches start.
func (m *Machine) onlyBefore(imm immutables.Immutables, stage timelocks.Stage) error {
	start, err := imm.Timelocks.StageStart(stage)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTime, err)
	}
	if m.clock.Now() >= start {
		return fmt.Errorf("%w: %s already open", ErrInvalidTime, stage)
	}
	return nil
}

// validate checks the record against its stored dual addresses; an EVM
// address whose registered local counterpart differs from the one in the
// record means the record was tampered with.
func (m *Machine) validate(imm immutables.Immutables) error {
	if err := imm.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidImmutables, err)
	}
	for _, d := range []immutables.DualAddress{imm.Maker, imm.Taker, imm.Token} {
		local, err := m.book.ResolveLocal(d.EVM)
		if err != nil {
			return err
		}
		if local != d.Local {
			return fmt.Errorf("%w: local address does not match mapping for %s",
				ErrInvalidImmutables, d.EVM.Hex())
		}
	}
	return nil
}

// checkSecret verifies the secret against the hashlock. A wrong secret fails
// regardless of timing.
func checkSecret(imm immutables.Immutables, secret Secret) error {
	if secret.Hashlock() != imm.Hashlock {
		return ErrInvalidSecret
	}
	return nil
}

// withdrawRecipient tells who receives the escrowed amount on withdrawal:
// the taker on the source side, the maker on the destination side.
func withdrawRecipient(side Side, imm immutables.Immutables) immutables.LocalAddress {
	if side == SideSrc {
		return imm.Taker.Local
	}
	return imm.Maker.Local
}

// cancelRecipient tells who gets the escrowed amount back on cancellation:
// the maker on the source side, the taker on the destination side.
func cancelRecipient(side Side, imm immutables.Immutables) immutables.LocalAddress {
	if side == SideSrc {
		return imm.Maker.Local
	}
	return imm.Taker.Local
}

func withdrawWindow(side Side, public bool) (opens, closes timelocks.Stage) {
	if side == SideSrc {
		if public {
			return timelocks.StageSrcPublicWithdrawal, timelocks.StageSrcCancellation
		}
		return timelocks.StageSrcWithdrawal, timelocks.StageSrcCancellation
	}
	if public {
		return timelocks.StageDstPublicWithdrawal, timelocks.StageDstCancellation
	}
	return timelocks.StageDstWithdrawal, timelocks.StageDstCancellation
}

// Withdraw releases the escrowed amount to the swap counterparty and the
// safety deposit to the caller. Private withdrawals are taker-only; public
// ones accept any caller once the public window opens.
func (m *Machine) Withdraw(
	side Side,
	imm immutables.Immutables,
	caller common.Address,
	secret Secret,
	public bool,
) error {
	if !public && caller != imm.Taker.EVM {
		return ErrInvalidCaller
	}
	if err := checkSecret(imm, secret); err != nil {
		return err
	}
	if err := m.validate(imm); err != nil {
		return err
	}
	opens, closes := withdrawWindow(side, public)
	if err := m.onlyAfter(imm, opens); err != nil {
		return err
	}
	if err := m.onlyBefore(imm, closes); err != nil {
		return err
	}

	recipient := withdrawRecipient(side, imm)
	if err := m.funds.Transfer(imm.Token.Local, m.escrowAccount, recipient, imm.Amount); err != nil {
		return fmt.Errorf("%w: amount: %w", ErrTransferFailure, err)
	}
	if err := m.payDeposit(imm, caller); err != nil {
		return err
	}
	m.logger.Infof("withdrawal on %s escrow, order %s, amount %s to %s",
		side, imm.OrderHash.Hex(), imm.Amount, recipient)
	return nil
}

// Cancel returns the escrowed amount to its depositor and the safety deposit
// to the caller. Private cancellations are restricted to the party getting
// the refund, the maker on the source side and the taker on the destination
// side. The public variant exists on the source side only and accepts any
// caller.
func (m *Machine) Cancel(
	side Side,
	imm immutables.Immutables,
	caller common.Address,
	public bool,
) error {
	if public && side != SideSrc {
		return fmt.Errorf("%w: public cancel is src only", ErrInvalidTime)
	}
	if !public {
		privileged := imm.Maker.EVM
		if side == SideDst {
			privileged = imm.Taker.EVM
		}
		if caller != privileged {
			return ErrInvalidCaller
		}
	}
	if err := m.validate(imm); err != nil {
		return err
	}
	var open timelocks.Stage
	switch {
	case public:
		open = timelocks.StageSrcPublicCancellation
	case side == SideSrc:
		open = timelocks.StageSrcCancellation
	default:
		open = timelocks.StageDstCancellation
	}
	if err := m.onlyAfter(imm, open); err != nil {
		return err
	}

	recipient := cancelRecipient(side, imm)
	if err := m.funds.Transfer(imm.Token.Local, m.escrowAccount, recipient, imm.Amount); err != nil {
		return fmt.Errorf("%w: amount: %w", ErrTransferFailure, err)
	}
	if err := m.payDeposit(imm, caller); err != nil {
		return err
	}
	m.logger.Infof("cancellation on %s escrow, order %s, amount %s back to %s",
		side, imm.OrderHash.Hex(), imm.Amount, recipient)
	return nil
}

// Rescue moves stray funds out of the escrow account to the taker. It is
// taker-only, opens rescueDelay seconds after deployment and is independent
// of the escrow's lifecycle stage.
func (m *Machine) Rescue(
	imm immutables.Immutables,
	caller common.Address,
	token immutables.DualAddress,
	amount *big.Int,
	rescueDelay uint64,
) error {
	if caller != imm.Taker.EVM {
		return ErrInvalidCaller
	}
	if err := m.validate(imm); err != nil {
		return err
	}
	resolved, err := m.book.ResolveLocal(token.EVM)
	if err != nil {
		return err
	}
	if resolved != imm.Token.Local {
		return fmt.Errorf("%w: rescue token does not match escrow token", ErrInvalidImmutables)
	}
	start, err := imm.Timelocks.RescueStart(rescueDelay)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTime, err)
	}
	if m.clock.Now() < start {
		return fmt.Errorf("%w: rescue not open yet", ErrInvalidTime)
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: %w", ErrTransferFailure, immutables.ErrNonPositiveAmount)
	}
	if err := m.funds.Transfer(token.Local, m.escrowAccount, imm.Taker.Local, amount); err != nil {
		return fmt.Errorf("%w: %w", ErrTransferFailure, err)
	}
	m.logger.Infof("rescued %s of %s from order %s", amount, token.Local, imm.OrderHash.Hex())
	return nil
}

// payDeposit sends the safety deposit to whoever triggered the operation.
func (m *Machine) payDeposit(imm immutables.Immutables, caller common.Address) error {
	if imm.SafetyDeposit == nil || imm.SafetyDeposit.Sign() == 0 {
		return nil
	}
	callerLocal, err := m.book.ResolveLocal(caller)
	if err != nil {
		return err
	}
	if err := m.funds.Transfer(imm.Token.Local, m.escrowAccount, callerLocal, imm.SafetyDeposit); err != nil {
		return fmt.Errorf("%w: safety deposit: %w", ErrTransferFailure, err)
	}
	return nil
}
