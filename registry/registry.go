// Package registry is the factory and store for escrows. It owns the sqlite
// database, serializes mutations per order hash, drives the escrow state
// machine inside a transaction per call, and publishes lifecycle events on
// commit.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/hashlocked/escrowd/db"
	"github.com/hashlocked/escrowd/escrow"
	"github.com/hashlocked/escrowd/events"
	"github.com/hashlocked/escrowd/immutables"
	"github.com/hashlocked/escrowd/ledger"
	"github.com/hashlocked/escrowd/log"
	"github.com/hashlocked/escrowd/registry/migrations"
	"github.com/hashlocked/escrowd/timelocks"
	"github.com/russross/meddler"
)

var (
	// ErrAlreadyExists is returned when creating an escrow for an order hash
	// that already has one.
	ErrAlreadyExists = errors.New("registry: escrow already exists")
	// ErrUnknownSide is returned for a side other than src or dst.
	ErrUnknownSide = errors.New("registry: unknown side")
)

// Config holds the registry settings fixed at construction time.
type Config struct {
	// DBPath is the path of the sqlite file holding escrows, mappings and balances.
	DBPath string `mapstructure:"DBPath"`
	// RescueDelay is the number of seconds after deployment before rescue opens.
	RescueDelay uint64 `mapstructure:"RescueDelay"`
	// Admin is the EVM identity allowed to administer the registry.
	Admin common.Address `mapstructure:"Admin"`
	// EscrowAccount is the local account escrowed funds are held in.
	EscrowAccount immutables.LocalAddress `mapstructure:"EscrowAccount"`
}

// Registry stores escrows keyed by order hash and executes their lifecycle
// transitions.
type Registry struct {
	logger *log.Logger
	db     *sql.DB
	ledger *ledger.Ledger
	broker *events.Broker
	clock  escrow.Clock
	cfg    Config
	locks  keyedLocks
}

// New runs migrations on cfg.DBPath and builds a registry over it.
func New(
	logger *log.Logger,
	cfg Config,
	broker *events.Broker,
	clock escrow.Clock,
) (*Registry, error) {
	if err := migrations.RunMigrations(cfg.DBPath); err != nil {
		return nil, err
	}
	database, err := db.NewSQLiteDB(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	return &Registry{
		logger: logger,
		db:     database,
		ledger: ledger.New(logger, database),
		broker: broker,
		clock:  clock,
		cfg:    cfg,
	}, nil
}

// escrowRow is the stored shape of an escrow record.
type escrowRow struct {
	OrderHash     common.Hash         `meddler:"order_hash,hash"`
	SwapID        common.Hash         `meddler:"swap_id,hash"`
	Side          string              `meddler:"side"`
	Hashlock      common.Hash         `meddler:"hashlock,hash"`
	MakerEVM      common.Address      `meddler:"maker_evm,address"`
	MakerLocal    string              `meddler:"maker_local"`
	TakerEVM      common.Address      `meddler:"taker_evm,address"`
	TakerLocal    string              `meddler:"taker_local"`
	TokenEVM      common.Address      `meddler:"token_evm,address"`
	TokenLocal    string              `meddler:"token_local"`
	Amount        *big.Int            `meddler:"amount,bigint"`
	SafetyDeposit *big.Int            `meddler:"safety_deposit,bigint"`
	Timelocks     timelocks.Timelocks `meddler:"timelocks,timelocks"`
	Stage         string              `meddler:"stage"`
	CreatedAt     uint64              `meddler:"created_at"`
	RescuedAt     uint64              `meddler:"rescued_at"`
}

func newEscrowRow(side escrow.Side, imm immutables.Immutables, swapID common.Hash, now uint64) *escrowRow {
	return &escrowRow{
		OrderHash:     imm.OrderHash,
		SwapID:        swapID,
		Side:          string(side),
		Hashlock:      imm.Hashlock,
		MakerEVM:      imm.Maker.EVM,
		MakerLocal:    string(imm.Maker.Local),
		TakerEVM:      imm.Taker.EVM,
		TakerLocal:    string(imm.Taker.Local),
		TokenEVM:      imm.Token.EVM,
		TokenLocal:    string(imm.Token.Local),
		Amount:        imm.Amount,
		SafetyDeposit: imm.SafetyDeposit,
		Timelocks:     imm.Timelocks,
		Stage:         string(escrow.StageCreated),
		CreatedAt:     now,
	}
}

func (r *escrowRow) immutables() immutables.Immutables {
	return immutables.Immutables{
		OrderHash:     r.OrderHash,
		Hashlock:      r.Hashlock,
		Maker:         immutables.DualAddress{EVM: r.MakerEVM, Local: immutables.LocalAddress(r.MakerLocal)},
		Taker:         immutables.DualAddress{EVM: r.TakerEVM, Local: immutables.LocalAddress(r.TakerLocal)},
		Token:         immutables.DualAddress{EVM: r.TokenEVM, Local: immutables.LocalAddress(r.TokenLocal)},
		Amount:        r.Amount,
		SafetyDeposit: r.SafetyDeposit,
		Timelocks:     r.Timelocks,
	}
}

// addressBook resolves EVM addresses against the address_book table through
// the querier of the current call.
type addressBook struct {
	q db.Querier
}

func (b addressBook) ResolveLocal(addr common.Address) (immutables.LocalAddress, error) {
	var local string
	err := b.q.QueryRow(`SELECT local FROM address_book WHERE evm = $1;`, addr.Hex()).Scan(&local)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", escrow.ErrAddressMappingMissing, addr.Hex())
	}
	if err != nil {
		return "", err
	}
	return immutables.LocalAddress(local), nil
}

// registerMapping stores the EVM to local binding of one account. The first
// registered binding wins; a later record naming a different local account
// for a known EVM address is rejected.
func registerMapping(q db.Querier, d immutables.DualAddress) error {
	existing, err := addressBook{q}.ResolveLocal(d.EVM)
	switch {
	case errors.Is(err, escrow.ErrAddressMappingMissing):
		_, err = q.Exec(`INSERT INTO address_book (evm, local) VALUES ($1, $2);`,
			d.EVM.Hex(), string(d.Local))
		return err
	case err != nil:
		return err
	case existing != d.Local:
		return fmt.Errorf("%w: %s already mapped to a different local account",
			escrow.ErrInvalidImmutables, d.EVM.Hex())
	default:
		return nil
	}
}

// CreateEscrow validates the record, stores it with stage created, populates
// the address book and emits a creation event. It is atomic: on any failure
// nothing is observably committed.
func (r *Registry) CreateEscrow(ctx context.Context, side escrow.Side, imm immutables.Immutables) error {
	if side != escrow.SideSrc && side != escrow.SideDst {
		return fmt.Errorf("%w: %q", ErrUnknownSide, side)
	}
	if err := imm.Validate(); err != nil {
		return fmt.Errorf("%w: %w", escrow.ErrInvalidImmutables, err)
	}
	swapID, err := imm.Hash()
	if err != nil {
		return fmt.Errorf("%w: %w", escrow.ErrInvalidImmutables, err)
	}

	unlock := r.locks.lock(imm.OrderHash)
	defer unlock()

	tx, err := db.NewTx(ctx, r.db)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if errRllbck := tx.Rollback(); errRllbck != nil {
				r.logger.Errorf("error while rolling back tx %v", errRllbck)
			}
		}
	}()

	if _, err = getEscrowRow(tx, imm.OrderHash); err == nil {
		err = fmt.Errorf("%w: %w", escrow.ErrInvalidImmutables, ErrAlreadyExists)
		return err
	} else if !errors.Is(err, db.ErrNotFound) {
		return err
	}
	for _, d := range []immutables.DualAddress{imm.Maker, imm.Taker, imm.Token} {
		if err = registerMapping(tx, d); err != nil {
			return err
		}
	}
	if err = meddler.Insert(tx, "escrow", newEscrowRow(side, imm, swapID, r.clock.Now())); err != nil {
		if sqliteErr, ok := db.SQLiteErr(err); ok && sqliteErr.ExtendedCode == db.UniqueConstrain {
			err = fmt.Errorf("%w: %w", escrow.ErrInvalidImmutables, ErrAlreadyExists)
		}
		return err
	}

	tx.AddCommitCallback(func() {
		r.broker.Publish(events.Event{
			Type:      events.TypeEscrowCreated,
			OrderHash: imm.OrderHash,
			Side:      string(side),
		})
	})
	if err = tx.Commit(); err != nil {
		return err
	}
	r.logger.Infof("created %s escrow for order %s", side, imm.OrderHash.Hex())
	return nil
}

// CreateEscrowPair creates the source and destination escrows of one swap in
// that order. Creation of each side is atomic but the pair is not: if the
// destination side fails the source record stays, and the returned error says
// so. Callers reconcile by checking order-hash existence.
func (r *Registry) CreateEscrowPair(ctx context.Context, srcImm, dstImm immutables.Immutables) error {
	if err := r.CreateEscrow(ctx, escrow.SideSrc, srcImm); err != nil {
		return fmt.Errorf("src escrow: %w", err)
	}
	if err := r.CreateEscrow(ctx, escrow.SideDst, dstImm); err != nil {
		return fmt.Errorf("dst escrow (src %s committed): %w", srcImm.OrderHash.Hex(), err)
	}
	return nil
}

// Withdraw releases the escrowed funds against the secret on the private
// window. The caller must be the taker.
func (r *Registry) Withdraw(ctx context.Context, orderHash common.Hash, caller common.Address, secret escrow.Secret) error {
	return r.withdraw(ctx, orderHash, caller, secret, false)
}

// PublicWithdraw is the open-access withdrawal path, valid once the public
// window opens.
func (r *Registry) PublicWithdraw(ctx context.Context, orderHash common.Hash, caller common.Address, secret escrow.Secret) error {
	return r.withdraw(ctx, orderHash, caller, secret, true)
}

func (r *Registry) withdraw(ctx context.Context, orderHash common.Hash, caller common.Address, secret escrow.Secret, public bool) error {
	unlock := r.locks.lock(orderHash)
	defer unlock()

	return r.transition(ctx, orderHash, escrow.StageWithdrawn,
		func(m *escrow.Machine, side escrow.Side, imm immutables.Immutables) error {
			return m.Withdraw(side, imm, caller, secret, public)
		},
		func(side escrow.Side) events.Event {
			return events.Event{
				Type:      events.TypeWithdrawal,
				OrderHash: orderHash,
				Side:      string(side),
				Caller:    caller,
				Secret:    hexutil.Bytes(secret[:]),
			}
		})
}

// Cancel refunds the escrowed funds once the cancellation window opens. The
// caller must be the maker on the source side, the taker on the destination
// side.
func (r *Registry) Cancel(ctx context.Context, orderHash common.Hash, caller common.Address) error {
	return r.cancel(ctx, orderHash, caller, false)
}

// PublicCancel is the open-access cancellation path, source side only.
func (r *Registry) PublicCancel(ctx context.Context, orderHash common.Hash, caller common.Address) error {
	return r.cancel(ctx, orderHash, caller, true)
}

func (r *Registry) cancel(ctx context.Context, orderHash common.Hash, caller common.Address, public bool) error {
	unlock := r.locks.lock(orderHash)
	defer unlock()

	return r.transition(ctx, orderHash, escrow.StageCancelled,
		func(m *escrow.Machine, side escrow.Side, imm immutables.Immutables) error {
			return m.Cancel(side, imm, caller, public)
		},
		func(side escrow.Side) events.Event {
			return events.Event{
				Type:      events.TypeEscrowCancelled,
				OrderHash: orderHash,
				Side:      string(side),
				Caller:    caller,
			}
		})
}

// transition runs one stage-consuming operation in a transaction: load the
// record, require stage created, check it against its canonical hash, run the
// machine, persist the new stage, publish on commit.
func (r *Registry) transition(
	ctx context.Context,
	orderHash common.Hash,
	next escrow.Stage,
	run func(m *escrow.Machine, side escrow.Side, imm immutables.Immutables) error,
	buildEvent func(side escrow.Side) events.Event,
) error {
	tx, err := db.NewTx(ctx, r.db)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if errRllbck := tx.Rollback(); errRllbck != nil {
				r.logger.Errorf("error while rolling back tx %v", errRllbck)
			}
		}
	}()

	row, err := getEscrowRow(tx, orderHash)
	if err != nil {
		return err
	}
	if row.Stage != string(escrow.StageCreated) {
		err = fmt.Errorf("%w: escrow is %s", escrow.ErrInvalidTime, row.Stage)
		return err
	}
	imm := row.immutables()
	if err = checkSwapID(row, imm); err != nil {
		return err
	}

	machine := escrow.NewMachine(r.logger, addressBook{tx}, r.ledger.View(tx), r.clock, r.cfg.EscrowAccount)
	if err = run(machine, escrow.Side(row.Side), imm); err != nil {
		return err
	}
	if _, err = tx.Exec(`UPDATE escrow SET stage = $1 WHERE order_hash = $2;`,
		string(next), orderHash.Hex()); err != nil {
		return err
	}

	event := buildEvent(escrow.Side(row.Side))
	tx.AddCommitCallback(func() { r.broker.Publish(event) })
	return tx.Commit()
}

// RescueFunds moves stray funds of the given token out of the escrow account
// to the taker. It does not consume the created stage; it records the rescue
// timestamp alongside whatever stage the escrow is in.
func (r *Registry) RescueFunds(
	ctx context.Context,
	orderHash common.Hash,
	caller common.Address,
	token immutables.DualAddress,
	amount *big.Int,
) error {
	unlock := r.locks.lock(orderHash)
	defer unlock()

	tx, err := db.NewTx(ctx, r.db)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if errRllbck := tx.Rollback(); errRllbck != nil {
				r.logger.Errorf("error while rolling back tx %v", errRllbck)
			}
		}
	}()

	row, err := getEscrowRow(tx, orderHash)
	if err != nil {
		return err
	}
	imm := row.immutables()
	if err = checkSwapID(row, imm); err != nil {
		return err
	}

	machine := escrow.NewMachine(r.logger, addressBook{tx}, r.ledger.View(tx), r.clock, r.cfg.EscrowAccount)
	if err = machine.Rescue(imm, caller, token, amount, r.cfg.RescueDelay); err != nil {
		return err
	}
	if _, err = tx.Exec(`UPDATE escrow SET rescued_at = $1 WHERE order_hash = $2;`,
		r.clock.Now(), orderHash.Hex()); err != nil {
		return err
	}

	event := events.Event{
		Type:      events.TypeFundsRescued,
		OrderHash: orderHash,
		Side:      row.Side,
		Caller:    caller,
		Token:     string(token.Local),
		Amount:    amount,
	}
	tx.AddCommitCallback(func() { r.broker.Publish(event) })
	return tx.Commit()
}

// GetEscrowState returns the stored side and record of an escrow.
func (r *Registry) GetEscrowState(ctx context.Context, orderHash common.Hash) (escrow.Side, immutables.Immutables, error) {
	row, err := getEscrowRow(r.db, orderHash)
	if err != nil {
		return "", immutables.Immutables{}, err
	}
	return escrow.Side(row.Side), row.immutables(), nil
}

// GetEscrowStage returns the lifecycle stage of an escrow. An order hash
// with no record reads as created.
func (r *Registry) GetEscrowStage(ctx context.Context, orderHash common.Hash) (escrow.Stage, error) {
	row, err := getEscrowRow(r.db, orderHash)
	if errors.Is(err, db.ErrNotFound) {
		return escrow.StageCreated, nil
	}
	if err != nil {
		return "", err
	}
	return escrow.Stage(row.Stage), nil
}

// RescuedAt returns the timestamp of the last rescue on the escrow, zero if
// it was never rescued.
func (r *Registry) RescuedAt(ctx context.Context, orderHash common.Hash) (uint64, error) {
	row, err := getEscrowRow(r.db, orderHash)
	if err != nil {
		return 0, err
	}
	return row.RescuedAt, nil
}

// Admin returns the registry admin identity.
func (r *Registry) Admin() common.Address { return r.cfg.Admin }

// RescueDelay returns the configured rescue delay in seconds.
func (r *Registry) RescueDelay() uint64 { return r.cfg.RescueDelay }

// Ledger exposes the funds ledger sharing the registry database.
func (r *Registry) Ledger() *ledger.Ledger { return r.ledger }

// Close releases the underlying database.
func (r *Registry) Close() error { return r.db.Close() }

func getEscrowRow(q db.Querier, orderHash common.Hash) (*escrowRow, error) {
	row := &escrowRow{}
	err := meddler.QueryRow(q, row, `
		SELECT * FROM escrow WHERE order_hash = $1;
	`, orderHash.Hex())
	return row, db.ReturnErrNotFound(err)
}

// checkSwapID re-derives the canonical hash of the stored record and compares
// it with the one fixed at creation, rejecting records whose stored fields no
// longer hash to the same identity.
func checkSwapID(row *escrowRow, imm immutables.Immutables) error {
	swapID, err := imm.Hash()
	if err != nil {
		return fmt.Errorf("%w: %w", escrow.ErrInvalidImmutables, err)
	}
	if swapID != row.SwapID {
		return fmt.Errorf("%w: %w", escrow.ErrInvalidImmutables, immutables.ErrHashMismatch)
	}
	return nil
}

// keyedLocks serializes mutations per order hash.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[common.Hash]*sync.Mutex
}

func (k *keyedLocks) lock(key common.Hash) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[common.Hash]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()
	l.Lock()
	return l.Unlock
}
