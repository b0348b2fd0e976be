// Package ledger is the token-transfer collaborator of the escrow machinery.
// It keeps per-account token balances in the registry's sqlite database so
// escrow transfers commit or roll back together with the stage transition
// that caused them.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"

	"github.com/hashlocked/escrowd/db"
	"github.com/hashlocked/escrowd/immutables"
	"github.com/hashlocked/escrowd/log"
	"github.com/russross/meddler"
)

var (
	// ErrNativeToken is returned for transfers with no token or recipient
	// configured. Only explicit token accounts are supported.
	ErrNativeToken = errors.New("ledger: native token path not configured")
	// ErrInsufficientBalance is returned when the source account cannot cover
	// the transfer.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
)

type balanceRow struct {
	Token   string   `meddler:"token"`
	Account string   `meddler:"account"`
	Amount  *big.Int `meddler:"amount,bigint"`
}

// Ledger tracks balances in the shared escrow database.
type Ledger struct {
	logger *log.Logger
	db     *sql.DB
}

// New builds a ledger over an already migrated database.
func New(logger *log.Logger, database *sql.DB) *Ledger {
	return &Ledger{logger: logger, db: database}
}

// Mint credits an account outside of any swap, used to fund test accounts
// and to seed the escrow account during setup.
func (l *Ledger) Mint(ctx context.Context, token, account immutables.LocalAddress, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	return credit(l.db, token, account, amount)
}

// BalanceOf reads the current balance of an account for a token. Accounts
// never touched hold zero.
func (l *Ledger) BalanceOf(ctx context.Context, token, account immutables.LocalAddress) (*big.Int, error) {
	return balanceOf(l.db, token, account)
}

// View binds the ledger to a querier, usually a transaction, so transfers
// become part of the caller's atomic unit.
func (l *Ledger) View(q db.Querier) *View {
	return &View{q: q}
}

// View is a ledger bound to a single querier.
type View struct {
	q db.Querier
}

// Transfer moves amount of token between accounts. A nil or non-positive
// amount succeeds without touching balances.
func (v *View) Transfer(token, from, to immutables.LocalAddress, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	if token == "" || to == "" {
		return ErrNativeToken
	}
	fromBalance, err := balanceOf(v.q, token, from)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s of %s, needs %s",
			ErrInsufficientBalance, from, fromBalance, token, amount)
	}
	if err := setBalance(v.q, token, from, new(big.Int).Sub(fromBalance, amount)); err != nil {
		return err
	}
	return credit(v.q, token, to, amount)
}

func balanceOf(q db.Querier, token, account immutables.LocalAddress) (*big.Int, error) {
	row := &balanceRow{}
	err := meddler.QueryRow(q, row, `
		SELECT * FROM balance WHERE token = $1 AND account = $2;
	`, string(token), string(account))
	if errors.Is(err, sql.ErrNoRows) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	return row.Amount, nil
}

func credit(q db.Querier, token, account immutables.LocalAddress, amount *big.Int) error {
	current, err := balanceOf(q, token, account)
	if err != nil {
		return err
	}
	return setBalance(q, token, account, new(big.Int).Add(current, amount))
}

func setBalance(q db.Querier, token, account immutables.LocalAddress, amount *big.Int) error {
	_, err := q.Exec(`
		INSERT INTO balance (token, account, amount) VALUES ($1, $2, $3)
		ON CONFLICT(token, account) DO UPDATE SET amount = $3;
	`, string(token), string(account), amount.String())
	return err
}
