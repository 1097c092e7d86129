// Package wallets holds the user wallets and their append-only
// operation log. The ledger functions here are the single writer to the
// wallet amount columns: every mutation of balance, unconfirmed or
// holded goes through PostOperation inside a serializable transaction.
package wallets

import (
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"gitlab.com/arcanecrypto/coinledger/build"
	"gitlab.com/arcanecrypto/coinledger/db"
	"gitlab.com/arcanecrypto/coinledger/models/addresses"
	"gitlab.com/arcanecrypto/coinledger/models/currencies"
	"gitlab.com/arcanecrypto/coinledger/models/withdrawals"
	"gitlab.com/arcanecrypto/coinledger/validation"
)

var log = build.AddSubLogger("WLLT")

// Exported errors
var (
	// ErrBalanceTooLow means the wallet tried to spend more than its
	// spendable balance
	ErrBalanceTooLow = errors.New("balance is too low")
	// ErrNonPositiveAmount means a zero or negative amount was passed
	ErrNonPositiveAmount = errors.New("amount must be positive")
	// ErrInvalidAddress means the destination address does not decode
	// to one of the currency's magic bytes
	ErrInvalidAddress = errors.New("invalid destination address for this currency")
	// ErrCurrencyMismatch means a transfer between wallets of
	// different currencies was attempted
	ErrCurrencyMismatch = errors.New("wallets belong to different currencies")
)

// Wallet is a database table
type Wallet struct {
	ID int `db:"id"`

	CurrencyID int    `db:"currency_id"`
	Label      string `db:"label"`
	// Balance is the spendable amount, the sum of all committed
	// operation balance deltas
	Balance decimal.Decimal `db:"balance"`
	// Unconfirmed holds deposits below the confirmation threshold
	Unconfirmed decimal.Decimal `db:"unconfirmed"`
	// Holded is earmarked for pending withdrawals: deducted from
	// Balance but not yet spent on-chain
	Holded    decimal.Decimal `db:"holded"`
	CreatedAt time.Time       `db:"created_at"`
	UpdatedAt time.Time       `db:"updated_at"`
}

// GetByID selects the wallet with the given id
func GetByID(d db.Getter, id int) (Wallet, error) {
	var wallet Wallet
	if err := d.Get(&wallet, "SELECT * FROM wallets WHERE id=$1 LIMIT 1", id); err != nil {
		return Wallet{}, errors.Wrapf(err, "could not get wallet %d", id)
	}
	return wallet, nil
}

// GetForUpdate selects the wallet row locked for update. Every ledger
// critical section takes this lock before posting operations.
func GetForUpdate(tx *sqlx.Tx, id int) (Wallet, error) {
	var wallet Wallet
	if err := tx.Get(&wallet, "SELECT * FROM wallets WHERE id=$1 FOR UPDATE", id); err != nil {
		return Wallet{}, errors.Wrapf(err, "could not lock wallet %d", id)
	}
	return wallet, nil
}

// Insert creates a wallet with zero balances
func Insert(d db.Inserter, wallet Wallet) (Wallet, error) {
	query := `INSERT INTO wallets (currency_id, label)
		VALUES (:currency_id, :label)
		RETURNING *`

	rows, err := d.NamedQuery(query, wallet)
	if err != nil {
		return Wallet{}, errors.Wrap(err, "could not insert wallet")
	}
	defer func() { _ = rows.Close() }()

	var inserted Wallet
	if rows.Next() {
		if err = rows.StructScan(&inserted); err != nil {
			return Wallet{}, errors.Wrap(err, "could not scan inserted wallet")
		}
	}

	return inserted, nil
}

// GetAddress returns the wallet's receive address: the active one, else
// any owned one, else a freshly claimed pool address. Nil when the pool
// has nothing left for this currency.
func (w Wallet) GetAddress(d *db.DB) (*addresses.Address, error) {
	tx, err := d.Beginx()
	if err != nil {
		return nil, errors.Wrap(err, "could not begin transaction")
	}

	address, err := addresses.GetOrClaimForWallet(tx, w.ID, w.CurrencyID)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		_ = tx.Rollback()
		return nil, errors.Wrap(err, "could not commit address claim")
	}

	return address, nil
}

// WithdrawToAddress queues an on-chain withdrawal. The amount moves
// from balance to holded immediately; the batched sender spends it
// later. Validation failures leave no trace in the ledger.
func (w Wallet) WithdrawToAddress(d *db.DB, address string, amount decimal.Decimal,
	description string) (withdrawals.WithdrawTransaction, error) {

	if !amount.IsPositive() {
		return withdrawals.WithdrawTransaction{}, ErrNonPositiveAmount
	}
	amount = amount.RoundBank(8)

	currency, err := currencies.GetByID(d, w.CurrencyID)
	if err != nil {
		return withdrawals.WithdrawTransaction{}, err
	}
	if !validation.IsValidAddress(currency.MagicByte, address) {
		return withdrawals.WithdrawTransaction{}, ErrInvalidAddress
	}

	tx, err := d.BeginSerializable()
	if err != nil {
		return withdrawals.WithdrawTransaction{}, err
	}

	locked, err := GetForUpdate(tx, w.ID)
	if err != nil {
		_ = tx.Rollback()
		return withdrawals.WithdrawTransaction{}, err
	}
	if locked.Balance.LessThan(amount) {
		_ = tx.Rollback()
		return withdrawals.WithdrawTransaction{}, ErrBalanceTooLow
	}

	withdrawal, err := withdrawals.Insert(tx, withdrawals.WithdrawTransaction{
		WalletID:   w.ID,
		CurrencyID: w.CurrencyID,
		Address:    address,
		Amount:     amount,
	})
	if err != nil {
		_ = tx.Rollback()
		return withdrawals.WithdrawTransaction{}, err
	}

	operation := Operation{
		WalletID:    w.ID,
		Balance:     amount.Neg(),
		Holded:      amount,
		Description: description,
	}
	operation.SetReason(Reason{Kind: ReasonWithdraw, ID: withdrawal.ID})

	if _, err := PostOperation(tx, operation); err != nil {
		_ = tx.Rollback()
		return withdrawals.WithdrawTransaction{}, err
	}

	if err = tx.Commit(); err != nil {
		_ = tx.Rollback()
		return withdrawals.WithdrawTransaction{}, errors.Wrap(err, "could not commit withdrawal intake")
	}

	log.WithField("walletId", w.ID).WithField("amount", amount.String()).
		Info("Queued withdrawal")
	return withdrawal, nil
}

// Transfer moves funds between two wallets of the same currency,
// posting two symmetric operations in one serializable transaction.
func (w Wallet) Transfer(d *db.DB, amount decimal.Decimal, destination Wallet) error {
	if !amount.IsPositive() {
		return ErrNonPositiveAmount
	}
	if w.ID == destination.ID {
		return errors.New("cannot transfer to the same wallet")
	}
	if w.CurrencyID != destination.CurrencyID {
		return ErrCurrencyMismatch
	}
	amount = amount.RoundBank(8)

	tx, err := d.BeginSerializable()
	if err != nil {
		return err
	}

	// lock both wallets in id order so concurrent opposite transfers
	// cannot deadlock
	first, second := w.ID, destination.ID
	if second < first {
		first, second = second, first
	}
	if _, err := GetForUpdate(tx, first); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := GetForUpdate(tx, second); err != nil {
		_ = tx.Rollback()
		return err
	}

	source, err := GetByID(tx, w.ID)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if source.Balance.LessThan(amount) {
		_ = tx.Rollback()
		return ErrBalanceTooLow
	}

	debit, err := PostOperation(tx, Operation{
		WalletID:    w.ID,
		Balance:     amount.Neg(),
		Description: "Transfer",
	})
	if err != nil {
		_ = tx.Rollback()
		return err
	}

	credit := Operation{
		WalletID:    destination.ID,
		Balance:     amount,
		Description: "Transfer",
	}
	credit.SetReason(Reason{Kind: ReasonOperation, ID: debit.ID})
	posted, err := PostOperation(tx, credit)
	if err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := setOperationReason(tx, debit.ID, Reason{Kind: ReasonOperation, ID: posted.ID}); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err = tx.Commit(); err != nil {
		_ = tx.Rollback()
		return errors.Wrap(err, "could not commit transfer")
	}

	return nil
}
