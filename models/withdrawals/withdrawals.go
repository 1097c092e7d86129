// Package withdrawals is the outbound queue. Rows are created by the
// withdrawal intake in state "new" and moved to "sent" by the batched
// sender together with the shared on-chain txid.
package withdrawals

import (
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"gitlab.com/arcanecrypto/coinledger/db"
)

// State is the lifecycle state of a withdraw row
type State string

const (
	// StateNew means the funds are held but not yet on-chain
	StateNew State = "new"
	// StateSent means the row was included in a broadcast sendmany
	StateSent State = "sent"
)

// WithdrawTransaction is a database table
type WithdrawTransaction struct {
	ID int `db:"id"`

	WalletID   int             `db:"wallet_id"`
	CurrencyID int             `db:"currency_id"`
	Address    string          `db:"address"`
	Amount     decimal.Decimal `db:"amount"`
	// Txid is nil until the row is included in a broadcast batch. A
	// row is referenced by at most one on-chain txid, ever.
	Txid      *string         `db:"txid"`
	Fee       decimal.Decimal `db:"fee"`
	State     State           `db:"state"`
	CreatedAt time.Time       `db:"created_at"`
}

// Insert adds a queue row. Runs inside the intake's transaction so the
// row and its hold operation commit together.
func Insert(d db.Inserter, withdrawal WithdrawTransaction) (WithdrawTransaction, error) {
	query := `INSERT INTO withdraw_transactions
		(wallet_id, currency_id, address, amount, state)
	VALUES
		(:wallet_id, :currency_id, :address, :amount, :state)
	RETURNING *`

	if withdrawal.State == "" {
		withdrawal.State = StateNew
	}

	rows, err := d.NamedQuery(query, withdrawal)
	if err != nil {
		return WithdrawTransaction{}, errors.Wrap(err, "could not insert withdraw transaction")
	}
	defer func() { _ = rows.Close() }()

	var inserted WithdrawTransaction
	if rows.Next() {
		if err = rows.StructScan(&inserted); err != nil {
			return WithdrawTransaction{}, errors.Wrap(err, "could not scan inserted withdraw transaction")
		}
	}

	return inserted, nil
}

// GetPendingForUpdate selects and locks every row of the currency that
// has not been batched yet.
func GetPendingForUpdate(tx *sqlx.Tx, currencyID int) ([]WithdrawTransaction, error) {
	query := `SELECT * FROM withdraw_transactions
		WHERE currency_id=$1 AND state=$2 AND txid IS NULL
		ORDER BY id
		FOR UPDATE`

	var pending []WithdrawTransaction
	if err := tx.Select(&pending, query, currencyID, StateNew); err != nil {
		return nil, errors.Wrap(err, "could not select pending withdraw transactions")
	}
	return pending, nil
}

// GetByAddress selects every queue row paying the given address.
func GetByAddress(d *db.DB, currencyID int, address string) ([]WithdrawTransaction, error) {
	var result []WithdrawTransaction
	err := d.Select(&result,
		"SELECT * FROM withdraw_transactions WHERE currency_id=$1 AND address=$2 ORDER BY id",
		currencyID, address)
	if err != nil {
		return nil, errors.Wrapf(err, "could not select withdraw transactions for %s", address)
	}
	return result, nil
}

// GetSentByTxid selects the rows already broadcast under the given txid.
func GetSentByTxid(d *db.DB, currencyID int, txid string) ([]WithdrawTransaction, error) {
	var result []WithdrawTransaction
	err := d.Select(&result,
		"SELECT * FROM withdraw_transactions WHERE currency_id=$1 AND txid=$2 AND state=$3 ORDER BY id",
		currencyID, txid, StateSent)
	if err != nil {
		return nil, errors.Wrapf(err, "could not select sent withdraw transactions for %s", txid)
	}
	return result, nil
}

// MarkSent assigns the shared txid and per-row fee share to the given
// rows and moves them to state "sent".
func MarkSent(tx *sqlx.Tx, ids []int, txid string, fees map[int]decimal.Decimal) error {
	query := `UPDATE withdraw_transactions
		SET txid=$1, state=$2, fee=$3
		WHERE id=$4 AND txid IS NULL`

	for _, id := range ids {
		fee := decimal.Zero
		if share, ok := fees[id]; ok {
			fee = share
		}
		result, err := tx.Exec(query, txid, StateSent, fee, id)
		if err != nil {
			return errors.Wrapf(err, "could not mark withdraw transaction %d sent", id)
		}
		rows, err := result.RowsAffected()
		if err == nil && rows == 0 {
			// a row with a txid must never be re-batched
			return errors.Errorf("withdraw transaction %d already has a txid", id)
		}
	}
	return nil
}

// AdvisoryLock takes a transaction-scoped advisory lock for the
// currency. Held until commit or rollback, it spans the sendmany RPC
// call and keeps two batched senders from double-submitting the same
// queue rows.
func AdvisoryLock(tx *sqlx.Tx, currencyID int) error {
	// class id separates this lock space from other advisory users
	const lockClass = 0x636c // "cl"
	if _, err := tx.Exec("SELECT pg_advisory_xact_lock($1, $2)", lockClass, currencyID); err != nil {
		return errors.Wrap(err, "could not take per-currency advisory lock")
	}
	return nil
}
