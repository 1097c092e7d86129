// Package transactions records inbound chain transactions credited to
// addresses we own. Identity is (txid, address, currency): one chain
// transaction crediting several owned addresses yields several rows.
package transactions

import (
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"gitlab.com/arcanecrypto/coinledger/db"
)

// Transaction is a database table
type Transaction struct {
	ID int `db:"id"`

	Txid       string `db:"txid"`
	Address    string `db:"address"`
	CurrencyID int    `db:"currency_id"`
	// Processed flips to true once the deposit is credited to the
	// wallet balance, and never reverts
	Processed bool      `db:"processed"`
	CreatedAt time.Time `db:"created_at"`
}

// GetOrCreate finds the row for the (txid, address, currency) key,
// inserting it when missing. The second return value tells whether the
// row was created by this call. The row comes back locked either way,
// so concurrent deposit notifications for the same key serialise here.
func GetOrCreate(tx *sqlx.Tx, txid string, address string, currencyID int) (Transaction, bool, error) {
	insert := `INSERT INTO transactions (txid, address, currency_id)
		VALUES ($1, $2, $3)
		ON CONFLICT ON CONSTRAINT transactions_txid_address_currency_key DO NOTHING
		RETURNING *`

	var transaction Transaction
	err := tx.Get(&transaction, insert, txid, address, currencyID)
	if err == nil {
		return transaction, true, nil
	}
	if err != sql.ErrNoRows {
		return Transaction{}, false, errors.Wrapf(err, "could not insert transaction %s", txid)
	}

	selectExisting := `SELECT * FROM transactions
		WHERE txid=$1 AND address=$2 AND currency_id=$3
		FOR UPDATE`
	if err := tx.Get(&transaction, selectExisting, txid, address, currencyID); err != nil {
		return Transaction{}, false, errors.Wrapf(err, "could not select transaction %s", txid)
	}

	return transaction, false, nil
}

// GetByTxid selects every row sharing a txid, one per credited address.
func GetByTxid(d *db.DB, txid string, currencyID int) ([]Transaction, error) {
	var result []Transaction
	err := d.Select(&result,
		"SELECT * FROM transactions WHERE txid=$1 AND currency_id=$2 ORDER BY id",
		txid, currencyID)
	if err != nil {
		return nil, errors.Wrapf(err, "could not select transactions for txid %s", txid)
	}
	return result, nil
}

// MarkProcessed flips the processed flag. There is deliberately no way
// to flip it back.
func MarkProcessed(tx *sqlx.Tx, id int) error {
	result, err := tx.Exec("UPDATE transactions SET processed=true WHERE id=$1", id)
	if err != nil {
		return errors.Wrapf(err, "could not mark transaction %d processed", id)
	}
	rows, err := result.RowsAffected()
	if err == nil && rows == 0 {
		return errors.Errorf("no transaction with id %d", id)
	}
	return nil
}
