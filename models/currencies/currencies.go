// Package currencies is the registry of chains the ledger knows about.
// A currency row carries everything needed to talk to its node daemon
// and to decide when a deposit is final.
package currencies

import (
	"database/sql"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"gitlab.com/arcanecrypto/coinledger/build"
	"gitlab.com/arcanecrypto/coinledger/db"
)

var log = build.AddSubLogger("CURR")

// ErrCurrencyNotFound means no currency with the given ticker exists
var ErrCurrencyNotFound = errors.New("currency not found")

// Currency is a database table
type Currency struct {
	ID int `db:"id"`

	// Ticker is the case-insensitive unique identifier, e.g. "btc"
	Ticker string `db:"ticker"`
	Label  string `db:"label"`
	// MagicByte is a comma-separated list of accepted base58check
	// version bytes, e.g. "0,5" for Bitcoin mainnet
	MagicByte string `db:"magicbyte"`
	// APIURL is the node RPC endpoint including basic auth credentials
	APIURL string `db:"api_url"`
	// Dust is the smallest amount the node will relay. Amounts must be
	// strictly greater than Dust to be deliverable.
	Dust decimal.Decimal `db:"dust"`
	// ConfirmationsRequired is the number of blocks after which a
	// deposit is considered final
	ConfirmationsRequired int `db:"confirmations_required"`
	// LastBlockHash is the cursor of the reconciliation scanner,
	// advanced after every listsinceblock walk
	LastBlockHash *string `db:"last_block_hash"`
}

// GetByTicker selects the currency with the given ticker, matched
// case-insensitively.
func GetByTicker(d db.Getter, ticker string) (Currency, error) {
	query := "SELECT * FROM currencies WHERE LOWER(ticker)=LOWER($1) LIMIT 1"

	var currency Currency
	if err := d.Get(&currency, query, ticker); err != nil {
		if err == sql.ErrNoRows {
			return Currency{}, ErrCurrencyNotFound
		}
		return Currency{}, errors.Wrapf(err, "could not get currency %q", ticker)
	}

	return currency, nil
}

// GetByID selects the currency with the given id
func GetByID(d db.Getter, id int) (Currency, error) {
	var currency Currency
	if err := d.Get(&currency, "SELECT * FROM currencies WHERE id=$1 LIMIT 1", id); err != nil {
		if err == sql.ErrNoRows {
			return Currency{}, ErrCurrencyNotFound
		}
		return Currency{}, errors.Wrapf(err, "could not get currency %d", id)
	}
	return currency, nil
}

// GetAll reads every registered currency
func GetAll(d *db.DB) ([]Currency, error) {
	var queryResult []Currency
	err := d.Select(&queryResult, "SELECT * FROM currencies ORDER BY id")
	if err != nil {
		return nil, errors.Wrap(err, "could not select currencies")
	}

	return queryResult, nil
}

// Insert adds a new currency to the registry
func Insert(d db.Inserter, currency Currency) (Currency, error) {
	query := `INSERT INTO currencies
		(ticker, label, magicbyte, api_url, dust, confirmations_required)
	VALUES
		(:ticker, :label, :magicbyte, :api_url, :dust, :confirmations_required)
	RETURNING *`

	if currency.MagicByte == "" {
		currency.MagicByte = "0"
	}
	if currency.ConfirmationsRequired == 0 {
		currency.ConfirmationsRequired = 2
	}

	rows, err := d.NamedQuery(query, currency)
	if err != nil {
		return Currency{}, errors.Wrapf(err, "could not insert currency %q", currency.Ticker)
	}
	defer func() { _ = rows.Close() }()

	var inserted Currency
	if rows.Next() {
		if err = rows.StructScan(&inserted); err != nil {
			return Currency{}, errors.Wrap(err, "could not scan inserted currency")
		}
	}

	log.WithField("ticker", inserted.Ticker).Info("Registered currency")
	return inserted, nil
}

// UpdateLastBlockHash advances the reconciliation cursor. Only the
// since-block scanner calls this.
func UpdateLastBlockHash(d *db.DB, id int, hash string) error {
	result, err := d.Exec("UPDATE currencies SET last_block_hash=$1 WHERE id=$2", hash, id)
	if err != nil {
		return errors.Wrap(err, "could not update last block hash")
	}
	rows, err := result.RowsAffected()
	if err == nil && rows == 0 {
		return ErrCurrencyNotFound
	}
	return nil
}
