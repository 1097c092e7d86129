// Package addresses manages the per-currency pool of receive
// addresses. Addresses are created unassigned by the refill task and
// lazily claimed by wallets on first use.
package addresses

import (
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"gitlab.com/arcanecrypto/coinledger/build"
	"gitlab.com/arcanecrypto/coinledger/db"
)

var log = build.AddSubLogger("ADDR")

const uniqueAddressConstraint = "addresses_address_currency_key"

// ErrAddressExists means the (address, currency) pair is already in the
// pool. Safe to swallow during refills.
var ErrAddressExists = errors.New("address already exists for this currency")

// Address is a database table
type Address struct {
	ID int `db:"id"`

	Address    string `db:"address"`
	CurrencyID int    `db:"currency_id"`
	// WalletID is nil while the address sits unassigned in the pool
	WalletID *int `db:"wallet_id"`
	// Active marks the single address a wallet hands out by default
	Active    bool      `db:"active"`
	CreatedAt time.Time `db:"created_at"`
}

// Insert adds an address to the pool. Collisions on the
// (address, currency) uniqueness constraint surface as ErrAddressExists.
func Insert(d db.Inserter, address Address) (Address, error) {
	query := `INSERT INTO addresses (address, currency_id, wallet_id, active)
		VALUES (:address, :currency_id, :wallet_id, :active)
		RETURNING *`

	rows, err := d.NamedQuery(query, address)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Constraint == uniqueAddressConstraint {
			return Address{}, ErrAddressExists
		}
		return Address{}, errors.Wrapf(err, "could not insert address %q", address.Address)
	}
	defer func() { _ = rows.Close() }()

	var inserted Address
	if rows.Next() {
		if err = rows.StructScan(&inserted); err != nil {
			return Address{}, errors.Wrap(err, "could not scan inserted address")
		}
	}

	return inserted, nil
}

// CountUnassigned counts pool addresses not yet claimed by any wallet.
func CountUnassigned(d db.Getter, currencyID int) (int, error) {
	var count int
	err := d.Get(&count,
		"SELECT COUNT(*) FROM addresses WHERE currency_id=$1 AND wallet_id IS NULL",
		currencyID)
	if err != nil {
		return 0, errors.Wrap(err, "could not count unassigned addresses")
	}
	return count, nil
}

// GetAssigned looks up an address that is owned by a wallet. Unassigned
// and foreign addresses both come back as sql.ErrNoRows: the daemon
// received funds we cannot yet account to a wallet.
func GetAssigned(d db.Getter, address string, currencyID int) (Address, error) {
	query := `SELECT * FROM addresses
		WHERE address=$1 AND currency_id=$2 AND wallet_id IS NOT NULL
		LIMIT 1`

	var found Address
	if err := d.Get(&found, query, address, currencyID); err != nil {
		return Address{}, err
	}
	return found, nil
}

// GetOrClaimForWallet resolves the address to hand out for a wallet:
// first an owned address marked active, then any owned address, then an
// unassigned pool address which gets claimed by setting wallet_id. A
// nil address with nil error means the pool is empty.
func GetOrClaimForWallet(tx *sqlx.Tx, walletID int, currencyID int) (*Address, error) {
	var found Address

	err := tx.Get(&found,
		"SELECT * FROM addresses WHERE wallet_id=$1 AND active ORDER BY id LIMIT 1",
		walletID)
	if err == nil {
		return &found, nil
	}
	if err != sql.ErrNoRows {
		return nil, errors.Wrap(err, "could not select active address")
	}

	err = tx.Get(&found,
		"SELECT * FROM addresses WHERE wallet_id=$1 ORDER BY id LIMIT 1",
		walletID)
	if err == nil {
		return &found, nil
	}
	if err != sql.ErrNoRows {
		return nil, errors.Wrap(err, "could not select owned address")
	}

	// SKIP LOCKED keeps two wallets from fighting over the same pool
	// row; each claim simply takes the next free one.
	claim := `UPDATE addresses SET wallet_id=$1
		WHERE id = (
			SELECT id FROM addresses
			WHERE wallet_id IS NULL AND currency_id=$2
			ORDER BY id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *`

	err = tx.Get(&found, claim, walletID, currencyID)
	switch {
	case err == sql.ErrNoRows:
		log.WithField("currencyId", currencyID).Warn("address pool is empty")
		return nil, nil
	case err != nil:
		return nil, errors.Wrap(err, "could not claim pool address")
	}

	return &found, nil
}
