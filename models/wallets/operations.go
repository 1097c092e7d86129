package wallets

import (
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"gitlab.com/arcanecrypto/coinledger/db"
)

// ReasonKind tags what caused an operation
type ReasonKind string

const (
	// ReasonTransaction points at an inbound chain transaction row
	ReasonTransaction ReasonKind = "transaction"
	// ReasonWithdraw points at a withdraw queue row
	ReasonWithdraw ReasonKind = "withdraw"
	// ReasonOperation points at the peer operation of a transfer
	ReasonOperation ReasonKind = "operation"
)

// Reason is a tagged reference to the row that caused an operation
type Reason struct {
	Kind ReasonKind
	ID   int
}

// Operation is an append-only ledger entry. The three amount fields are
// deltas; the sum of deltas per wallet equals the wallet's materialised
// columns. Operations are never deleted, corrections are posted as
// counter-entries.
type Operation struct {
	ID int `db:"id"`

	WalletID    int             `db:"wallet_id"`
	Balance     decimal.Decimal `db:"balance"`
	Unconfirmed decimal.Decimal `db:"unconfirmed"`
	Holded      decimal.Decimal `db:"holded"`
	Description string          `db:"description"`
	ReasonKind  *ReasonKind     `db:"reason_kind"`
	ReasonID    *int            `db:"reason_id"`
	CreatedAt   time.Time       `db:"created_at"`
}

// Reason returns the tagged cause of the operation, or nil
func (o Operation) Reason() *Reason {
	if o.ReasonKind == nil || o.ReasonID == nil {
		return nil
	}
	return &Reason{Kind: *o.ReasonKind, ID: *o.ReasonID}
}

// SetReason links the operation to its causing row
func (o *Operation) SetReason(reason Reason) {
	kind := reason.Kind
	id := reason.ID
	o.ReasonKind = &kind
	o.ReasonID = &id
}

// PostOperation inserts the ledger entry and folds its deltas into the
// wallet columns in one statement each. The caller must hold the wallet
// row lock (GetForUpdate) and run at the serializable level; this is
// the only code path that mutates wallet amounts.
func PostOperation(tx *sqlx.Tx, operation Operation) (Operation, error) {
	insert := `INSERT INTO operations
		(wallet_id, balance, unconfirmed, holded, description, reason_kind, reason_id)
	VALUES
		(:wallet_id, :balance, :unconfirmed, :holded, :description, :reason_kind, :reason_id)
	RETURNING *`

	rows, err := tx.NamedQuery(insert, operation)
	if err != nil {
		return Operation{}, errors.Wrap(err, "could not insert operation")
	}

	var inserted Operation
	if rows.Next() {
		if err = rows.StructScan(&inserted); err != nil {
			_ = rows.Close()
			return Operation{}, errors.Wrap(err, "could not scan inserted operation")
		}
	}
	if err = rows.Close(); err != nil {
		return Operation{}, errors.Wrap(err, "could not close operation insert")
	}

	update := `UPDATE wallets
		SET balance = balance + $1,
		    unconfirmed = unconfirmed + $2,
		    holded = holded + $3,
		    updated_at = now()
		WHERE id = $4`

	result, err := tx.Exec(update,
		operation.Balance, operation.Unconfirmed, operation.Holded, operation.WalletID)
	if err != nil {
		// the non-negativity constraints on the wallet columns fire
		// here when an operation would overdraw the wallet
		return Operation{}, errors.Wrapf(err, "could not apply operation to wallet %d", operation.WalletID)
	}
	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return Operation{}, errors.Errorf("no wallet with id %d", operation.WalletID)
	}

	return inserted, nil
}

// setOperationReason backfills the reason link on a just-created
// operation, used for the symmetric links of a transfer pair.
func setOperationReason(tx *sqlx.Tx, operationID int, reason Reason) error {
	_, err := tx.Exec(
		"UPDATE operations SET reason_kind=$1, reason_id=$2 WHERE id=$3",
		reason.Kind, reason.ID, operationID)
	if err != nil {
		return errors.Wrapf(err, "could not set reason on operation %d", operationID)
	}
	return nil
}

// HasOperationWithReason reports whether any ledger entry was caused by
// the given row. The deposit processor uses this to decide whether an
// unconfirmed posting already exists for a chain transaction.
func HasOperationWithReason(d db.Getter, reason Reason) (bool, error) {
	var count int
	err := d.Get(&count,
		"SELECT COUNT(*) FROM operations WHERE reason_kind=$1 AND reason_id=$2",
		reason.Kind, reason.ID)
	if err != nil {
		return false, errors.Wrap(err, "could not count operations by reason")
	}
	return count > 0, nil
}

// GetOperations reads a wallet's full ledger, ordered by id. Within a
// wallet every reader observes operations in exactly this order.
func GetOperations(d *db.DB, walletID int) ([]Operation, error) {
	var operations []Operation
	err := d.Select(&operations,
		"SELECT * FROM operations WHERE wallet_id=$1 ORDER BY id", walletID)
	if err != nil {
		return nil, errors.Wrapf(err, "could not select operations for wallet %d", walletID)
	}
	return operations, nil
}
