package tasks

import (
	"database/sql"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"gitlab.com/arcanecrypto/coinledger/coind"
	"gitlab.com/arcanecrypto/coinledger/db"
	"gitlab.com/arcanecrypto/coinledger/models/addresses"
	"gitlab.com/arcanecrypto/coinledger/models/currencies"
	"gitlab.com/arcanecrypto/coinledger/models/transactions"
	"gitlab.com/arcanecrypto/coinledger/models/wallets"
)

// TxDict describes one inbound chain transaction crediting one address,
// as delivered by a node notification or synthesised by the
// reconciliation scanner.
type TxDict struct {
	Category      string
	Txid          string
	Address       string
	Amount        decimal.Decimal
	Confirmations int64
}

// ProcessDepositTransaction applies an inbound chain transaction to the
// ledger. Deposits below the currency's confirmation threshold land in
// unconfirmed; at or above it they move to (or land directly in)
// balance and the transaction row is marked processed. Processing the
// same descriptor any number of times equals processing it once.
//
// Transactions to unassigned or foreign addresses are a no-op: the
// daemon received funds we cannot yet account to a wallet.
func ProcessDepositTransaction(d *db.DB, txdict TxDict, ticker string) error {
	currency, err := currencies.GetByTicker(d, ticker)
	if err != nil {
		return err
	}

	if txdict.Confirmations < 0 {
		// conflicted transaction; behaviour is undefined, so touch
		// nothing
		log.WithFields(logrus.Fields{
			"txid":          txdict.Txid,
			"address":       txdict.Address,
			"confirmations": txdict.Confirmations,
		}).Warn("Skipping transaction with negative confirmations")
		return nil
	}

	tx, err := d.BeginSerializable()
	if err != nil {
		return err
	}

	address, err := addresses.GetAssigned(tx, txdict.Address, currency.ID)
	if err == sql.ErrNoRows {
		_ = tx.Rollback()
		log.WithFields(logrus.Fields{
			"txid":    txdict.Txid,
			"address": txdict.Address,
			"ticker":  currency.Ticker,
		}).Debug("Deposit to address we cannot account to a wallet")
		return nil
	}
	if err != nil {
		_ = tx.Rollback()
		return errors.Wrap(err, "could not look up deposit address")
	}

	row, created, err := transactions.GetOrCreate(tx, txdict.Txid, txdict.Address, currency.ID)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if row.Processed {
		// duplicate notification
		_ = tx.Rollback()
		return nil
	}

	if _, err := wallets.GetForUpdate(tx, *address.WalletID); err != nil {
		_ = tx.Rollback()
		return err
	}

	reason := wallets.Reason{Kind: wallets.ReasonTransaction, ID: row.ID}
	hasUnconfirmedOp, err := wallets.HasOperationWithReason(tx, reason)
	if err != nil {
		_ = tx.Rollback()
		return err
	}

	amount := txdict.Amount.RoundBank(8)
	threshold := int64(currency.ConfirmationsRequired)

	switch txdict.Category {
	case coind.CategoryReceive:
		if txdict.Confirmations >= threshold {
			operation := wallets.Operation{
				WalletID:    *address.WalletID,
				Balance:     amount,
				Description: "Deposit",
			}
			// a prior unconfirmed posting must be reversed; the row
			// pre-existing this call means the amount sits in
			// unconfirmed even when its operation predates us
			if !created || hasUnconfirmedOp {
				operation.Unconfirmed = amount.Neg()
			}
			operation.SetReason(reason)

			if _, err := wallets.PostOperation(tx, operation); err != nil {
				_ = tx.Rollback()
				return err
			}
			if err := transactions.MarkProcessed(tx, row.ID); err != nil {
				_ = tx.Rollback()
				return err
			}
		} else if created && !hasUnconfirmedOp {
			operation := wallets.Operation{
				WalletID:    *address.WalletID,
				Unconfirmed: amount,
				Description: "Unconfirmed deposit",
			}
			operation.SetReason(reason)

			if _, err := wallets.PostOperation(tx, operation); err != nil {
				_ = tx.Rollback()
				return err
			}
		}

	case coind.CategoryImmature, coind.CategoryGenerate:
		// coinbase output; counts as unconfirmed until the category
		// flips to a mature receive
		if txdict.Confirmations < threshold && created && !hasUnconfirmedOp {
			operation := wallets.Operation{
				WalletID:    *address.WalletID,
				Unconfirmed: amount,
				Description: "Unconfirmed deposit",
			}
			operation.SetReason(reason)

			if _, err := wallets.PostOperation(tx, operation); err != nil {
				_ = tx.Rollback()
				return err
			}
		}

	default:
		_ = tx.Rollback()
		return errors.Errorf("unknown transaction category %q for txid %s",
			txdict.Category, txdict.Txid)
	}

	if err = tx.Commit(); err != nil {
		_ = tx.Rollback()
		return errors.Wrap(err, "could not commit deposit")
	}

	log.WithFields(logrus.Fields{
		"txid":          txdict.Txid,
		"address":       txdict.Address,
		"amount":        amount.String(),
		"confirmations": txdict.Confirmations,
		"ticker":        currency.Ticker,
	}).Info("Processed deposit transaction")
	return nil
}
