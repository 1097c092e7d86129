package tasks

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"gitlab.com/arcanecrypto/coinledger/coind"
	"gitlab.com/arcanecrypto/coinledger/db"
	"gitlab.com/arcanecrypto/coinledger/models/currencies"
	"gitlab.com/arcanecrypto/coinledger/models/withdrawals"
)

// QueryTransactions walks the node's listsinceblock feed from the
// currency's last seen block and replays every relevant entry through
// the deposit processor, whose idempotence makes repeated and
// overlapping scans safe. The cursor only advances to a block that is
// at least confirmations_required below the tip, so reorged blocks get
// re-scanned.
func QueryTransactions(d *db.DB, client coind.Client, cfg Config, ticker string) error {
	currency, err := currencies.GetByTicker(d, ticker)
	if err != nil {
		return err
	}

	count, err := client.GetBlockCount()
	if err != nil {
		return errors.Wrap(err, "getblockcount failed")
	}
	stableHeight := count - int64(currency.ConfirmationsRequired)
	if stableHeight < 0 {
		stableHeight = 0
	}

	stableHash, err := client.GetBlockHash(stableHeight)
	if err != nil {
		return errors.Wrap(err, "getblockhash failed")
	}

	var since string
	if currency.LastBlockHash != nil {
		since = *currency.LastBlockHash
	}
	listing, err := client.ListSinceBlock(since)
	if err != nil {
		return errors.Wrap(err, "listsinceblock failed")
	}

	// one on-chain transaction appears once per affected address; the
	// (txid, address, currency) uniqueness on the transactions table
	// keeps replays single-entry
	for _, entry := range listing.Transactions {
		switch entry.Category {
		case coind.CategoryReceive, coind.CategoryImmature, coind.CategoryGenerate:
			err := ProcessDepositTransaction(d, TxDict{
				Category:      entry.Category,
				Txid:          entry.Txid,
				Address:       entry.Address,
				Amount:        entry.Amount,
				Confirmations: entry.Confirmations,
			}, ticker)
			if err != nil {
				// leave the cursor where it is so the next tick
				// re-scans this range
				return err
			}

		case coind.CategorySend:
			if err := confirmWithdrawal(d, currency, entry); err != nil {
				return err
			}
		}
	}

	if err := currencies.UpdateLastBlockHash(d, currency.ID, stableHash); err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"ticker":    currency.Ticker,
		"entries":   len(listing.Transactions),
		"lastBlock": stableHash,
	}).Info("Reconciled chain transactions")
	return nil
}

// confirmWithdrawal matches a send entry against the broadcast queue
// rows. Rows are already final once sent, so reaching the confirmation
// threshold is only logged.
func confirmWithdrawal(d *db.DB, currency currencies.Currency, entry coind.SinceBlockEntry) error {
	sent, err := withdrawals.GetSentByTxid(d, currency.ID, entry.Txid)
	if err != nil {
		return err
	}
	if len(sent) == 0 {
		return nil
	}

	if entry.Confirmations >= int64(currency.ConfirmationsRequired) {
		log.WithFields(logrus.Fields{
			"txid":          entry.Txid,
			"rows":          len(sent),
			"confirmations": entry.Confirmations,
		}).Debug("Withdrawal batch confirmed on-chain")
	}
	return nil
}

// QueryTransaction is the explicit one-shot re-query of a single chain
// transaction, feeding every receive detail of the envelope through
// the deposit processor.
func QueryTransaction(d *db.DB, client coind.Client, cfg Config, ticker string, txid string) error {
	if _, err := currencies.GetByTicker(d, ticker); err != nil {
		return err
	}

	envelope, err := client.GetTransaction(txid)
	if err != nil {
		return errors.Wrap(err, "gettransaction failed")
	}

	for _, detail := range envelope.Details {
		if detail.Category != coind.CategoryReceive {
			continue
		}
		err := ProcessDepositTransaction(d, TxDict{
			Category: detail.Category,
			Txid:     envelope.Txid,
			Address:  detail.Address,
			Amount:   detail.Amount,
			// details carry no confirmation count of their own
			Confirmations: envelope.Confirmations,
		}, ticker)
		if err != nil {
			return err
		}
	}

	return nil
}
