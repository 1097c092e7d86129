package tasks

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"gitlab.com/arcanecrypto/coinledger/coind"
	"gitlab.com/arcanecrypto/coinledger/db"
	"gitlab.com/arcanecrypto/coinledger/models/currencies"
	"gitlab.com/arcanecrypto/coinledger/models/wallets"
	"gitlab.com/arcanecrypto/coinledger/models/withdrawals"
)

// ProcessWithdrawTransactions drains the withdrawal queue for one
// currency: pending rows are coalesced per destination address into a
// single sendmany, dust-sized outputs are filtered out (their rows stay
// queued), and the actual network fee is recorded against the
// contributing wallets.
//
// A per-currency advisory lock spans the RPC call, so concurrent
// invocations for the same ticker can never double-submit the same
// rows. A sendmany failure mutates nothing; the batch retries on the
// next tick.
func ProcessWithdrawTransactions(d *db.DB, client coind.Client, cfg Config, ticker string) error {
	cfg = cfg.WithDefaults()

	currency, err := currencies.GetByTicker(d, ticker)
	if err != nil {
		return err
	}

	tx, err := d.BeginSerializable()
	if err != nil {
		return err
	}
	if err := withdrawals.AdvisoryLock(tx, currency.ID); err != nil {
		_ = tx.Rollback()
		return err
	}

	pending, err := withdrawals.GetPendingForUpdate(tx, currency.ID)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if len(pending) == 0 {
		_ = tx.Rollback()
		return nil
	}

	// coalesce per destination address
	outputs := coind.Outputs{}
	for _, row := range pending {
		outputs[row.Address] = outputs[row.Address].Add(row.Amount)
	}

	// an output is deliverable iff its amount is strictly greater than
	// the currency's dust. Dust rows stay queued with txid = NULL.
	for address, amount := range outputs {
		if !amount.GreaterThan(currency.Dust) {
			log.WithFields(logrus.Fields{
				"address": address,
				"amount":  amount.String(),
				"dust":    currency.Dust.String(),
			}).Info("Skipping dust output")
			delete(outputs, address)
		}
	}
	if len(outputs) == 0 {
		_ = tx.Rollback()
		return nil
	}

	txid, err := client.SendMany(cfg.Account, outputs)
	if err != nil {
		_ = tx.Rollback()
		return errors.Wrap(err, "sendmany failed, batch left untouched")
	}

	// the envelope reports the fee as a negative amount
	fee := decimal.Zero
	if envelope, err := client.GetTransaction(txid); err != nil {
		log.WithError(err).WithField("txid", txid).Warn(
			"gettransaction failed after sendmany, recording zero fee pending reconciliation")
	} else {
		fee = envelope.Fee.Abs().RoundBank(8)
	}

	var sentIDs []int
	rowAmounts := map[int]decimal.Decimal{}
	sentByWallet := map[int]decimal.Decimal{}
	reasonRowByWallet := map[int]int{}
	for _, row := range pending {
		if _, ok := outputs[row.Address]; !ok {
			continue
		}
		sentIDs = append(sentIDs, row.ID)
		rowAmounts[row.ID] = row.Amount
		sentByWallet[row.WalletID] = sentByWallet[row.WalletID].Add(row.Amount)
		if _, ok := reasonRowByWallet[row.WalletID]; !ok {
			reasonRowByWallet[row.WalletID] = row.ID
		}
	}

	if err := withdrawals.MarkSent(tx, sentIDs, txid, apportion(fee, rowAmounts)); err != nil {
		_ = tx.Rollback()
		return err
	}

	// one ledger entry per contributing wallet: the fee share comes
	// out of balance, the delivered sum comes off hold
	feeShares := apportion(fee, sentByWallet)

	walletIDs := make([]int, 0, len(sentByWallet))
	for walletID := range sentByWallet {
		walletIDs = append(walletIDs, walletID)
	}
	sort.Ints(walletIDs)

	for _, walletID := range walletIDs {
		wallet, err := wallets.GetForUpdate(tx, walletID)
		if err != nil {
			_ = tx.Rollback()
			return err
		}

		// the batch is already on-chain at this point, so the sent
		// transition must go through no matter what. A wallet that
		// withdrew its whole balance has nothing left to take the fee
		// share from; deduct what is there and leave the shortfall to
		// reconciliation.
		feeShare := feeShares[walletID]
		if feeShare.GreaterThan(wallet.Balance) {
			log.WithFields(logrus.Fields{
				"walletID": walletID,
				"feeShare": feeShare.String(),
				"balance":  wallet.Balance.String(),
				"txid":     txid,
			}).Warn("Fee share exceeds spendable balance, deducting remainder only")
			feeShare = wallet.Balance
		}

		operation := wallets.Operation{
			WalletID:    walletID,
			Balance:     feeShare.Neg(),
			Holded:      sentByWallet[walletID].Neg(),
			Description: "Network fee",
		}
		operation.SetReason(wallets.Reason{
			Kind: wallets.ReasonWithdraw,
			ID:   reasonRowByWallet[walletID],
		})

		if _, err := wallets.PostOperation(tx, operation); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		_ = tx.Rollback()
		return errors.Wrap(err, "could not commit withdrawal batch")
	}

	log.WithFields(logrus.Fields{
		"ticker":  currency.Ticker,
		"txid":    txid,
		"outputs": len(outputs),
		"rows":    len(sentIDs),
		"fee":     fee.String(),
	}).Info("Broadcast withdrawal batch")
	return nil
}

// apportion splits the fee over the contributors proportionally to
// their amounts, rounding each share HALF_EVEN to 8 decimals. The
// rounding residue goes to the largest contributor; the smallest key
// wins ties. The shares always sum to exactly the fee.
func apportion(fee decimal.Decimal, contributions map[int]decimal.Decimal) map[int]decimal.Decimal {
	shares := make(map[int]decimal.Decimal, len(contributions))
	if len(contributions) == 0 {
		return shares
	}

	keys := make([]int, 0, len(contributions))
	total := decimal.Zero
	for key, contribution := range contributions {
		keys = append(keys, key)
		total = total.Add(contribution)
	}
	sort.Ints(keys)

	if fee.IsZero() || total.IsZero() {
		for _, key := range keys {
			shares[key] = decimal.Zero
		}
		return shares
	}

	largest := keys[0]
	assigned := decimal.Zero
	for _, key := range keys {
		share := fee.Mul(contributions[key]).Div(total).RoundBank(8)
		shares[key] = share
		assigned = assigned.Add(share)
		if contributions[key].GreaterThan(contributions[largest]) {
			largest = key
		}
	}

	if residue := fee.Sub(assigned); !residue.IsZero() {
		shares[largest] = shares[largest].Add(residue)
	}
	return shares
}
