package tasks_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcanecrypto/coinledger/coind"
	"gitlab.com/arcanecrypto/coinledger/models/wallets"
	"gitlab.com/arcanecrypto/coinledger/models/withdrawals"
	"gitlab.com/arcanecrypto/coinledger/tasks"
	"gitlab.com/arcanecrypto/coinledger/testutil/coindtestutil"
)

// feeClient scripts a node whose sendmany succeeds and whose envelope
// reports the given fee.
func feeClient(txid string, fee string) *coindtestutil.MockClient {
	return &coindtestutil.MockClient{
		SendManyFunc: func(account string, outputs coind.Outputs) (string, error) {
			return txid, nil
		},
		GetTransactionFunc: func(got string) (coind.TxEnvelope, error) {
			return coind.TxEnvelope{
				Txid: got,
				Fee:  decimal.RequireFromString(fee).Neg(),
			}, nil
		},
	}
}

func TestProcessWithdrawTransactions(t *testing.T) {

	t.Run("coalesces per address and splits the fee", func(t *testing.T) {
		currency := createCurrencyOrFail(t, 2)
		first := createWalletOrFail(t, currency)
		second := createWalletOrFail(t, currency)
		fundWalletOrFail(t, first, "0.5")
		fundWalletOrFail(t, second, "0.2")

		_, err := first.WithdrawToAddress(testDB, addressGenesis,
			decimal.RequireFromString("0.2"), "")
		require.NoError(t, err)
		_, err = first.WithdrawToAddress(testDB, addressGenesis,
			decimal.RequireFromString("0.1"), "")
		require.NoError(t, err)
		_, err = second.WithdrawToAddress(testDB, addressBoat,
			decimal.RequireFromString("0.1"), "")
		require.NoError(t, err)

		txid := genTxid()
		client := feeClient(txid, "0.0001")
		require.NoError(t, tasks.ProcessWithdrawTransactions(
			testDB, client, tasks.Config{}, currency.Ticker))

		// one sendmany with both wallets' rows to the same address
		// folded into a single output
		require.Len(t, client.SendManyCalls, 1)
		outputs := client.SendManyCalls[0].Outputs
		require.Len(t, outputs, 2)
		requireAmount(t, "0.3", outputs[addressGenesis])
		requireAmount(t, "0.1", outputs[addressBoat])

		sent, err := withdrawals.GetSentByTxid(testDB, currency.ID, txid)
		require.NoError(t, err)
		require.Len(t, sent, 3)
		feeTotal := decimal.Zero
		for _, row := range sent {
			require.Equal(t, withdrawals.StateSent, row.State)
			feeTotal = feeTotal.Add(row.Fee)
		}
		requireAmount(t, "0.0001", feeTotal)

		// the fee is split 3:1 over the contributed amounts
		updatedFirst := getWalletOrFail(t, first.ID)
		requireAmount(t, "0.199925", updatedFirst.Balance)
		require.True(t, updatedFirst.Holded.IsZero())

		updatedSecond := getWalletOrFail(t, second.ID)
		requireAmount(t, "0.099975", updatedSecond.Balance)
		require.True(t, updatedSecond.Holded.IsZero())

		// exactly one fee operation per contributing wallet
		firstOps, err := wallets.GetOperations(testDB, first.ID)
		require.NoError(t, err)
		feeOp := firstOps[len(firstOps)-1]
		require.Equal(t, "Network fee", feeOp.Description)
		requireAmount(t, "-0.000075", feeOp.Balance)
		requireAmount(t, "-0.3", feeOp.Holded)
		require.NotNil(t, feeOp.Reason())
		require.Equal(t, wallets.ReasonWithdraw, feeOp.Reason().Kind)

		secondOps, err := wallets.GetOperations(testDB, second.ID)
		require.NoError(t, err)
		secondFeeOp := secondOps[len(secondOps)-1]
		requireAmount(t, "-0.000025", secondFeeOp.Balance)
		requireAmount(t, "-0.1", secondFeeOp.Holded)
	})

	t.Run("dust rows stay queued", func(t *testing.T) {
		currency := createCurrencyOrFail(t, 2)
		wallet := createWalletOrFail(t, currency)
		fundWalletOrFail(t, wallet, "1")

		_, err := wallet.WithdrawToAddress(testDB, addressGenesis,
			decimal.RequireFromString("0.5"), "")
		require.NoError(t, err)
		dustRow, err := wallet.WithdrawToAddress(testDB, addressBoat,
			decimal.RequireFromString("0.00000001"), "")
		require.NoError(t, err)

		txid := genTxid()
		client := feeClient(txid, "0.0001")
		require.NoError(t, tasks.ProcessWithdrawTransactions(
			testDB, client, tasks.Config{}, currency.Ticker))

		require.Len(t, client.SendManyCalls, 1)
		outputs := client.SendManyCalls[0].Outputs
		require.Len(t, outputs, 1)
		requireAmount(t, "0.5", outputs[addressGenesis])

		// the dust row keeps waiting for siblings to push it over dust
		queued, err := withdrawals.GetByAddress(testDB, currency.ID, addressBoat)
		require.NoError(t, err)
		require.Len(t, queued, 1)
		require.Equal(t, dustRow.ID, queued[0].ID)
		require.Equal(t, withdrawals.StateNew, queued[0].State)
		require.Nil(t, queued[0].Txid)

		// its hold stays in place
		updated := getWalletOrFail(t, wallet.ID)
		requireAmount(t, "0.00000001", updated.Holded)
	})

	t.Run("dust rows to one address can add up past dust", func(t *testing.T) {
		currency := createCurrencyOrFail(t, 2)
		wallet := createWalletOrFail(t, currency)
		fundWalletOrFail(t, wallet, "1")

		_, err := wallet.WithdrawToAddress(testDB, addressGenesis,
			decimal.RequireFromString("0.00003"), "")
		require.NoError(t, err)
		_, err = wallet.WithdrawToAddress(testDB, addressGenesis,
			decimal.RequireFromString("0.00003"), "")
		require.NoError(t, err)

		txid := genTxid()
		client := feeClient(txid, "0.00001")
		require.NoError(t, tasks.ProcessWithdrawTransactions(
			testDB, client, tasks.Config{}, currency.Ticker))

		require.Len(t, client.SendManyCalls, 1)
		requireAmount(t, "0.00006", client.SendManyCalls[0].Outputs[addressGenesis])

		sent, err := withdrawals.GetSentByTxid(testDB, currency.ID, txid)
		require.NoError(t, err)
		require.Len(t, sent, 2)
	})

	t.Run("nothing above dust means no sendmany", func(t *testing.T) {
		currency := createCurrencyOrFail(t, 2)
		wallet := createWalletOrFail(t, currency)
		fundWalletOrFail(t, wallet, "1")

		_, err := wallet.WithdrawToAddress(testDB, addressGenesis,
			decimal.RequireFromString("0.00000001"), "")
		require.NoError(t, err)

		client := &coindtestutil.MockClient{}
		require.NoError(t, tasks.ProcessWithdrawTransactions(
			testDB, client, tasks.Config{}, currency.Ticker))

		require.Empty(t, client.SendManyCalls)
	})

	t.Run("empty queue is a no-op", func(t *testing.T) {
		currency := createCurrencyOrFail(t, 2)

		client := &coindtestutil.MockClient{}
		require.NoError(t, tasks.ProcessWithdrawTransactions(
			testDB, client, tasks.Config{}, currency.Ticker))
		require.Empty(t, client.SendManyCalls)
	})

	t.Run("sendmany failure leaves the batch untouched", func(t *testing.T) {
		currency := createCurrencyOrFail(t, 2)
		wallet := createWalletOrFail(t, currency)
		fundWalletOrFail(t, wallet, "1")

		row, err := wallet.WithdrawToAddress(testDB, addressGenesis,
			decimal.RequireFromString("0.5"), "")
		require.NoError(t, err)

		client := &coindtestutil.MockClient{
			SendManyFunc: func(account string, outputs coind.Outputs) (string, error) {
				return "", errors.New("insufficient funds on node")
			},
		}
		err = tasks.ProcessWithdrawTransactions(testDB, client, tasks.Config{}, currency.Ticker)
		require.Error(t, err)

		queued, err := withdrawals.GetByAddress(testDB, currency.ID, addressGenesis)
		require.NoError(t, err)
		require.Len(t, queued, 1)
		require.Equal(t, row.ID, queued[0].ID)
		require.Equal(t, withdrawals.StateNew, queued[0].State)
		require.Nil(t, queued[0].Txid)

		updated := getWalletOrFail(t, wallet.ID)
		requireAmount(t, "0.5", updated.Balance)
		requireAmount(t, "0.5", updated.Holded)
	})

	t.Run("gettransaction failure records zero fee", func(t *testing.T) {
		currency := createCurrencyOrFail(t, 2)
		wallet := createWalletOrFail(t, currency)
		fundWalletOrFail(t, wallet, "1")

		_, err := wallet.WithdrawToAddress(testDB, addressGenesis,
			decimal.RequireFromString("0.5"), "")
		require.NoError(t, err)

		txid := genTxid()
		client := &coindtestutil.MockClient{
			SendManyFunc: func(account string, outputs coind.Outputs) (string, error) {
				return txid, nil
			},
			GetTransactionFunc: func(string) (coind.TxEnvelope, error) {
				return coind.TxEnvelope{}, errors.New("node restarting")
			},
		}
		require.NoError(t, tasks.ProcessWithdrawTransactions(
			testDB, client, tasks.Config{}, currency.Ticker))

		// the send already happened, so the rows must still move to sent
		sent, err := withdrawals.GetSentByTxid(testDB, currency.ID, txid)
		require.NoError(t, err)
		require.Len(t, sent, 1)
		require.True(t, sent[0].Fee.IsZero())

		updated := getWalletOrFail(t, wallet.ID)
		requireAmount(t, "0.5", updated.Balance)
		require.True(t, updated.Holded.IsZero())
	})

	t.Run("full-balance withdrawal still settles when the fee cannot be covered", func(t *testing.T) {
		currency := createCurrencyOrFail(t, 2)
		wallet := createWalletOrFail(t, currency)
		fundWalletOrFail(t, wallet, "1")

		// nothing spendable remains to take the fee share from
		_, err := wallet.WithdrawToAddress(testDB, addressGenesis,
			decimal.RequireFromString("1"), "")
		require.NoError(t, err)

		txid := genTxid()
		client := feeClient(txid, "0.0001")
		require.NoError(t, tasks.ProcessWithdrawTransactions(
			testDB, client, tasks.Config{}, currency.Ticker))

		// the row moved to sent with the actual network fee recorded
		sent, err := withdrawals.GetSentByTxid(testDB, currency.ID, txid)
		require.NoError(t, err)
		require.Len(t, sent, 1)
		require.Equal(t, withdrawals.StateSent, sent[0].State)
		requireAmount(t, "0.0001", sent[0].Fee)

		// the fee deduction is capped at the spendable balance
		updated := getWalletOrFail(t, wallet.ID)
		require.True(t, updated.Balance.IsZero())
		require.True(t, updated.Holded.IsZero())

		ops, err := wallets.GetOperations(testDB, wallet.ID)
		require.NoError(t, err)
		feeOp := ops[len(ops)-1]
		require.Equal(t, "Network fee", feeOp.Description)
		require.True(t, feeOp.Balance.IsZero())
		requireAmount(t, "-1", feeOp.Holded)

		// above all, the next tick must not broadcast the batch again
		require.NoError(t, tasks.ProcessWithdrawTransactions(
			testDB, client, tasks.Config{}, currency.Ticker))
		require.Len(t, client.SendManyCalls, 1)
	})

	t.Run("fee deduction is capped at what the wallet has left", func(t *testing.T) {
		currency := createCurrencyOrFail(t, 2)
		wallet := createWalletOrFail(t, currency)
		fundWalletOrFail(t, wallet, "0.50000002")

		_, err := wallet.WithdrawToAddress(testDB, addressGenesis,
			decimal.RequireFromString("0.5"), "")
		require.NoError(t, err)

		txid := genTxid()
		client := feeClient(txid, "0.0001")
		require.NoError(t, tasks.ProcessWithdrawTransactions(
			testDB, client, tasks.Config{}, currency.Ticker))

		sent, err := withdrawals.GetSentByTxid(testDB, currency.ID, txid)
		require.NoError(t, err)
		require.Len(t, sent, 1)

		updated := getWalletOrFail(t, wallet.ID)
		require.True(t, updated.Balance.IsZero())
		require.True(t, updated.Holded.IsZero())

		ops, err := wallets.GetOperations(testDB, wallet.ID)
		require.NoError(t, err)
		feeOp := ops[len(ops)-1]
		requireAmount(t, "-0.00000002", feeOp.Balance)
		requireAmount(t, "-0.5", feeOp.Holded)
	})

	t.Run("a second run does not resend", func(t *testing.T) {
		currency := createCurrencyOrFail(t, 2)
		wallet := createWalletOrFail(t, currency)
		fundWalletOrFail(t, wallet, "1")

		_, err := wallet.WithdrawToAddress(testDB, addressGenesis,
			decimal.RequireFromString("0.5"), "")
		require.NoError(t, err)

		client := feeClient(genTxid(), "0.0001")
		require.NoError(t, tasks.ProcessWithdrawTransactions(
			testDB, client, tasks.Config{}, currency.Ticker))
		require.NoError(t, tasks.ProcessWithdrawTransactions(
			testDB, client, tasks.Config{}, currency.Ticker))

		require.Len(t, client.SendManyCalls, 1)
	})
}
