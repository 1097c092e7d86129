package tasks_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcanecrypto/coinledger/coind"
	"gitlab.com/arcanecrypto/coinledger/models/addresses"
	"gitlab.com/arcanecrypto/coinledger/models/currencies"
	"gitlab.com/arcanecrypto/coinledger/tasks"
	"gitlab.com/arcanecrypto/coinledger/testutil/coindtestutil"
)

func TestQueryTransactions(t *testing.T) {

	t.Run("replays the listing and advances the cursor", func(t *testing.T) {
		currency := createCurrencyOrFail(t, 2)
		wallet := createWalletOrFail(t, currency)
		first := createAssignedAddressOrFail(t, currency, wallet)
		second := createAssignedAddressOrFail(t, currency, wallet)
		third := createAssignedAddressOrFail(t, currency, wallet)
		txid := genTxid()

		// one chain transaction shows up once per affected address, so a
		// single txid carries several receive entries with its own send
		// entries mixed in between
		client := &coindtestutil.MockClient{
			GetBlockCountFunc: func() (int64, error) { return 100, nil },
			GetBlockHashFunc: func(height int64) (string, error) {
				require.Equal(t, int64(98), height)
				return "stablehash", nil
			},
			ListSinceBlockFunc: func(blockhash string) (coind.SinceBlock, error) {
				return coind.SinceBlock{
					Transactions: []coind.SinceBlockEntry{
						{
							Category:      coind.CategoryReceive,
							Address:       first,
							Amount:        decimal.RequireFromString("100.50000001"),
							Txid:          txid,
							Confirmations: 3,
						},
						{
							// our own change coming back in the same tx
							Category:      coind.CategorySend,
							Address:       addressGenesis,
							Amount:        decimal.RequireFromString("-1"),
							Txid:          txid,
							Confirmations: 3,
						},
						{
							Category:      coind.CategoryReceive,
							Address:       second,
							Amount:        decimal.RequireFromString("400.1"),
							Txid:          txid,
							Confirmations: 3,
						},
						{
							Category:      coind.CategoryReceive,
							Address:       third,
							Amount:        decimal.RequireFromString("75.56491629"),
							Txid:          txid,
							Confirmations: 3,
						},
						{
							// somebody else's address
							Category:      coind.CategoryReceive,
							Address:       genString(),
							Amount:        decimal.RequireFromString("5"),
							Txid:          genTxid(),
							Confirmations: 3,
						},
					},
					LastBlock: "tiphash",
				}, nil
			},
		}

		require.NoError(t, tasks.QueryTransactions(testDB, client, tasks.Config{}, currency.Ticker))

		// first scan starts from genesis
		require.Equal(t, []string{""}, client.ListSinceBlockCalls)

		updated := getWalletOrFail(t, wallet.ID)
		requireAmount(t, "576.1649163", updated.Balance)

		refreshed, err := currencies.GetByTicker(testDB, currency.Ticker)
		require.NoError(t, err)
		require.NotNil(t, refreshed.LastBlockHash)
		require.Equal(t, "stablehash", *refreshed.LastBlockHash)

		// a second, overlapping scan starts from the cursor and must
		// not double-credit
		require.NoError(t, tasks.QueryTransactions(testDB, client, tasks.Config{}, currency.Ticker))
		require.Equal(t, []string{"", "stablehash"}, client.ListSinceBlockCalls)

		updated = getWalletOrFail(t, wallet.ID)
		requireAmount(t, "576.1649163", updated.Balance)
	})

	t.Run("cursor stays put when an entry fails", func(t *testing.T) {
		currency := createCurrencyOrFail(t, 2)
		wallet := createWalletOrFail(t, currency)
		address := createAssignedAddressOrFail(t, currency, wallet)

		client := &coindtestutil.MockClient{
			GetBlockCountFunc: func() (int64, error) { return 100, nil },
			ListSinceBlockFunc: func(blockhash string) (coind.SinceBlock, error) {
				return coind.SinceBlock{
					Transactions: []coind.SinceBlockEntry{{
						Category:      "orphan",
						Address:       address,
						Amount:        decimal.RequireFromString("1"),
						Txid:          genTxid(),
						Confirmations: 3,
					}},
				}, nil
			},
		}

		require.Error(t, tasks.QueryTransactions(testDB, client, tasks.Config{}, currency.Ticker))

		refreshed, err := currencies.GetByTicker(testDB, currency.Ticker)
		require.NoError(t, err)
		require.Nil(t, refreshed.LastBlockHash)
	})

	t.Run("low tip never asks for a negative height", func(t *testing.T) {
		currency := createCurrencyOrFail(t, 6)

		client := &coindtestutil.MockClient{
			GetBlockCountFunc: func() (int64, error) { return 3, nil },
			GetBlockHashFunc: func(height int64) (string, error) {
				require.Equal(t, int64(0), height)
				return "genesishash", nil
			},
		}
		require.NoError(t, tasks.QueryTransactions(testDB, client, tasks.Config{}, currency.Ticker))
	})
}

func TestQueryTransaction(t *testing.T) {

	t.Run("credits every receive detail of the envelope", func(t *testing.T) {
		currency := createCurrencyOrFail(t, 2)
		first := createWalletOrFail(t, currency)
		second := createWalletOrFail(t, currency)
		firstAddress := createAssignedAddressOrFail(t, currency, first)
		secondAddress := createAssignedAddressOrFail(t, currency, second)
		txid := genTxid()

		client := &coindtestutil.MockClient{
			GetTransactionFunc: func(got string) (coind.TxEnvelope, error) {
				return coind.TxEnvelope{
					Txid:          got,
					Confirmations: 3,
					Details: []coind.TxDetail{
						{
							Category: coind.CategoryReceive,
							Address:  firstAddress,
							Amount:   decimal.RequireFromString("1"),
						},
						{
							Category: coind.CategoryReceive,
							Address:  secondAddress,
							Amount:   decimal.RequireFromString("2"),
						},
						{
							Category: coind.CategorySend,
							Address:  addressGenesis,
							Amount:   decimal.RequireFromString("-3"),
						},
					},
				}, nil
			},
		}

		require.NoError(t, tasks.QueryTransaction(
			testDB, client, tasks.Config{}, currency.Ticker, txid))
		require.Equal(t, []string{txid}, client.GetTransactionCalls)

		requireAmount(t, "1", getWalletOrFail(t, first.ID).Balance)
		requireAmount(t, "2", getWalletOrFail(t, second.ID).Balance)

		// walletnotify fires repeatedly for the same txid
		require.NoError(t, tasks.QueryTransaction(
			testDB, client, tasks.Config{}, currency.Ticker, txid))
		requireAmount(t, "1", getWalletOrFail(t, first.ID).Balance)
		requireAmount(t, "2", getWalletOrFail(t, second.ID).Balance)
	})

	t.Run("unknown ticker errors before touching the node", func(t *testing.T) {
		client := &coindtestutil.MockClient{}
		require.Error(t, tasks.QueryTransaction(
			testDB, client, tasks.Config{}, genString(), genTxid()))
		require.Empty(t, client.GetTransactionCalls)
	})
}

func TestRefillAddressesQueue(t *testing.T) {

	t.Run("fills the pool to the target", func(t *testing.T) {
		currency := createCurrencyOrFail(t, 2)

		client := &coindtestutil.MockClient{
			GetNewAddressFunc: func(account string) (string, error) {
				return genString(), nil
			},
		}
		// currencies created by parallel tests have no node here
		factory := func(c currencies.Currency) (coind.Client, error) {
			if c.ID != currency.ID {
				return nil, errors.New("no node configured")
			}
			return client, nil
		}

		cfg := tasks.Config{AddressQueueTarget: 5}
		require.NoError(t, tasks.RefillAddressesQueue(testDB, factory, cfg))

		count, err := addresses.CountUnassigned(testDB, currency.ID)
		require.NoError(t, err)
		require.Equal(t, 5, count)

		// already full, nothing new requested
		calls := client.GetNewAddressCalls
		require.NoError(t, tasks.RefillAddressesQueue(testDB, factory, cfg))
		count, err = addresses.CountUnassigned(testDB, currency.ID)
		require.NoError(t, err)
		require.Equal(t, 5, count)
		require.Equal(t, calls, client.GetNewAddressCalls)
	})

	t.Run("swallows duplicate addresses from the node", func(t *testing.T) {
		currency := createCurrencyOrFail(t, 2)

		duplicate := genString()
		_, err := addresses.Insert(testDB, addresses.Address{
			Address:    duplicate,
			CurrencyID: currency.ID,
		})
		require.NoError(t, err)

		served := 0
		client := &coindtestutil.MockClient{
			GetNewAddressFunc: func(account string) (string, error) {
				served++
				if served == 1 {
					return duplicate, nil
				}
				return genString(), nil
			},
		}
		factory := func(c currencies.Currency) (coind.Client, error) {
			if c.ID != currency.ID {
				return nil, errors.New("no node configured")
			}
			return client, nil
		}

		require.NoError(t, tasks.RefillAddressesQueue(
			testDB, factory, tasks.Config{AddressQueueTarget: 3}))

		count, err := addresses.CountUnassigned(testDB, currency.ID)
		require.NoError(t, err)
		require.Equal(t, 3, count)
	})
}
