package currencies_test

import (
	"encoding/hex"
	"math/rand"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit"
	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcanecrypto/coinledger/build"
	"gitlab.com/arcanecrypto/coinledger/db"
	"gitlab.com/arcanecrypto/coinledger/models/currencies"
	"gitlab.com/arcanecrypto/coinledger/testutil"
)

var (
	databaseConfig = testutil.GetDatabaseConfig("currencies")
	testDB         *db.DB
)

func TestMain(m *testing.M) {
	build.SetLogLevels(logrus.ErrorLevel)

	gofakeit.Seed(time.Now().UnixNano())
	rand.Seed(time.Now().UnixNano())

	testDB = testutil.InitDatabase(databaseConfig)

	result := m.Run()

	if err := testDB.Close(); err != nil {
		panic(err.Error())
	}

	os.Exit(result)
}

func genTicker() string {
	p := make([]byte, 4)
	_, _ = rand.Read(p)
	return hex.EncodeToString(p)
}

func genCurrency() currencies.Currency {
	return currencies.Currency{
		Ticker:                genTicker(),
		Label:                 gofakeit.Word(),
		MagicByte:             "0,5",
		APIURL:                gofakeit.URL(),
		Dust:                  decimal.RequireFromString("0.0000543"),
		ConfirmationsRequired: gofakeit.Number(1, 6),
	}
}

func TestInsertAndGet(t *testing.T) {
	t.Parallel()

	t.Run("round-trips through the database", func(t *testing.T) {
		t.Parallel()
		currency := genCurrency()

		inserted, err := currencies.Insert(testDB, currency)
		require.NoError(t, err)
		require.NotZero(t, inserted.ID)

		found, err := currencies.GetByTicker(testDB, currency.Ticker)
		require.NoError(t, err)

		if diff := cmp.Diff(inserted, found); diff != "" {
			t.Fatalf("inserted and fetched currency differ: %s", diff)
		}

		byID, err := currencies.GetByID(testDB, inserted.ID)
		require.NoError(t, err)
		require.Equal(t, inserted.Ticker, byID.Ticker)
	})

	t.Run("ticker lookup is case-insensitive", func(t *testing.T) {
		t.Parallel()
		currency := genCurrency()

		inserted, err := currencies.Insert(testDB, currency)
		require.NoError(t, err)

		found, err := currencies.GetByTicker(testDB, strings.ToUpper(currency.Ticker))
		require.NoError(t, err)
		require.Equal(t, inserted.ID, found.ID)
	})

	t.Run("missing ticker yields the sentinel", func(t *testing.T) {
		t.Parallel()
		_, err := currencies.GetByTicker(testDB, genTicker())
		require.Equal(t, currencies.ErrCurrencyNotFound, err)
	})

	t.Run("defaults are applied on insert", func(t *testing.T) {
		t.Parallel()
		currency := genCurrency()
		currency.MagicByte = ""
		currency.ConfirmationsRequired = 0

		inserted, err := currencies.Insert(testDB, currency)
		require.NoError(t, err)
		require.Equal(t, "0", inserted.MagicByte)
		require.Equal(t, 2, inserted.ConfirmationsRequired)
	})
}

func TestUpdateLastBlockHash(t *testing.T) {
	t.Parallel()

	inserted, err := currencies.Insert(testDB, genCurrency())
	require.NoError(t, err)
	require.Nil(t, inserted.LastBlockHash)

	require.NoError(t, currencies.UpdateLastBlockHash(testDB, inserted.ID, "0000abcd"))

	found, err := currencies.GetByID(testDB, inserted.ID)
	require.NoError(t, err)
	require.NotNil(t, found.LastBlockHash)
	require.Equal(t, "0000abcd", *found.LastBlockHash)

	require.Equal(t, currencies.ErrCurrencyNotFound,
		currencies.UpdateLastBlockHash(testDB, -1, "0000abcd"))
}
