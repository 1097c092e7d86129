package actions

import (
	"github.com/urfave/cli"

	"gitlab.com/arcanecrypto/coinledger/cmd/cld/flags"
	"gitlab.com/arcanecrypto/coinledger/db"
	"gitlab.com/arcanecrypto/coinledger/models/currencies"
	"gitlab.com/arcanecrypto/coinledger/tasks"
)

var tickerFlag = cli.StringFlag{
	Name:  "ticker",
	Usage: "Currency ticker to operate on. Empty means every registered currency.",
}

// Tasks returns the periodic task commands the external scheduler
// invokes: the batched withdrawal sender, the since-block reconciliation
// scan, the address pool refill and the walletnotify hook.
func Tasks() cli.Command {
	return cli.Command{
		Name:  "tasks",
		Usage: "Periodic ledger tasks, meant to be invoked from cron or walletnotify",
		Flags: flags.Concat(flags.Db, flags.Tasks),
		Subcommands: []cli.Command{
			{
				Name:  "withdrawals",
				Usage: "Coalesce and broadcast the pending withdrawal batch",
				Flags: []cli.Flag{tickerFlag},
				Action: func(c *cli.Context) error {
					return withTaskContext(c, func(d *db.DB, cfg tasks.Config, factory tasks.ClientFactory) error {
						return forEachCurrency(d, c.String("ticker"), func(currency currencies.Currency) error {
							client, err := factory(currency)
							if err != nil {
								return err
							}
							return tasks.ProcessWithdrawTransactions(d, client, cfg, currency.Ticker)
						})
					})
				},
			},
			{
				Name:  "sync",
				Usage: "Reconcile the ledger against the chain since the last scanned block",
				Flags: []cli.Flag{tickerFlag},
				Action: func(c *cli.Context) error {
					return withTaskContext(c, func(d *db.DB, cfg tasks.Config, factory tasks.ClientFactory) error {
						return forEachCurrency(d, c.String("ticker"), func(currency currencies.Currency) error {
							client, err := factory(currency)
							if err != nil {
								return err
							}
							return tasks.QueryTransactions(d, client, cfg, currency.Ticker)
						})
					})
				},
			},
			{
				Name:  "refill",
				Usage: "Top up the pool of unassigned receive addresses",
				Action: func(c *cli.Context) error {
					return withTaskContext(c, func(d *db.DB, cfg tasks.Config, factory tasks.ClientFactory) error {
						return tasks.RefillAddressesQueue(d, factory, cfg)
					})
				},
			},
			{
				Name:      "notify",
				Usage:     "Process one transaction, meant as the node's walletnotify hook",
				ArgsUsage: "TICKER TXID",
				Action: func(c *cli.Context) error {
					if c.NArg() != 2 {
						return cli.NewExitError("usage: notify TICKER TXID", 22)
					}
					ticker, txid := c.Args().Get(0), c.Args().Get(1)
					return withTaskContext(c, func(d *db.DB, cfg tasks.Config, factory tasks.ClientFactory) error {
						currency, err := currencies.GetByTicker(d, ticker)
						if err != nil {
							return err
						}
						client, err := factory(currency)
						if err != nil {
							return err
						}
						return tasks.QueryTransaction(d, client, cfg, currency.Ticker, txid)
					})
				},
			},
		},
	}
}

// withTaskContext opens the DB and builds the task configuration and
// node client factory, closing the DB when the action returns.
func withTaskContext(c *cli.Context,
	action func(*db.DB, tasks.Config, tasks.ClientFactory) error) (err error) {

	database, err := db.Open(flags.ReadDbConf(c))
	if err != nil {
		return err
	}
	defer func() {
		if dbErr := database.Close(); dbErr != nil {
			err = dbErr
		}
	}()

	cfg := flags.ReadTaskConf(c)
	return action(database, cfg, tasks.NodeClientFactory(cfg))
}

func forEachCurrency(d *db.DB, ticker string,
	action func(currencies.Currency) error) error {

	if ticker != "" {
		currency, err := currencies.GetByTicker(d, ticker)
		if err != nil {
			return err
		}
		return action(currency)
	}

	all, err := currencies.GetAll(d)
	if err != nil {
		return err
	}
	for _, currency := range all {
		if err := action(currency); err != nil {
			return err
		}
	}
	return nil
}
