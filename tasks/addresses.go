package tasks

import (
	"github.com/sirupsen/logrus"

	"gitlab.com/arcanecrypto/coinledger/db"
	"gitlab.com/arcanecrypto/coinledger/models/addresses"
	"gitlab.com/arcanecrypto/coinledger/models/currencies"
)

// RefillAddressesQueue tops up the pool of unassigned receive addresses
// for every known currency until it holds cfg.AddressQueueTarget
// entries. Insert collisions on the (address, currency) uniqueness
// constraint are swallowed, which makes the refill idempotent.
func RefillAddressesQueue(d *db.DB, factory ClientFactory, cfg Config) error {
	cfg = cfg.WithDefaults()

	all, err := currencies.GetAll(d)
	if err != nil {
		return err
	}

	for _, currency := range all {
		client, err := factory(currency)
		if err != nil {
			log.WithError(err).WithField("ticker", currency.Ticker).
				Error("Could not connect to node, skipping refill")
			continue
		}

		created := 0
		for {
			count, err := addresses.CountUnassigned(d, currency.ID)
			if err != nil {
				return err
			}
			if count >= cfg.AddressQueueTarget {
				break
			}

			address, err := client.GetNewAddress(cfg.Account)
			if err != nil {
				log.WithError(err).WithField("ticker", currency.Ticker).
					Error("getnewaddress failed, aborting refill for currency")
				break
			}

			_, err = addresses.Insert(d, addresses.Address{
				Address:    address,
				CurrencyID: currency.ID,
			})
			switch err {
			case nil:
				created++
			case addresses.ErrAddressExists:
				// the node handed out an address we already track
				continue
			default:
				return err
			}
		}

		if created > 0 {
			log.WithFields(logrus.Fields{
				"ticker":  currency.Ticker,
				"created": created,
			}).Info("Refilled address queue")
		}
	}

	return nil
}
