// Package validation checks destination addresses against the
// base58check version bytes a currency accepts.
package validation

import (
	"strconv"
	"strings"

	"github.com/btcsuite/btcutil/base58"
)

// AddressValidator decides whether an address string is acceptable for
// a currency. Pluggable so exotic chains can bring their own rules.
type AddressValidator func(magicbytes string, address string) bool

// IsValidAddress reports whether the address base58check-decodes to one
// of the version bytes in the comma-separated magicbytes list.
func IsValidAddress(magicbytes string, address string) bool {
	_, version, err := base58.CheckDecode(address)
	if err != nil {
		return false
	}

	for _, magic := range strings.Split(magicbytes, ",") {
		parsed, err := strconv.ParseUint(strings.TrimSpace(magic), 10, 8)
		if err != nil {
			continue
		}
		if byte(parsed) == version {
			return true
		}
	}
	return false
}
