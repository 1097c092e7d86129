package testutil

import (
	"os"
	"testing"

	"gitlab.com/arcanecrypto/coinledger/build"
)

var log = build.AddSubLogger("TEST")

// SkipIfCI skips the given test if we're running on CI
func SkipIfCI(t *testing.T) {
	if os.Getenv("CI") != "" {
		t.Skip("Skipping test on CI")
	}
}
