package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
)

type options struct{}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.LongDescription = "Watches a token contract for deposits into wallet-derived addresses " +
		"and republishes them to subscribers. Configuration is read from the environment."

	commands := []struct {
		name, short, long string
		data              flags.Commander
	}{
		{"serve", "Run the HTTP API and the deposit pipeline",
			"Unlocks the wallet, connects to the node and serves the HTTP API.", &serveCommand{}},
		{"reveal", "Allocate new receive addresses",
			"Unlocks the wallet and allocates the next receive addresses.", &revealCommand{}},
		{"addresses", "List allocated receive addresses",
			"Lists ledger addresses on the configured derivation path.", &addressesCommand{}},
		{"deposits", "Query historical deposits to an address",
			"Queries the node for token transfers to an address within a block range.", &depositsCommand{}},
	}
	for _, c := range commands {
		if _, err := parser.AddCommand(c.name, c.short, c.long, c.data); err != nil {
			log.WithError(err).Fatal("register command")
		}
	}

	if _, err := parser.Parse(); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, ferr.Message)
			return
		}
		log.WithError(err).Fatal("depositd failed")
	}
}
