// Command ledgerctl runs ledger commands directly against a database file.
package main

import (
	"context"
	"flag"
	"os"
	"path"

	"github.com/google/subcommands"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")
	commander.Register(commander.CommandsCommand(), "")

	for _, c := range ledgerCommands {
		commander.Register(c, "ledger")
	}

	flag.StringVar(&dbPath, "db", defaultDBPath(), "path to the ledger database (env LEDGER_DB_PATH)")
	flag.BoolVar(&verbose, "v", false, "log at debug level to stderr")
	flag.Parse()
	os.Exit(int(commander.Execute(context.Background())))
}
