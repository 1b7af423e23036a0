package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/subcommands"

	"ledger/internal/commands"
	"ledger/internal/config"
	"ledger/internal/core"
	applog "ledger/internal/log"
	"ledger/internal/services"
	"ledger/internal/storage"
)

var (
	dbPath  string
	verbose bool

	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

var ledgerCommands = []subcommands.Command{
	&invokeCmd{},
	&accountsCmd{},
	&verifyCmd{},
	&rebuildCmd{},
}

func defaultDBPath() string {
	if p := os.Getenv("LEDGER_DB_PATH"); p != "" {
		return p
	}
	return config.Default().DBPath
}

// openEngine opens the database without an event publisher.
func openEngine() (*services.Engine, error) {
	level := applog.ParseLevel("WARN")
	if verbose {
		level = applog.ParseLevel("DEBUG")
	}
	applog.SetDefault(applog.New(applog.Config{Level: level, Output: stderr, Component: applog.ComponentCLI}))

	repo, err := storage.NewSQLiteRepository(dbPath)
	if err != nil {
		return nil, err
	}
	return services.NewEngine(repo, services.Options{}), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// fail prints err with its kind.
func fail(err error) subcommands.ExitStatus {
	fmt.Fprintf(stderr, "error (%s): %v\n", core.Kind(err), err)
	return subcommands.ExitFailure
}

type invokeCmd struct{}

func (*invokeCmd) Name() string     { return "invoke" }
func (*invokeCmd) Synopsis() string { return "run a ledger command with a JSON payload" }
func (*invokeCmd) Usage() string {
	return `ledgerctl invoke <command> [json payload | -]

  Runs one command and prints its JSON result. With "-" the payload is read
  from standard input. Run "ledgerctl invoke list" for the command names.
`
}
func (*invokeCmd) SetFlags(*flag.FlagSet) {}

func (*invokeCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() < 1 || f.NArg() > 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	engine, err := openEngine()
	if err != nil {
		return fail(err)
	}
	defer engine.Close()
	d := commands.NewDispatcher(engine)

	name := f.Arg(0)
	if name == "list" {
		fmt.Fprintln(stdout, strings.Join(d.Commands(), "\n"))
		return subcommands.ExitSuccess
	}

	var payload []byte
	switch arg := f.Arg(1); arg {
	case "":
	case "-":
		if payload, err = io.ReadAll(os.Stdin); err != nil {
			return fail(err)
		}
	default:
		payload = []byte(arg)
	}

	result, err := d.Dispatch(ctx, name, payload)
	if err != nil {
		return fail(err)
	}
	if err := printJSON(result); err != nil {
		return fail(err)
	}
	return subcommands.ExitSuccess
}

type accountsCmd struct{}

func (*accountsCmd) Name() string           { return "accounts" }
func (*accountsCmd) Synopsis() string       { return "list accounts with their balances" }
func (*accountsCmd) Usage() string          { return "ledgerctl accounts\n" }
func (*accountsCmd) SetFlags(*flag.FlagSet) {}

func (*accountsCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	engine, err := openEngine()
	if err != nil {
		return fail(err)
	}
	defer engine.Close()

	accounts, err := engine.Accounts.List(ctx)
	if err != nil {
		return fail(err)
	}

	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "ID\tName\tType\tBalance\t")
	for _, a := range accounts {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t\n", a.ID, a.Name, a.AccountType, a.Balance.Display())
	}
	if err := w.Flush(); err != nil {
		return fail(err)
	}
	return subcommands.ExitSuccess
}

type verifyCmd struct {
	repair bool
}

func (*verifyCmd) Name() string     { return "verify" }
func (*verifyCmd) Synopsis() string { return "check stored balances against the transaction log" }
func (*verifyCmd) Usage() string {
	return `ledgerctl verify [-repair]

  Exits with status 1 when a balance differs from the sum of its account's
  transactions.
`
}

func (c *verifyCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.repair, "repair", false, "rewrite drifted balances from the transaction log")
}

func (c *verifyCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	engine, err := openEngine()
	if err != nil {
		return fail(err)
	}
	defer engine.Close()

	verify := engine.Verify
	if c.repair {
		verify = engine.Rebuild
	}
	drifts, err := verify(ctx)
	if err != nil {
		return fail(err)
	}
	printDrifts(drifts)
	if len(drifts) > 0 && !c.repair {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type rebuildCmd struct{}

func (*rebuildCmd) Name() string           { return "rebuild" }
func (*rebuildCmd) Synopsis() string       { return "recompute every balance from the transaction log" }
func (*rebuildCmd) Usage() string          { return "ledgerctl rebuild\n" }
func (*rebuildCmd) SetFlags(*flag.FlagSet) {}

func (*rebuildCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	engine, err := openEngine()
	if err != nil {
		return fail(err)
	}
	defer engine.Close()

	drifts, err := engine.Rebuild(ctx)
	if err != nil {
		return fail(err)
	}
	applog.For(applog.ComponentCommands).Debug("Rebuild finished", applog.FieldOperation, applog.OpRebuild, "drifted_accounts", len(drifts))
	printDrifts(drifts)
	return subcommands.ExitSuccess
}

func printDrifts(drifts []core.BalanceDrift) {
	if len(drifts) == 0 {
		fmt.Fprintln(stdout, "ledger is consistent")
		return
	}
	for _, d := range drifts {
		fmt.Fprintf(stdout, "account %d: stored %s, transactions sum to %s\n", d.AccountID, d.Cached.Display(), d.Replayed.Display())
	}
}
