package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/credforge/internal/printer"
	"github.com/slok/credforge/internal/storage/sqlite"
)

type VerificationListCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	format string
}

// NewVerificationListCommand returns the verification list command.
func NewVerificationListCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *VerificationListCommand {
	c := &VerificationListCommand{rootCmd: rootCmd}

	c.Cmd = parent.Command("list", "List verification delegations.")
	c.Cmd.Flag("format", "Output format (table, json).").Default("table").EnumVar(&c.format, "table", "json")

	return c
}

func (c VerificationListCommand) Name() string { return c.Cmd.FullCommand() }

func (c VerificationListCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	// Initialize storage (SQLite).
	repo, err := sqlite.NewRepository(ctx, sqlite.RepositoryConfig{
		DBPath: c.rootCmd.DBPath,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("could not create repository: %w", err)
	}
	defer repo.Close()

	records, err := repo.ListVerificationRecords(ctx)
	if err != nil {
		return fmt.Errorf("could not list verifications: %w", err)
	}

	// Print output.
	var p printer.Printer
	switch c.format {
	case "json":
		p = printer.NewJSONPrinter(c.rootCmd.Stdout)
	default: // table
		p = printer.NewTablePrinter(c.rootCmd.Stdout)
	}

	if err := p.PrintVerificationList(records); err != nil {
		return fmt.Errorf("could not print verifications: %w", err)
	}

	return nil
}
