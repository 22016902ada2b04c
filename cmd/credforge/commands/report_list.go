package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/credforge/internal/printer"
	"github.com/slok/credforge/internal/storage/sqlite"
)

type ReportListCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	format string
}

// NewReportListCommand returns the report list command.
func NewReportListCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *ReportListCommand {
	c := &ReportListCommand{rootCmd: rootCmd}

	c.Cmd = parent.Command("list", "List past runs.")
	c.Cmd.Flag("format", "Output format (table, json).").Default("table").EnumVar(&c.format, "table", "json")

	return c
}

func (c ReportListCommand) Name() string { return c.Cmd.FullCommand() }

func (c ReportListCommand) Run(ctx context.Context) error {
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

	reports, err := repo.ListRunReports(ctx)
	if err != nil {
		return fmt.Errorf("could not list runs: %w", err)
	}

	// Print output.
	var p printer.Printer
	switch c.format {
	case "json":
		p = printer.NewJSONPrinter(c.rootCmd.Stdout)
	default: // table
		p = printer.NewTablePrinter(c.rootCmd.Stdout)
	}

	if err := p.PrintRunList(reports); err != nil {
		return fmt.Errorf("could not print runs: %w", err)
	}

	return nil
}
