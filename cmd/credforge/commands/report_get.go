package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/credforge/internal/printer"
	"github.com/slok/credforge/internal/storage/sqlite"
)

type ReportGetCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	runID  string
	format string
}

// NewReportGetCommand returns the report get command.
func NewReportGetCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *ReportGetCommand {
	c := &ReportGetCommand{rootCmd: rootCmd}

	c.Cmd = parent.Command("get", "Show a past run report.")
	c.Cmd.Arg("run-id", "ID of the run.").Required().StringVar(&c.runID)
	c.Cmd.Flag("format", "Output format (table, json).").Default("table").EnumVar(&c.format, "table", "json")

	return c
}

func (c ReportGetCommand) Name() string { return c.Cmd.FullCommand() }

func (c ReportGetCommand) Run(ctx context.Context) error {
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

	report, err := repo.GetRunReport(ctx, c.runID)
	if err != nil {
		return fmt.Errorf("could not get run %s: %w", c.runID, err)
	}

	// Print output.
	var p printer.Printer
	switch c.format {
	case "json":
		p = printer.NewJSONPrinter(c.rootCmd.Stdout)
	default: // table
		p = printer.NewTablePrinter(c.rootCmd.Stdout)
	}

	if err := p.PrintRunReport(*report); err != nil {
		return fmt.Errorf("could not print report: %w", err)
	}

	return nil
}
