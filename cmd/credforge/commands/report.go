package commands

import (
	"github.com/alecthomas/kingpin/v2"
)

// NewReportCommand returns the parent report command, subcommands hang from
// it.
func NewReportCommand(app *kingpin.Application) *kingpin.CmdClause {
	return app.Command("report", "Inspect past runs.")
}
