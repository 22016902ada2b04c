package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"
)

type ValidateCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	accountsPath string
	configPath   string
}

// NewValidateCommand returns the validate command.
func NewValidateCommand(rootCmd *RootCommand, app *kingpin.Application) *ValidateCommand {
	c := &ValidateCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("validate", "Validate the run configuration and accounts file without opening any session.")
	c.Cmd.Flag("accounts", "Path to the accounts file (one email:secret per line).").Short('a').Required().StringVar(&c.accountsPath)
	c.Cmd.Flag("config", "Path to the run configuration YAML file.").Short('c').StringVar(&c.configPath)

	return c
}

func (c ValidateCommand) Name() string { return c.Cmd.FullCommand() }

func (c ValidateCommand) Run(ctx context.Context) error {
	cfg, accounts, err := loadRunInputs(ctx, c.configPath, c.accountsPath)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.rootCmd.Stdout, "Configuration is valid.\n")
	fmt.Fprintf(c.rootCmd.Stdout, "  Accounts:  %d\n", len(accounts))
	fmt.Fprintf(c.rootCmd.Stdout, "  Approvers: %d\n", len(cfg.Approvers))

	return nil
}
