package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/credforge/internal/batch"
	"github.com/slok/credforge/internal/browser"
	browserdocker "github.com/slok/credforge/internal/browser/docker"
	browserfake "github.com/slok/credforge/internal/browser/fake"
	"github.com/slok/credforge/internal/browser/webdriver"
	"github.com/slok/credforge/internal/challenge"
	"github.com/slok/credforge/internal/log"
	"github.com/slok/credforge/internal/model"
	"github.com/slok/credforge/internal/printer"
	"github.com/slok/credforge/internal/rules"
	"github.com/slok/credforge/internal/step"
	"github.com/slok/credforge/internal/storage"
	storageio "github.com/slok/credforge/internal/storage/io"
	"github.com/slok/credforge/internal/storage/memory"
	"github.com/slok/credforge/internal/storage/sqlite"
	"github.com/slok/credforge/internal/verify"
)

type RunCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	// Required flags.
	accountsPath string

	// Optional flags.
	configPath  string
	browserType string
	remoteURL   string
	image       string
	downloadDir string
	format      string
	noDB        bool
}

// NewRunCommand returns the run command.
func NewRunCommand(rootCmd *RootCommand, app *kingpin.Application) *RunCommand {
	c := &RunCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("run", "Provision OAuth credentials for a batch of accounts.")

	// Required flags.
	c.Cmd.Flag("accounts", "Path to the accounts file (one email:secret per line).").Short('a').Required().StringVar(&c.accountsPath)

	// Optional flags.
	c.Cmd.Flag("config", "Path to the run configuration YAML file.").Short('c').StringVar(&c.configPath)
	c.Cmd.Flag("browser", "Browser backend (docker, webdriver, fake).").Default("docker").EnumVar(&c.browserType, "docker", "webdriver", "fake")
	c.Cmd.Flag("remote-url", "WebDriver endpoint URL (required for webdriver backend).").StringVar(&c.remoteURL)
	c.Cmd.Flag("image", "Browser container image (docker backend).").StringVar(&c.image)
	c.Cmd.Flag("download-dir", "Directory where credential files are downloaded.").StringVar(&c.downloadDir)
	c.Cmd.Flag("format", "Output format (table, json).").Default("table").EnumVar(&c.format, "table", "json")
	c.Cmd.Flag("no-db", "Do not persist the run, keep records in memory only.").BoolVar(&c.noDB)

	return c
}

func (c RunCommand) Name() string { return c.Cmd.FullCommand() }

func (c RunCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	// Load and validate all inputs before anything expensive happens.
	cfg, accounts, err := loadRunInputs(ctx, c.configPath, c.accountsPath)
	if err != nil {
		return err
	}

	// Initialize storage.
	var repo storage.Repository
	if c.noDB {
		repo, err = memory.NewRepository(memory.RepositoryConfig{Logger: logger})
		if err != nil {
			return fmt.Errorf("could not create repository: %w", err)
		}
	} else {
		sqliteRepo, err := sqlite.NewRepository(ctx, sqlite.RepositoryConfig{
			DBPath: c.rootCmd.DBPath,
			Logger: logger,
		})
		if err != nil {
			return fmt.Errorf("could not create repository: %w", err)
		}
		defer sqliteRepo.Close()
		repo = sqliteRepo
	}

	// Initialize browser backend.
	launcher, err := c.newLauncher(cfg, logger)
	if err != nil {
		return fmt.Errorf("could not create browser launcher: %w", err)
	}

	executor, err := step.NewExecutor(step.ExecutorConfig{
		DefaultTimeout:     cfg.StepTimeout,
		DefaultMaxAttempts: cfg.MaxRetries,
		Logger:             logger,
	})
	if err != nil {
		return fmt.Errorf("could not create step executor: %w", err)
	}

	detector, err := challenge.NewDetector(challenge.DetectorConfig{
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("could not create challenge detector: %w", err)
	}

	delegate, err := verify.NewDelegate(verify.DelegateConfig{
		Launcher:     launcher,
		Executor:     executor,
		Guard:        verify.NewApproverGuard(cfg.ApproverBusyFailFast),
		Repository:   repo,
		SubjectRules: mustParsedSet(cfg.SubjectPatterns),
		SenderRules:  mustParsedSet(cfg.SenderPatterns),
		LinkRules:    mustParsedSet(cfg.LinkPatterns),
		CodeRules:    mustParsedSet(cfg.CodePatterns),
		PollInterval: cfg.PollInterval,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("could not create verification delegate: %w", err)
	}

	coordinator, err := batch.NewCoordinator(batch.CoordinatorConfig{
		Launcher:            launcher,
		Executor:            executor,
		Detector:            detector,
		Delegate:            delegate,
		Approvers:           cfg.Approvers,
		Repository:          repo,
		ConcurrencyLimit:    cfg.ConcurrencyLimit,
		VerificationTimeout: cfg.VerificationTimeout,
		AppName:             cfg.AppName,
		Logger:              logger,
	})
	if err != nil {
		return fmt.Errorf("could not create batch coordinator: %w", err)
	}

	// Periodic progress while the batch runs.
	progressCtx, progressCancel := context.WithCancel(ctx)
	defer progressCancel()
	go reportProgress(progressCtx, coordinator, logger)

	report, err := coordinator.RunBatch(ctx, accounts)
	if err != nil {
		return fmt.Errorf("could not run batch: %w", err)
	}
	progressCancel()

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

	counts := report.Counts()
	if counts.Failed > 0 {
		return fmt.Errorf("%d of %d accounts failed", counts.Failed, counts.Total)
	}

	return nil
}

func (c RunCommand) newLauncher(cfg model.RunConfig, logger log.Logger) (browser.Launcher, error) {
	switch c.browserType {
	case "webdriver":
		if c.remoteURL == "" {
			return nil, fmt.Errorf("--remote-url is required when using the webdriver backend")
		}
		return webdriver.NewLauncher(webdriver.LauncherConfig{
			RemoteURL:   c.remoteURL,
			DownloadDir: c.downloadDir,
			Logger:      logger,
		})
	case "fake":
		return browserfake.NewLauncher(browserfake.LauncherConfig{
			World:  browserfake.ConsoleWorld(cfg.AppName),
			Logger: logger,
		})
	default: // docker
		return browserdocker.NewLauncher(browserdocker.LauncherConfig{
			Image:       c.image,
			DownloadDir: c.downloadDir,
			Logger:      logger,
		})
	}
}

// loadRunInputs loads and validates the run configuration and the accounts
// file.
func loadRunInputs(ctx context.Context, configPath, accountsPath string) (model.RunConfig, []model.Account, error) {
	var cfg model.RunConfig
	if configPath != "" {
		dir, file := filepath.Split(configPath)
		if dir == "" {
			dir = "."
		}
		repo := storageio.NewConfigYAMLRepository(os.DirFS(dir))
		var err error
		cfg, err = repo.GetRunConfig(ctx, file)
		if err != nil {
			return model.RunConfig{}, nil, fmt.Errorf("could not load configuration: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return model.RunConfig{}, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	dir, file := filepath.Split(accountsPath)
	if dir == "" {
		dir = "."
	}
	accountsRepo := storageio.NewAccountListRepository(os.DirFS(dir))
	accounts, err := accountsRepo.GetAccounts(ctx, file)
	if err != nil {
		return model.RunConfig{}, nil, fmt.Errorf("could not load accounts: %w", err)
	}

	return cfg, accounts, nil
}

// mustParsedSet converts pattern strings already validated by the config
// loader. Empty lists return nil so package defaults apply.
func mustParsedSet(patterns []string) *rules.Set {
	if len(patterns) == 0 {
		return nil
	}
	return rules.MustParseSet(patterns)
}

// reportProgress logs running counts until the batch finishes.
func reportProgress(ctx context.Context, coordinator *batch.Coordinator, logger log.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			counts := coordinator.Counts()
			logger.Infof("progress: %d in flight, %d succeeded, %d failed, %d total",
				counts.InProgress, counts.Succeeded, counts.Failed, counts.Total)
		case <-ctx.Done():
			return
		}
	}
}
