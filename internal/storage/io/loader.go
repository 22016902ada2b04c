// Package io loads run configuration and account lists from the filesystem.
package io

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/slok/credforge/internal/model"
	"github.com/slok/credforge/internal/rules"
)

// ConfigYAMLRepository loads run configuration from YAML files.
type ConfigYAMLRepository struct {
	fs fs.FS
}

// NewConfigYAMLRepository creates a new YAML config repository.
func NewConfigYAMLRepository(filesystem fs.FS) *ConfigYAMLRepository {
	return &ConfigYAMLRepository{fs: filesystem}
}

// GetRunConfig loads a run configuration from a YAML file and returns a
// validated domain model.
func (r *ConfigYAMLRepository) GetRunConfig(ctx context.Context, path string) (model.RunConfig, error) {
	data, err := fs.ReadFile(r.fs, path)
	if err != nil {
		return model.RunConfig{}, fmt.Errorf("reading config file: %w", err)
	}

	if ctx.Err() != nil {
		return model.RunConfig{}, ctx.Err()
	}

	var cfg RunConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.RunConfig{}, fmt.Errorf("parsing YAML: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return model.RunConfig{}, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg.toModel(), nil
}

// RunConfig represents the YAML structure of the run configuration.
type RunConfig struct {
	MaxRetries             int  `yaml:"max_retries"`
	StepTimeoutSeconds     int  `yaml:"step_timeout_seconds"`
	ConcurrencyLimit       int  `yaml:"concurrency_limit"`
	VerificationTimeoutSec int  `yaml:"verification_timeout_seconds"`
	PollIntervalSeconds    int  `yaml:"poll_interval_seconds"`
	ApproverBusyFailFast   bool `yaml:"approver_busy_fail_fast"`

	AppName string `yaml:"app_name"`

	Patterns  PatternsConfig  `yaml:"patterns"`
	Approvers []AccountConfig `yaml:"approvers"`
}

// PatternsConfig represents the YAML structure of the detection pattern
// lists. Each entry is a "kind:pattern" string (literal, regex or domain).
type PatternsConfig struct {
	Subject []string `yaml:"subject"`
	Sender  []string `yaml:"sender"`
	Link    []string `yaml:"link"`
	Code    []string `yaml:"code"`
}

// AccountConfig represents the YAML structure of an approver account.
type AccountConfig struct {
	Email  string `yaml:"email"`
	Secret string `yaml:"secret"`
}

func (c RunConfig) validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got: %d", c.MaxRetries)
	}
	if c.StepTimeoutSeconds < 0 {
		return fmt.Errorf("step_timeout_seconds must not be negative, got: %d", c.StepTimeoutSeconds)
	}
	if c.ConcurrencyLimit < 0 {
		return fmt.Errorf("concurrency_limit must not be negative, got: %d", c.ConcurrencyLimit)
	}
	if c.VerificationTimeoutSec < 0 {
		return fmt.Errorf("verification_timeout_seconds must not be negative, got: %d", c.VerificationTimeoutSec)
	}
	if c.PollIntervalSeconds < 0 {
		return fmt.Errorf("poll_interval_seconds must not be negative, got: %d", c.PollIntervalSeconds)
	}

	// Pattern lists must parse before any session opens.
	for name, patterns := range map[string][]string{
		"subject": c.Patterns.Subject,
		"sender":  c.Patterns.Sender,
		"link":    c.Patterns.Link,
		"code":    c.Patterns.Code,
	} {
		if _, err := rules.ParseSet(patterns); err != nil {
			return fmt.Errorf("%s patterns: %w", name, err)
		}
	}

	for i, approver := range c.Approvers {
		if approver.Email == "" {
			return fmt.Errorf("approver %d: email is required", i)
		}
		if approver.Secret == "" {
			return fmt.Errorf("approver %d (%s): secret is required", i, approver.Email)
		}
	}

	return nil
}

func (c RunConfig) toModel() model.RunConfig {
	cfg := model.RunConfig{
		MaxRetries:           c.MaxRetries,
		StepTimeout:          time.Duration(c.StepTimeoutSeconds) * time.Second,
		ConcurrencyLimit:     c.ConcurrencyLimit,
		VerificationTimeout:  time.Duration(c.VerificationTimeoutSec) * time.Second,
		PollInterval:         time.Duration(c.PollIntervalSeconds) * time.Second,
		ApproverBusyFailFast: c.ApproverBusyFailFast,
		AppName:              c.AppName,
		SubjectPatterns:      c.Patterns.Subject,
		SenderPatterns:       c.Patterns.Sender,
		LinkPatterns:         c.Patterns.Link,
		CodePatterns:         c.Patterns.Code,
	}

	for _, approver := range c.Approvers {
		cfg.Approvers = append(cfg.Approvers, model.Account{
			Email:  approver.Email,
			Secret: approver.Secret,
			Role:   model.RoleApprover,
		})
	}

	return cfg
}

// AccountListRepository loads primary account lists from plain text files,
// one "email:secret" pair per line. Blank lines and "#" comments are
// ignored.
type AccountListRepository struct {
	fs fs.FS
}

// NewAccountListRepository creates a new account list repository.
func NewAccountListRepository(filesystem fs.FS) *AccountListRepository {
	return &AccountListRepository{fs: filesystem}
}

// GetAccounts loads and validates the account list from a file.
func (r *AccountListRepository) GetAccounts(ctx context.Context, path string) ([]model.Account, error) {
	f, err := r.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading accounts file: %w", err)
	}
	defer f.Close()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var accounts []model.Account
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		email, secret, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("line %d: expected email:secret: %w", lineNo, model.ErrNotValid)
		}

		account := model.Account{
			Email:  strings.TrimSpace(email),
			Secret: secret,
			Role:   model.RolePrimary,
		}
		if err := account.Validate(); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}

		accounts = append(accounts, account)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading accounts file: %w", err)
	}

	if len(accounts) == 0 {
		return nil, fmt.Errorf("accounts file has no accounts: %w", model.ErrNotValid)
	}

	return accounts, nil
}
