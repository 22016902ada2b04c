// Package challenge implements the challenge detector: after a workflow
// step it inspects the page state and classifies it. The detector is pure
// with respect to workflow state, it only reads the page and reports.
package challenge

import (
	"context"
	"fmt"
	"time"

	"github.com/slok/credforge/internal/browser"
	"github.com/slok/credforge/internal/log"
	"github.com/slok/credforge/internal/model"
	"github.com/slok/credforge/internal/rules"
)

// Result represents the classification of the page state after a step.
type Result string

const (
	ResultNoChallenge          Result = "no-challenge"
	ResultVerificationRequired Result = "verification-required"
	ResultFatalBlock           Result = "fatal-block"
	ResultUnknown              Result = "unknown"
)

// Classification is the detector's verdict. Challenge is set for
// verification-required and fatal-block results.
type Classification struct {
	Result    Result
	Challenge *model.Challenge
}

// Rule binds an ordered page pattern to its classification. Most specific
// rules must be declared first, first match wins.
type Rule struct {
	Pattern rules.Rule
	Result  Result
	// Kind is the challenge kind reported on a match. Required for
	// verification-required rules, defaults to unknown-block for
	// fatal-block rules.
	Kind model.ChallengeKind
}

// DetectorConfig is the configuration for the detector.
type DetectorConfig struct {
	// Rules is the ordered classification rule set. Defaults to
	// DefaultRules.
	Rules []Rule
	// GraceDelay is how long to wait before re-checking an unrecognized
	// page once, to distinguish an unknown state from a transient slow
	// render.
	GraceDelay time.Duration
	Logger     log.Logger
}

func (c *DetectorConfig) defaults() error {
	if c.Rules == nil {
		c.Rules = DefaultRules()
	}
	if c.GraceDelay == 0 {
		c.GraceDelay = 3 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "challenge.Detector"})
	return nil
}

// Detector classifies page states against an ordered pattern rule set.
type Detector struct {
	set        *rules.Set
	meta       []Rule
	graceDelay time.Duration
	logger     log.Logger
}

// NewDetector creates a new detector, compiling the rule patterns.
func NewDetector(cfg DetectorConfig) (*Detector, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	patterns := make([]rules.Rule, 0, len(cfg.Rules))
	for i, r := range cfg.Rules {
		switch r.Result {
		case ResultVerificationRequired:
			if r.Kind == "" {
				return nil, fmt.Errorf("rule %d: verification-required rules need a challenge kind: %w", i, model.ErrNotValid)
			}
		case ResultFatalBlock:
		default:
			return nil, fmt.Errorf("rule %d: rules can only classify as verification-required or fatal-block, got %q: %w", i, r.Result, model.ErrNotValid)
		}
		patterns = append(patterns, r.Pattern)
	}

	set, err := rules.NewSet(patterns...)
	if err != nil {
		return nil, fmt.Errorf("could not compile challenge rules: %w", err)
	}

	return &Detector{
		set:        set,
		meta:       cfg.Rules,
		graceDelay: cfg.GraceDelay,
		logger:     cfg.Logger,
	}, nil
}

// Classify inspects the current page state after the given step.
// stepSucceeded is whether the step's own success predicate held: an
// unrecognized page only classifies as unknown when the step itself failed,
// and a single grace re-check is applied before declaring it.
func (d *Detector) Classify(ctx context.Context, sess browser.Session, afterStep string, stepSucceeded bool) (*Classification, error) {
	match, err := d.evalPage(ctx, sess)
	if err != nil {
		return nil, err
	}

	if match == nil && !stepSucceeded {
		// Grace re-check, slow renders are not unknown states.
		select {
		case <-time.After(d.graceDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		match, err = d.evalPage(ctx, sess)
		if err != nil {
			return nil, err
		}
	}

	if match == nil {
		if stepSucceeded {
			return &Classification{Result: ResultNoChallenge}, nil
		}

		d.logger.Debugf("unrecognized page state after step %q", afterStep)
		return &Classification{Result: ResultUnknown}, nil
	}

	meta := d.meta[match.Index]
	kind := meta.Kind
	if kind == "" {
		kind = model.ChallengeKindUnknownBlock
	}

	c := &Classification{
		Result: meta.Result,
		Challenge: &model.Challenge{
			Kind:           kind,
			DetectedAtStep: afterStep,
			RawSignal:      match.Value,
		},
	}

	d.logger.Debugf("page after step %q classified as %s (%s)", afterStep, c.Result, kind)
	return c, nil
}

// evalPage reads the page URL and text and evaluates the rule set on them.
func (d *Detector) evalPage(ctx context.Context, sess browser.Session) (*rules.Match, error) {
	url, err := sess.CurrentURL(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not read current url: %w", err)
	}
	text, err := sess.ReadText(ctx, browser.Target{})
	if err != nil {
		return nil, fmt.Errorf("could not read page text: %w", err)
	}

	match, ok := d.set.Eval(url + "\n" + text)
	if !ok {
		return nil, nil
	}
	return match, nil
}

// DefaultRules is the default console classification rule set. Most
// specific interstitials first: hard blocks, then verification prompts.
func DefaultRules() []Rule {
	return []Rule{
		// Unrecoverable interstitials.
		{Pattern: rules.Rule{Kind: rules.KindLiteral, Pattern: "your account has been disabled"}, Result: ResultFatalBlock},
		{Pattern: rules.Rule{Kind: rules.KindLiteral, Pattern: "account suspended"}, Result: ResultFatalBlock},
		{Pattern: rules.Rule{Kind: rules.KindLiteral, Pattern: "prove you're not a robot"}, Result: ResultFatalBlock},
		{Pattern: rules.Rule{Kind: rules.KindLiteral, Pattern: "unusual activity"}, Result: ResultFatalBlock},
		{Pattern: rules.Rule{Kind: rules.KindRegex, Pattern: `signin/rejected`}, Result: ResultFatalBlock},
		{Pattern: rules.Rule{Kind: rules.KindLiteral, Pattern: "captcha"}, Result: ResultFatalBlock},

		// Two factor prompts.
		{Pattern: rules.Rule{Kind: rules.KindLiteral, Pattern: "2-step verification"}, Result: ResultVerificationRequired, Kind: model.ChallengeKindTwoFactor},
		{Pattern: rules.Rule{Kind: rules.KindRegex, Pattern: `enter the (\d+[- ]digit )?code`}, Result: ResultVerificationRequired, Kind: model.ChallengeKindTwoFactor},

		// Email verification prompts.
		{Pattern: rules.Rule{Kind: rules.KindLiteral, Pattern: "verify your email"}, Result: ResultVerificationRequired, Kind: model.ChallengeKindEmailVerification},
		{Pattern: rules.Rule{Kind: rules.KindLiteral, Pattern: "confirm your email"}, Result: ResultVerificationRequired, Kind: model.ChallengeKindEmailVerification},
		{Pattern: rules.Rule{Kind: rules.KindLiteral, Pattern: "verification email sent"}, Result: ResultVerificationRequired, Kind: model.ChallengeKindEmailVerification},
		{Pattern: rules.Rule{Kind: rules.KindLiteral, Pattern: "check your email"}, Result: ResultVerificationRequired, Kind: model.ChallengeKindEmailVerification},
	}
}
