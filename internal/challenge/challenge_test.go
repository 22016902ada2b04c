package challenge_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/slok/credforge/internal/browser"
	"github.com/slok/credforge/internal/browser/browsermock"
	"github.com/slok/credforge/internal/challenge"
	"github.com/slok/credforge/internal/model"
	"github.com/slok/credforge/internal/rules"
)

func newTestDetector(t *testing.T) *challenge.Detector {
	t.Helper()

	d, err := challenge.NewDetector(challenge.DetectorConfig{
		GraceDelay: time.Millisecond,
	})
	require.NoError(t, err)
	return d
}

func TestDetectorClassify(t *testing.T) {
	tests := map[string]struct {
		url           string
		text          string
		stepSucceeded bool
		expResult     challenge.Result
		expKind       model.ChallengeKind
	}{
		"A regular signed in page after a successful step should be no challenge": {
			url:           "https://console.cloud.google.com/home",
			text:          "Welcome to the console",
			stepSucceeded: true,
			expResult:     challenge.ResultNoChallenge,
		},

		"A disabled account interstitial should be a fatal block": {
			url:           "https://accounts.google.com/signin",
			text:          "Your account has been disabled because of a policy violation",
			stepSucceeded: false,
			expResult:     challenge.ResultFatalBlock,
			expKind:       model.ChallengeKindUnknownBlock,
		},

		"A rejected sign in URL should be a fatal block even with benign text": {
			url:           "https://accounts.google.com/signin/rejected?id=x",
			text:          "Something went wrong",
			stepSucceeded: false,
			expResult:     challenge.ResultFatalBlock,
			expKind:       model.ChallengeKindUnknownBlock,
		},

		"A two step verification prompt should require verification": {
			url:           "https://accounts.google.com/signin/challenge",
			text:          "2-Step Verification. Enter the 6-digit code from your device",
			stepSucceeded: false,
			expResult:     challenge.ResultVerificationRequired,
			expKind:       model.ChallengeKindTwoFactor,
		},

		"An email verification prompt should require verification": {
			url:           "https://accounts.google.com/signin/challenge",
			text:          "Verify your email. We sent a message to your address.",
			stepSucceeded: false,
			expResult:     challenge.ResultVerificationRequired,
			expKind:       model.ChallengeKindEmailVerification,
		},

		"A block pattern should win over a verification pattern on the same page": {
			url:  "https://accounts.google.com/signin/challenge",
			text: "Unusual activity detected. Verify your email to continue.",
			// Fatal rules are declared before verification rules.
			stepSucceeded: false,
			expResult:     challenge.ResultFatalBlock,
			expKind:       model.ChallengeKindUnknownBlock,
		},

		"An unrecognized page after a failed step should be unknown": {
			url:           "https://accounts.google.com/signin/weird",
			text:          "Something completely novel",
			stepSucceeded: false,
			expResult:     challenge.ResultUnknown,
		},

		"An unrecognized page after a successful step should be no challenge": {
			url:           "https://console.cloud.google.com/somewhere",
			text:          "Some console surface",
			stepSucceeded: true,
			expResult:     challenge.ResultNoChallenge,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			detector := newTestDetector(t)

			sess := &browsermock.MockSession{}
			sess.On("CurrentURL", mock.Anything).Return(tc.url, nil)
			sess.On("ReadText", mock.Anything, browser.Target{}).Return(tc.text, nil)

			cls, err := detector.Classify(context.Background(), sess, "login", tc.stepSucceeded)
			require.NoError(t, err)

			assert.Equal(t, tc.expResult, cls.Result)

			switch tc.expResult {
			case challenge.ResultNoChallenge, challenge.ResultUnknown:
				assert.Nil(t, cls.Challenge)
			default:
				require.NotNil(t, cls.Challenge)
				assert.Equal(t, tc.expKind, cls.Challenge.Kind)
				assert.Equal(t, "login", cls.Challenge.DetectedAtStep)
				assert.NotEmpty(t, cls.Challenge.RawSignal)
			}
		})
	}
}

func TestDetectorClassifyGraceRecheck(t *testing.T) {
	detector := newTestDetector(t)

	// First read shows a blank page, the re-check shows the rendered
	// verification prompt.
	sess := &browsermock.MockSession{}
	sess.On("CurrentURL", mock.Anything).Return("https://accounts.google.com/signin/challenge", nil)
	sess.On("ReadText", mock.Anything, browser.Target{}).Return("", nil).Once()
	sess.On("ReadText", mock.Anything, browser.Target{}).Return("Verify your email to continue", nil).Once()

	cls, err := detector.Classify(context.Background(), sess, "login", false)
	require.NoError(t, err)

	assert.Equal(t, challenge.ResultVerificationRequired, cls.Result)
	sess.AssertExpectations(t)
}

func TestNewDetectorValidation(t *testing.T) {
	tests := map[string]struct {
		rules []challenge.Rule
	}{
		"A verification rule without a kind should be invalid": {
			rules: []challenge.Rule{
				{Pattern: rules.Rule{Kind: rules.KindLiteral, Pattern: "verify your email"}, Result: challenge.ResultVerificationRequired},
			},
		},
		"A rule classifying as no-challenge should be invalid": {
			rules: []challenge.Rule{
				{Pattern: rules.Rule{Kind: rules.KindLiteral, Pattern: "anything"}, Result: challenge.ResultNoChallenge},
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := challenge.NewDetector(challenge.DetectorConfig{Rules: tc.rules})
			require.Error(t, err)
			assert.ErrorIs(t, err, model.ErrNotValid)
		})
	}
}
