package model

// ChallengeKind represents the kind of interstitial security check detected
// during a workflow.
type ChallengeKind string

const (
	// ChallengeKindEmailVerification indicates the console asked to confirm
	// an email verification link or code.
	ChallengeKindEmailVerification ChallengeKind = "email-verification"
	// ChallengeKindTwoFactor indicates a two factor prompt.
	ChallengeKindTwoFactor ChallengeKind = "two-factor"
	// ChallengeKindUnknownBlock indicates an unrecoverable interstitial
	// (captcha, suspended account...).
	ChallengeKindUnknownBlock ChallengeKind = "unknown-block"
)

// Challenge represents a detected interstitial challenge. It never outlives
// one workflow run.
type Challenge struct {
	Kind           ChallengeKind
	DetectedAtStep string
	// RawSignal is the matched pattern or page text that triggered detection.
	RawSignal string
}

// ArtifactType represents the type of a verification artifact.
type ArtifactType string

const (
	// ArtifactTypeLink is a verification URL to navigate to.
	ArtifactTypeLink ArtifactType = "link"
	// ArtifactTypeCode is a numeric code to enter on the pending
	// verification surface.
	ArtifactTypeCode ArtifactType = "numeric-code"
)

// VerificationArtifact is the link or code extracted from a
// challenge-resolution message on the approver inbox.
type VerificationArtifact struct {
	Type          ArtifactType
	Value         string
	SourceSubject string
	SourceSender  string
}
