// Package validate checks a candidate image against the acceptance policy
// before anything is sent over the network.
package validate

import "github.com/passport-extract/client/internal/models"

// Rejection reasons.
const (
	ReasonUnsupportedType = "unsupported-type"
	ReasonTooLarge        = "too-large"
)

// Verdict is the outcome of Validate. Reason is empty when Accepted.
type Verdict struct {
	Accepted bool
	Reason   string
}

// Accepted is the passing verdict.
var Accepted = Verdict{Accepted: true}

// Rejected returns a failing verdict with the given reason.
func Rejected(reason string) Verdict {
	return Verdict{Reason: reason}
}

// Validate checks media type first, then size. The caller handles a missing
// file; candidate must be non-nil.
func Validate(policy models.AcceptancePolicy, candidate *models.CandidateFile) Verdict {
	if !policy.Allows(candidate.MediaType) {
		return Rejected(ReasonUnsupportedType)
	}
	if candidate.Size > policy.MaxSize {
		return Rejected(ReasonTooLarge)
	}
	return Accepted
}

// Message returns the user-facing text for a rejection reason.
func Message(reason string) string {
	switch reason {
	case ReasonUnsupportedType:
		return "Invalid file type. Only JPEG and PNG images are allowed."
	case ReasonTooLarge:
		return "File is too large. Maximum size is 5MB."
	}
	return "Please select a valid file to upload."
}
