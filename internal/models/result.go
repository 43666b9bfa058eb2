package models

// SubmissionResult is what the submission endpoint answered for one upload.
type SubmissionResult struct {
	OK         bool   `json:"ok"`
	Token      string `json:"token,omitempty"`
	StatusCode int    `json:"statusCode"`
}

// ExtractionResult is the single message delivered over the result channel.
// Dates are opaque strings; no calendar format is assumed.
type ExtractionResult struct {
	DateOfBirth string `json:"dateOfBirth,omitempty" msgpack:"dateOfBirth,omitempty"`
	ExpiryDate  string `json:"expiryDate,omitempty" msgpack:"expiryDate,omitempty"`
}

// Valid is true when both dates were extracted.
func (r ExtractionResult) Valid() bool {
	return r.DateOfBirth != "" && r.ExpiryDate != ""
}
