package session

import (
	"fmt"

	"github.com/passport-extract/client/internal/models"
	"github.com/passport-extract/client/internal/validate"
)

// Failure is a terminal error for one attempt. Reason is the stable code,
// Message the text shown to the user.
type Failure struct {
	Kind    models.ErrorKind
	Reason  string
	Message string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Reason)
}

// Failures an attempt can settle with.
var (
	ErrNoFile = &Failure{
		Kind:    models.ErrorKindValidation,
		Reason:  "no file selected",
		Message: "Please select a valid file to upload.",
	}
	ErrUploadFailed = &Failure{
		Kind:    models.ErrorKindTransport,
		Reason:  "upload failed",
		Message: "Error uploading file. Please try again.",
	}
	ErrUploadNoToken = &Failure{
		Kind:    models.ErrorKindProtocol,
		Reason:  "upload failed",
		Message: "Error: Unable to upload file.",
	}
	ErrChannel = &Failure{
		Kind:    models.ErrorKindTransport,
		Reason:  "channel error",
		Message: "Error: Lost connection to the extraction service.",
	}
	ErrClosedWithoutResult = &Failure{
		Kind:    models.ErrorKindProtocol,
		Reason:  "channel closed without result",
		Message: "Error: Connection closed before a result was received.",
	}
	ErrMalformedResult = &Failure{
		Kind:    models.ErrorKindProtocol,
		Reason:  "malformed result",
		Message: "Error: Unable to read the extraction result.",
	}
	ErrTimeout = &Failure{
		Kind:    models.ErrorKindTransport,
		Reason:  "timeout",
		Message: "Error: Timed out waiting for the extraction result.",
	}
)

// rejection maps a validator verdict to a Failure.
func rejection(v validate.Verdict) *Failure {
	return &Failure{
		Kind:    models.ErrorKindValidation,
		Reason:  v.Reason,
		Message: validate.Message(v.Reason),
	}
}
