package models

// Accepted media types for passport images.
const (
	MediaTypeJPEG = "image/jpeg"
	MediaTypePNG  = "image/png"
)

// MaxFileSize is the largest image the client will submit (5 MiB).
const MaxFileSize int64 = 5 * 1024 * 1024

// CandidateFile is an image picked by the user and not yet submitted.
type CandidateFile struct {
	Name      string `json:"name"`
	MediaType string `json:"mediaType"`
	Size      int64  `json:"size"`
	Content   []byte `json:"-"`
}

// NewCandidateFile builds a CandidateFile whose size is taken from content.
func NewCandidateFile(name, mediaType string, content []byte) *CandidateFile {
	return &CandidateFile{
		Name:      name,
		MediaType: mediaType,
		Size:      int64(len(content)),
		Content:   content,
	}
}

// AcceptancePolicy describes which files may be submitted.
type AcceptancePolicy struct {
	AllowedTypes []string
	MaxSize      int64
}

// DefaultPolicy returns the process-wide acceptance policy.
func DefaultPolicy() AcceptancePolicy {
	return AcceptancePolicy{
		AllowedTypes: []string{MediaTypeJPEG, MediaTypePNG},
		MaxSize:      MaxFileSize,
	}
}

// Allows reports whether mediaType is in the allowed set.
func (p AcceptancePolicy) Allows(mediaType string) bool {
	for _, t := range p.AllowedTypes {
		if t == mediaType {
			return true
		}
	}
	return false
}
