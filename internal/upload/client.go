package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/passport-extract/client/internal/models"
	"go.uber.org/zap"
)

// FormField is the multipart field carrying the image.
const FormField = "file"

var (
	// ErrUploadFailed covers transport failures, non-success statuses and
	// undecodable responses.
	ErrUploadFailed = errors.New("upload failed")
	// ErrMissingToken is returned when the endpoint reports success without a
	// correlation token.
	ErrMissingToken = errors.New("upload response missing token")
)

// maxResponseSize bounds how much of the response body is decoded.
const maxResponseSize = 64 * 1024

// Client posts candidate files to the submission endpoint.
type Client struct {
	endpoint string
	http     *http.Client
	log      *zap.Logger
}

// NewClient creates a submission client. A nil httpClient gets a default one
// with the given timeout.
func NewClient(endpoint string, httpClient *http.Client, timeout time.Duration, log *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		endpoint: endpoint,
		http:     httpClient,
		log:      log.Named("upload"),
	}
}

// uploadResponse accepts both the current "token" field and the legacy
// "socketId" field.
type uploadResponse struct {
	Token    string `json:"token"`
	SocketID string `json:"socketId"`
}

func (r uploadResponse) token() string {
	if r.Token != "" {
		return r.Token
	}
	return r.SocketID
}

// Submit sends candidate as a single multipart part and returns the token the
// endpoint issued for it.
func (c *Client) Submit(ctx context.Context, candidate *models.CandidateFile) (models.SubmissionResult, error) {
	body, contentType, err := encodeForm(candidate)
	if err != nil {
		return models.SubmissionResult{}, fmt.Errorf("%w: encoding form: %v", ErrUploadFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return models.SubmissionResult{}, fmt.Errorf("%w: building request: %v", ErrUploadFailed, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("request failed", zap.String("file", candidate.Name), zap.Error(err))
		return models.SubmissionResult{}, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer resp.Body.Close()

	result := models.SubmissionResult{StatusCode: resp.StatusCode}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		c.log.Warn("non-success status", zap.Int("status", resp.StatusCode))
		return result, fmt.Errorf("%w: status %d", ErrUploadFailed, resp.StatusCode)
	}

	var payload uploadResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&payload); err != nil {
		return result, fmt.Errorf("%w: decoding response: %v", ErrUploadFailed, err)
	}

	token := payload.token()
	if token == "" {
		return result, ErrMissingToken
	}

	result.OK = true
	result.Token = token
	c.log.Info("uploaded",
		zap.String("file", candidate.Name),
		zap.Int64("size", candidate.Size),
		zap.Duration("took", time.Since(start)))
	return result, nil
}

// encodeForm writes the file into a multipart body. The part keeps the
// declared media type instead of application/octet-stream.
func encodeForm(candidate *models.CandidateFile) (*bytes.Buffer, string, error) {
	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="%s"; filename="%s"`, FormField, escapeQuotes(candidate.Name)))
	header.Set("Content-Type", candidate.MediaType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(candidate.Content); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return body, writer.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
