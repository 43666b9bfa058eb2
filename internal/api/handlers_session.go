// handlers_session.go - Session submit and state handlers
package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/passport-extract/client/internal/models"
	"github.com/passport-extract/client/internal/upload"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// SessionHandlerImpl implements the SessionHandler interface
type SessionHandlerImpl struct {
	session Session
	log     *zap.Logger
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(s Session, log *zap.Logger) SessionHandler {
	return &SessionHandlerImpl{
		session: s,
		log:     log.Named("api"),
	}
}

type submitResponse struct {
	Attempt uint64       `json:"attempt"`
	Phase   models.Phase `json:"phase"`
}

// HandleSubmit reads the selected file from the multipart form and starts a
// new attempt. A form without a file still starts one, which settles as "no
// file selected".
func (h *SessionHandlerImpl) HandleSubmit(c echo.Context) error {
	candidate, err := readCandidate(c)
	if err != nil {
		return err
	}

	attempt := h.session.Submit(candidate)
	if candidate != nil {
		h.log.Info("submitted",
			zap.Uint64("attempt", attempt),
			zap.String("file", candidate.Name),
			zap.String("type", candidate.MediaType),
			zap.Int64("size", candidate.Size))
	}

	return c.JSON(http.StatusAccepted, submitResponse{
		Attempt: attempt,
		Phase:   h.session.State().Phase,
	})
}

func readCandidate(c echo.Context) (*models.CandidateFile, error) {
	file, err := c.FormFile(upload.FormField)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, NewBadRequestError("expected multipart form", err)
	}

	src, err := file.Open()
	if err != nil {
		return nil, NewInternalError("failed to open uploaded file", err)
	}
	defer src.Close()

	content, err := io.ReadAll(src)
	if err != nil {
		return nil, NewInternalError("failed to read uploaded file", err)
	}
	return models.NewCandidateFile(file.Filename, file.Header.Get(echo.HeaderContentType), content), nil
}

// HandleState returns the current session state as JSON
func (h *SessionHandlerImpl) HandleState(c echo.Context) error {
	return c.JSON(http.StatusOK, h.session.State())
}

// HandleStateMsgpack returns the current session state as msgpack
func (h *SessionHandlerImpl) HandleStateMsgpack(c echo.Context) error {
	data, err := msgpack.Marshal(h.session.State())
	if err != nil {
		return NewInternalError("failed to encode msgpack", err)
	}
	return c.Blob(http.StatusOK, "application/msgpack", data)
}
