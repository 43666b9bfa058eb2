// interfaces.go - Handler interface definitions
package api

import (
	"github.com/labstack/echo/v4"
	"github.com/passport-extract/client/internal/models"
)

// Session is the part of session.Controller the handlers use.
type Session interface {
	Submit(candidate *models.CandidateFile) uint64
	State() models.SessionState
	Subscribe() (<-chan models.SessionState, func())
}

// SessionHandler exposes the client session over HTTP
type SessionHandler interface {
	HandleSubmit(c echo.Context) error
	HandleState(c echo.Context) error
	HandleStateMsgpack(c echo.Context) error
}

// StateStreamHandler pushes session states over WebSocket
type StateStreamHandler interface {
	HandleStateStream(c echo.Context) error
}

// HealthHandler handles health check operations
type HealthHandler interface {
	HandleHealth(c echo.Context) error
}
