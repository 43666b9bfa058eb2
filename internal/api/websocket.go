package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// StateStreamHandlerImpl pushes every session state to connected renderers.
type StateStreamHandlerImpl struct {
	session  Session
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewStateStreamHandler creates a WebSocket handler. allowOrigins lists the
// origins permitted to connect; "*" allows any.
func NewStateStreamHandler(s Session, allowOrigins []string, log *zap.Logger) StateStreamHandler {
	return &StateStreamHandlerImpl{
		session: s,
		upgrader: websocket.Upgrader{
			CheckOrigin:     originChecker(allowOrigins),
			ReadBufferSize:  1024,
			WriteBufferSize: 4 * 1024,
		},
		log: log.Named("ws"),
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// HandleStateStream upgrades the connection and writes each state as a JSON
// text message until the client goes away.
func (h *StateStreamHandlerImpl) HandleStateStream(c echo.Context) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	states, unsubscribe := h.session.Subscribe()
	defer unsubscribe()

	h.log.Debug("renderer connected", zap.String("remote", c.RealIP()))

	// The renderer never sends anything; reading only surfaces pongs and
	// the close frame.
	gone := make(chan struct{})
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			h.log.Debug("renderer disconnected")
			return nil
		case s, ok := <-states:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed")
				ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
				return nil
			}
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(s); err != nil {
				h.log.Debug("write failed", zap.Error(err))
				return nil
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return nil
			}
		}
	}
}
