package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// Remote is an in-process stand-in for the extraction service: an upload
// endpoint issuing tokens and a WebSocket endpoint delivering one result per
// token.
type Remote struct {
	// Result is the message sent on the channel for a token. An empty string
	// makes the server close the channel without sending anything.
	Result func(token string) string

	server   *httptest.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	uploads []Upload
}

// Upload records one request received by the upload endpoint.
type Upload struct {
	Token       string
	FileName    string
	ContentType string
	Size        int
}

// NewRemote starts a Remote that is shut down when the test ends.
func NewRemote(t *testing.T) *Remote {
	t.Helper()
	r := &Remote{
		Result: func(string) string {
			return `{"dateOfBirth":"1990-01-01","expiryDate":"2030-01-01"}`
		},
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}

	e := echo.New()
	e.HideBanner = true
	e.POST("/upload", r.handleUpload)
	e.GET("/ws", r.handleChannel)

	r.server = httptest.NewServer(e)
	t.Cleanup(r.server.Close)
	return r
}

// UploadURL is the submission endpoint.
func (r *Remote) UploadURL() string {
	return r.server.URL + "/upload"
}

// ChannelURL is the channel endpoint.
func (r *Remote) ChannelURL() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http") + "/ws"
}

// Uploads returns the uploads received so far.
func (r *Remote) Uploads() []Upload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Upload(nil), r.uploads...)
}

func (r *Remote) handleUpload(c echo.Context) error {
	file, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "no file provided"})
	}
	src, err := file.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	data, err := io.ReadAll(src)
	if err != nil {
		return err
	}

	token := uuid.New().String()
	r.mu.Lock()
	r.uploads = append(r.uploads, Upload{
		Token:       token,
		FileName:    file.Filename,
		ContentType: file.Header.Get("Content-Type"),
		Size:        len(data),
	})
	r.mu.Unlock()

	return c.JSON(http.StatusOK, map[string]string{"socketId": token})
}

func (r *Remote) handleChannel(c echo.Context) error {
	ws, err := r.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	msg := r.Result(c.QueryParam("key"))
	if msg == "" {
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		ws.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
		return nil
	}
	if err := ws.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		return nil
	}

	// Hold the socket until the client closes it.
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return nil
		}
	}
}
