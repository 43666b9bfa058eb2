package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/passport-extract/client/internal/models"
	"github.com/passport-extract/client/internal/testutil"
	"github.com/passport-extract/client/internal/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func newTestController(t *testing.T, sub Submitter, dialer *testutil.FakeDialer, opts Options) *Controller {
	t.Helper()
	c := NewController(opts, sub, dialer, nil)
	t.Cleanup(c.Close)
	return c
}

func pngFile(name string) *models.CandidateFile {
	return models.NewCandidateFile(name, models.MediaTypePNG, make([]byte, 1024))
}

func waitPhase(t *testing.T, c *Controller, attempt uint64, phase models.Phase) models.SessionState {
	t.Helper()
	require.Eventually(t, func() bool {
		s := c.State()
		return s.Attempt == attempt && s.Phase == phase
	}, waitFor, 5*time.Millisecond, "attempt %d never reached %s (last: %+v)", attempt, phase, c.State())
	return c.State()
}

func waitSettled(t *testing.T, c *Controller, attempt uint64) models.SessionState {
	t.Helper()
	return waitPhase(t, c, attempt, models.PhaseSettled)
}

func TestController_StartsIdle(t *testing.T) {
	c := newTestController(t, &testutil.FakeSubmitter{}, &testutil.FakeDialer{}, Options{SessionID: "s-1"})

	s := c.State()
	assert.Equal(t, models.PhaseIdle, s.Phase)
	assert.Equal(t, "s-1", s.SessionID)
	assert.Zero(t, s.Attempt)
}

func TestController_ValidationFailuresMakeNoNetworkCall(t *testing.T) {
	tests := []struct {
		name      string
		candidate *models.CandidateFile
		reason    string
	}{
		{name: "no file", candidate: nil, reason: "no file selected"},
		{name: "gif", candidate: models.NewCandidateFile("a.gif", "image/gif", []byte("GIF")), reason: "unsupported-type"},
		{name: "too large", candidate: &models.CandidateFile{Name: "big.jpg", MediaType: models.MediaTypeJPEG, Size: models.MaxFileSize + 1}, reason: "too-large"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &testutil.FakeSubmitter{Token: "abc123"}
			dialer := &testutil.FakeDialer{}
			c := newTestController(t, sub, dialer, Options{})

			s := waitSettled(t, c, c.Submit(tt.candidate))
			assert.Equal(t, models.OutcomeError, s.Outcome)
			assert.Equal(t, models.ErrorKindValidation, s.ErrorKind)
			assert.Equal(t, tt.reason, s.Reason)
			assert.NotEmpty(t, s.Message)
			assert.Zero(t, sub.Calls())
			assert.Empty(t, dialer.Conns())
		})
	}
}

func TestController_Success(t *testing.T) {
	sub := &testutil.FakeSubmitter{Token: "abc123"}
	dialer := &testutil.FakeDialer{}
	c := newTestController(t, sub, dialer, Options{})

	id := c.Submit(pngFile("passport.png"))
	conn := dialer.Next(t, waitFor)
	assert.Equal(t, "abc123", conn.Token)

	s := waitPhase(t, c, id, models.PhaseExtracting)
	assert.True(t, s.Processing())
	assert.Equal(t, "Extracting info from image...", s.Message)

	conn.Send(`{"dateOfBirth":"1990-01-01","expiryDate":"2030-01-01"}`)
	s = waitSettled(t, c, id)

	assert.Equal(t, models.OutcomeSuccess, s.Outcome)
	require.NotNil(t, s.Result)
	assert.Equal(t, "1990-01-01", s.Result.DateOfBirth)
	assert.Equal(t, "2030-01-01", s.Result.ExpiryDate)
	assert.Equal(t, "Date of Birth: 1990-01-01\nExpiry Date: 2030-01-01", s.Message)
	assert.Equal(t, 1, conn.Closes())
	assert.Len(t, dialer.Conns(), 1)
	assert.Equal(t, 1, sub.Calls())
}

func TestController_DatesAreOpaque(t *testing.T) {
	dialer := &testutil.FakeDialer{}
	c := newTestController(t, &testutil.FakeSubmitter{Token: "t"}, dialer, Options{})

	id := c.Submit(pngFile("p.png"))
	conn := dialer.Next(t, waitFor)
	conn.Send(`{"dateOfBirth":"01 JAN 90","expiryDate":"2030/01/01","issuer":"ignored"}`)

	s := waitSettled(t, c, id)
	require.Equal(t, models.OutcomeSuccess, s.Outcome)
	assert.Equal(t, "01 JAN 90", s.Result.DateOfBirth)
	assert.Equal(t, "2030/01/01", s.Result.ExpiryDate)
}

func TestController_InvalidImage(t *testing.T) {
	payloads := []string{
		`{}`,
		`{"dateOfBirth":"1990-01-01"}`,
		`{"dateOfBirth":"","expiryDate":"2030-01-01"}`,
		`{"dateOfBirth":null,"expiryDate":null}`,
	}

	for _, payload := range payloads {
		t.Run(payload, func(t *testing.T) {
			dialer := &testutil.FakeDialer{}
			c := newTestController(t, &testutil.FakeSubmitter{Token: "t"}, dialer, Options{})

			id := c.Submit(pngFile("p.png"))
			conn := dialer.Next(t, waitFor)
			conn.Send(payload)

			s := waitSettled(t, c, id)
			assert.Equal(t, models.OutcomeInvalidImage, s.Outcome)
			assert.Equal(t, models.ErrorKindSemantic, s.ErrorKind)
			assert.Equal(t, "Invalid Image", s.Message)
			assert.Nil(t, s.Result)
			assert.Equal(t, 1, conn.Closes())
		})
	}
}

func TestController_MalformedResult(t *testing.T) {
	dialer := &testutil.FakeDialer{}
	c := newTestController(t, &testutil.FakeSubmitter{Token: "t"}, dialer, Options{})

	id := c.Submit(pngFile("p.png"))
	conn := dialer.Next(t, waitFor)
	conn.Send(`not json`)

	s := waitSettled(t, c, id)
	assert.Equal(t, models.OutcomeError, s.Outcome)
	assert.Equal(t, ErrMalformedResult.Reason, s.Reason)
	assert.Equal(t, models.ErrorKindProtocol, s.ErrorKind)
	assert.True(t, conn.IsClosed())
}

func TestController_OnlyFirstMessageCounts(t *testing.T) {
	dialer := &testutil.FakeDialer{}
	c := newTestController(t, &testutil.FakeSubmitter{Token: "t"}, dialer, Options{})

	id := c.Submit(pngFile("p.png"))
	conn := dialer.Next(t, waitFor)
	conn.Send(`{"dateOfBirth":"1990-01-01","expiryDate":"2030-01-01"}`)
	conn.Send(`{}`)

	s := waitSettled(t, c, id)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, s, c.State())
	assert.Equal(t, models.OutcomeSuccess, c.State().Outcome)
	assert.Equal(t, 1, conn.Closes())
}

func TestController_ChannelClosedWithoutResult(t *testing.T) {
	dialer := &testutil.FakeDialer{}
	c := newTestController(t, &testutil.FakeSubmitter{Token: "t"}, dialer, Options{})

	id := c.Submit(pngFile("p.png"))
	conn := dialer.Next(t, waitFor)
	waitPhase(t, c, id, models.PhaseExtracting)
	conn.RemoteClose(testutil.NormalClose)

	s := waitSettled(t, c, id)
	assert.Equal(t, models.OutcomeError, s.Outcome)
	assert.Equal(t, "channel closed without result", s.Reason)
	assert.Equal(t, models.ErrorKindProtocol, s.ErrorKind)
	assert.Equal(t, 1, conn.Closes())
}

func TestController_ChannelError(t *testing.T) {
	dialer := &testutil.FakeDialer{}
	c := newTestController(t, &testutil.FakeSubmitter{Token: "t"}, dialer, Options{})

	id := c.Submit(pngFile("p.png"))
	conn := dialer.Next(t, waitFor)
	conn.RemoteClose(errors.New("connection reset by peer"))

	s := waitSettled(t, c, id)
	assert.Equal(t, "channel error", s.Reason)
	assert.Equal(t, models.ErrorKindTransport, s.ErrorKind)
	assert.LessOrEqual(t, conn.Closes(), 1)
}

func TestController_DialFailure(t *testing.T) {
	dialer := &testutil.FakeDialer{Err: errors.New("bad handshake")}
	c := newTestController(t, &testutil.FakeSubmitter{Token: "t"}, dialer, Options{})

	s := waitSettled(t, c, c.Submit(pngFile("p.png")))
	assert.Equal(t, "channel error", s.Reason)
	assert.Zero(t, dialer.Open())
}

func TestController_UploadFailures(t *testing.T) {
	tests := []struct {
		name    string
		respond func(int, *models.CandidateFile) (models.SubmissionResult, error)
		kind    models.ErrorKind
	}{
		{
			name: "transport",
			respond: func(int, *models.CandidateFile) (models.SubmissionResult, error) {
				return models.SubmissionResult{}, upload.ErrUploadFailed
			},
			kind: models.ErrorKindTransport,
		},
		{
			name: "not ok",
			respond: func(int, *models.CandidateFile) (models.SubmissionResult, error) {
				return models.SubmissionResult{StatusCode: 500}, nil
			},
			kind: models.ErrorKindTransport,
		},
		{
			name: "ok without token",
			respond: func(int, *models.CandidateFile) (models.SubmissionResult, error) {
				return models.SubmissionResult{OK: true, StatusCode: 200}, nil
			},
			kind: models.ErrorKindProtocol,
		},
		{
			name: "client reports missing token",
			respond: func(int, *models.CandidateFile) (models.SubmissionResult, error) {
				return models.SubmissionResult{StatusCode: 200}, upload.ErrMissingToken
			},
			kind: models.ErrorKindProtocol,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dialer := &testutil.FakeDialer{}
			c := newTestController(t, &testutil.FakeSubmitter{Respond: tt.respond}, dialer, Options{})

			s := waitSettled(t, c, c.Submit(pngFile("p.png")))
			assert.Equal(t, models.OutcomeError, s.Outcome)
			assert.Equal(t, "upload failed", s.Reason)
			assert.Equal(t, tt.kind, s.ErrorKind)
			assert.Empty(t, dialer.Conns())
		})
	}
}

func TestController_SupersedeWhileExtracting(t *testing.T) {
	sub := &testutil.FakeSubmitter{
		Respond: func(_ int, cf *models.CandidateFile) (models.SubmissionResult, error) {
			return models.SubmissionResult{OK: true, Token: "tok-" + cf.Name, StatusCode: 200}, nil
		},
	}
	dialer := &testutil.FakeDialer{}
	c := newTestController(t, sub, dialer, Options{})

	first := c.Submit(pngFile("one.png"))
	conn1 := dialer.Next(t, waitFor)
	waitPhase(t, c, first, models.PhaseExtracting)

	second := c.Submit(pngFile("two.png"))
	assert.Greater(t, second, first)
	conn2 := dialer.Next(t, waitFor)

	assert.True(t, conn1.IsClosed(), "first channel must be closed before the second opens")
	assert.Equal(t, "tok-two.png", conn2.Token)
	assert.Equal(t, 1, dialer.MaxOpen())

	conn2.Send(`{"dateOfBirth":"2000-02-02","expiryDate":"2031-01-01"}`)
	s := waitSettled(t, c, second)
	assert.Equal(t, "2000-02-02", s.Result.DateOfBirth)
	assert.Equal(t, 1, conn1.Closes())
	assert.Equal(t, 1, conn2.Closes())
}

func TestController_StaleUploadIsDiscarded(t *testing.T) {
	hold := make(chan struct{})
	sub := &testutil.FakeSubmitter{
		Hold: hold,
		Respond: func(_ int, cf *models.CandidateFile) (models.SubmissionResult, error) {
			return models.SubmissionResult{OK: true, Token: "tok-" + cf.Name, StatusCode: 200}, nil
		},
	}
	dialer := &testutil.FakeDialer{}
	c := NewController(Options{}, sub, dialer, nil)

	first := c.Submit(pngFile("one.png"))
	waitPhase(t, c, first, models.PhaseSubmitting)
	second := c.Submit(pngFile("two.png"))
	waitPhase(t, c, second, models.PhaseSubmitting)

	hold <- struct{}{}
	hold <- struct{}{}

	conn := dialer.Next(t, waitFor)
	assert.Equal(t, "tok-two.png", conn.Token)
	conn.Send(`{"dateOfBirth":"1990-01-01","expiryDate":"2030-01-01"}`)
	s := waitSettled(t, c, second)
	assert.Equal(t, models.OutcomeSuccess, s.Outcome)

	c.Close()
	assert.Equal(t, 2, sub.Calls())
	assert.Len(t, dialer.Conns(), 1, "stale upload must not open a channel")
}

func TestController_Timeout(t *testing.T) {
	dialer := &testutil.FakeDialer{}
	c := newTestController(t, &testutil.FakeSubmitter{Token: "t"}, dialer, Options{ResultTimeout: 50 * time.Millisecond})

	id := c.Submit(pngFile("p.png"))
	conn := dialer.Next(t, waitFor)

	s := waitSettled(t, c, id)
	assert.Equal(t, "timeout", s.Reason)
	assert.Equal(t, models.ErrorKindTransport, s.ErrorKind)
	assert.Equal(t, 1, conn.Closes())
}

func TestController_NewAttemptAfterSettled(t *testing.T) {
	sub := &testutil.FakeSubmitter{Token: "abc123"}
	dialer := &testutil.FakeDialer{}
	c := newTestController(t, sub, dialer, Options{})

	failed := c.Submit(models.NewCandidateFile("a.gif", "image/gif", []byte("x")))
	s := waitSettled(t, c, failed)
	require.Equal(t, "unsupported-type", s.Reason)

	id := c.Submit(pngFile("p.png"))
	conn := dialer.Next(t, waitFor)
	conn.Send(`{"dateOfBirth":"1990-01-01","expiryDate":"2030-01-01"}`)

	s = waitSettled(t, c, id)
	assert.Equal(t, models.OutcomeSuccess, s.Outcome)
	assert.Empty(t, s.Reason, "state from the failed attempt is reset")
	assert.Equal(t, models.ErrorKindNone, s.ErrorKind)
}

func TestController_Subscribe(t *testing.T) {
	dialer := &testutil.FakeDialer{}
	c := newTestController(t, &testutil.FakeSubmitter{Token: "t"}, dialer, Options{})

	states, unsubscribe := c.Subscribe()
	defer unsubscribe()

	first := <-states
	assert.Equal(t, models.PhaseIdle, first.Phase)

	id := c.Submit(pngFile("p.png"))
	conn := dialer.Next(t, waitFor)
	conn.Send(`{"dateOfBirth":"1990-01-01","expiryDate":"2030-01-01"}`)

	var phases []models.Phase
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	for {
		select {
		case s := <-states:
			require.Equal(t, id, s.Attempt)
			phases = append(phases, s.Phase)
			if s.Settled() {
				assert.Equal(t, []models.Phase{
					models.PhaseValidating,
					models.PhaseSubmitting,
					models.PhaseAwaitingToken,
					models.PhaseChannelOpen,
					models.PhaseExtracting,
					models.PhaseSettled,
				}, phases)
				return
			}
		case <-ctx.Done():
			t.Fatalf("no settled state, saw %v", phases)
		}
	}
}

func TestController_Unsubscribe(t *testing.T) {
	c := newTestController(t, &testutil.FakeSubmitter{}, &testutil.FakeDialer{}, Options{})

	states, unsubscribe := c.Subscribe()
	<-states
	unsubscribe()
	unsubscribe()

	_, ok := <-states
	assert.False(t, ok)
}

func TestController_CloseReleasesChannel(t *testing.T) {
	dialer := &testutil.FakeDialer{}
	c := NewController(Options{}, &testutil.FakeSubmitter{Token: "t"}, dialer, nil)

	states, _ := c.Subscribe()
	id := c.Submit(pngFile("p.png"))
	conn := dialer.Next(t, waitFor)
	waitPhase(t, c, id, models.PhaseExtracting)

	c.Close()
	assert.Equal(t, 1, conn.Closes())
	assert.Zero(t, dialer.Open())

	for range states {
	}
	c.Close()
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestController_LateDialForSupersededAttempt(t *testing.T) {
	release := make(chan struct{})
	sub := &testutil.FakeSubmitter{
		Respond: func(call int, cf *models.CandidateFile) (models.SubmissionResult, error) {
			if call == 2 {
				<-release
			}
			return models.SubmissionResult{OK: true, Token: "tok-" + cf.Name, StatusCode: 200}, nil
		},
	}
	dialer := &testutil.FakeDialer{Gate: make(chan struct{}), Pending: make(chan struct{}, 1)}
	c := newTestController(t, sub, dialer, Options{})

	first := c.Submit(pngFile("one.png"))
	waitSignal(t, dialer.Pending, "first dial")

	second := c.Submit(pngFile("two.png"))
	waitPhase(t, c, second, models.PhaseSubmitting)

	dialer.Gate <- struct{}{}
	conn1 := dialer.Next(t, waitFor)
	assert.Equal(t, "tok-one.png", conn1.Token)
	require.Eventually(t, conn1.IsClosed, waitFor, 5*time.Millisecond)
	assert.Zero(t, dialer.Open())

	close(release)
	waitSignal(t, dialer.Pending, "second dial")
	dialer.Gate <- struct{}{}
	conn2 := dialer.Next(t, waitFor)
	waitPhase(t, c, second, models.PhaseExtracting)

	conn2.Send(`{"dateOfBirth":"1985-05-05","expiryDate":"2032-02-02"}`)
	s := waitSettled(t, c, second)
	assert.Equal(t, models.OutcomeSuccess, s.Outcome)
	assert.Greater(t, second, first)
	assert.Equal(t, 1, conn1.Closes())
	assert.Equal(t, 1, conn2.Closes())
	assert.Equal(t, 1, dialer.MaxOpen())
}

func TestController_OpenedAfterSettledIsClosed(t *testing.T) {
	dialer := &testutil.FakeDialer{}
	c := newTestController(t, &testutil.FakeSubmitter{}, dialer, Options{})

	id := c.Submit(nil)
	waitSettled(t, c, id)

	conn, err := dialer.Dial(context.Background(), "late")
	require.NoError(t, err)
	require.True(t, c.post(channelOpenedEvent{attempt: id, conn: conn}))

	fake := conn.(*testutil.FakeConn)
	require.Eventually(t, fake.IsClosed, waitFor, 5*time.Millisecond)
	assert.Equal(t, 1, fake.Closes())
	assert.Equal(t, models.PhaseSettled, c.State().Phase)
}

func TestController_CloseWithQueuedOpenedChannel(t *testing.T) {
	for i := 0; i < 20; i++ {
		dialer := &testutil.FakeDialer{Gate: make(chan struct{}), Pending: make(chan struct{}, 1)}
		c := NewController(Options{}, &testutil.FakeSubmitter{Token: "t"}, dialer, nil)

		c.Submit(pngFile("p.png"))
		waitSignal(t, dialer.Pending, "dial")

		// Stall the loop in publish while it handles the next submission so
		// the opened event is queued behind it.
		c.mu.Lock()
		c.Submit(nil)
		dialer.Gate <- struct{}{}
		conn := dialer.Next(t, waitFor)

		closed := make(chan struct{})
		go func() {
			c.Close()
			close(closed)
		}()
		c.mu.Unlock()

		select {
		case <-closed:
		case <-time.After(waitFor):
			t.Fatalf("trial %d: Close blocked with %d open channels", i, dialer.Open())
		}
		assert.True(t, conn.IsClosed(), "trial %d", i)
		assert.Equal(t, 1, conn.Closes(), "trial %d", i)
		assert.Zero(t, dialer.Open(), "trial %d", i)
	}
}
