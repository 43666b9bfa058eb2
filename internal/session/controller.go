// Package session drives one client session through the upload-then-correlate
// protocol: validate, submit, open the result channel with the returned
// token, consume a single result and close the channel.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/passport-extract/client/internal/channel"
	"github.com/passport-extract/client/internal/models"
	"github.com/passport-extract/client/internal/upload"
	"github.com/passport-extract/client/internal/validate"
	"go.uber.org/zap"
)

// Default timeouts.
const (
	DefaultResultTimeout = 60 * time.Second
	DefaultSubmitTimeout = 30 * time.Second
)

// subscriberBuffer is how many states a slow subscriber may lag behind
// before older states are dropped.
const subscriberBuffer = 16

// Submitter sends a candidate to the submission endpoint.
type Submitter interface {
	Submit(ctx context.Context, candidate *models.CandidateFile) (models.SubmissionResult, error)
}

// Options tunes a Controller. Zero values take defaults.
type Options struct {
	SessionID     string
	Policy        models.AcceptancePolicy
	ResultTimeout time.Duration
	SubmitTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.SessionID == "" {
		o.SessionID = uuid.New().String()
	}
	if len(o.Policy.AllowedTypes) == 0 {
		o.Policy = models.DefaultPolicy()
	}
	if o.ResultTimeout <= 0 {
		o.ResultTimeout = DefaultResultTimeout
	}
	if o.SubmitTimeout <= 0 {
		o.SubmitTimeout = DefaultSubmitTimeout
	}
	return o
}

// Controller owns the session state machine. All transitions run on a single
// loop goroutine; collaborators only post events to it.
type Controller struct {
	opts      Options
	submitter Submitter
	dialer    channel.Dialer
	log       *zap.Logger

	events chan event
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	seq    atomic.Uint64

	// Loop-owned.
	attempt    uint64
	state      models.SessionState
	conn       channel.Conn
	cancelDial context.CancelFunc
	timer      *time.Timer
	consumed   bool

	mu       sync.RWMutex
	snapshot models.SessionState
	subs     map[int]chan models.SessionState
	nextSub  int
}

// NewController starts a controller in the idle phase.
func NewController(opts Options, submitter Submitter, dialer channel.Dialer, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	c := &Controller{
		opts:      opts,
		submitter: submitter,
		dialer:    dialer,
		log:       log.Named("session").With(zap.String("session", shortID(opts.SessionID))),
		events:    make(chan event, 32),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		subs:      make(map[int]chan models.SessionState),
	}
	c.state = models.SessionState{
		SessionID: opts.SessionID,
		Phase:     models.PhaseIdle,
		UpdatedAt: time.Now(),
	}
	c.snapshot = c.state

	c.wg.Add(1)
	go c.run()
	return c
}

// SessionID identifies this session in state snapshots and logs.
func (c *Controller) SessionID() string {
	return c.opts.SessionID
}

// Submit starts a new attempt for candidate and returns its identity. A nil
// candidate settles the attempt with ErrNoFile. Any previous attempt is
// superseded and its channel closed.
func (c *Controller) Submit(candidate *models.CandidateFile) uint64 {
	id := c.seq.Add(1)
	c.post(submitEvent{attempt: id, candidate: candidate})
	return id
}

// State returns the latest published state.
func (c *Controller) State() models.SessionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// Subscribe returns a channel that receives the current state followed by
// every later one, and a function that ends the subscription.
func (c *Controller) Subscribe() (<-chan models.SessionState, func()) {
	ch := make(chan models.SessionState, subscriberBuffer)

	select {
	case <-c.done:
		ch <- c.State()
		close(ch)
		return ch, func() {}
	default:
	}

	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.snapshot
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if _, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(ch)
			}
		})
	}
}

// Close stops the loop, closes any open channel and waits for background
// work to finish.
func (c *Controller) Close() {
	c.once.Do(func() {
		close(c.done)
		c.cancel()
	})
	c.wg.Wait()

	c.mu.Lock()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	c.mu.Unlock()
}

// post queues ev for the loop. It reports false once the controller is closed.
func (c *Controller) post(ev event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *Controller) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			c.releaseChannel()
			c.drain()
			return
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

// drain closes conns of opened events still queued when the loop stops.
func (c *Controller) drain() {
	for {
		select {
		case ev := <-c.events:
			if opened, ok := ev.(channelOpenedEvent); ok {
				opened.conn.Close()
			}
		default:
			return
		}
	}
}

func (c *Controller) handle(ev event) {
	if s, ok := ev.(submitEvent); ok {
		c.handleSubmit(s)
		return
	}
	if ev.attemptID() != c.attempt {
		c.log.Debug("dropping stale event",
			zap.Uint64("attempt", ev.attemptID()),
			zap.Uint64("current", c.attempt),
			zap.String("event", fmt.Sprintf("%T", ev)))
		if opened, ok := ev.(channelOpenedEvent); ok {
			opened.conn.Close()
		}
		return
	}

	switch e := ev.(type) {
	case uploadDoneEvent:
		c.handleUploadDone(e)
	case channelOpenedEvent:
		c.handleChannelOpened(e)
	case channelMessageEvent:
		c.handleChannelMessage(e)
	case channelFailedEvent:
		c.handleChannelFailed(e)
	case channelClosedEvent:
		c.handleChannelClosed(e)
	case timeoutEvent:
		c.handleTimeout()
	}
}

func (c *Controller) handleSubmit(e submitEvent) {
	if c.conn != nil || c.cancelDial != nil {
		c.log.Info("superseding attempt", zap.Uint64("attempt", c.attempt))
	}
	c.releaseChannel()

	c.attempt = e.attempt
	c.consumed = false
	c.state = models.SessionState{
		SessionID: c.opts.SessionID,
		Attempt:   e.attempt,
	}

	if e.candidate == nil {
		c.settleError(ErrNoFile)
		return
	}

	c.transition(models.PhaseValidating, "")
	if v := validate.Validate(c.opts.Policy, e.candidate); !v.Accepted {
		c.settleError(rejection(v))
		return
	}

	c.transition(models.PhaseSubmitting, "")
	c.wg.Add(1)
	go c.upload(e.attempt, e.candidate)
}

// upload runs off the loop. A newer submission does not cancel it; its
// result is dropped as stale instead.
func (c *Controller) upload(attempt uint64, candidate *models.CandidateFile) {
	defer c.wg.Done()

	ctx, cancel := context.WithTimeout(c.ctx, c.opts.SubmitTimeout)
	defer cancel()

	res, err := c.submitter.Submit(ctx, candidate)
	if err == nil && !res.OK {
		err = upload.ErrUploadFailed
	}
	if err == nil && res.Token == "" {
		err = upload.ErrMissingToken
	}
	c.post(uploadDoneEvent{attempt: attempt, result: res, err: err})
}

func (c *Controller) handleUploadDone(e uploadDoneEvent) {
	if c.state.Phase != models.PhaseSubmitting {
		return
	}
	if e.err != nil {
		c.log.Warn("upload failed", zap.Uint64("attempt", e.attempt), zap.Error(e.err))
		if errors.Is(e.err, upload.ErrMissingToken) {
			c.settleError(ErrUploadNoToken)
		} else {
			c.settleError(ErrUploadFailed)
		}
		return
	}

	c.transition(models.PhaseAwaitingToken, "File uploaded successfully.")
	c.transition(models.PhaseChannelOpen, "File uploaded successfully.")

	ctx, cancel := context.WithCancel(c.ctx)
	c.cancelDial = cancel
	c.wg.Add(1)
	go c.readChannel(ctx, e.attempt, e.result.Token)
}

// readChannel dials the channel and forwards everything it reads to the loop.
func (c *Controller) readChannel(ctx context.Context, attempt uint64, token string) {
	defer c.wg.Done()

	raw, err := c.dialer.Dial(ctx, token)
	if err != nil {
		c.post(channelFailedEvent{attempt: attempt, err: err})
		return
	}

	// The attempt context ends on supersede, settle and Close. Closing the
	// conn then unblocks ReadMessage even if the loop never took the conn.
	conn := &ownedConn{Conn: raw}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if !c.post(channelOpenedEvent{attempt: attempt, conn: conn}) {
		conn.Close()
		return
	}

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, channel.ErrClosed) || channel.IsRemoteClose(err) {
				c.post(channelClosedEvent{attempt: attempt, err: err})
			} else {
				c.post(channelFailedEvent{attempt: attempt, err: err})
			}
			return
		}
		if !c.post(channelMessageEvent{attempt: attempt, data: data}) {
			return
		}
	}
}

func (c *Controller) handleChannelOpened(e channelOpenedEvent) {
	if c.state.Phase != models.PhaseChannelOpen {
		e.conn.Close()
		return
	}
	c.conn = e.conn
	c.transition(models.PhaseExtracting, "Extracting info from image...")

	attempt := e.attempt
	c.timer = time.AfterFunc(c.opts.ResultTimeout, func() {
		c.post(timeoutEvent{attempt: attempt})
	})
}

func (c *Controller) handleChannelMessage(e channelMessageEvent) {
	if c.consumed || c.state.Phase != models.PhaseExtracting {
		return
	}
	c.consumed = true

	var result models.ExtractionResult
	if err := json.Unmarshal(e.data, &result); err != nil {
		c.log.Warn("malformed result", zap.Uint64("attempt", e.attempt), zap.Error(err))
		c.settleError(ErrMalformedResult)
		return
	}

	if !result.Valid() {
		c.settle(models.OutcomeInvalidImage, models.ErrorKindSemantic, "invalid image", "Invalid Image", nil)
		return
	}
	msg := fmt.Sprintf("Date of Birth: %s\nExpiry Date: %s", result.DateOfBirth, result.ExpiryDate)
	c.settle(models.OutcomeSuccess, models.ErrorKindNone, "", msg, &result)
}

func (c *Controller) handleChannelFailed(e channelFailedEvent) {
	if c.state.Settled() {
		return
	}
	c.log.Warn("channel error", zap.Uint64("attempt", e.attempt), zap.Error(e.err))
	c.settleError(ErrChannel)
}

func (c *Controller) handleChannelClosed(e channelClosedEvent) {
	if c.state.Settled() {
		return
	}
	c.settleError(ErrClosedWithoutResult)
}

func (c *Controller) handleTimeout() {
	if c.state.Phase != models.PhaseExtracting {
		return
	}
	c.log.Warn("timed out waiting for result", zap.Duration("after", c.opts.ResultTimeout))
	c.settleError(ErrTimeout)
}

// releaseChannel closes whatever the current attempt holds. The conn is
// closed at most once because it is dropped right after.
func (c *Controller) releaseChannel() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.log.Debug("closing channel", zap.Error(err))
		}
		c.conn = nil
	}
}

func (c *Controller) transition(phase models.Phase, message string) {
	c.state.Phase = phase
	c.state.Message = message
	c.publish()
}

func (c *Controller) settleError(f *Failure) {
	c.settle(models.OutcomeError, f.Kind, f.Reason, f.Message, nil)
}

// settle releases the channel before publishing so observers never see a
// settled state with an open channel.
func (c *Controller) settle(outcome models.Outcome, kind models.ErrorKind, reason, message string, result *models.ExtractionResult) {
	c.releaseChannel()

	c.state.Phase = models.PhaseSettled
	c.state.Outcome = outcome
	c.state.ErrorKind = kind
	c.state.Reason = reason
	c.state.Message = message
	c.state.Result = result
	c.publish()

	c.log.Info("attempt settled",
		zap.Uint64("attempt", c.attempt),
		zap.String("outcome", string(outcome)),
		zap.String("reason", reason))
}

// publish stores the snapshot and fans it out. A full subscriber loses its
// oldest pending state, never the newest.
func (c *Controller) publish() {
	c.state.UpdatedAt = time.Now()
	s := c.state

	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot = s
	for _, ch := range c.subs {
		select {
		case ch <- s:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// ownedConn closes the underlying conn at most once, whether the loop or the
// reader's context gets there first.
type ownedConn struct {
	channel.Conn
	once sync.Once
	err  error
}

func (o *ownedConn) Close() error {
	o.once.Do(func() { o.err = o.Conn.Close() })
	return o.err
}
