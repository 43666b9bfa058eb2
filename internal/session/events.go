package session

import (
	"github.com/passport-extract/client/internal/channel"
	"github.com/passport-extract/client/internal/models"
)

// event is anything the loop reacts to. Each carries the attempt it belongs
// to so late events from superseded attempts can be dropped.
type event interface {
	attemptID() uint64
}

type submitEvent struct {
	attempt   uint64
	candidate *models.CandidateFile
}

type uploadDoneEvent struct {
	attempt uint64
	result  models.SubmissionResult
	err     error
}

type channelOpenedEvent struct {
	attempt uint64
	conn    channel.Conn
}

type channelMessageEvent struct {
	attempt uint64
	data    []byte
}

type channelFailedEvent struct {
	attempt uint64
	err     error
}

type channelClosedEvent struct {
	attempt uint64
	err     error
}

type timeoutEvent struct {
	attempt uint64
}

func (e submitEvent) attemptID() uint64         { return e.attempt }
func (e uploadDoneEvent) attemptID() uint64     { return e.attempt }
func (e channelOpenedEvent) attemptID() uint64  { return e.attempt }
func (e channelMessageEvent) attemptID() uint64 { return e.attempt }
func (e channelFailedEvent) attemptID() uint64  { return e.attempt }
func (e channelClosedEvent) attemptID() uint64  { return e.attempt }
func (e timeoutEvent) attemptID() uint64        { return e.attempt }
