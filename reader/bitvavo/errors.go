package bitvavo

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected      = errors.New("bitvavo: not connected")
	ErrAlreadyConnected  = errors.New("bitvavo: connection already active")
	ErrAlreadyResolved   = errors.New("bitvavo: completion already resolved")
	ErrRequestPending    = errors.New("bitvavo: request already pending for channel")
	ErrInvalidChannel    = errors.New("bitvavo: unknown channel")
	ErrNoMarkets         = errors.New("bitvavo: no markets given")
	ErrNotObject         = errors.New("bitvavo: payload is not a json object")
	ErrInvalidJSON       = errors.New("bitvavo: payload is not valid json")
	ErrConnectionDropped = errors.New("bitvavo: connection dropped")
)

// Connect stages, in the order they run.
const (
	StageResolve = "resolve"
	StageDial    = "dial"
	StageTLS     = "tls"
	StageUpgrade = "upgrade"
)

const maxPayloadInError = 256

// ConnectError reports which connect stage failed.
type ConnectError struct {
	Stage string
	Host  string
	Err   error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("bitvavo: connect %s (%s): %v", e.Stage, e.Host, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SendError reports a frame that could not be written.
type SendError struct {
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("bitvavo: send: %v", e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// ParseError reports a frame that is not a json object.
type ParseError struct {
	Payload string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%v: %s", e.Err, e.Payload)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError reports a well-formed event with a missing or mistyped
// field. The whole message is dropped.
type ValidationError struct {
	Event   string
	Field   string
	Reason  string
	Payload string
	Err     error
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("bitvavo: invalid %s message: field %q %s", e.Event, e.Field, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg + ": " + e.Payload
}

func (e *ValidationError) Unwrap() error { return e.Err }

func truncatePayload(frame []byte) string {
	if len(frame) <= maxPayloadInError {
		return string(frame)
	}
	return string(frame[:maxPayloadInError]) + "..."
}
