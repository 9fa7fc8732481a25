package omcp

import (
	"errors"
	"fmt"
)

// Connection errors.
var (
	// ErrConnectionFailure is returned when the stream cannot be opened: the GET failed, the
	// server answered with a non-2xx status, or the response is not an event stream.
	ErrConnectionFailure = errors.New("connection failure")
	// ErrConnectionClosed is returned by operations waiting on the event channel when the
	// event pump has terminated.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrInvalidEncoding is returned by the frame parser for lines that are not valid UTF-8.
	ErrInvalidEncoding = errors.New("invalid encoding")
	// ErrLineTooLong is returned by the frame parser for lines longer than its limit.
	ErrLineTooLong = errors.New("line too long")
)

// Protocol errors.
var (
	// ErrUnsupportedEventType matches any *UnsupportedEventTypeError.
	ErrUnsupportedEventType = errors.New("unsupported event type")
	// ErrInvalidEndpoint is returned when an announced endpoint path cannot be anchored in
	// the URL the stream was opened with.
	ErrInvalidEndpoint = errors.New("invalid endpoint")
	// ErrConnectionState is returned when the handshake sees an event that is not allowed
	// in the current state, e.g. a message before any endpoint announcement.
	ErrConnectionState = errors.New("connection state failure")
	// ErrSessionReplaced is returned by ListTools and Call when the server announced a new
	// endpoint while the reply was awaited. The client has already re-run the handshake on
	// the new endpoint, so the operation can be retried.
	ErrSessionReplaced = errors.New("session replaced by a new endpoint")
)

// Correlation, plumbing and usage errors.
var (
	// ErrNotFound is returned when a reply does not have the expected shape.
	ErrNotFound = errors.New("not found")
	// ErrNotConnected is returned when an operation needs an established session.
	ErrNotConnected = errors.New("not connected")
	// ErrInvalidHeader is returned by header options for names or values that are not
	// valid HTTP header fields.
	ErrInvalidHeader = errors.New("invalid header")
	// ErrConsumerBusy is returned when a second consumer tries to read the event channel
	// while ListTools, Call or EventLoop is already active on the same client.
	ErrConsumerBusy = errors.New("event channel already has an active consumer")
	// ErrNotImplemented is returned by transports for operations they do not support.
	ErrNotImplemented = errors.New("not implemented")
	// ErrEOF is returned by an EventHandler to end an EventLoop without error.
	ErrEOF = errors.New("end of stream")
)

// UnsupportedEventTypeError reports an SSE frame with an event name other than
// "endpoint" or "message".
type UnsupportedEventTypeError struct {
	Name string
}

// ToolCallError wraps the failure of an in-process tool.
type ToolCallError struct {
	Tool string
	Err  error
}

func (e *UnsupportedEventTypeError) Error() string {
	return fmt.Sprintf("unsupported event type: %q", e.Name)
}

// Is reports whether target is ErrUnsupportedEventType.
func (e *UnsupportedEventTypeError) Is(target error) bool {
	return target == ErrUnsupportedEventType
}

func (e *ToolCallError) Error() string {
	return fmt.Sprintf("tool %q failed: %v", e.Tool, e.Err)
}

func (e *ToolCallError) Unwrap() error {
	return e.Err
}
