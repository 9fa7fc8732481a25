package omcp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventKind tells the protocol events apart.
type EventKind int

// Event kinds. EventReset is never produced by Classify: the event pump publishes it when
// the stream breaks, the announced endpoint is void from then on.
const (
	EventEndpoint EventKind = iota + 1
	EventMessage
	EventReset
)

const (
	sseEventEndpoint = "endpoint"
	sseEventMessage  = "message"
)

func (k EventKind) String() string {
	switch k {
	case EventEndpoint:
		return sseEventEndpoint
	case EventMessage:
		return sseEventMessage
	case EventReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Endpoint is a server announced callback target for outbound messages.
type Endpoint struct {
	// Path is the path literally announced by the server, e.g. "/messages/abcd".
	Path string
	// URL is the absolute URL the client POSTs to, resolved once at announcement time.
	URL string
}

// Event is a classified frame, either an Endpoint announcement or a JSON-RPC Message, or
// the notice that the stream was lost.
type Event struct {
	Kind     EventKind
	Endpoint Endpoint
	Message  JSONRPCMessage
}

// Classify turns a completed wire frame into a protocol event. The origin is the URL the
// stream was opened with, endpoint paths are resolved against it.
//
// A message whose data is not a valid JSON-RPC envelope does not fail: it is replaced by
// an envelope carrying a "deserialization failure" error so one bad push does not end the
// session.
func Classify(origin string, frame Frame) (Event, error) {
	switch frame.Event {
	case sseEventEndpoint:
		endpoint, err := ResolveEndpoint(origin, frame.Data)
		if err != nil {
			return Event{}, err
		}
		return Event{Kind: EventEndpoint, Endpoint: endpoint}, nil
	case sseEventMessage:
		var msg JSONRPCMessage
		if err := json.Unmarshal([]byte(frame.Data), &msg); err != nil {
			msg = NewError(nil, deserializationFailureCode, deserializationFailureMessage)
		}
		return Event{Kind: EventMessage, Message: msg}, nil
	default:
		return Event{}, &UnsupportedEventTypeError{Name: frame.Event}
	}
}

// ResolveEndpoint anchors an announced path in the origin URL.
//
// The first segment of path (e.g. "messages" for "/messages/abcd") is searched in origin
// as "/messages". Everything in origin before that occurrence is kept as the base and the
// full path is appended to it:
//
//	ResolveEndpoint("http://host:8000/mcp_server/sse", "/mcp_server/messages/xyz")
//	// http://host:8000/mcp_server/messages/xyz
//
// so the server can hand out a session path on the same scheme, host and port without the
// client hard-coding them.
func ResolveEndpoint(origin, path string) (Endpoint, error) {
	segments := strings.Split(path, "/")
	if len(segments) < 2 || segments[1] == "" {
		return Endpoint{}, fmt.Errorf("%w: no anchor segment in %q", ErrInvalidEndpoint, path)
	}
	anchor := "/" + segments[1]

	base, _, found := strings.Cut(origin, anchor)
	if !found {
		return Endpoint{}, fmt.Errorf("%w: %q not found in %q", ErrInvalidEndpoint, anchor, origin)
	}

	return Endpoint{
		Path: path,
		URL:  base + path,
	}, nil
}
