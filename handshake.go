package omcp

import (
	"context"
	"fmt"
)

// State is the handshake state of an SSEClient session.
type State int

// Session states. A session goes Uninitialized -> Initialized -> Ready, and back to
// Uninitialized whenever the stream is lost or the provider announces a new endpoint.
const (
	// StateDisconnected is the state before Connect and after Disconnect.
	StateDisconnected State = iota
	// StateUninitialized means no endpoint is known, the stream was just opened or is being
	// reopened.
	StateUninitialized
	// StateInitialized means initialize was sent to the announced endpoint.
	StateInitialized
	// StateReady means the handshake completed and tool requests are accepted.
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// advance feeds one event into the handshake. It reports whether the handshake consumed
// the event, events that are not consumed belong to the active consumer.
func (s *SSEClient) advance(ctx context.Context, ev Event) (bool, error) {
	switch ev.Kind {
	case EventEndpoint:
		return true, s.restartHandshake(ctx, ev.Endpoint)
	case EventReset:
		s.resetSession()
		return true, nil
	}

	switch s.State() {
	case StateUninitialized:
		return false, fmt.Errorf("%w: message received before any endpoint", ErrConnectionState)
	case StateInitialized:
		s.recordServerInfo(ev.Message)
		if err := s.Send(ctx, NewNotification(methodNotificationsInitialized, nil)); err != nil {
			return true, fmt.Errorf("failed to send initialized notification: %w", err)
		}
		s.setState(StateReady)
		s.logger.Debug("session ready", "endpoint", s.Endpoint().URL)
		return true, nil
	case StateReady:
		return false, nil
	default:
		return false, ErrNotConnected
	}
}

// resetSession voids the endpoint of a lost stream, nothing can be sent until the reopened
// stream announces a new one.
func (s *SSEClient) resetSession() {
	s.mu.Lock()
	s.endpoint = Endpoint{}
	s.state = StateUninitialized
	s.mu.Unlock()
	s.logger.Info("event stream lost, waiting for a new endpoint", "url", s.connectURL)
}

func (s *SSEClient) restartHandshake(ctx context.Context, endpoint Endpoint) error {
	s.mu.Lock()
	s.endpoint = endpoint
	s.state = StateUninitialized
	s.mu.Unlock()
	s.logger.Debug("endpoint announced", "path", endpoint.Path, "url", endpoint.URL)

	msg, err := initializeMessage(s.nextID.Add(1), s.clientInfo)
	if err != nil {
		return err
	}
	if err := s.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send initialize: %w", err)
	}
	s.setState(StateInitialized)
	return nil
}

// awaitReady consumes events until the handshake reaches StateReady.
func (s *SSEClient) awaitReady(ctx context.Context) error {
	for s.State() != StateReady {
		ev, err := s.next(ctx)
		if err != nil {
			return err
		}
		if _, err := s.advance(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (s *SSEClient) recordServerInfo(msg JSONRPCMessage) {
	if msg.Error != nil || msg.Result == nil {
		return
	}
	var result initializeResult
	if err := fromParams(msg.Result, &result); err != nil {
		return
	}
	if result.ServerInfo.Name == "" {
		return
	}
	s.mu.Lock()
	s.serverInfo = result.ServerInfo
	s.mu.Unlock()
}
