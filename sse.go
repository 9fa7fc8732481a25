package omcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/elnormous/contenttype"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

// SSEClient implements Transport over Server-Sent Events. The provider pushes events on a
// long-lived GET stream and the client POSTs its JSON-RPC messages to the endpoint the
// provider announces on that stream.
//
// A background event pump owns the stream and reopens it whenever it breaks; the provider
// then announces a fresh endpoint and the client repeats the handshake on it. Replies are
// correlated by order: the next message received after a request is its reply, so only one
// of ListTools, Call and EventLoop may run at a time. A second concurrent consumer fails
// with ErrConsumerBusy.
//
// Instances should be created using NewSSEClient.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	header     http.Header
	clientInfo Info
	logger     *slog.Logger
	policy     ReconnectPolicy
	clock      clockwork.Clock
	capacity   int
	maxLine    int
	metrics    *pumpMetrics
	optErrs    []error

	nextID   atomic.Uint64
	consumer sync.Mutex

	mu         sync.Mutex
	state      State
	endpoint   Endpoint
	serverInfo Info
	events     <-chan Event
	cancel     context.CancelFunc
	pump       *errgroup.Group
}

const (
	clientName    = "omcp"
	clientVersion = "0.1.0"
)

var eventStreamMediaType = contenttype.NewMediaType("text/event-stream")

// NewSSEClient creates an SSE client for the stream at connectURL. The optional httpClient
// parameter allows custom HTTP client configuration - if nil, the default HTTP client is
// used. It must not have a Timeout, the stream is read for as long as the session lives.
// The client must call Connect to begin communication.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) (*SSEClient, error) {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &SSEClient{
		httpClient: cli,
		connectURL: connectURL,
		header:     make(http.Header),
		clientInfo: Info{Name: clientName, Version: clientVersion},
		logger:     slog.Default(),
		policy:     FixedReconnect(DefaultReconnectDelay),
		clock:      clockwork.NewRealClock(),
		capacity:   defaultChannelCapacity,
		maxLine:    DefaultMaxLineSize,
	}

	for _, opt := range options {
		opt(s)
	}
	if len(s.optErrs) > 0 {
		return nil, errors.Join(s.optErrs...)
	}
	if s.metrics == nil {
		s.metrics = newPumpMetrics(nil)
	}

	return s, nil
}

// Connect opens the event stream, starts the event pump and drives the handshake until the
// session is ready. The provider must announce an endpoint before pushing any message,
// otherwise Connect fails with ErrConnectionState. On failure everything Connect started
// is torn down again.
//
// ctx bounds the whole connection phase. Once Connect returned, the session lives until
// Disconnect.
func (s *SSEClient) Connect(ctx context.Context) error {
	if !s.consumer.TryLock() {
		return ErrConsumerBusy
	}
	defer s.consumer.Unlock()

	s.mu.Lock()
	connected := s.cancel != nil
	s.mu.Unlock()
	if connected {
		return fmt.Errorf("%w: already connected", ErrConnectionState)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)

	body, err := s.open(pumpCtx)
	if err != nil {
		stop()
		cancel()
		return err
	}

	events := make(chan Event, s.capacity)
	p := &pump{
		origin:  s.connectURL,
		open:    s.open,
		events:  events,
		policy:  s.policy,
		clock:   s.clock,
		logger:  s.logger,
		metrics: s.metrics,
		parser:  FrameParser{MaxLineSize: s.maxLine},
	}
	g := new(errgroup.Group)
	g.Go(func() error {
		return p.run(pumpCtx, body)
	})

	s.nextID.Store(0)
	s.mu.Lock()
	s.events = events
	s.cancel = cancel
	s.pump = g
	s.state = StateUninitialized
	s.endpoint = Endpoint{}
	s.serverInfo = Info{}
	s.mu.Unlock()

	if err := s.awaitReady(ctx); err != nil {
		stop()
		if dErr := s.Disconnect(context.Background()); dErr != nil {
			s.logger.Warn("failed to tear down event pump", "err", dErr)
		}
		return fmt.Errorf("failed to complete handshake: %w", err)
	}
	if !stop() {
		// ctx ended right after the handshake and already cancelled the pump.
		_ = s.Disconnect(context.Background())
		return ctx.Err()
	}

	s.logger.Info("connected", "url", s.connectURL, "endpoint", s.Endpoint().URL)
	return nil
}

// Disconnect stops the event pump and waits for it to finish. Calling it twice, or before
// Connect, is a no-op.
func (s *SSEClient) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	cancel, g := s.cancel, s.pump
	s.cancel = nil
	s.pump = nil
	s.events = nil
	s.state = StateDisconnected
	s.endpoint = Endpoint{}
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	errs := make(chan error, 1)
	go func() {
		errs <- g.Wait()
	}()

	select {
	case err := <-errs:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("event pump failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for event pump: %w", ctx.Err())
	}
}

// ListTools sends a tools/list request and returns the tools of the reply.
func (s *SSEClient) ListTools(ctx context.Context) ([]Tool, error) {
	if !s.consumer.TryLock() {
		return nil, ErrConsumerBusy
	}
	defer s.consumer.Unlock()

	msg, err := s.request(ctx, MethodToolsList, nil)
	if err != nil {
		return nil, err
	}
	return toolsFromResult(msg)
}

// Call invokes a tool and returns the result of the reply as indented JSON. An error reply
// is returned as a *JSONRPCError.
func (s *SSEClient) Call(ctx context.Context, params CallParams) (string, error) {
	if !s.consumer.TryLock() {
		return "", ErrConsumerBusy
	}
	defer s.consumer.Unlock()

	msg, err := s.request(ctx, MethodToolsCall, callArguments(params))
	if err != nil {
		return "", err
	}
	return prettyResult(msg)
}

// EventLoop hands every message pushed by the provider to handler until the handler
// returns ErrEOF, the session is disconnected or ctx is cancelled. When the stream is
// replaced the handshake is repeated on the new endpoint without involving handler.
func (s *SSEClient) EventLoop(ctx context.Context, handler EventHandler) error {
	if !s.consumer.TryLock() {
		return ErrConsumerBusy
	}
	defer s.consumer.Unlock()

	if s.State() == StateDisconnected {
		return ErrNotConnected
	}

	for {
		msg, err := s.receive(ctx)
		switch {
		case errors.Is(err, ErrSessionReplaced):
			s.logger.Info("session replaced", "endpoint", s.Endpoint().URL)
			continue
		case errors.Is(err, ErrConnectionClosed), errors.Is(err, ErrNotConnected):
			return nil
		case err != nil:
			return err
		}

		if err := handler.HandleEvent(ctx, msg); err != nil {
			if errors.Is(err, ErrEOF) {
				return nil
			}
			return err
		}
	}
}

// Send transmits a JSON-encoded message to the announced endpoint through an HTTP POST
// request. Returns ErrNotConnected if no endpoint is known, or an error if message
// encoding fails or the server responds with a non-2xx status code.
func (s *SSEClient) Send(ctx context.Context, msg JSONRPCMessage) error {
	endpoint := s.Endpoint()
	if endpoint.URL == "" {
		return ErrNotConnected
	}

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(msgBs))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header = s.header.Clone()
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

// State returns the handshake state of the session.
func (s *SSEClient) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Endpoint returns the endpoint outbound messages are currently sent to.
func (s *SSEClient) Endpoint() Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// ServerInfo returns the server information the provider sent in its initialize reply, if
// it sent any.
func (s *SSEClient) ServerInfo() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverInfo
}

func (s *SSEClient) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *SSEClient) open(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.connectURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %w", ErrConnectionFailure, err)
	}
	req.Header = s.header.Clone()
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to SSE server: %w", ErrConnectionFailure, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: unexpected status code: %d", ErrConnectionFailure, resp.StatusCode)
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		mt, err := contenttype.ParseMediaType(ct)
		if err != nil || !mt.Matches(eventStreamMediaType) {
			resp.Body.Close()
			return nil, fmt.Errorf("%w: unexpected content type: %q", ErrConnectionFailure, ct)
		}
	}

	return resp.Body, nil
}

// request sends a request with a freshly drawn id and waits for its reply. Until the
// provider announced an endpoint on a reopened stream, and the handshake on it completed,
// requests fail with ErrNotConnected.
func (s *SSEClient) request(ctx context.Context, method string, params map[string]any) (JSONRPCMessage, error) {
	if s.State() == StateDisconnected {
		return JSONRPCMessage{}, ErrNotConnected
	}
	if err := s.drain(ctx); err != nil {
		return JSONRPCMessage{}, err
	}
	if s.State() != StateReady {
		return JSONRPCMessage{}, fmt.Errorf("%w: waiting for the provider to announce an endpoint", ErrNotConnected)
	}

	msg := NewRequest(s.nextID.Add(1), method, params)
	if err := s.Send(ctx, msg); err != nil {
		return JSONRPCMessage{}, fmt.Errorf("failed to send %s request: %w", method, err)
	}

	return s.receive(ctx)
}

// receive returns the next message meant for the consumer. When the stream is lost or the
// provider announces a new endpoint instead, the handshake is repeated once an endpoint is
// known and ErrSessionReplaced is returned: the request in flight was addressed to a
// session that no longer exists.
func (s *SSEClient) receive(ctx context.Context) (JSONRPCMessage, error) {
	ev, err := s.next(ctx)
	if err != nil {
		return JSONRPCMessage{}, err
	}

	consumed, err := s.advance(ctx, ev)
	if err != nil {
		return JSONRPCMessage{}, fmt.Errorf("failed to restart handshake: %w", err)
	}
	if !consumed {
		return ev.Message, nil
	}

	if err := s.awaitReady(ctx); err != nil {
		return JSONRPCMessage{}, fmt.Errorf("failed to restart handshake: %w", err)
	}
	return JSONRPCMessage{}, ErrSessionReplaced
}

// drain consumes the events already queued before a request is sent, none of them can be
// its reply. A queued reset voids the endpoint, a queued endpoint restarts the handshake
// and queued messages are discarded.
func (s *SSEClient) drain(ctx context.Context) error {
	s.mu.Lock()
	events := s.events
	s.mu.Unlock()

	for {
		var ev Event
		var ok bool
		select {
		case ev, ok = <-events:
		default:
			return nil
		}
		if !ok {
			return ErrConnectionClosed
		}

		switch ev.Kind {
		case EventMessage:
			s.logger.Debug("discarded unsolicited message", "method", ev.Message.Method)
			continue
		case EventReset:
			if _, err := s.advance(ctx, ev); err != nil {
				return err
			}
			continue
		}
		if _, err := s.advance(ctx, ev); err != nil {
			return fmt.Errorf("failed to restart handshake: %w", err)
		}
		if err := s.awaitReady(ctx); err != nil {
			return fmt.Errorf("failed to restart handshake: %w", err)
		}
	}
}

func (s *SSEClient) next(ctx context.Context) (Event, error) {
	s.mu.Lock()
	events := s.events
	s.mu.Unlock()
	if events == nil {
		return Event{}, ErrNotConnected
	}

	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case ev, ok := <-events:
		if !ok {
			return Event{}, ErrConnectionClosed
		}
		return ev, nil
	}
}
