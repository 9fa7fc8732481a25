// Package ssetest provides an in-memory tool provider speaking the SSE transport, for
// tests of the omcp client.
//
// The provider serves its event stream at /mcp/sse and announces a fresh endpoint
// /mcp/messages/<session id> on every stream it opens. Messages POSTed to that endpoint
// are recorded and answered on the stream: initialize, ping, tools/list and tools/call are
// handled, other requests get a method-not-found error. Tests can push raw frames and drop
// the stream to simulate a transport failure.
package ssetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/MegaGrindStone/go-omcp"
	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

const (
	// StreamPath is the path the event stream is served at.
	StreamPath = "/mcp/sse"
	// MessagePathPrefix prefixes every announced endpoint.
	MessagePathPrefix = "/mcp/messages/"
)

// ErrNoStream is returned by the push methods when no client is connected.
var ErrNoStream = errors.New("no open stream")

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaTypes = []contenttype.MediaType{contenttype.NewMediaType("text/event-stream")}
)

// Provider is a test tool provider. Instances should be created using NewProvider and
// closed with Close.
type Provider struct {
	srv         *httptest.Server
	logger      *slog.Logger
	tools       []omcp.Tool
	callHandler CallHandler
	announce    bool
	serverInfo  omcp.Info

	mu       sync.Mutex
	streams  map[string]*stream
	current  *stream
	connects int
	refusing bool
	received []Received
	headers  []http.Header
	changed  chan struct{}
}

// CallHandler computes the result of a tools/call request. A non-nil error is sent back as
// a JSON-RPC error reply.
type CallHandler func(params omcp.CallParams) (map[string]any, error)

// Received is a message POSTed by the client.
type Received struct {
	SessionID string
	Body      []byte
	Message   omcp.JSONRPCMessage
}

// Option configures a Provider.
type Option func(*Provider)

type stream struct {
	id   string
	sess *sse.Session

	mu   sync.Mutex
	done chan struct{}
	once sync.Once
}

// WithTools sets the tools returned by tools/list.
func WithTools(tools ...omcp.Tool) Option {
	return func(p *Provider) {
		p.tools = tools
	}
}

// WithCallHandler sets how tools/call requests are answered. By default the arguments are
// echoed back as text content.
func WithCallHandler(handler CallHandler) Option {
	return func(p *Provider) {
		p.callHandler = handler
	}
}

// WithoutEndpoint stops the provider from announcing endpoints on its own, tests push
// every frame themselves.
func WithoutEndpoint() Option {
	return func(p *Provider) {
		p.announce = false
	}
}

// WithLogger sets the logger, slog.Default() is used otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		p.logger = logger
	}
}

// NewProvider starts a provider on a local test server.
func NewProvider(options ...Option) *Provider {
	p := &Provider{
		logger:     slog.Default(),
		announce:   true,
		serverInfo: omcp.Info{Name: "ssetest", Version: "1.0.0"},
		streams:    make(map[string]*stream),
		changed:    make(chan struct{}),
	}
	for _, opt := range options {
		opt(p)
	}
	if p.callHandler == nil {
		p.callHandler = echoCall
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+StreamPath, p.handleSSE)
	mux.HandleFunc("POST "+MessagePathPrefix+"{id}", p.handleMessage)
	p.srv = httptest.NewServer(mux)

	return p
}

// URL returns the URL of the event stream, the one a client connects to.
func (p *Provider) URL() string {
	return p.srv.URL + StreamPath
}

// Client returns an HTTP client configured for the test server.
func (p *Provider) Client() *http.Client {
	return p.srv.Client()
}

// Close drops every open stream and shuts the test server down.
func (p *Provider) Close() {
	p.mu.Lock()
	for _, st := range p.streams {
		st.close()
	}
	p.mu.Unlock()

	p.srv.Close()
}

// Drop ends the current stream, the client sees the response body end.
func (p *Provider) Drop() {
	p.mu.Lock()
	st := p.current
	p.current = nil
	p.mu.Unlock()

	if st != nil {
		st.close()
	}
}

// Refuse makes the provider answer new stream requests with 503 Service Unavailable while
// refuse is true, as a provider that is down would. Open streams are not affected.
func (p *Provider) Refuse(refuse bool) {
	p.mu.Lock()
	p.refusing = refuse
	p.mu.Unlock()
}

// Push writes raw bytes to the current stream, as they are.
func (p *Provider) Push(raw string) error {
	st := p.currentStream()
	if st == nil {
		return ErrNoStream
	}
	return st.write(func(sess *sse.Session) error {
		if _, err := io.WriteString(sess.Res, raw); err != nil {
			return err
		}
		return sess.Flush()
	})
}

// Announce pushes an endpoint event carrying path.
func (p *Provider) Announce(path string) error {
	st := p.currentStream()
	if st == nil {
		return ErrNoStream
	}
	return st.send("endpoint", path)
}

// Reannounce pushes the endpoint of the current stream once more, as a provider does when
// it restarts the session on the same connection.
func (p *Provider) Reannounce() error {
	st := p.currentStream()
	if st == nil {
		return ErrNoStream
	}
	return st.send("endpoint", MessagePathPrefix+st.id)
}

// PushMessage pushes msg as a message event.
func (p *Provider) PushMessage(msg omcp.JSONRPCMessage) error {
	st := p.currentStream()
	if st == nil {
		return ErrNoStream
	}
	return st.sendMessage(msg)
}

// Connects returns how many streams the provider has opened.
func (p *Provider) Connects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects
}

// Received returns every message POSTed so far, in arrival order.
func (p *Provider) Received() []Received {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Received(nil), p.received...)
}

// StreamHeaders returns the headers of every stream request so far.
func (p *Provider) StreamHeaders() []http.Header {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]http.Header(nil), p.headers...)
}

// AwaitConnects blocks until the provider opened at least n streams.
func (p *Provider) AwaitConnects(ctx context.Context, n int) error {
	return p.await(ctx, func() bool { return p.connects >= n })
}

// AwaitReceived blocks until at least n messages were POSTed.
func (p *Provider) AwaitReceived(ctx context.Context, n int) error {
	return p.await(ctx, func() bool { return len(p.received) >= n })
}

func (p *Provider) await(ctx context.Context, cond func() bool) error {
	for {
		p.mu.Lock()
		ok := cond()
		changed := p.changed
		p.mu.Unlock()
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to wait for provider: %w", ctx.Err())
		case <-changed:
		}
	}
}

// notify wakes every waiter. Must be called with p.mu held.
func (p *Provider) notify() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *Provider) currentStream() *stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *Provider) handleSSE(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	refusing := p.refusing
	p.mu.Unlock()
	if refusing {
		http.Error(w, "provider unavailable", http.StatusServiceUnavailable)
		return
	}

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		http.Error(w, err.Error(), http.StatusNotAcceptable)
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		nErr := fmt.Errorf("failed to upgrade session: %w", err)
		p.logger.Error("failed to upgrade session", "err", nErr)
		http.Error(w, nErr.Error(), http.StatusInternalServerError)
		return
	}

	st := &stream{
		id:   uuid.New().String(),
		sess: sess,
		done: make(chan struct{}),
	}

	p.mu.Lock()
	p.streams[st.id] = st
	p.current = st
	p.headers = append(p.headers, r.Header.Clone())
	p.mu.Unlock()

	if p.announce {
		err = st.send("endpoint", MessagePathPrefix+st.id)
	} else {
		err = st.write(func(sess *sse.Session) error { return sess.Flush() })
	}
	if err != nil {
		p.logger.Error("failed to open stream", "err", err)
		p.removeStream(st)
		return
	}

	// Only count the stream once it can be pushed to.
	p.mu.Lock()
	p.connects++
	p.notify()
	p.mu.Unlock()

	select {
	case <-r.Context().Done():
	case <-st.done:
	}
	p.removeStream(st)
}

func (p *Provider) handleMessage(w http.ResponseWriter, r *http.Request) {
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		return
	}

	sessID := r.PathValue("id")
	p.mu.Lock()
	st, ok := p.streams[sessID]
	p.mu.Unlock()
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var msg omcp.JSONRPCMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		nErr := fmt.Errorf("failed to decode message: %w", err)
		p.logger.Warn("failed to decode message", "err", nErr)
		http.Error(w, nErr.Error(), http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	p.received = append(p.received, Received{SessionID: sessID, Body: body, Message: msg})
	p.notify()
	p.mu.Unlock()

	w.WriteHeader(http.StatusAccepted)

	reply, ok := p.reply(msg)
	if !ok {
		return
	}
	if err := st.sendMessage(reply); err != nil {
		p.logger.Warn("failed to send reply", "method", msg.Method, "err", err)
	}
}

func (p *Provider) reply(msg omcp.JSONRPCMessage) (omcp.JSONRPCMessage, bool) {
	if !msg.IsRequest() {
		return omcp.JSONRPCMessage{}, false
	}

	switch msg.Method {
	case omcp.MethodInitialize:
		return omcp.NewResult(msg.ID, map[string]any{
			"protocolVersion": omcp.ProtocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo": map[string]any{
				"name":    p.serverInfo.Name,
				"version": p.serverInfo.Version,
			},
		}), true
	case "ping":
		return omcp.NewResult(msg.ID, map[string]any{}), true
	case omcp.MethodToolsList:
		tools := make([]any, 0, len(p.tools))
		for _, tool := range p.tools {
			bs, _ := json.Marshal(tool)
			var m map[string]any
			_ = json.Unmarshal(bs, &m)
			tools = append(tools, m)
		}
		return omcp.NewResult(msg.ID, map[string]any{"tools": tools}), true
	case omcp.MethodToolsCall:
		var params omcp.CallParams
		bs, _ := json.Marshal(msg.Params)
		if err := json.Unmarshal(bs, &params); err != nil {
			return omcp.NewError(msg.ID, -32602, err.Error()), true
		}
		result, err := p.callHandler(params)
		if err != nil {
			return omcp.NewError(msg.ID, -32603, err.Error()), true
		}
		return omcp.NewResult(msg.ID, result), true
	default:
		return omcp.NewError(msg.ID, -32601, "method not found"), true
	}
}

func (p *Provider) removeStream(st *stream) {
	st.close()

	p.mu.Lock()
	delete(p.streams, st.id)
	if p.current == st {
		p.current = nil
	}
	p.mu.Unlock()
}

func echoCall(params omcp.CallParams) (map[string]any, error) {
	bs, err := json.Marshal(params.Arguments)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"content": []any{
			map[string]any{"type": "text", "text": string(bs)},
		},
		"isError": false,
	}, nil
}

func (s *stream) send(event, data string) error {
	msg := sse.Message{
		Type: sse.Type(event),
	}
	msg.AppendData(data)

	return s.write(func(sess *sse.Session) error {
		if err := sess.Send(&msg); err != nil {
			return fmt.Errorf("failed to send %s event: %w", event, err)
		}
		if err := sess.Flush(); err != nil {
			return fmt.Errorf("failed to flush %s event: %w", event, err)
		}
		return nil
	})
}

func (s *stream) sendMessage(msg omcp.JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return s.send("message", string(msgBs))
}

// write serializes writes to the session and refuses them once the stream is closed.
func (s *stream) write(fn func(sess *sse.Session) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return ErrNoStream
	default:
	}
	return fn(s.sess)
}

// close waits for a write in progress, the session must not be written to once the
// handler returned.
func (s *stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.once.Do(func() {
		close(s.done)
	})
}
