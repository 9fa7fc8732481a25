package omcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-omcp"
	"github.com/MegaGrindStone/go-omcp/internal/ssetest"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

var testTools = []omcp.Tool{
	{
		Name:        "echo",
		Description: "Echoes back the input",
		InputSchema: &omcp.ToolSchema{
			Type: omcp.ToolTypeObject,
			Properties: map[string]omcp.ToolProperty{
				"message": {Type: omcp.ToolTypeString},
			},
			Required: []string{"message"},
		},
	},
	{
		Name:        "add",
		Description: "Adds two numbers",
	},
}

func newTestClient(t *testing.T, p *ssetest.Provider, options ...omcp.SSEClientOption) *omcp.SSEClient {
	t.Helper()

	options = append([]omcp.SSEClientOption{
		omcp.WithSSEClientReconnectPolicy(omcp.FixedReconnect(10 * time.Millisecond)),
	}, options...)
	client, err := omcp.NewSSEClient(p.URL(), p.Client(), options...)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return client
}

func connect(t *testing.T, client *omcp.SSEClient) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() {
		if err := client.Disconnect(context.Background()); err != nil {
			t.Errorf("failed to disconnect: %v", err)
		}
	})
}

func TestSSEClientHandshake(t *testing.T) {
	p := ssetest.NewProvider(ssetest.WithTools(testTools...))
	defer p.Close()

	client := newTestClient(t, p, omcp.WithSSEClientInfo(omcp.Info{Name: "tester", Version: "9.9.9"}))
	if got := client.State(); got != omcp.StateDisconnected {
		t.Fatalf("state before connect = %s, want %s", got, omcp.StateDisconnected)
	}

	connect(t, client)

	if got := client.State(); got != omcp.StateReady {
		t.Errorf("state after connect = %s, want %s", got, omcp.StateReady)
	}
	if got := client.ServerInfo().Name; got != "ssetest" {
		t.Errorf("server name = %q, want %q", got, "ssetest")
	}
	if !strings.HasPrefix(client.Endpoint().Path, ssetest.MessagePathPrefix) {
		t.Errorf("endpoint path = %q, want prefix %q", client.Endpoint().Path, ssetest.MessagePathPrefix)
	}

	received := p.Received()
	if len(received) != 2 {
		t.Fatalf("provider received %d messages, want 2", len(received))
	}

	initMsg := received[0].Message
	if initMsg.Method != omcp.MethodInitialize || initMsg.ID == nil || *initMsg.ID != 1 {
		t.Fatalf("first message = %+v, want initialize with id 1", initMsg)
	}
	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
		Capabilities    struct {
			Roots struct {
				ListChanged bool `json:"listChanged"`
			} `json:"roots"`
			Sampling *struct{} `json:"sampling"`
		} `json:"capabilities"`
		ClientInfo omcp.Info `json:"clientInfo"`
	}
	bs, _ := json.Marshal(initMsg.Params)
	if err := json.Unmarshal(bs, &params); err != nil {
		t.Fatalf("failed to decode initialize params: %v", err)
	}
	if params.ProtocolVersion != omcp.ProtocolVersion {
		t.Errorf("protocolVersion = %q, want %q", params.ProtocolVersion, omcp.ProtocolVersion)
	}
	if !params.Capabilities.Roots.ListChanged {
		t.Error("capabilities.roots.listChanged = false, want true")
	}
	if params.Capabilities.Sampling == nil {
		t.Error("capabilities.sampling missing")
	}
	if params.ClientInfo != (omcp.Info{Name: "tester", Version: "9.9.9"}) {
		t.Errorf("clientInfo = %+v", params.ClientInfo)
	}

	initialized := received[1]
	if string(initialized.Body) != `{"jsonrpc":"2.0","method":"notifications/initialized"}` {
		t.Errorf("second message = %s, want initialized notification", initialized.Body)
	}
}

func TestSSEClientListTools(t *testing.T) {
	p := ssetest.NewProvider(ssetest.WithTools(testTools...))
	defer p.Close()

	client := newTestClient(t, p)
	connect(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tools, err := client.ListTools(ctx)
	require.NoError(t, err)
	require.Equal(t, testTools, tools)

	received := p.Received()
	require.Len(t, received, 3)
	require.Equal(t, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, string(received[2].Body))
}

func TestSSEClientCallIDs(t *testing.T) {
	p := ssetest.NewProvider(ssetest.WithTools(testTools...))
	defer p.Close()

	client := newTestClient(t, p)
	connect(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, msg := range []string{"one", "two", "three"} {
		out, err := client.Call(ctx, omcp.CallParams{
			Name:      "echo",
			Arguments: map[string]any{"message": msg},
		})
		require.NoError(t, err)
		require.JSONEq(t, `{"content":[{"type":"text","text":"{\"message\":\"`+msg+`\"}"}],"isError":false}`, out)
		require.Contains(t, out, "\n  \"isError\": false")
	}

	var ids []uint64
	for _, r := range p.Received() {
		if r.Message.Method != omcp.MethodToolsCall {
			continue
		}
		require.NotNil(t, r.Message.ID)
		ids = append(ids, *r.Message.ID)
		require.Equal(t, "echo", r.Message.Params["name"])
	}
	require.Equal(t, []uint64{2, 3, 4}, ids)
}

func TestSSEClientCallWithoutArguments(t *testing.T) {
	p := ssetest.NewProvider()
	defer p.Close()

	client := newTestClient(t, p)
	connect(t, client)

	_, err := client.Call(context.Background(), omcp.CallParams{Name: "echo"})
	require.NoError(t, err)

	received := p.Received()
	require.Equal(t,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"arguments":{},"name":"echo"}}`,
		string(received[len(received)-1].Body))
}

func TestSSEClientCallError(t *testing.T) {
	p := ssetest.NewProvider(ssetest.WithCallHandler(func(omcp.CallParams) (map[string]any, error) {
		return nil, errors.New("boom")
	}))
	defer p.Close()

	client := newTestClient(t, p)
	connect(t, client)

	_, err := client.Call(context.Background(), omcp.CallParams{Name: "echo"})
	require.Error(t, err)

	var rpcErr *omcp.JSONRPCError
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, -32603, rpcErr.Code)
	require.Equal(t, "boom", rpcErr.Message)
}

func TestSSEClientHandshakeRejected(t *testing.T) {
	p := ssetest.NewProvider(ssetest.WithoutEndpoint())
	defer p.Close()

	client := newTestClient(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Drive the handshake by hand: endpoint, then any message as acknowledgement.
	go func() {
		if err := p.AwaitConnects(ctx, 1); err != nil {
			return
		}
		_ = p.Push("event: endpoint\ndata: " + ssetest.MessagePathPrefix + "unknown\n\n")
		_ = p.PushMessage(omcp.NewNotification("ack", nil))
	}()

	// The provider rejects POSTs to an unknown session.
	err := client.Connect(ctx)
	require.Error(t, err)
	require.Equal(t, omcp.StateDisconnected, client.State())
}

func TestSSEClientMessageBeforeEndpoint(t *testing.T) {
	p := ssetest.NewProvider(ssetest.WithoutEndpoint())
	defer p.Close()

	client := newTestClient(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		if err := p.AwaitConnects(ctx, 1); err != nil {
			return
		}
		_ = p.PushMessage(omcp.NewNotification("too early", nil))
	}()

	err := client.Connect(ctx)
	require.ErrorIs(t, err, omcp.ErrConnectionState)
	require.Equal(t, omcp.StateDisconnected, client.State())
	require.NoError(t, client.Disconnect(ctx))
}

func TestSSEClientMalformedFrameKeepsPump(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := ssetest.NewProvider()
	defer p.Close()

	client := newTestClient(t, p, omcp.WithSSEClientMetrics(reg))
	connect(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, p.Push("event: message\ndata: {\"jsonrpc\":\n\n"))
	require.NoError(t, p.Push("event: unknown\ndata: whatever\n\n"))
	require.NoError(t, p.Push("event: endpoint\ndata: /nowhere/xyz\n\n"))
	require.NoError(t, p.PushMessage(omcp.NewNotification("notifications/progress", map[string]any{"progress": 1})))

	var got []omcp.JSONRPCMessage
	err := client.EventLoop(ctx, omcp.EventHandlerFunc(func(_ context.Context, msg omcp.JSONRPCMessage) error {
		got = append(got, msg)
		if len(got) == 2 {
			return omcp.ErrEOF
		}
		return nil
	}))
	require.NoError(t, err)

	require.Len(t, got, 2)
	require.NotNil(t, got[0].Error)
	require.Equal(t, 1, got[0].Error.Code)
	require.Equal(t, "deserialization failure", got[0].Error.Message)
	require.Equal(t, "notifications/progress", got[1].Method)

	// The bad endpoint was dropped, the session still uses the announced one.
	require.Equal(t, omcp.StateReady, client.State())
	require.True(t, strings.HasPrefix(client.Endpoint().Path, ssetest.MessagePathPrefix))

	expected := `
# HELP omcp_sse_events_total Number of events published by the SSE event pump, by kind.
# TYPE omcp_sse_events_total counter
omcp_sse_events_total{kind="endpoint"} 1
omcp_sse_events_total{kind="message"} 3
# HELP omcp_sse_frame_errors_total Number of SSE lines or frames dropped by the event pump, by reason.
# TYPE omcp_sse_frame_errors_total counter
omcp_sse_frame_errors_total{reason="invalid_endpoint"} 1
omcp_sse_frame_errors_total{reason="unsupported_event"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"omcp_sse_events_total", "omcp_sse_frame_errors_total"))
}

func TestSSEClientMaxLineSize(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := ssetest.NewProvider()
	defer p.Close()

	client := newTestClient(t, p, omcp.WithSSEClientMetrics(reg), omcp.WithSSEClientMaxLineSize(512))
	connect(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	big := strings.Repeat("x", 1024)
	require.NoError(t, p.PushMessage(omcp.NewNotification("too big", map[string]any{"pad": big})))
	require.NoError(t, p.PushMessage(omcp.NewNotification("small", nil)))

	var got []string
	err := client.EventLoop(ctx, omcp.EventHandlerFunc(func(_ context.Context, msg omcp.JSONRPCMessage) error {
		got = append(got, msg.Method)
		return omcp.ErrEOF
	}))
	require.NoError(t, err)
	require.Equal(t, []string{"small"}, got)

	expected := `
# HELP omcp_sse_frame_errors_total Number of SSE lines or frames dropped by the event pump, by reason.
# TYPE omcp_sse_frame_errors_total counter
omcp_sse_frame_errors_total{reason="line_too_long"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "omcp_sse_frame_errors_total"))
}

func TestSSEClientReconnect(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := ssetest.NewProvider(ssetest.WithTools(testTools...))
	defer p.Close()

	client := newTestClient(t, p, omcp.WithSSEClientMetrics(reg))
	connect(t, client)
	firstEndpoint := client.Endpoint()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	loopErrs := make(chan error, 1)
	go func() {
		loopErrs <- client.EventLoop(ctx, omcp.EventHandlerFunc(func(_ context.Context, msg omcp.JSONRPCMessage) error {
			if msg.Method == "done" {
				return omcp.ErrEOF
			}
			return nil
		}))
	}()

	p.Drop()
	require.NoError(t, p.AwaitConnects(ctx, 2))

	// initialize and initialized on both sessions.
	require.NoError(t, p.AwaitReceived(ctx, 4))
	require.NoError(t, p.PushMessage(omcp.NewNotification("done", nil)))
	require.NoError(t, <-loopErrs)

	received := p.Received()
	reinit := received[2]
	require.Equal(t, omcp.MethodInitialize, reinit.Message.Method)
	require.Equal(t, uint64(2), *reinit.Message.ID)
	require.NotEqual(t, received[0].SessionID, reinit.SessionID)
	require.NotEqual(t, firstEndpoint, client.Endpoint())
	require.Equal(t, omcp.StateReady, client.State())

	tools, err := client.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, len(testTools))
	last := p.Received()[len(p.Received())-1]
	require.Equal(t, reinit.SessionID, last.SessionID)
	require.Equal(t, uint64(3), *last.Message.ID)

	expected := `
# HELP omcp_sse_reconnects_total Number of attempts to reopen a dropped SSE stream.
# TYPE omcp_sse_reconnects_total counter
omcp_sse_reconnects_total 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "omcp_sse_reconnects_total"))
}

func TestSSEClientReconnectsAtOnce(t *testing.T) {
	p := ssetest.NewProvider()
	defer p.Close()

	// The clock never moves: a stream that delivered events is reopened without a delay.
	clock := clockwork.NewFakeClock()
	client := newTestClient(t, p,
		omcp.WithSSEClientClock(clock),
		omcp.WithSSEClientReconnectPolicy(omcp.FixedReconnect(time.Minute)),
	)
	connect(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p.Drop()
	require.NoError(t, p.AwaitConnects(ctx, 2))
}

func TestSSEClientStreamLossGatesRequests(t *testing.T) {
	p := ssetest.NewProvider(ssetest.WithTools(testTools...))
	defer p.Close()

	clock := clockwork.NewFakeClock()
	client := newTestClient(t, p,
		omcp.WithSSEClientClock(clock),
		omcp.WithSSEClientReconnectPolicy(omcp.FixedReconnect(time.Minute)),
	)
	connect(t, client)
	firstEndpoint := client.Endpoint()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The stream is gone and the provider refuses a new one: nothing may be posted to the
	// endpoint of the lost session.
	p.Refuse(true)
	p.Drop()
	clock.BlockUntil(1)

	_, err := client.Call(ctx, omcp.CallParams{Name: "echo"})
	require.ErrorIs(t, err, omcp.ErrNotConnected)
	require.Equal(t, omcp.StateUninitialized, client.State())
	require.Equal(t, omcp.Endpoint{}, client.Endpoint())
	require.ErrorIs(t, client.Send(ctx, omcp.NewNotification("ping", nil)), omcp.ErrNotConnected)

	for _, r := range p.Received() {
		require.NotEqual(t, omcp.MethodToolsCall, r.Message.Method)
	}

	p.Refuse(false)
	clock.Advance(time.Minute)
	require.NoError(t, p.AwaitConnects(ctx, 2))

	require.Eventually(t, func() bool {
		_, err := client.ListTools(ctx)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, omcp.StateReady, client.State())
	require.NotEqual(t, firstEndpoint, client.Endpoint())
}

func TestSSEClientReconnectWaitsForPolicy(t *testing.T) {
	p := ssetest.NewProvider()
	defer p.Close()

	clock := clockwork.NewFakeClock()
	client := newTestClient(t, p,
		omcp.WithSSEClientClock(clock),
		omcp.WithSSEClientReconnectPolicy(omcp.FixedReconnect(time.Minute)),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))

	// The first attempt is immediate and refused, the next one waits for the delay.
	p.Refuse(true)
	p.Drop()
	clock.BlockUntil(1)
	require.Equal(t, 1, p.Connects())

	p.Refuse(false)
	clock.Advance(time.Minute)
	require.NoError(t, p.AwaitConnects(ctx, 2))

	// Disconnect must not wait for the next delay to elapse.
	p.Refuse(true)
	p.Drop()
	clock.BlockUntil(1)
	require.NoError(t, client.Disconnect(ctx))
	require.Equal(t, 2, p.Connects())
}

func TestSSEClientSessionReplacedDuringCall(t *testing.T) {
	var p *ssetest.Provider
	var once sync.Once
	p = ssetest.NewProvider(ssetest.WithCallHandler(func(params omcp.CallParams) (map[string]any, error) {
		once.Do(func() {
			_ = p.Reannounce()
		})
		return map[string]any{"ok": true}, nil
	}))
	defer p.Close()

	client := newTestClient(t, p)
	connect(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Call(ctx, omcp.CallParams{Name: "echo"})
	require.ErrorIs(t, err, omcp.ErrSessionReplaced)
	require.Equal(t, omcp.StateReady, client.State())

	var inits int
	for _, r := range p.Received() {
		if r.Message.Method == omcp.MethodInitialize {
			inits++
		}
	}
	require.Equal(t, 2, inits)
}

func TestSSEClientDisconnect(t *testing.T) {
	p := ssetest.NewProvider()
	defer p.Close()

	client := newTestClient(t, p)
	ctx := context.Background()

	// Before connect.
	require.NoError(t, client.Disconnect(ctx))
	require.NoError(t, client.Disconnect(ctx))

	require.NoError(t, client.Connect(ctx))
	require.NoError(t, client.Disconnect(ctx))
	require.NoError(t, client.Disconnect(ctx))
	require.Equal(t, omcp.StateDisconnected, client.State())

	_, err := client.ListTools(ctx)
	require.ErrorIs(t, err, omcp.ErrNotConnected)
	_, err = client.Call(ctx, omcp.CallParams{Name: "echo"})
	require.ErrorIs(t, err, omcp.ErrNotConnected)
	require.ErrorIs(t, client.EventLoop(ctx, omcp.EventHandlerFunc(nil)), omcp.ErrNotConnected)
	require.ErrorIs(t, client.Send(ctx, omcp.NewNotification("ping", nil)), omcp.ErrNotConnected)

	// A disconnected client can connect again, ids start over.
	require.NoError(t, client.Connect(ctx))
	defer client.Disconnect(ctx)
	received := p.Received()
	require.Equal(t, uint64(1), *received[len(received)-2].Message.ID)
}

func TestSSEClientDisconnectEndsEventLoop(t *testing.T) {
	p := ssetest.NewProvider()
	defer p.Close()

	client := newTestClient(t, p)
	connect(t, client)

	loopErrs := make(chan error, 1)
	entered := make(chan struct{})
	go func() {
		loopErrs <- client.EventLoop(context.Background(), omcp.EventHandlerFunc(
			func(context.Context, omcp.JSONRPCMessage) error {
				close(entered)
				return nil
			}))
	}()
	require.NoError(t, p.PushMessage(omcp.NewNotification("hello", nil)))
	<-entered

	require.NoError(t, client.Disconnect(context.Background()))
	select {
	case err := <-loopErrs:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("event loop did not end after disconnect")
	}
}

func TestSSEClientConsumerBusy(t *testing.T) {
	p := ssetest.NewProvider()
	defer p.Close()

	client := newTestClient(t, p)
	connect(t, client)

	entered := make(chan struct{})
	release := make(chan struct{})
	loopErrs := make(chan error, 1)
	go func() {
		loopErrs <- client.EventLoop(context.Background(), omcp.EventHandlerFunc(
			func(context.Context, omcp.JSONRPCMessage) error {
				close(entered)
				<-release
				return omcp.ErrEOF
			}))
	}()
	require.NoError(t, p.PushMessage(omcp.NewNotification("hello", nil)))
	<-entered

	_, err := client.ListTools(context.Background())
	require.ErrorIs(t, err, omcp.ErrConsumerBusy)
	_, err = client.Call(context.Background(), omcp.CallParams{Name: "echo"})
	require.ErrorIs(t, err, omcp.ErrConsumerBusy)

	close(release)
	require.NoError(t, <-loopErrs)

	_, err = client.ListTools(context.Background())
	require.NoError(t, err)
}

func TestSSEClientEventLoopHandlerError(t *testing.T) {
	p := ssetest.NewProvider()
	defer p.Close()

	client := newTestClient(t, p)
	connect(t, client)

	require.NoError(t, p.PushMessage(omcp.NewNotification("hello", nil)))

	wantErr := errors.New("handler failed")
	err := client.EventLoop(context.Background(), omcp.EventHandlerFunc(
		func(context.Context, omcp.JSONRPCMessage) error {
			return wantErr
		}))
	require.ErrorIs(t, err, wantErr)
}

func TestSSEClientConnectFailure(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", http.StatusInternalServerError)
			},
		},
		{
			name: "not found",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.NotFound(w, nil)
			},
		},
		{
			name: "not an event stream",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "text/plain")
				_, _ = w.Write([]byte("hello"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			client, err := omcp.NewSSEClient(srv.URL+"/sse", srv.Client())
			require.NoError(t, err)

			err = client.Connect(context.Background())
			require.ErrorIs(t, err, omcp.ErrConnectionFailure)
			require.Equal(t, omcp.StateDisconnected, client.State())
		})
	}
}

func TestSSEClientHeaders(t *testing.T) {
	p := ssetest.NewProvider()
	defer p.Close()

	client := newTestClient(t, p,
		omcp.WithSSEClientBearer("secret"),
		omcp.WithSSEClientHeader("X-Tenant", "acme"),
	)
	connect(t, client)

	headers := p.StreamHeaders()
	require.Len(t, headers, 1)
	require.Equal(t, "Bearer secret", headers[0].Get("Authorization"))
	require.Equal(t, "acme", headers[0].Get("X-Tenant"))
	require.Equal(t, "text/event-stream", headers[0].Get("Accept"))
}

func TestNewSSEClientInvalidHeader(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "space in name", key: "X Bad", value: "v"},
		{name: "empty name", key: "", value: "v"},
		{name: "newline in value", key: "X-Ok", value: "a\nb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := omcp.NewSSEClient("http://localhost/sse", nil, omcp.WithSSEClientHeader(tt.key, tt.value))
			require.ErrorIs(t, err, omcp.ErrInvalidHeader)
		})
	}
}
