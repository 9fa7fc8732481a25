package omcp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-omcp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// stdioProviderEnv turns the test binary into a stdio provider serving testBakedTools.
const stdioProviderEnv = "OMCP_TEST_STDIO_PROVIDER"

func TestMain(m *testing.M) {
	if os.Getenv(stdioProviderEnv) == "1" {
		srv := omcp.NewServer(omcp.Info{Name: "command-server", Version: "1.0.0"}, testBakedTools())
		if err := srv.Serve(context.Background(), os.Stdin, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

type greetArgs struct {
	Name string `json:"name" jsonschema:"description=Who to greet"`
}

func testBakedTools() []omcp.BakedTool {
	return []omcp.BakedTool{
		omcp.NewTool("greet", "Greets someone", func(_ context.Context, args greetArgs) (string, error) {
			return "Hello, " + args.Name + "!", nil
		}),
		omcp.NewTool("fail", "Always fails", func(context.Context, struct{}) (string, error) {
			return "", errors.New("tool exploded")
		}),
	}
}

// servePipe runs a Server on one end of a pipe pair and returns a client for the other.
func servePipe(t *testing.T) *omcp.StdioClient {
	t.Helper()

	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	srv := omcp.NewServer(omcp.Info{Name: "pipe-server", Version: "2.0.0"}, testBakedTools())

	ctx, cancel := context.WithCancel(context.Background())
	serveErrs := make(chan error, 1)
	go func() {
		serveErrs <- srv.Serve(ctx, serverReader, serverWriter)
	}()

	t.Cleanup(func() {
		cancel()
		if err := <-serveErrs; err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("failed to serve: %v", err)
		}
		serverWriter.Close()
		serverReader.Close()
	})

	return omcp.NewStdioClient(clientReader, clientWriter)
}

func TestStdioClientServer(t *testing.T) {
	client := servePipe(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, client.Connect(ctx))
	defer client.Disconnect(ctx)

	require.Equal(t, omcp.Info{Name: "pipe-server", Version: "2.0.0"}, client.ServerInfo())

	tools, err := client.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 2)
	require.Equal(t, "greet", tools[0].Name)
	require.Equal(t, "fail", tools[1].Name)
	require.NotNil(t, tools[0].InputSchema)
	require.Equal(t, omcp.ToolTypeObject, tools[0].InputSchema.Type)
	require.Equal(t, omcp.ToolTypeString, tools[0].InputSchema.Properties["name"].Type)
	require.Equal(t, []string{"name"}, tools[0].InputSchema.Required)

	out, err := client.Call(ctx, omcp.CallParams{Name: "greet", Arguments: map[string]any{"name": "Ada"}})
	require.NoError(t, err)
	require.JSONEq(t, `{"content":[{"type":"text","text":"Hello, Ada!"}],"isError":false}`, out)

	out, err = client.Call(ctx, omcp.CallParams{Name: "fail"})
	require.NoError(t, err)
	require.JSONEq(t, `{"content":[{"type":"text","text":"tool exploded"}],"isError":true}`, out)

	_, err = client.Call(ctx, omcp.CallParams{Name: "missing"})
	var rpcErr *omcp.JSONRPCError
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, -32602, rpcErr.Code)
}

func TestStdioClientDisconnect(t *testing.T) {
	client := servePipe(t)
	ctx := context.Background()

	require.NoError(t, client.Disconnect(ctx))

	require.NoError(t, client.Connect(ctx))
	require.ErrorIs(t, client.Connect(ctx), omcp.ErrConnectionState)
	require.NoError(t, client.Disconnect(ctx))
	require.NoError(t, client.Disconnect(ctx))

	_, err := client.ListTools(ctx)
	require.ErrorIs(t, err, omcp.ErrNotConnected)
	_, err = client.Call(ctx, omcp.CallParams{Name: "greet"})
	require.ErrorIs(t, err, omcp.ErrNotConnected)
}

func TestStdioClientSessionID(t *testing.T) {
	client := servePipe(t)
	ctx := context.Background()

	require.Empty(t, client.SessionID())

	require.NoError(t, client.Connect(ctx))
	first := client.SessionID()
	_, err := uuid.Parse(first)
	require.NoError(t, err)

	require.NoError(t, client.Disconnect(ctx))
	require.Empty(t, client.SessionID())
}

func TestCommandClientReconnect(t *testing.T) {
	cmd := exec.Command(os.Args[0], "-test.run=^$")
	cmd.Env = append(os.Environ(), stdioProviderEnv+"=1")
	client := omcp.NewCommandClient(cmd)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var sessions []string
	for i := 0; i < 2; i++ {
		require.NoError(t, client.Connect(ctx))
		require.Equal(t, "command-server", client.ServerInfo().Name)
		sessions = append(sessions, client.SessionID())

		tools, err := client.ListTools(ctx)
		require.NoError(t, err)
		require.Len(t, tools, 2)

		require.NoError(t, client.Disconnect(ctx))
	}
	require.NotEqual(t, sessions[0], sessions[1])

	// The template itself is never started.
	require.Nil(t, cmd.Process)
}

func TestStdioClientSkipsUnrelatedLines(t *testing.T) {
	clientReader, providerWriter := io.Pipe()
	providerReader, clientWriter := io.Pipe()
	defer providerWriter.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// A hand-written provider that interleaves noise with every reply.
	received := make(chan omcp.JSONRPCMessage, 10)
	go func() {
		scanner := bufio.NewScanner(providerReader)
		for scanner.Scan() {
			var msg omcp.JSONRPCMessage
			if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
				return
			}
			received <- msg
			if !msg.IsRequest() {
				continue
			}

			other := *msg.ID + 100
			noise := []string{
				"provider log line",
				`{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info"}}`,
				fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"stale":true}}`, other),
			}
			for _, line := range noise {
				if _, err := io.WriteString(providerWriter, line+"\n"); err != nil {
					return
				}
			}

			var result string
			switch msg.Method {
			case omcp.MethodInitialize:
				result = `{"protocolVersion":"2025-03-26","capabilities":{},"serverInfo":{"name":"noisy","version":"0.0.1"}}`
			case omcp.MethodToolsList:
				result = `{"tools":[{"name":"only","description":"The only tool"}]}`
			default:
				result = `{"content":[]}`
			}
			reply := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`, *msg.ID, result)
			if _, err := io.WriteString(providerWriter, reply+"\n"); err != nil {
				return
			}
		}
	}()

	client := omcp.NewStdioClient(clientReader, clientWriter)
	require.NoError(t, client.Connect(ctx))
	defer client.Disconnect(ctx)
	require.Equal(t, "noisy", client.ServerInfo().Name)

	tools, err := client.ListTools(ctx)
	require.NoError(t, err)
	require.Equal(t, []omcp.Tool{{Name: "only", Description: "The only tool"}}, tools)

	var methods []string
	var ids []uint64
	for len(methods) < 3 {
		msg := <-received
		methods = append(methods, msg.Method)
		if msg.ID != nil {
			ids = append(ids, *msg.ID)
		}
	}
	require.Equal(t, []string{omcp.MethodInitialize, "notifications/initialized", omcp.MethodToolsList}, methods)
	require.Equal(t, []uint64{1, 2}, ids)
}

func TestStdioClientProviderGone(t *testing.T) {
	clientReader, providerWriter := io.Pipe()
	providerReader, clientWriter := io.Pipe()

	go func() {
		_, _ = bufio.NewReader(providerReader).ReadString('\n')
		providerWriter.Close()
	}()

	client := omcp.NewStdioClient(clientReader, clientWriter)
	err := client.Connect(context.Background())
	require.ErrorIs(t, err, omcp.ErrConnectionClosed)
}
