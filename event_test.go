package omcp_test

import (
	"testing"

	"github.com/MegaGrindStone/go-omcp"
	"github.com/stretchr/testify/require"
)

func TestResolveEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		origin  string
		path    string
		want    string
		wantErr error
	}{
		{
			name:   "anchored in prefix",
			origin: "http://host:8000/mcp_server/sse",
			path:   "/mcp_server/messages/xyz",
			want:   "http://host:8000/mcp_server/messages/xyz",
		},
		{
			name:   "anchored at first occurrence",
			origin: "http://host:8000/messages/sse/messages",
			path:   "/messages/?session_id=1",
			want:   "http://host:8000/messages/?session_id=1",
		},
		{
			name:   "query in path",
			origin: "https://example.com/api/v1/sse",
			path:   "/api/messages?sessionId=42",
			want:   "https://example.com/api/messages?sessionId=42",
		},
		{
			name:    "first segment missing from origin",
			origin:  "http://host:8000/mcp_server/sse",
			path:    "/messages/xyz",
			wantErr: omcp.ErrInvalidEndpoint,
		},
		{
			name:    "empty path",
			origin:  "http://host:8000/sse",
			path:    "",
			wantErr: omcp.ErrInvalidEndpoint,
		},
		{
			name:    "no leading separator",
			origin:  "http://host:8000/sse",
			path:    "messages",
			wantErr: omcp.ErrInvalidEndpoint,
		},
		{
			name:    "empty first segment",
			origin:  "http://host:8000/sse",
			path:    "//messages",
			wantErr: omcp.ErrInvalidEndpoint,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := omcp.ResolveEndpoint(tt.origin, tt.path)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.path, got.Path)
			require.Equal(t, tt.want, got.URL)
		})
	}
}

func TestClassify(t *testing.T) {
	const origin = "http://host:8000/mcp_server/sse"

	t.Run("endpoint", func(t *testing.T) {
		ev, err := omcp.Classify(origin, omcp.Frame{Event: "endpoint", Data: "/mcp_server/messages/xyz"})
		require.NoError(t, err)
		require.Equal(t, omcp.EventEndpoint, ev.Kind)
		require.Equal(t, "http://host:8000/mcp_server/messages/xyz", ev.Endpoint.URL)
	})

	t.Run("endpoint that cannot be anchored", func(t *testing.T) {
		_, err := omcp.Classify(origin, omcp.Frame{Event: "endpoint", Data: "/other/xyz"})
		require.ErrorIs(t, err, omcp.ErrInvalidEndpoint)
	})

	t.Run("message", func(t *testing.T) {
		ev, err := omcp.Classify(origin, omcp.Frame{
			Event: "message",
			Data:  `{"jsonrpc":"2.0","id":2,"result":{"tools":[]}}`,
		})
		require.NoError(t, err)
		require.Equal(t, omcp.EventMessage, ev.Kind)
		require.NotNil(t, ev.Message.ID)
		require.Equal(t, uint64(2), *ev.Message.ID)
		require.Contains(t, ev.Message.Result, "tools")
	})

	t.Run("malformed message", func(t *testing.T) {
		ev, err := omcp.Classify(origin, omcp.Frame{Event: "message", Data: `{"jsonrpc":`})
		require.NoError(t, err)
		require.Equal(t, omcp.EventMessage, ev.Kind)
		require.Nil(t, ev.Message.ID)
		require.NotNil(t, ev.Message.Error)
		require.Equal(t, 1, ev.Message.Error.Code)
		require.Equal(t, "deserialization failure", ev.Message.Error.Message)
	})

	t.Run("unsupported event", func(t *testing.T) {
		_, err := omcp.Classify(origin, omcp.Frame{Event: "ping", Data: "{}"})
		require.ErrorIs(t, err, omcp.ErrUnsupportedEventType)

		var typeErr *omcp.UnsupportedEventTypeError
		require.ErrorAs(t, err, &typeErr)
		require.Equal(t, "ping", typeErr.Name)
	})
}
