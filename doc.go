// Package omcp implements a client for tool providers speaking JSON-RPC 2.0 over a
// Server-Sent Events transport, following the SSE transport of the Model Context Protocol
// from https://spec.modelcontextprotocol.io/specification/.
//
// An SSEClient opens a long-lived event stream, waits for the provider to announce the
// endpoint it accepts messages on, and completes the capability handshake before any tool
// is listed or called. A background event pump reads the stream, turns it into protocol
// events and reopens it whenever it breaks; the client then repeats the handshake on the
// freshly announced endpoint.
//
//	client, err := omcp.NewSSEClient("http://localhost:8000/mcp_server/sse", nil,
//		omcp.WithSSEClientBearer(token))
//	if err != nil {
//		return err
//	}
//	if err := client.Connect(ctx); err != nil {
//		return err
//	}
//	defer client.Disconnect(context.Background())
//
//	tools, err := client.ListTools(ctx)
//
// StdioClient talks the same protocol to a child process over its standard streams, and
// Server is the matching provider side. BakedClient dispatches to tools compiled into the
// current process. All three implement Transport.
package omcp
