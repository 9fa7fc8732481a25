package omcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// Server serves BakedTools to a single client over newline-delimited JSON-RPC, the
// provider side of StdioClient. It answers initialize, ping, tools/list and tools/call and
// ignores notifications.
//
// Instances should be created using NewServer.
type Server struct {
	info   Info
	names  []string
	tools  map[string]BakedTool
	logger *slog.Logger
}

// ServerOption represents the options for the Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger, slog.Default() is used otherwise.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a server announcing info and serving tools.
func NewServer(info Info, tools []BakedTool, options ...ServerOption) Server {
	s := Server{
		info:   info,
		tools:  make(map[string]BakedTool, len(tools)),
		logger: slog.Default(),
	}
	for _, tool := range tools {
		name := tool.Descriptor().Name
		if _, ok := s.tools[name]; !ok {
			s.names = append(s.names, name)
		}
		s.tools[name] = tool
	}
	for _, opt := range options {
		opt(&s)
	}
	return s
}

// Serve reads requests from r and writes replies to w until r is exhausted, in which case
// it returns nil, or ctx is cancelled. A line that is not a JSON-RPC message is answered
// with a parse error without id.
func (s Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	conn := newLineConn(r, w, s.logger)
	lines := make(chan lineResult)
	done := make(chan struct{})
	defer close(done)
	go conn.readLoop(done, lines)

	for {
		var lr lineResult
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case lr, ok = <-lines:
		}
		if !ok {
			return nil
		}

		var reply JSONRPCMessage
		switch {
		case errors.Is(lr.err, errUndecodableLine):
			s.logger.Warn("received undecodable line", "err", lr.err)
			reply = NewError(nil, jsonRPCParseErrorCode, "parse error")
		case lr.err != nil:
			return fmt.Errorf("failed to read request: %w", lr.err)
		case lr.msg.IsRequest():
			reply = s.handle(ctx, lr.msg)
		case lr.msg.IsNotification():
			s.logger.Debug("received notification", "method", lr.msg.Method)
			continue
		default:
			s.logger.Debug("ignored message", "line", lr.raw)
			continue
		}

		if err := conn.write(reply); err != nil {
			return fmt.Errorf("failed to write reply: %w", err)
		}
	}
}

func (s Server) handle(ctx context.Context, msg JSONRPCMessage) JSONRPCMessage {
	switch msg.Method {
	case MethodInitialize:
		result, err := toParams(initializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    ServerCapabilities{Tools: &ToolsCapability{}},
			ServerInfo:      s.info,
		})
		if err != nil {
			return NewError(msg.ID, jsonRPCInternalErrorCode, err.Error())
		}
		return NewResult(msg.ID, result)
	case methodPing:
		return NewResult(msg.ID, map[string]any{})
	case MethodToolsList:
		tools := make([]Tool, 0, len(s.names))
		for _, name := range s.names {
			tools = append(tools, s.tools[name].Descriptor())
		}
		result, err := toParams(listToolsResult{Tools: tools})
		if err != nil {
			return NewError(msg.ID, jsonRPCInternalErrorCode, err.Error())
		}
		return NewResult(msg.ID, result)
	case MethodToolsCall:
		return s.call(ctx, msg)
	default:
		return NewError(msg.ID, jsonRPCMethodNotFoundCode, fmt.Sprintf("method not found: %s", msg.Method))
	}
}

func (s Server) call(ctx context.Context, msg JSONRPCMessage) JSONRPCMessage {
	var params CallParams
	if err := fromParams(msg.Params, &params); err != nil {
		return NewError(msg.ID, jsonRPCInvalidParamsCode, err.Error())
	}
	tool, ok := s.tools[params.Name]
	if !ok {
		return NewError(msg.ID, jsonRPCInvalidParamsCode, fmt.Sprintf("unknown tool: %s", params.Name))
	}

	res := CallToolResult{}
	out, err := tool.Call(ctx, params.Arguments)
	if err != nil {
		s.logger.Warn("tool failed", "tool", params.Name, "err", err)
		res.Content = []Content{{Type: "text", Text: err.Error()}}
		res.IsError = true
	} else {
		res.Content = []Content{{Type: "text", Text: out}}
	}

	result, err := toParams(res)
	if err != nil {
		return NewError(msg.ID, jsonRPCInternalErrorCode, err.Error())
	}
	return NewResult(msg.ID, result)
}
