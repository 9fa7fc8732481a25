package omcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// StdioClient implements Transport over a pair of byte streams carrying newline-delimited
// JSON-RPC messages, typically the standard input and output of a child process. Unlike
// SSEClient it matches replies to requests by id and skips anything else the provider
// writes in between.
//
// Instances should be created using NewStdioClient or NewCommandClient.
type StdioClient struct {
	cmd        *exec.Cmd
	reader     io.Reader
	writer     io.Writer
	clientInfo Info
	logger     *slog.Logger

	nextID   atomic.Uint64
	consumer sync.Mutex

	mu         sync.Mutex
	proc       *exec.Cmd
	conn       *lineConn
	lines      <-chan lineResult
	done       chan struct{}
	readerDone chan struct{}
	sessionID  string
	serverInfo Info
}

// StdioClientOption represents the options for the StdioClient.
type StdioClientOption func(*StdioClient)

// lineConn frames JSON-RPC messages as newline-delimited JSON over a reader and a writer.
// Writes are serialized, reads happen on a single goroutine started by readLoop.
type lineConn struct {
	reader *bufio.Reader
	logger *slog.Logger

	writeMu sync.Mutex
	writer  io.Writer
}

// lineResult is one line read by a lineConn. err is set either for a line that does not
// hold a JSON-RPC message (with raw set) or for a failed read, which ends the loop.
type lineResult struct {
	msg JSONRPCMessage
	raw string
	err error
}

var errUndecodableLine = errors.New("undecodable line")

// NewStdioClient creates a client reading replies from reader and writing requests to
// writer. If writer is an io.Closer it is closed by Disconnect.
func NewStdioClient(reader io.Reader, writer io.Writer, options ...StdioClientOption) *StdioClient {
	s := &StdioClient{
		reader:     reader,
		writer:     writer,
		clientInfo: Info{Name: clientName, Version: clientVersion},
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// NewCommandClient creates a client for the provider run by cmd. cmd is a template that is
// never started itself: every Connect starts a new process with its path, arguments,
// environment, directory and stderr, and Disconnect waits for that process to exit.
func NewCommandClient(cmd *exec.Cmd, options ...StdioClientOption) *StdioClient {
	s := NewStdioClient(nil, nil, options...)
	s.cmd = cmd
	return s
}

// WithStdioClientLogger sets the logger, slog.Default() is used otherwise.
func WithStdioClientLogger(logger *slog.Logger) StdioClientOption {
	return func(s *StdioClient) {
		s.logger = logger
	}
}

// WithStdioClientInfo sets the name and version announced in the initialize request.
func WithStdioClientInfo(info Info) StdioClientOption {
	return func(s *StdioClient) {
		s.clientInfo = info
	}
}

// Connect starts the provider process if there is one, then runs the handshake: initialize,
// its reply, and the initialized notification.
func (s *StdioClient) Connect(ctx context.Context) error {
	if !s.consumer.TryLock() {
		return ErrConsumerBusy
	}
	defer s.consumer.Unlock()

	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: already connected", ErrConnectionState)
	}
	s.mu.Unlock()

	reader, writer := s.reader, s.writer
	var proc *exec.Cmd
	if s.cmd != nil {
		proc = commandFrom(s.cmd)
		stdin, err := proc.StdinPipe()
		if err != nil {
			return fmt.Errorf("%w: failed to open stdin: %w", ErrConnectionFailure, err)
		}
		stdout, err := proc.StdoutPipe()
		if err != nil {
			return fmt.Errorf("%w: failed to open stdout: %w", ErrConnectionFailure, err)
		}
		if err := proc.Start(); err != nil {
			return fmt.Errorf("%w: failed to start %s: %w", ErrConnectionFailure, proc.Path, err)
		}
		reader, writer = stdout, stdin
	}

	conn := newLineConn(reader, writer, s.logger)
	lines := make(chan lineResult)
	done := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		conn.readLoop(done, lines)
	}()

	sessionID := uuid.New().String()
	s.nextID.Store(0)
	s.mu.Lock()
	s.proc = proc
	s.conn = conn
	s.lines = lines
	s.done = done
	s.readerDone = readerDone
	s.sessionID = sessionID
	s.serverInfo = Info{}
	s.mu.Unlock()

	if err := s.initialize(ctx); err != nil {
		if dErr := s.Disconnect(context.Background()); dErr != nil {
			s.logger.Warn("failed to tear down stdio session", "session", sessionID, "err", dErr)
		}
		return fmt.Errorf("failed to complete handshake of session %s: %w", sessionID, err)
	}

	s.logger.Info("connected", "session", sessionID)
	return nil
}

// commandFrom copies the settings of the template t into a command that can be started.
func commandFrom(t *exec.Cmd) *exec.Cmd {
	return &exec.Cmd{
		Path:        t.Path,
		Args:        slices.Clone(t.Args),
		Env:         slices.Clone(t.Env),
		Dir:         t.Dir,
		Stderr:      t.Stderr,
		ExtraFiles:  slices.Clone(t.ExtraFiles),
		SysProcAttr: t.SysProcAttr,
		Err:         t.Err,
	}
}

// Disconnect closes the writing side, stops reading and waits for the provider process to
// exit. Calling it twice, or before Connect, is a no-op.
func (s *StdioClient) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	proc, conn, done, readerDone, sessionID := s.proc, s.conn, s.done, s.readerDone, s.sessionID
	s.proc = nil
	s.sessionID = ""
	s.conn = nil
	s.lines = nil
	s.done = nil
	s.readerDone = nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}

	var result *multierror.Error
	if err := conn.close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to close input: %w", err))
	}
	close(done)

	if proc != nil {
		waitErrs := make(chan error, 1)
		go func() {
			waitErrs <- proc.Wait()
		}()
		select {
		case err := <-waitErrs:
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("provider process failed: %w", err))
			}
		case <-ctx.Done():
			if err := proc.Process.Kill(); err != nil {
				result = multierror.Append(result, fmt.Errorf("failed to kill provider process: %w", err))
			}
			result = multierror.Append(result, ctx.Err())
		}
	}

	// The reader exits once the process closed its output. A plain reader may block
	// forever, so only wait when the process was waited for.
	if proc != nil {
		select {
		case <-readerDone:
		case <-ctx.Done():
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("failed to end session %s: %w", sessionID, err)
	}
	s.logger.Info("disconnected", "session", sessionID)
	return nil
}

// ListTools sends a tools/list request and returns the tools of its reply.
func (s *StdioClient) ListTools(ctx context.Context) ([]Tool, error) {
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

// Call invokes a tool and returns the result of its reply as indented JSON.
func (s *StdioClient) Call(ctx context.Context, params CallParams) (string, error) {
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

// SessionID returns the id generated for the current session by Connect, or an empty
// string while disconnected. It tags the log records and errors of that session.
func (s *StdioClient) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// ServerInfo returns the server information the provider sent in its initialize reply.
func (s *StdioClient) ServerInfo() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverInfo
}

func (s *StdioClient) initialize(ctx context.Context) error {
	msg, err := initializeMessage(s.nextID.Add(1), s.clientInfo)
	if err != nil {
		return err
	}
	reply, err := s.roundTrip(ctx, msg)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	if reply.Error != nil {
		return fmt.Errorf("initialize rejected: %w", reply.Error)
	}

	var result initializeResult
	if err := fromParams(reply.Result, &result); err == nil {
		s.mu.Lock()
		s.serverInfo = result.ServerInfo
		s.mu.Unlock()
	}

	conn := s.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.write(NewNotification(methodNotificationsInitialized, nil)); err != nil {
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}
	return nil
}

func (s *StdioClient) request(ctx context.Context, method string, params map[string]any) (JSONRPCMessage, error) {
	if s.currentConn() == nil {
		return JSONRPCMessage{}, ErrNotConnected
	}
	return s.roundTrip(ctx, NewRequest(s.nextID.Add(1), method, params))
}

// roundTrip writes a request and returns the response carrying the same id.
func (s *StdioClient) roundTrip(ctx context.Context, msg JSONRPCMessage) (JSONRPCMessage, error) {
	s.mu.Lock()
	conn, lines, sessionID := s.conn, s.lines, s.sessionID
	s.mu.Unlock()
	if conn == nil {
		return JSONRPCMessage{}, ErrNotConnected
	}

	if err := conn.write(msg); err != nil {
		return JSONRPCMessage{}, fmt.Errorf("failed to send %s request in session %s: %w", msg.Method, sessionID, err)
	}

	for {
		var lr lineResult
		var ok bool
		select {
		case <-ctx.Done():
			return JSONRPCMessage{}, ctx.Err()
		case lr, ok = <-lines:
		}
		if !ok {
			return JSONRPCMessage{}, fmt.Errorf("%w: session %s", ErrConnectionClosed, sessionID)
		}

		switch {
		case errors.Is(lr.err, errUndecodableLine):
			s.logger.Warn("skipped undecodable line", "session", sessionID, "line", lr.raw)
			continue
		case lr.err != nil:
			return JSONRPCMessage{}, fmt.Errorf("%w: session %s: %w", ErrConnectionClosed, sessionID, lr.err)
		}

		reply := lr.msg
		if !reply.IsResponse() || *reply.ID != *msg.ID {
			s.logger.Debug("skipped unrelated message", "session", sessionID, "method", reply.Method)
			continue
		}
		return reply, nil
	}
}

func (s *StdioClient) currentConn() *lineConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func newLineConn(reader io.Reader, writer io.Writer, logger *slog.Logger) *lineConn {
	return &lineConn{
		// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
		reader: bufio.NewReader(reader),
		writer: writer,
		logger: logger,
	}
}

func (c *lineConn) write(msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	// Append newline to maintain message framing protocol
	msgBs = append(msgBs, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.writer.Write(msgBs); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *lineConn) close() error {
	closer, ok := c.writer.(io.Closer)
	if !ok {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return closer.Close()
}

// readLoop sends every line read to out until the reader fails or done is closed. out is
// closed when readLoop returns. io.EOF ends the loop without being reported.
func (c *lineConn) readLoop(done <-chan struct{}, out chan<- lineResult) {
	defer close(out)

	for {
		line, err := c.reader.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			if !errors.Is(err, io.EOF) {
				select {
				case out <- lineResult{err: err}:
				case <-done:
				}
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			lr := lineResult{raw: line}
			if jErr := json.Unmarshal([]byte(line), &lr.msg); jErr != nil {
				lr.err = fmt.Errorf("%w: %w", errUndecodableLine, jErr)
			}
			select {
			case out <- lr:
			case <-done:
				return
			}
		}

		if err != nil {
			// Last line of the stream without a trailing newline.
			return
		}
	}
}
