// Package mcp implements the stdio transport for MCP tool servers: it
// owns one external subprocess per client, speaks newline-delimited
// JSON-RPC 2.0 over its pipes, and correlates responses by request id
// while discarding asynchronous notifications.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrTransportUnavailable indicates the tool server subprocess could not
// be launched, died mid-call, or failed the handshake. Callers may fall
// back to the direct SDK path.
var ErrTransportUnavailable = errors.New("mcp: transport unavailable")

// ProtocolError indicates the server sent a response the client could
// not interpret. The offending line is preserved for diagnosis.
type ProtocolError struct {
	Method string
	Raw    string
	Err    error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("mcp: protocol error in %s: %v", e.Method, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

const (
	// handshakeTimeout bounds the initialize exchange.
	handshakeTimeout = 10 * time.Second

	// maxLineSize accommodates large tool responses on a single line.
	maxLineSize = 4 * 1024 * 1024
)

// Client drives one MCP server subprocess. A Client is constructed per
// credential set and must be closed by its owner on every exit path;
// there is no shared global instance. Call serializes concurrent
// callers because the stdio channel admits one in-flight request.
type Client struct {
	mu      sync.Mutex
	command []string
	env     map[string]string
	logger  zerolog.Logger

	nextID int64
	proc   *process
	closed bool
}

// process bundles a running subprocess with its pipes and reader. quit
// releases the reader goroutine when the process is terminated while
// lines are still buffered; done closes once the reader has exited and
// the subprocess is reaped.
type process struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan string
	quit  chan struct{}
	done  chan struct{}
}

// readLoop forwards stdout lines until EOF or termination. It must not
// block on an abandoned lines channel, so every send races quit.
func (p *process) readLoop(stdout io.Reader) {
	defer func() {
		p.cmd.Wait()
		close(p.done)
	}()
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		select {
		case p.lines <- scanner.Text():
		case <-p.quit:
			return
		}
	}
	close(p.lines)
}

// NewClient prepares a client for the given server command. env holds
// exactly the variables the credential router selected for this
// session; the subprocess sees those plus PATH and HOME and nothing
// else, so one session's material can never leak into another's.
func NewClient(command []string, env map[string]string, logger zerolog.Logger) *Client {
	return &Client{
		command: command,
		env:     env,
		logger:  logger.With().Str("component", "mcp").Logger(),
	}
}

// Start launches the subprocess and completes the initialize handshake.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: client closed", ErrTransportUnavailable)
	}
	if c.proc != nil {
		return nil
	}
	return c.spawnLocked(ctx)
}

// spawnLocked launches the subprocess and performs the handshake.
// Caller holds c.mu.
func (c *Client) spawnLocked(ctx context.Context) error {
	if len(c.command) == 0 {
		return fmt.Errorf("%w: no server command configured", ErrTransportUnavailable)
	}

	cmd := exec.Command(c.command[0], c.command[1:]...)
	cmd.Env = c.buildEnv()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: stdin pipe: %v", ErrTransportUnavailable, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: stdout pipe: %v", ErrTransportUnavailable, err)
	}
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: starting %s: %v", ErrTransportUnavailable, c.command[0], err)
	}

	p := &process{
		cmd:   cmd,
		stdin: stdin,
		lines: make(chan string, 8),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go p.readLoop(stdout)

	c.proc = p
	c.logger.Debug().Str("command", c.command[0]).Int("pid", cmd.Process.Pid).Msg("tool server started")

	if err := c.handshakeLocked(ctx); err != nil {
		c.terminateLocked()
		return err
	}
	return nil
}

// buildEnv returns the minimal subprocess environment: the session's
// credential material plus PATH and HOME so the server binary resolves.
func (c *Client) buildEnv() []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
	}
	for k, v := range c.env {
		env = append(env, k+"="+v)
	}
	return env
}

// handshakeLocked runs initialize and notifications/initialized.
func (c *Client) handshakeLocked(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	raw, err := c.roundTripLocked(hctx, "initialize", initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      clientInfo{Name: "nhiscan", Version: "0.1.0"},
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: handshake timed out", ErrTransportUnavailable)
		}
		return err
	}

	var init initializeResult
	if err := json.Unmarshal(raw, &init); err != nil {
		return &ProtocolError{Method: "initialize", Raw: string(raw), Err: err}
	}
	c.logger.Debug().
		Str("server", init.ServerInfo.Name).
		Str("protocol", init.ProtocolVersion).
		Msg("mcp handshake complete")

	return c.writeLocked(&Message{
		Jsonrpc: "2.0",
		Method:  "notifications/initialized",
		Params:  map[string]any{},
	})
}

// Alive reports whether the subprocess is still running.
func (c *Client) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc == nil {
		return false
	}
	select {
	case <-c.proc.done:
		return false
	default:
		return true
	}
}

// Call sends one request and blocks until its response arrives, the
// context is cancelled, or the subprocess dies. A dead subprocess is
// respawned and the request retried once before ErrTransportUnavailable
// is surfaced.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("%w: client closed", ErrTransportUnavailable)
	}

	if c.proc == nil || !c.aliveLocked() {
		c.terminateLocked()
		if err := c.spawnLocked(ctx); err != nil {
			return nil, err
		}
	}

	raw, err := c.roundTripLocked(ctx, method, params)
	if errors.Is(err, ErrTransportUnavailable) {
		// One respawn-and-retry, then surface.
		c.terminateLocked()
		if spawnErr := c.spawnLocked(ctx); spawnErr != nil {
			return nil, spawnErr
		}
		raw, err = c.roundTripLocked(ctx, method, params)
	}
	return raw, err
}

func (c *Client) aliveLocked() bool {
	select {
	case <-c.proc.done:
		return false
	default:
		return true
	}
}

// roundTripLocked writes one request and reads lines until the matching
// response id appears. Notifications and stale responses are discarded.
// Caller holds c.mu.
func (c *Client) roundTripLocked(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.nextID++
	id := c.nextID

	req := &Message{Jsonrpc: "2.0", ID: &id, Method: method, Params: params}
	if err := c.writeLocked(req); err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			// The response may still arrive later and desynchronize the
			// channel, so the subprocess is terminated with the call.
			c.terminateLocked()
			return nil, ctx.Err()
		case line, ok := <-c.proc.lines:
			if !ok {
				return nil, fmt.Errorf("%w: process exited during %s", ErrTransportUnavailable, method)
			}

			var msg Message
			if err := json.Unmarshal([]byte(line), &msg); err != nil {
				return nil, &ProtocolError{Method: method, Raw: line, Err: err}
			}
			if msg.IsNotification() {
				continue
			}
			if msg.ID == nil || *msg.ID != id {
				continue
			}
			if msg.Error != nil {
				return nil, fmt.Errorf("mcp: %s: %w", method, msg.Error)
			}
			if msg.Result == nil {
				return nil, &ProtocolError{Method: method, Raw: line, Err: errors.New("response has neither result nor error")}
			}
			return msg.Result, nil
		}
	}
}

// writeLocked serializes a message and writes it newline-terminated.
func (c *Client) writeLocked(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mcp: marshaling %s: %w", msg.Method, err)
	}
	if _, err := c.proc.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("%w: writing %s: %v", ErrTransportUnavailable, msg.Method, err)
	}
	return nil
}

// ListTools fetches the server's tool catalog.
func (c *Client) ListTools(ctx context.Context) ([]ToolInfo, error) {
	raw, err := c.Call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	var res listToolsResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, &ProtocolError{Method: "tools/list", Raw: string(raw), Err: err}
	}
	return res.Tools, nil
}

// CallTool invokes a named tool and unwraps the MCP content envelope.
// Text content that parses as JSON is returned decoded; otherwise the
// raw string is returned.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := c.Call(ctx, "tools/call", toolCallParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}

	var res toolCallResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, &ProtocolError{Method: "tools/call:" + name, Raw: string(raw), Err: err}
	}
	if len(res.Content) == 0 {
		return nil, nil
	}
	text := res.Content[0].Text
	if res.IsError {
		return nil, fmt.Errorf("mcp: tool %s: %s", name, text)
	}

	var decoded any
	if err := json.Unmarshal([]byte(text), &decoded); err != nil {
		return text, nil
	}
	return decoded, nil
}

// Close terminates the subprocess and releases the pipes. It is safe to
// call from any exit path and is idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.terminateLocked()
}

// terminateLocked kills the subprocess if running. Caller holds c.mu.
func (c *Client) terminateLocked() {
	if c.proc == nil {
		return
	}
	c.proc.stdin.Close()
	if c.proc.cmd.Process != nil {
		c.proc.cmd.Process.Kill()
	}
	close(c.proc.quit)
	select {
	case <-c.proc.done:
	case <-time.After(2 * time.Second):
	}
	c.proc = nil
}
