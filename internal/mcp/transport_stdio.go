package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pilotd/pilot/pkg/models"
)

// StdioTransport speaks newline-delimited JSON-RPC over a subprocess's
// stdin and stdout. Writes are serialized by writeMu; one reader goroutine
// demultiplexes responses by ID.
type StdioTransport struct {
	spec          models.ToolServerSpec
	callTimeout   time.Duration
	shutdownGrace time.Duration
	logger        *slog.Logger

	process *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex

	pending   map[int64]chan *JSONRPCResponse
	pendingMu sync.Mutex
	nextID    atomic.Int64

	connected atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewStdioTransport creates a transport for a subprocess server spec.
func NewStdioTransport(spec models.ToolServerSpec, callTimeout, shutdownGrace time.Duration, logger *slog.Logger) *StdioTransport {
	if logger == nil {
		logger = slog.Default()
	}
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	if shutdownGrace <= 0 {
		shutdownGrace = 5 * time.Second
	}
	return &StdioTransport{
		spec:          spec,
		callTimeout:   callTimeout,
		shutdownGrace: shutdownGrace,
		logger:        logger.With("server", spec.Name, "transport", "stdio"),
		pending:       make(map[int64]chan *JSONRPCResponse),
		done:          make(chan struct{}),
		closed:        make(chan struct{}),
	}
}

// Connect starts the subprocess and the reader goroutines.
func (t *StdioTransport) Connect(ctx context.Context) error {
	if t.spec.Command == "" {
		return fmt.Errorf("command is required for stdio transport")
	}

	t.process = exec.Command(t.spec.Command, t.spec.Args...)
	t.process.Env = os.Environ()
	for k, v := range t.spec.Env {
		t.process.Env = append(t.process.Env, fmt.Sprintf("%s=%s", k, v))
	}

	var err error
	t.stdin, err = t.process.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}

	stdout, err := t.process.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}

	stderr, _ := t.process.StderrPipe()

	if err := t.process.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}

	t.connected.Store(true)
	t.logger.Info("started tool server process",
		"command", t.spec.Command,
		"pid", t.process.Process.Pid)

	t.wg.Add(1)
	go t.readLoop(stdout)

	if stderr != nil {
		t.wg.Add(1)
		go t.logStderr(stderr)
	}

	go t.reap()

	return nil
}

// Close sends EOF to the child, waits briefly, then kills stragglers.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.connected.Store(false)

		if t.stdin != nil {
			t.stdin.Close()
		}

		if t.process != nil && t.process.Process != nil {
			waited := make(chan struct{})
			go func() {
				t.process.Wait()
				close(waited)
			}()
			select {
			case <-waited:
			case <-time.After(t.shutdownGrace):
				t.process.Process.Kill()
			}
		}

		t.failPending()
	})
	return nil
}

// Call sends a request and waits for the matching response.
func (t *StdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("not connected")
	}

	id := t.nextID.Add(1)

	paramsJSON, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	req := JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: paramsJSON}

	respChan := make(chan *JSONRPCResponse, 1)
	t.pendingMu.Lock()
	t.pending[id] = respChan
	t.pendingMu.Unlock()

	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	if err := t.writeFrame(req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case resp := <-respChan:
		if resp == nil {
			return nil, fmt.Errorf("connection lost")
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(t.callTimeout):
		return nil, fmt.Errorf("request timeout after %v", t.callTimeout)
	case <-t.done:
		return nil, fmt.Errorf("server exited")
	case <-t.closed:
		return nil, fmt.Errorf("transport closed")
	}
}

// Notify sends a notification without waiting for a response.
func (t *StdioTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return fmt.Errorf("not connected")
	}

	paramsJSON, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	notif := JSONRPCNotification{JSONRPC: "2.0", Method: method, Params: paramsJSON}
	if err := t.writeFrame(notif); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

// Connected reports whether the child is still reachable.
func (t *StdioTransport) Connected() bool {
	return t.connected.Load()
}

// Done is closed when the child's stdout closes (crash or clean exit).
func (t *StdioTransport) Done() <-chan struct{} {
	return t.done
}

func (t *StdioTransport) writeFrame(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err = t.stdin.Write(append(data, '\n'))
	return err
}

func (t *StdioTransport) readLoop(stdout io.Reader) {
	defer t.wg.Done()
	defer func() {
		t.connected.Store(false)
		close(t.done)
		t.failPending()
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		t.processLine(line)
	}

	if err := scanner.Err(); err != nil {
		t.logger.Error("stdout scanner error", "error", err)
	}
}

func (t *StdioTransport) processLine(line string) {
	var resp JSONRPCResponse
	if err := json.Unmarshal([]byte(line), &resp); err != nil || resp.ID == nil {
		t.logger.Debug("ignoring non-response frame", "line", line)
		return
	}

	var id int64
	switch v := resp.ID.(type) {
	case float64:
		id = int64(v)
	case int64:
		id = v
	case int:
		id = int64(v)
	default:
		t.logger.Warn("unexpected response ID type", "id", resp.ID)
		return
	}

	t.pendingMu.Lock()
	if ch, ok := t.pending[id]; ok {
		select {
		case ch <- &resp:
		default:
		}
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()
}

// failPending unblocks waiters after the connection is gone. Slots are
// single-shot; a nil response signals loss of connection.
func (t *StdioTransport) failPending() {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	for id, ch := range t.pending {
		select {
		case ch <- nil:
		default:
		}
		delete(t.pending, id)
	}
}

func (t *StdioTransport) logStderr(stderr io.Reader) {
	defer t.wg.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			t.logger.Debug("server stderr", "message", line)
		}
	}
}

// reap waits for the child to exit so it does not linger as a zombie.
func (t *StdioTransport) reap() {
	<-t.done
	select {
	case <-t.closed:
		// Close already waits on the process.
	default:
		if t.process != nil {
			t.process.Wait()
		}
	}
}
