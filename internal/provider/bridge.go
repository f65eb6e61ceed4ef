package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"os/exec"
	"sync"
	"time"

	"github.com/rendis/cascade/pkg/schema"
)

const (
	bridgeProtocolVersion = 1

	defaultCallTimeout      = 5 * time.Minute
	handshakeTimeout        = 10 * time.Second
	shutdownGrace           = 5 * time.Second
	healthCheckInterval     = 30 * time.Second
	maxConsecutiveErrors    = 3
	maxRestartBackoff       = 60 * time.Second
)

// BridgeConfig describes how to launch a provider bridge subprocess.
// The bridge speaks newline-delimited JSON on stdin/stdout: one request
// line in, one response line out.
type BridgeConfig struct {
	Provider    string
	Strategy    schema.StrategyKind
	Command     string
	Args        []string
	Env         []string
	CallTimeout time.Duration
}

// bridgeRequest is one line sent to the subprocess.
type bridgeRequest struct {
	ID      int64           `json:"id"`
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// bridgeError is the structured error half of a response. Code values map
// onto the engine's error taxonomy so rate limits and quota exhaustion
// classify correctly.
type bridgeError struct {
	Code       string  `json:"code,omitempty"`
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after_s,omitempty"`
}

// bridgeResponse is one line read from the subprocess.
type bridgeResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *bridgeError    `json:"error,omitempty"`
}

// bridgeConn is the wire pair the bridge talks over. Separated from the
// process handle so tests can drive the protocol over in-memory pipes.
type bridgeConn struct {
	w io.Writer
	r *bufio.Scanner
}

// Bridge runs a provider binary as a managed subprocess and exposes it as
// a ConversationRunner and TaskClient. Calls are serialized on the pipe:
// the protocol is strictly one request line, one response line.
type Bridge struct {
	cfg    BridgeConfig
	logger *slog.Logger

	mu       sync.Mutex
	conn     *bridgeConn
	stdin    io.WriteCloser
	cmd      *exec.Cmd
	cancel   context.CancelFunc
	nextID   int64
	status   string // starting, healthy, unhealthy, crashed, stopped
	errCount int
}

// NewBridge creates a Bridge for the given config. Start must be called
// before any provider operation.
func NewBridge(cfg BridgeConfig, logger *slog.Logger) *Bridge {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{cfg: cfg, logger: logger, status: "stopped"}
}

// Binding returns the registry binding for this bridge, wired per its
// configured strategy.
func (b *Bridge) Binding() Binding {
	return Binding{
		Provider: b.cfg.Provider,
		Strategy: b.cfg.Strategy,
		Runner:   b,
		Tasks:    b,
	}
}

// Start launches the subprocess and performs the protocol handshake.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cmd != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "bridge %q already started", b.cfg.Provider)
	}

	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := exec.CommandContext(procCtx, b.cfg.Command, b.cfg.Args...)
	cmd.Env = b.cfg.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return schema.NewErrorf(schema.ErrCodeExecution, "bridge %q stdin pipe: %v", b.cfg.Provider, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return schema.NewErrorf(schema.ErrCodeExecution, "bridge %q stdout pipe: %v", b.cfg.Provider, err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return schema.NewErrorf(schema.ErrCodeExecution, "start bridge %q: %v", b.cfg.Provider, err)
	}

	b.cmd = cmd
	b.cancel = cancel
	b.stdin = stdin
	b.conn = &bridgeConn{w: stdin, r: bufio.NewScanner(stdout)}
	b.status = "starting"

	if err := b.handshakeLocked(); err != nil {
		b.teardownLocked()
		return err
	}
	b.status = "healthy"

	go b.healthLoop(procCtx)

	b.logger.Info("provider bridge started",
		slog.String("provider", b.cfg.Provider),
		slog.String("command", b.cfg.Command))
	return nil
}

func (b *Bridge) handshakeLocked() error {
	hello, _ := json.Marshal(map[string]any{
		"protocol": bridgeProtocolVersion,
		"client":   "cascade",
	})
	var ack struct {
		Protocol int `json:"protocol"`
	}
	if err := b.roundTripLocked(handshakeTimeout, "hello", hello, &ack); err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution,
			"bridge %q handshake: %v", b.cfg.Provider, err)
	}
	if ack.Protocol != bridgeProtocolVersion {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"bridge %q speaks protocol %d, want %d", b.cfg.Provider, ack.Protocol, bridgeProtocolVersion)
	}
	return nil
}

// Stop closes stdin and waits for the subprocess to exit, killing it after
// a grace period.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cmd == nil {
		return nil
	}
	b.teardownLocked()
	b.status = "stopped"
	b.logger.Info("provider bridge stopped", slog.String("provider", b.cfg.Provider))
	return nil
}

func (b *Bridge) teardownLocked() {
	if b.stdin != nil {
		_ = b.stdin.Close()
	}
	if b.cmd != nil && b.cmd.Process != nil {
		done := make(chan error, 1)
		go func(c *exec.Cmd) { done <- c.Wait() }(b.cmd)
		select {
		case <-done:
		case <-time.After(shutdownGrace):
			_ = b.cmd.Process.Kill()
			<-done
		}
	}
	if b.cancel != nil {
		b.cancel()
	}
	b.cmd = nil
	b.cancel = nil
	b.stdin = nil
	b.conn = nil
}

// Status reports the bridge lifecycle state.
func (b *Bridge) Status() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// healthLoop watches for process exit and restarts with exponential backoff.
func (b *Bridge) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.mu.Lock()
			exited := b.cmd == nil || b.cmd.ProcessState != nil
			if !exited {
				b.errCount = 0
				b.status = "healthy"
				b.mu.Unlock()
				continue
			}
			b.errCount++
			b.status = "unhealthy"
			count := b.errCount
			b.mu.Unlock()

			if count < maxConsecutiveErrors {
				continue
			}
			b.restart(ctx, count)
			return
		}
	}
}

func (b *Bridge) restart(ctx context.Context, errCount int) {
	b.mu.Lock()
	b.status = "crashed"
	b.teardownLocked()
	b.mu.Unlock()

	delay := time.Duration(math.Min(
		float64(time.Second)*math.Pow(2, float64(errCount)),
		float64(maxRestartBackoff),
	))
	b.logger.Warn("restarting provider bridge",
		slog.String("provider", b.cfg.Provider),
		slog.Duration("backoff", delay))

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	if err := b.Start(ctx); err != nil {
		b.logger.Error("provider bridge restart failed",
			slog.String("provider", b.cfg.Provider),
			slog.String("error", err.Error()))
	}
}

// call serializes one request/response exchange with the subprocess.
func (b *Bridge) call(ctx context.Context, op string, payload any, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "bridge %q marshal %s: %v", b.cfg.Provider, op, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "bridge %q is not running", b.cfg.Provider)
	}

	timeout := b.cfg.CallTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	return b.roundTripLocked(timeout, op, data, out)
}

func (b *Bridge) roundTripLocked(timeout time.Duration, op string, payload json.RawMessage, out any) error {
	b.nextID++
	req := bridgeRequest{ID: b.nextID, Op: op, Payload: payload}

	line, err := json.Marshal(req)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	if _, err := b.conn.w.Write(line); err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "bridge %q write: %v", b.cfg.Provider, err)
	}

	type scanned struct {
		resp bridgeResponse
		err  error
	}
	done := make(chan scanned, 1)
	scanner := b.conn.r
	go func() {
		for scanner.Scan() {
			var resp bridgeResponse
			if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
				continue
			}
			// Lines with a stale ID are leftovers from a timed-out call.
			if resp.ID != req.ID {
				continue
			}
			done <- scanned{resp: resp}
			return
		}
		done <- scanned{err: schema.NewErrorf(schema.ErrCodeExecution,
			"bridge %q closed its output", b.cfg.Provider)}
	}()

	var result scanned
	select {
	case result = <-done:
	case <-time.After(timeout):
		return schema.NewErrorf(schema.ErrCodeTimeout, "bridge %q %s timed out after %s",
			b.cfg.Provider, op, timeout)
	}
	if result.err != nil {
		return result.err
	}
	if result.resp.Error != nil {
		return bridgeErrToCascade(result.resp.Error)
	}
	if out == nil || len(result.resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(result.resp.Result, out); err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution,
			"bridge %q %s result decode: %v", b.cfg.Provider, op, err)
	}
	return nil
}

func bridgeErrToCascade(be *bridgeError) error {
	code := be.Code
	if code == "" {
		code = schema.ErrCodeExecution
	}
	err := schema.NewError(code, be.Message)
	if be.RetryAfter > 0 {
		err = err.WithRetryAfter(be.RetryAfter)
	}
	return err
}

// --- ConversationRunner ---

func (b *Bridge) Run(ctx context.Context, req RunRequest) (*schema.ExecutionResult, error) {
	var result schema.ExecutionResult
	if err := b.call(ctx, "run", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (b *Bridge) Poll(ctx context.Context, responseID string) (*schema.ExecutionResult, error) {
	var result schema.ExecutionResult
	if err := b.call(ctx, "poll", map[string]string{"response_id": responseID}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (b *Bridge) Cancel(ctx context.Context, responseID string) error {
	return b.call(ctx, "cancel", map[string]string{"response_id": responseID}, nil)
}

// --- TaskClient ---

func (b *Bridge) CreateTask(ctx context.Context, req TaskRequest) (*Task, error) {
	var task Task
	if err := b.call(ctx, "task_create", req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (b *Bridge) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	if err := b.call(ctx, "task_get", map[string]string{"task_id": taskID}, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (b *Bridge) CancelTask(ctx context.Context, taskID string) error {
	return b.call(ctx, "task_cancel", map[string]string{"task_id": taskID}, nil)
}

// --- SessionRefresher ---

func (b *Bridge) RefreshSession(ctx context.Context) error {
	return b.call(ctx, "refresh", nil, nil)
}
