package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sebastianm/runix/internal/driver/rpc"
)

// Protocol methods every driver must implement; introspect and health are
// optional.
const (
	methodCapabilities = "capabilities"
	methodInitialize   = "initialize"
	methodIntrospect   = "introspect"
	methodExecute      = "execute"
	methodHealth       = "health"
	methodShutdown     = "shutdown"
)

// Capabilities is the driver's self-description returned by the handshake.
type Capabilities struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description,omitempty"`
	Actions     []string `json:"actions,omitempty"`
	Features    []string `json:"features,omitempty"`
	InstanceID  string   `json:"instanceId,omitempty"`
}

// HealthStatus is the health probe result.
type HealthStatus struct {
	Status string `json:"status"` // "ok" or "degraded"
}

// ExecuteResult is the normalized outcome of one action. Exactly one of
// Data or Error carries meaning; Success disambiguates.
type ExecuteResult struct {
	Success  bool            `json:"success"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    *rpc.ErrorInfo  `json:"error,omitempty"`
	Artifact string          `json:"artifact,omitempty"`
}

// ClientOptions tunes a client's deadlines and reconnect policy.
type ClientOptions struct {
	RequestTimeout    time.Duration // default 30s
	ConnectTimeout    time.Duration // default 10s
	ReconnectAttempts int           // default 3
	// ReconnectBackoff returns the delay before attempt n (0-based).
	ReconnectBackoff func(n int) time.Duration
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = 3
	}
	if o.ReconnectBackoff == nil {
		backoff := []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}
		o.ReconnectBackoff = func(n int) time.Duration {
			if n >= len(backoff) {
				n = len(backoff) - 1
			}
			return backoff[n]
		}
	}
	return o
}

// Client is the typed RPC facade for one driver process. Outbound writes
// are serialized by the transport; responses are dispatched to per-id
// completion channels. The registry owns the client's lifetime.
type Client struct {
	log      *slog.Logger
	driverID string
	url      string
	opts     ClientOptions

	// onGiveUp fires after reconnect attempts are exhausted so the owner
	// can mark the record Unhealthy.
	onGiveUp func(error)

	seq atomic.Uint64

	mu          sync.Mutex
	transport   *rpc.Transport
	pending     map[string]chan rpc.Message
	connected   bool
	closed      bool
	initialized bool
}

// NewClient builds a client for the driver listening on a localhost port.
// onGiveUp may be nil.
func NewClient(log *slog.Logger, driverID string, port int, opts ClientOptions, onGiveUp func(error)) *Client {
	return &Client{
		log:      log.With("driver", driverID),
		driverID: driverID,
		url:      fmt.Sprintf("ws://127.0.0.1:%d", port),
		opts:     opts.withDefaults(),
		onGiveUp: onGiveUp,
		pending:  map[string]chan rpc.Message{},
	}
}

// DriverID returns the owning driver record id.
func (c *Client) DriverID() string { return c.driverID }

// Connected reports whether the transport is currently usable.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect opens the transport. Called once by the registry after the
// supervisor reports the port accepting.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	return c.dial(ctx)
}

func (c *Client) dial(ctx context.Context) error {
	tr := rpc.New(c.log, c.dispatch, c.handleDisconnect)
	if err := tr.Open(ctx, c.url, c.opts.ConnectTimeout); err != nil {
		return &CommunicationError{DriverID: c.driverID, Op: "connect", Err: err}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		tr.Close()
		return ErrClientClosed
	}
	c.transport = tr
	c.connected = true
	c.mu.Unlock()
	return nil
}

// dispatch routes a response frame to its waiting caller. A response with
// an unknown id (late arrival for an abandoned request) is logged and
// dropped; the client stays usable.
func (c *Client) dispatch(msg rpc.Message) {
	if msg.Type != rpc.TypeResponse {
		c.log.Warn("dropping unexpected frame", "type", msg.Type, "id", msg.ID)
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.mu.Unlock()
	if !ok {
		c.log.Warn("dropping response with unknown id", "id", msg.ID)
		return
	}
	ch <- msg
}

// handleDisconnect fails every in-flight request and flips connected off.
func (c *Client) handleDisconnect(cause error) {
	c.mu.Lock()
	c.connected = false
	c.transport = nil
	abandoned := c.pending
	c.pending = map[string]chan rpc.Message{}
	c.mu.Unlock()

	for _, ch := range abandoned {
		close(ch)
	}
	c.log.Info("driver connection lost", "error", cause)
}

// ensureConnected reconnects with backoff when the transport has dropped.
// Exhausting the attempts notifies onGiveUp so the record can be marked
// Unhealthy; the next caller then goes through a full restart.
func (c *Client) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < c.opts.ReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return &CommunicationError{DriverID: c.driverID, Op: "reconnect", Err: ctx.Err()}
		case <-time.After(c.opts.ReconnectBackoff(attempt)):
		}

		c.log.Info("reconnecting to driver", "attempt", attempt+1)
		if lastErr = c.dial(ctx); lastErr == nil {
			return nil
		}
	}

	err := &CommunicationError{DriverID: c.driverID, Op: "reconnect", Err: lastErr}
	if c.onGiveUp != nil {
		c.onGiveUp(err)
	}
	return err
}

// call issues one request and waits for its response, a timeout, or client
// close. The in-flight id is abandoned on timeout.
func (c *Client) call(ctx context.Context, method string, params any, timeout time.Duration) (rpc.Message, error) {
	if timeout <= 0 {
		timeout = c.opts.RequestTimeout
	}
	if err := c.ensureConnected(ctx); err != nil {
		return rpc.Message{}, err
	}

	id := fmt.Sprintf("%s-%d", c.driverID, c.seq.Add(1))
	req, err := rpc.NewRequest(id, method, params)
	if err != nil {
		return rpc.Message{}, err
	}

	ch := make(chan rpc.Message, 1)
	c.mu.Lock()
	tr := c.transport
	c.pending[id] = ch
	c.mu.Unlock()

	if tr == nil {
		c.forget(id)
		return rpc.Message{}, &CommunicationError{DriverID: c.driverID, Op: method, Err: fmt.Errorf("not connected")}
	}
	if err := tr.Send(req); err != nil {
		c.forget(id)
		return rpc.Message{}, &CommunicationError{DriverID: c.driverID, Op: method, Err: err}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg, ok := <-ch:
		if !ok {
			return rpc.Message{}, &CommunicationError{DriverID: c.driverID, Op: method, Err: fmt.Errorf("connection lost")}
		}
		return msg, nil
	case <-timer.C:
		c.forget(id)
		c.log.Warn("request timed out", "method", method, "id", id, "timeout", timeout)
		return rpc.Message{}, &CommunicationError{DriverID: c.driverID, Op: method, Err: ErrRequestTimeout}
	case <-ctx.Done():
		c.forget(id)
		return rpc.Message{}, &CommunicationError{DriverID: c.driverID, Op: method, Err: ctx.Err()}
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// callResult runs call and decodes a successful result into out, treating
// a wire error frame as a call failure.
func (c *Client) callResult(ctx context.Context, method string, params, out any, timeout time.Duration) error {
	msg, err := c.call(ctx, method, params, timeout)
	if err != nil {
		return err
	}
	if msg.Error != nil {
		return fmt.Errorf("driver %s: %s: %w", c.driverID, method, msg.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(msg.Result, out); err != nil {
		return &CommunicationError{DriverID: c.driverID, Op: method, Err: fmt.Errorf("malformed result: %w", err)}
	}
	return nil
}

// Capabilities performs the handshake query.
func (c *Client) Capabilities(ctx context.Context) (*Capabilities, error) {
	var caps Capabilities
	if err := c.callResult(ctx, methodCapabilities, nil, &caps, 0); err != nil {
		return nil, err
	}
	return &caps, nil
}

// Initialize configures the driver. Valid once per Ready state; the
// registry constructs a fresh client on restart.
func (c *Client) Initialize(ctx context.Context, cfg json.RawMessage) error {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return fmt.Errorf("driver %s already initialized", c.driverID)
	}
	c.mu.Unlock()

	params := map[string]json.RawMessage{}
	if cfg != nil {
		params["config"] = cfg
	}
	var res struct {
		Initialized bool `json:"initialized"`
	}
	if err := c.callResult(ctx, methodInitialize, params, &res, 0); err != nil {
		return err
	}
	if !res.Initialized {
		return fmt.Errorf("driver %s rejected initialize", c.driverID)
	}
	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()
	return nil
}

// IntrospectSteps fetches the driver's declared step table.
func (c *Client) IntrospectSteps(ctx context.Context) ([]StepDefinition, error) {
	var res struct {
		Steps []StepDefinition `json:"steps"`
	}
	params := map[string]string{"type": "steps"}
	if err := c.callResult(ctx, methodIntrospect, params, &res, 0); err != nil {
		return nil, err
	}
	return res.Steps, nil
}

// Execute runs one action. A transport failure comes back as err; a
// driver-reported failure comes back as a result with Success=false and
// the driver's error propagated verbatim.
func (c *Client) Execute(ctx context.Context, action string, args []any, timeout time.Duration) (*ExecuteResult, error) {
	params := map[string]any{"action": action, "args": args}
	msg, err := c.call(ctx, methodExecute, params, timeout)
	if err != nil {
		return nil, err
	}
	if msg.Error != nil {
		return &ExecuteResult{Success: false, Error: msg.Error}, nil
	}
	var res ExecuteResult
	if err := json.Unmarshal(msg.Result, &res); err != nil {
		return nil, &CommunicationError{DriverID: c.driverID, Op: methodExecute, Err: fmt.Errorf("malformed result: %w", err)}
	}
	if !res.Success && res.Error == nil {
		res.Error = &rpc.ErrorInfo{Code: rpc.CodeInternal, Message: "driver reported failure without error detail"}
	}
	return &res, nil
}

// Health probes the driver. Drivers without a health method count as ok.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	var status HealthStatus
	err := c.callResult(ctx, methodHealth, nil, &status, 0)
	if err != nil {
		var respErr *rpc.ErrorInfo
		if errors.As(err, &respErr) && respErr.Code == rpc.CodeNotImplemented {
			return &HealthStatus{Status: "ok"}, nil
		}
		return nil, err
	}
	return &status, nil
}

// Shutdown asks the driver to exit, best effort, then closes the
// transport either way.
func (c *Client) Shutdown(ctx context.Context) error {
	var res struct {
		Shutdown bool `json:"shutdown"`
	}
	err := c.callResult(ctx, methodShutdown, nil, &res, 5*time.Second)
	c.Close()
	return err
}

// Close abandons all in-flight requests and tears down the transport.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.connected = false
	tr := c.transport
	c.transport = nil
	abandoned := c.pending
	c.pending = map[string]chan rpc.Message{}
	c.mu.Unlock()

	for _, ch := range abandoned {
		close(ch)
	}
	if tr != nil {
		_ = tr.Close()
	}
}
