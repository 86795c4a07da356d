package protocol

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wagiedev/mcpbridge/internal/errors"
	"github.com/wagiedev/mcpbridge/internal/message"
)

// LineWriter writes one complete line to the child's stdin.
//
// This interface is satisfied by *subprocess.Process but allows for testing
// with in-memory pipes.
type LineWriter interface {
	WriteLine(ctx context.Context, data []byte) error
}

// Correlator matches responses from the child to the calls that caused them.
//
// One Correlator serves exactly one process instance. When that process goes
// away the Correlator is failed and never reused; a replacement process gets
// a new Correlator, so ids from the old instance can never resolve calls
// issued against the new one.
type Correlator struct {
	log *slog.Logger
	w   LineWriter

	nextID   atomic.Int64
	resolved atomic.Int64

	mu       sync.Mutex
	pending  map[string]*pendingCall
	closed   bool
	closeErr error
	done     chan struct{}
}

// pendingCall tracks an outgoing request awaiting its response.
type pendingCall struct {
	id          int64
	method      string
	submittedAt time.Time
	response    chan *message.Message
}

// NewCorrelator creates a correlator writing requests through w.
func NewCorrelator(log *slog.Logger, w LineWriter) *Correlator {
	return &Correlator{
		log:     log.With("component", "correlator"),
		w:       w,
		pending: make(map[string]*pendingCall, 16),
		done:    make(chan struct{}),
	}
}

// Call sends a request and blocks until its response arrives.
//
// The call ends with the first of: the matching response (including an
// explicit JSON-RPC error, which is returned as a message, not an error),
// the timeout (errors.ErrCallTimeout), ctx cancellation (ctx.Err()), or the
// failure passed to Fail, typically a *errors.ProcessLostError.
//
// A non-positive timeout means no per-call deadline beyond ctx.
func (c *Correlator) Call(
	ctx context.Context,
	method string,
	params json.RawMessage,
	timeout time.Duration,
) (*message.Message, error) {
	id := c.nextID.Add(1)
	req := message.NewRequest(id, method, params)
	key := req.IDKey()

	data, err := message.Encode(req)
	if err != nil {
		return nil, err
	}

	call := &pendingCall{
		id:          id,
		method:      method,
		submittedAt: time.Now(),
		response:    make(chan *message.Message, 1),
	}

	// Register before writing so a fast response always finds its slot.
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()

		return nil, err
	}

	c.pending[key] = call
	c.mu.Unlock()

	c.log.Debug("Sending request", "request_id", id, "method", method)

	// The deadline covers the write too: a child that stops reading stdin
	// must not hold the caller past its timeout.
	waitCtx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	// A failed write means the child is going away. Keep waiting: the pump
	// fails the call with the real exit cause once stdout ends.
	writeErr := c.w.WriteLine(waitCtx, data)
	if writeErr != nil && waitCtx.Err() == nil {
		c.log.Debug("Failed to write request", "request_id", id, "method", method, "error", writeErr)
	}

	select {
	case resp := <-call.response:
		c.log.Debug("Received response", "request_id", id, "method", method,
			"elapsed", time.Since(call.submittedAt))

		return resp, nil

	case <-c.done:
		// The slot may have been filled just before Fail; prefer the response.
		select {
		case resp := <-call.response:
			return resp, nil
		default:
		}

		return nil, c.Err()

	case <-waitCtx.Done():
		c.abandon(key)

		if err := ctx.Err(); err != nil {
			c.log.Debug("Request cancelled", "request_id", id, "method", method)

			return nil, err
		}

		if writeErr != nil && !stderrors.Is(writeErr, context.DeadlineExceeded) {
			return nil, fmt.Errorf("send request: %w", writeErr)
		}

		c.log.Warn("Request timed out", "request_id", id, "method", method, "timeout", timeout)

		return nil, fmt.Errorf("%w after %s", errors.ErrCallTimeout, timeout)
	}
}

// withTimeout bounds ctx by timeout; a non-positive timeout adds no deadline.
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, timeout)
}

// abandon releases a pending slot so a late response is dropped.
func (c *Correlator) abandon(key string) {
	c.mu.Lock()
	delete(c.pending, key)
	c.mu.Unlock()
}

// Notify writes an id-less notification to the child.
func (c *Correlator) Notify(ctx context.Context, method string, params json.RawMessage) error {
	if err := c.Err(); err != nil {
		return err
	}

	data, err := message.Encode(message.NewNotification(method, params))
	if err != nil {
		return err
	}

	c.log.Debug("Sending notification", "method", method)

	if err := c.w.WriteLine(ctx, data); err != nil {
		return fmt.Errorf("send notification: %w", err)
	}

	return nil
}

// Resolve delivers a response to its pending call.
//
// Returns false if no call is waiting for the id: it already resolved, timed
// out, was cancelled, or never existed.
func (c *Correlator) Resolve(resp *message.Message) bool {
	key := resp.IDKey()

	// Claim and fill the slot under the lock so Fail can never slip between
	// the two. The channel is buffered, so the send never blocks.
	c.mu.Lock()
	defer c.mu.Unlock()

	call, ok := c.pending[key]
	if !ok {
		return false
	}

	delete(c.pending, key)
	call.response <- resp
	c.resolved.Add(1)

	return true
}

// Fail marks the correlator closed and resolves every outstanding call with
// err. Calls issued afterwards fail immediately with the same error. Only the
// first Fail takes effect; a nil err is recorded as errors.ErrSupervisorClosed.
func (c *Correlator) Fail(err error) {
	if err == nil {
		err = errors.ErrSupervisorClosed
	}

	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()

		return
	}

	c.closed = true
	c.closeErr = err
	outstanding := len(c.pending)
	clear(c.pending)
	close(c.done)

	c.mu.Unlock()

	if outstanding > 0 {
		c.log.Warn("Failing outstanding requests", "count", outstanding, "error", err)
	}
}

// Err returns the error passed to Fail, or nil while the correlator is open.
func (c *Correlator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closeErr
}

// Done returns a channel closed once Fail has been called.
func (c *Correlator) Done() <-chan struct{} {
	return c.done
}

// Pending returns the number of calls awaiting a response.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.pending)
}

// Resolved returns the number of responses delivered so far.
func (c *Correlator) Resolved() int64 {
	return c.resolved.Load()
}
