package protocol

import (
	"bufio"
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/wagiedev/mcpbridge/internal/config"
	"github.com/wagiedev/mcpbridge/internal/errors"
	"github.com/wagiedev/mcpbridge/internal/message"
)

// Pump is the single reader of a shared child's stdout.
type Pump struct {
	log         *slog.Logger
	r           io.Reader
	correlator  *Correlator
	notifier    *Notifier
	w           LineWriter
	maxLineSize int

	replies sync.WaitGroup

	lines     atomic.Int64
	responses atomic.Int64
	malformed atomic.Int64
	unmatched atomic.Int64
}

// NewPump creates a pump reading r. Replies to child-originated requests are
// written through w. A non-positive maxLineSize uses config.DefaultMaxLineSize.
func NewPump(
	log *slog.Logger,
	r io.Reader,
	correlator *Correlator,
	notifier *Notifier,
	w LineWriter,
	maxLineSize int,
) *Pump {
	if maxLineSize <= 0 {
		maxLineSize = config.DefaultMaxLineSize
	}

	return &Pump{
		log:         log.With("component", "pump"),
		r:           r,
		correlator:  correlator,
		notifier:    notifier,
		w:           w,
		maxLineSize: maxLineSize,
	}
}

// Run reads and routes lines until the stream ends.
//
// It returns nil at end of stream and the read error otherwise. A line longer
// than the maximum size ends the stream with a *errors.ProtocolError, since
// framing cannot be recovered after it. Malformed lines are logged and
// skipped.
func (p *Pump) Run(ctx context.Context) error {
	p.log.Debug("Starting stdout pump")
	defer p.log.Debug("Stdout pump stopped")

	// Replies run on their own goroutines; wait for them so the caller can
	// safely tear down stdin afterwards.
	defer p.replies.Wait()

	scanner := bufio.NewScanner(p.r)
	scanner.Buffer(make([]byte, 0, min(64*1024, p.maxLineSize)), p.maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		p.lines.Add(1)
		p.route(ctx, line)
	}

	if err := scanner.Err(); err != nil {
		if stderrors.Is(err, bufio.ErrTooLong) {
			p.log.Error("Child stdout line exceeds maximum size", "max_line_size", p.maxLineSize)

			return &errors.ProtocolError{
				Err: fmt.Errorf("line exceeds %d bytes: %w", p.maxLineSize, err),
			}
		}

		p.log.Debug("Stdout read error", "error", err)

		return fmt.Errorf("read child stdout: %w", err)
	}

	return nil
}

func (p *Pump) route(ctx context.Context, line []byte) {
	msg, err := message.Parse(line)
	if err != nil {
		p.malformed.Add(1)
		p.log.Warn("Skipping malformed line from child", "error", err)

		return
	}

	switch msg.Kind() {
	case message.KindResponse:
		p.responses.Add(1)

		if !p.correlator.Resolve(msg) {
			p.unmatched.Add(1)
			p.log.Debug("Dropping response with no pending request", "request_id", msg.IDKey())
		}

	case message.KindNotification:
		p.notifier.Publish(msg)

	case message.KindRequest:
		p.log.Debug("Rejecting child-originated request", "request_id", msg.IDKey(), "method", msg.Method)
		p.reject(ctx, msg)
	}
}

// reject answers a child request with "method not found" so the child never
// waits on the bridge. The write is asynchronous because the child may be
// blocked writing stdout while its stdin is full.
func (p *Pump) reject(ctx context.Context, req *message.Message) {
	reply := message.NewErrorResponse(req.ID, message.CodeMethodNotFound,
		fmt.Sprintf("method %q not supported by bridge", req.Method))

	data, err := message.Encode(reply)
	if err != nil {
		p.log.Warn("Failed to encode rejection", "error", err)

		return
	}

	p.replies.Go(func() {
		if err := p.w.WriteLine(ctx, data); err != nil {
			p.log.Debug("Failed to reject child request", "method", req.Method, "error", err)
		}
	})
}

// Stats is a snapshot of pump counters.
type Stats struct {
	Lines     int64 `json:"lines"`
	Responses int64 `json:"responses"`
	Malformed int64 `json:"malformed"`
	Unmatched int64 `json:"unmatched"`
}

// Stats returns the current counters.
func (p *Pump) Stats() Stats {
	return Stats{
		Lines:     p.lines.Load(),
		Responses: p.responses.Load(),
		Malformed: p.malformed.Load(),
		Unmatched: p.unmatched.Load(),
	}
}
