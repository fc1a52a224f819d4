// Package bridge serializes concurrent callers into a single-threaded
// engine subprocess. The subprocess wire channel carries no request IDs
// and returns exactly one response per request in submission order, so
// the bridge admits at most one outstanding request at a time and matches
// each response to the oldest pending caller. If the subprocess dies, no
// correlation is recoverable: every pending call fails and the bridge
// closes permanently. Respawning is the instance's decision, not ours.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/tomyedwab/pglitehub/wire"
)

var (
	// ErrBridgeClosed is returned for calls pending or arriving after the
	// bridge has shut down, either explicitly or because the engine
	// subprocess died.
	ErrBridgeClosed = errors.New("bridge closed")

	// ErrCallTimeout is returned to a caller whose context expired while
	// its request was queued or in flight. The request itself is not
	// cancelled; see the dispatch loop for how its response is drained.
	ErrCallTimeout = errors.New("call timed out")
)

// EngineError is a query-level failure reported by the engine as a
// well-formed response payload. It affects only the call that provoked
// it; the bridge stays open.
type EngineError struct {
	Message string
}

func (e *EngineError) Error() string {
	return "engine error: " + e.Message
}

// Transport is the engine subprocess surface the bridge drives. It is
// satisfied by *engine.Handle; tests substitute fakes.
type Transport interface {
	// Send writes one request frame.
	Send(payload []byte) error
	// Receive blocks for one response frame, returning an error when the
	// subprocess closes its stream or terminates.
	Receive() ([]byte, error)
	// Exited is closed when the subprocess terminates, independently of
	// any blocked Receive.
	Exited() <-chan struct{}
}

type callResult struct {
	payload []byte
	err     error
}

type pendingCall struct {
	ctx     context.Context
	payload []byte
	reply   chan callResult // buffered, capacity 1
}

// Bridge owns the FIFO queue in front of one engine subprocess.
type Bridge struct {
	transport Transport
	logger    *slog.Logger

	calls    chan *pendingCall
	closedCh chan struct{}
	closeMu  sync.Mutex
	closed   bool
}

// New creates a bridge over transport and starts its dispatch loop.
// A nil logger means slog.Default().
func New(transport Transport, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		transport: transport,
		logger:    logger.With("component", "bridge"),
		calls:     make(chan *pendingCall, 64),
		closedCh:  make(chan struct{}),
	}
	go b.dispatchLoop()
	return b
}

// Call submits one request and blocks until its response arrives, the
// caller's context expires, or the bridge closes. Callers bound their
// wait with a context deadline; an expired wait does not cancel the
// engine-side request.
func (b *Bridge) Call(ctx context.Context, payload []byte) ([]byte, error) {
	pc := &pendingCall{
		ctx:     ctx,
		payload: payload,
		reply:   make(chan callResult, 1),
	}

	select {
	case <-b.closedCh:
		return nil, ErrBridgeClosed
	case <-ctx.Done():
		return nil, ErrCallTimeout
	case b.calls <- pc:
	}

	select {
	case res := <-pc.reply:
		return res.payload, res.err
	case <-ctx.Done():
		return nil, ErrCallTimeout
	case <-b.closedCh:
		// The dispatcher fails in-flight calls before announcing the
		// close, so prefer a delivered result if one raced in.
		select {
		case res := <-pc.reply:
			return res.payload, res.err
		default:
			return nil, ErrBridgeClosed
		}
	}
}

// Close shuts the bridge down and fails every pending call with
// ErrBridgeClosed. Idempotent. Close does not terminate the subprocess;
// the owning instance does that separately.
func (b *Bridge) Close() {
	b.shutdown(nil)
}

func (b *Bridge) shutdown(cause error) {
	b.closeMu.Lock()
	if b.closed {
		b.closeMu.Unlock()
		return
	}
	b.closed = true
	close(b.closedCh)
	b.closeMu.Unlock()

	if cause != nil {
		b.logger.Warn("bridge closing", "cause", cause)
	}
}

// dispatchLoop feeds queued calls into the subprocess one at a time.
func (b *Bridge) dispatchLoop() {
	for {
		select {
		case <-b.closedCh:
			b.drainQueue()
			return
		case <-b.transport.Exited():
			// Subprocess died while idle.
			b.shutdown(errors.New("engine subprocess exited"))
			b.drainQueue()
			return
		case pc := <-b.calls:
			if !b.dispatch(pc) {
				b.drainQueue()
				return
			}
		}
	}
}

// dispatch runs one request/response exchange. It reports false when the
// bridge must close (transport failure), true otherwise.
func (b *Bridge) dispatch(pc *pendingCall) bool {
	// The caller may have given up while queued; nothing was written yet,
	// so the exchange can simply be skipped.
	if pc.ctx.Err() != nil {
		pc.reply <- callResult{err: ErrCallTimeout}
		return true
	}

	if err := b.transport.Send(pc.payload); err != nil {
		pc.reply <- callResult{err: ErrBridgeClosed}
		b.shutdown(err)
		return false
	}

	// A request is now on the wire. Whatever happens to the caller, the
	// response (or the crash) must be consumed before the next queued
	// call may proceed, or FIFO pairing breaks. A caller that timed out
	// has its late response discarded here via the buffered reply
	// channel.
	resp, err := b.transport.Receive()
	if err != nil {
		pc.reply <- callResult{err: ErrBridgeClosed}
		b.shutdown(err)
		return false
	}

	if msg, isErr := wire.ErrorMessage(resp); isErr {
		pc.reply <- callResult{err: &EngineError{Message: msg}}
		return true
	}
	pc.reply <- callResult{payload: resp}
	return true
}

// drainQueue fails every call still waiting in the queue. Runs only
// after closedCh is closed, so no new calls can be admitted mid-drain.
func (b *Bridge) drainQueue() {
	failed := 0
	for {
		select {
		case pc := <-b.calls:
			pc.reply <- callResult{err: ErrBridgeClosed}
			failed++
		default:
			if failed > 0 {
				b.logger.Warn("failed queued calls on close", "count", failed)
			}
			return
		}
	}
}
