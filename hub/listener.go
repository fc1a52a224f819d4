package hub

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/tomyedwab/pglitehub/bridge"
	"github.com/tomyedwab/pglitehub/wire"
)

// Listener is the thin network front-end of one instance. Each accepted
// connection exchanges length-prefixed frames: a request frame is handed
// to the bridge as an opaque payload and the bridge's response (or an
// ERROR payload) is framed back. Many connections may be open at once;
// they all fan into the one bridge, which serializes them.
type Listener struct {
	addr   string
	br     *bridge.Bridge
	logger *slog.Logger

	ln net.Listener
	wg sync.WaitGroup

	// baseCtx is cancelled on Close so connections blocked in a bridge
	// call are released instead of holding Close hostage.
	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

func NewListener(addr string, br *bridge.Bridge, logger *slog.Logger) *Listener {
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		addr:    addr,
		br:      br,
		logger:  logger.With("component", "listener", "addr", addr),
		baseCtx: ctx,
		cancel:  cancel,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start binds the address and begins accepting connections.
func (l *Listener) Start() error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return err
	}
	l.ln = ln
	l.wg.Add(1)
	go l.acceptLoop()
	return nil
}

// Addr returns the bound address, useful when the configured port was
// chosen dynamically in tests.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if !closed {
				l.logger.Error("accept failed", "error", err)
			}
			return
		}
		if !l.track(conn) {
			conn.Close()
			return
		}
		l.wg.Add(1)
		go l.serveConn(conn)
	}
}

func (l *Listener) track(conn net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.conns[conn] = struct{}{}
	return true
}

func (l *Listener) untrack(conn net.Conn) {
	l.mu.Lock()
	delete(l.conns, conn)
	l.mu.Unlock()
}

func (l *Listener) serveConn(conn net.Conn) {
	defer l.wg.Done()
	defer l.untrack(conn)
	defer conn.Close()

	traceID := uuid.New().String()
	logger := l.logger.With("trace", traceID, "remote", conn.RemoteAddr().String())
	logger.Debug("connection accepted")

	for {
		payload, err := wire.ReadFrame(conn)
		if err != nil {
			if err != io.EOF {
				logger.Debug("connection read ended", "error", err)
			}
			return
		}

		// Callers get an arbitrarily long wait by default; the engine
		// has no cancellation primitive, so the only bound is the
		// listener's own shutdown.
		resp, err := l.br.Call(l.baseCtx, payload)
		if err != nil {
			var engineErr *bridge.EngineError
			if errors.As(err, &engineErr) {
				// Query-level failure: report it on this connection and
				// keep serving.
				if werr := wire.WriteFrame(conn, wire.ErrorPayload(engineErr.Message)); werr != nil {
					return
				}
				continue
			}
			// Bridge closed (engine died) or the call was otherwise
			// unserviceable; this connection cannot make progress.
			logger.Warn("call failed, closing connection", "error", err)
			return
		}

		if err := wire.WriteFrame(conn, resp); err != nil {
			logger.Debug("connection write failed", "error", err)
			return
		}
	}
}

// Close stops accepting, closes every open connection without draining,
// and waits for connection goroutines to finish. Idempotent.
func (l *Listener) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	conns := make([]net.Conn, 0, len(l.conns))
	for conn := range l.conns {
		conns = append(conns, conn)
	}
	l.mu.Unlock()

	l.cancel()
	if l.ln != nil {
		l.ln.Close()
	}
	for _, conn := range conns {
		conn.Close()
	}
	l.wg.Wait()
}
