package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tomyedwab/pglitehub/wire"
)

// fakeTransport is a controllable stand-in for an engine subprocess.
// Requests written by the bridge arrive on reqCh; the test feeds
// responses through respCh and simulates a crash by calling crash().
type fakeTransport struct {
	reqCh  chan []byte
	respCh chan []byte
	exitCh chan struct{}

	crashOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		reqCh:  make(chan []byte, 64),
		respCh: make(chan []byte, 64),
		exitCh: make(chan struct{}),
	}
}

func (f *fakeTransport) Send(payload []byte) error {
	select {
	case <-f.exitCh:
		return errors.New("write to dead process")
	default:
	}
	f.reqCh <- payload
	return nil
}

func (f *fakeTransport) Receive() ([]byte, error) {
	select {
	case resp := <-f.respCh:
		return resp, nil
	case <-f.exitCh:
		return nil, errors.New("process exited")
	}
}

func (f *fakeTransport) Exited() <-chan struct{} {
	return f.exitCh
}

func (f *fakeTransport) crash() {
	f.crashOnce.Do(func() { close(f.exitCh) })
}

// echo responds to every request with its own payload, forever.
func (f *fakeTransport) echo() {
	go func() {
		for {
			select {
			case req := <-f.reqCh:
				f.respCh <- req
			case <-f.exitCh:
				return
			}
		}
	}()
}

func TestCallRoundTrip(t *testing.T) {
	transport := newFakeTransport()
	transport.echo()
	b := New(transport, nil)
	defer b.Close()

	for _, payload := range [][]byte{{}, []byte("Q"), bytes.Repeat([]byte{7}, 4096)} {
		resp, err := b.Call(context.Background(), payload)
		if err != nil {
			t.Fatalf("Call returned error: %v", err)
		}
		if !bytes.Equal(resp, payload) {
			t.Errorf("response does not match request payload of %d bytes", len(payload))
		}
	}
}

func TestCallsAreServicedInSubmissionOrder(t *testing.T) {
	transport := newFakeTransport()
	b := New(transport, nil)
	defer b.Close()

	const n = 10
	type result struct {
		sent []byte
		resp []byte
		err  error
	}
	results := make([]result, n)

	// Submit calls one at a time, releasing the next only once the
	// bridge has written the previous request (first call) or queued
	// behind it. Responses are all withheld until every call is in, so
	// the queue is fully loaded before anything resolves.
	var wg sync.WaitGroup
	var submitted [][]byte
	for i := 0; i < n; i++ {
		payload := []byte(fmt.Sprintf("request-%d", i))
		submitted = append(submitted, payload)
		wg.Add(1)
		go func(i int, payload []byte) {
			defer wg.Done()
			resp, err := b.Call(context.Background(), payload)
			results[i] = result{sent: payload, resp: resp, err: err}
		}(i, payload)
		// Give the call time to reach the queue before the next one, so
		// submission order is deterministic.
		time.Sleep(10 * time.Millisecond)
	}

	// Drain: the bridge must present requests in submission order, one
	// at a time.
	received := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		select {
		case req := <-transport.reqCh:
			received = append(received, req)
			transport.respCh <- req
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for request %d to reach the transport", i)
		}
	}
	wg.Wait()

	for i, req := range received {
		if !bytes.Equal(req, submitted[i]) {
			t.Errorf("request %d dispatched out of order: got %q, want %q", i, req, submitted[i])
		}
	}
	for i, r := range results {
		if r.err != nil {
			t.Errorf("caller %d got error: %v", i, r.err)
			continue
		}
		if !bytes.Equal(r.resp, r.sent) {
			t.Errorf("caller %d got misrouted response %q for request %q", i, r.resp, r.sent)
		}
	}
}

func TestConcurrentCallersNeverMisrouted(t *testing.T) {
	transport := newFakeTransport()
	transport.echo()
	b := New(transport, nil)
	defer b.Close()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := []byte(fmt.Sprintf("caller-%d", i))
			resp, err := b.Call(context.Background(), payload)
			if err != nil {
				t.Errorf("caller %d got error: %v", i, err)
				return
			}
			if !bytes.Equal(resp, payload) {
				t.Errorf("caller %d got someone else's response: %q", i, resp)
			}
		}(i)
	}
	wg.Wait()
}

func TestEngineErrorSurfacesToOnlyThatCaller(t *testing.T) {
	transport := newFakeTransport()
	b := New(transport, nil)
	defer b.Close()

	go func() {
		<-transport.reqCh
		transport.respCh <- wire.ErrorPayload("syntax error at or near \"SELEC\"")
	}()

	_, err := b.Call(context.Background(), []byte("SELEC 1;"))
	var engineErr *EngineError
	if !errors.As(err, &engineErr) {
		t.Fatalf("expected *EngineError, got %v", err)
	}
	if engineErr.Message != "syntax error at or near \"SELEC\"" {
		t.Errorf("unexpected engine error message: %q", engineErr.Message)
	}

	// The bridge must remain open for subsequent calls.
	transport.echo()
	resp, err := b.Call(context.Background(), []byte("SELECT 1;"))
	if err != nil {
		t.Fatalf("call after engine error failed: %v", err)
	}
	if !bytes.Equal(resp, []byte("SELECT 1;")) {
		t.Errorf("unexpected response after engine error: %q", resp)
	}
}

func TestCrashFailsAllPendingCalls(t *testing.T) {
	transport := newFakeTransport()
	b := New(transport, nil)

	const k = 8
	var wg sync.WaitGroup
	errs := make([]error, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = b.Call(context.Background(), []byte(fmt.Sprintf("pending-%d", i)))
		}(i)
	}

	// Wait until the head call is in flight so the rest are queued.
	select {
	case <-transport.reqCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the first request")
	}

	transport.crash()
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, ErrBridgeClosed) {
			t.Errorf("pending caller %d: expected ErrBridgeClosed, got %v", i, err)
		}
	}

	// New calls after the crash fail immediately.
	if _, err := b.Call(context.Background(), []byte("too late")); !errors.Is(err, ErrBridgeClosed) {
		t.Errorf("call after crash: expected ErrBridgeClosed, got %v", err)
	}
}

func TestCrashWhileIdleClosesBridge(t *testing.T) {
	transport := newFakeTransport()
	b := New(transport, nil)

	transport.crash()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := b.Call(context.Background(), []byte("x")); errors.Is(err, ErrBridgeClosed) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("bridge did not close after idle crash")
}

func TestTimeoutDoesNotBreakFIFOPairing(t *testing.T) {
	transport := newFakeTransport()
	b := New(transport, nil)
	defer b.Close()

	// First call times out while its request is in flight.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := b.Call(ctx, []byte("slow"))
		done <- err
	}()

	var slowReq []byte
	select {
	case slowReq = <-transport.reqCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the slow request")
	}

	if err := <-done; !errors.Is(err, ErrCallTimeout) {
		t.Fatalf("expected ErrCallTimeout, got %v", err)
	}

	// Second caller queues behind the abandoned exchange.
	respCh := make(chan []byte, 1)
	go func() {
		resp, err := b.Call(context.Background(), []byte("fast"))
		if err != nil {
			t.Errorf("second call failed: %v", err)
		}
		respCh <- resp
	}()

	// The bridge must not dispatch the second request until the late
	// response for the first has been drained.
	select {
	case req := <-transport.reqCh:
		t.Fatalf("request %q dispatched before the late response was drained", req)
	case <-time.After(200 * time.Millisecond):
	}

	// Deliver the late response for the abandoned call; it must be
	// discarded, not handed to the second caller.
	transport.respCh <- append([]byte("late-"), slowReq...)

	select {
	case req := <-transport.reqCh:
		if !bytes.Equal(req, []byte("fast")) {
			t.Fatalf("unexpected second request: %q", req)
		}
		transport.respCh <- req
	case <-time.After(5 * time.Second):
		t.Fatal("second request never dispatched after drain")
	}

	select {
	case resp := <-respCh:
		if !bytes.Equal(resp, []byte("fast")) {
			t.Errorf("second caller received stale response: %q", resp)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second caller never completed")
	}
}

func TestTimeoutWhileQueuedSkipsDispatch(t *testing.T) {
	transport := newFakeTransport()
	b := New(transport, nil)
	defer b.Close()

	// Head call occupies the bridge.
	go b.Call(context.Background(), []byte("head"))
	select {
	case <-transport.reqCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the head request")
	}

	// Queued call gives up before it is ever dispatched.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := b.Call(ctx, []byte("queued")); !errors.Is(err, ErrCallTimeout) {
		t.Fatalf("expected ErrCallTimeout for queued call, got %v", err)
	}

	// Resolve the head call; the abandoned queued request must never hit
	// the transport.
	transport.respCh <- []byte("head-response")
	select {
	case req := <-transport.reqCh:
		t.Errorf("abandoned queued request %q was dispatched", req)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCloseFailsPendingCalls(t *testing.T) {
	transport := newFakeTransport()
	b := New(transport, nil)

	done := make(chan error, 1)
	go func() {
		_, err := b.Call(context.Background(), []byte("in-flight"))
		done <- err
	}()
	select {
	case <-transport.reqCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the request")
	}

	b.Close()
	// The in-flight exchange is resolved by the transport breaking when
	// the owning instance tears the subprocess down; simulate that.
	transport.crash()

	if err := <-done; !errors.Is(err, ErrBridgeClosed) {
		t.Errorf("expected ErrBridgeClosed after Close, got %v", err)
	}

	// Close is idempotent.
	b.Close()
}
