// Package engine owns the PGlite engine subprocess for one instance: it
// launches the child, exchanges length-prefixed frames over its
// stdin/stdout, surfaces child exit as a typed error, and tears the child
// down on demand. It knows nothing about request correlation; that is the
// bridge's job.
package engine

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/tomyedwab/pglitehub/wire"
)

const (
	defaultGracePeriod = 5 * time.Second

	// Environment variable names are the engine binary's contract; see
	// cmd/pglite-engine.
	envWASMPath = "PGLITE_WASM_PATH"
	envDataDir  = "PGLITE_DATA_DIR"
	envUsername = "PGLITE_USERNAME"
	envDatabase = "PGLITE_DATABASE"
	envDebug    = "PGLITE_DEBUG"
)

// LaunchConfig describes how to start one engine subprocess.
type LaunchConfig struct {
	// Executable is the path to the engine runner binary.
	Executable string
	// WASMPath is the path to the compiled PGlite WASM image the runner
	// loads. Launch verifies it exists before spawning.
	WASMPath string
	// StorageSpec is passed through verbatim ("" / "memory://" for
	// ephemeral, "file://<path>" or a bare path for persistent). The
	// caller is responsible for having validated it and created any
	// target directory.
	StorageSpec string
	// Username and Database are opaque pass-through credentials for the
	// engine; they are not validated here.
	Username string
	Database string
	// Debug is the engine verbosity level, 0-5.
	Debug int

	// GracePeriod bounds how long Terminate waits after SIGTERM before
	// sending SIGKILL. Zero means a 5 second default.
	GracePeriod time.Duration

	// Logger receives engine diagnostics (stderr lines). Nil means
	// slog.Default().
	Logger *slog.Logger
}

// Handle owns one live engine subprocess and its framed duplex channel.
// Send and Receive may be used concurrently with each other but each is
// single-caller; the bridge enforces that discipline.
type Handle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	logger *slog.Logger

	grace time.Duration

	exitCh   chan struct{}
	exitCode int
	exitErr  error

	mu         sync.Mutex
	terminated bool
}

// Launch spawns the engine subprocess described by cfg. It fails with
// ErrExecutableNotFound or ErrEngineAssetMissing before creating any
// process if the binary or the WASM image is absent.
func Launch(cfg LaunchConfig) (*Handle, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := cfg.GracePeriod
	if grace == 0 {
		grace = defaultGracePeriod
	}

	if _, err := os.Stat(cfg.Executable); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrExecutableNotFound, cfg.Executable)
	}
	if cfg.WASMPath != "" {
		if _, err := os.Stat(cfg.WASMPath); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrEngineAssetMissing, cfg.WASMPath)
		}
	}

	cmd := exec.Command(cfg.Executable)
	cmd.Env = append(os.Environ(),
		envWASMPath+"="+cfg.WASMPath,
		envDataDir+"="+cfg.StorageSpec,
		envUsername+"="+cfg.Username,
		envDatabase+"="+cfg.Database,
		envDebug+"="+strconv.Itoa(cfg.Debug),
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to spawn engine subprocess: %w", err)
	}

	h := &Handle{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		logger: logger.With("component", "engine", "pid", cmd.Process.Pid),
		grace:  grace,
		exitCh: make(chan struct{}),
	}

	// Everything the engine writes to stderr is diagnostic logging, not
	// protocol data.
	go func() {
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			h.logger.Info("engine", "output", scanner.Text())
		}
	}()

	go func() {
		err := cmd.Wait()
		h.exitErr = err
		h.exitCode = cmd.ProcessState.ExitCode()
		close(h.exitCh)
	}()

	h.logger.Info("engine subprocess started",
		"executable", cfg.Executable, "storage", cfg.StorageSpec, "database", cfg.Database)
	return h, nil
}

// Pid returns the subprocess's OS process ID.
func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// Exited returns a channel closed when the subprocess terminates, for any
// reason. It resolves independently of any blocked Receive.
func (h *Handle) Exited() <-chan struct{} {
	return h.exitCh
}

// ExitError returns the error cmd.Wait reported, once Exited is closed.
func (h *Handle) ExitError() error {
	select {
	case <-h.exitCh:
		return h.exitErr
	default:
		return nil
	}
}

// Send writes one framed request to the engine's stdin.
func (h *Handle) Send(payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.terminated {
		return ErrEngineClosed
	}
	if err := wire.WriteFrame(h.stdin, payload); err != nil {
		return fmt.Errorf("failed to write frame to engine: %w", err)
	}
	return nil
}

// Receive blocks until one complete response frame arrives from the
// engine's stdout. If the stream ends it returns *CrashError when the
// process has exited (waiting briefly for the exit status to be reaped)
// and ErrEngineClosed when the process closed its output while still
// running.
func (h *Handle) Receive() ([]byte, error) {
	payload, err := wire.ReadFrame(h.stdout)
	if err == nil {
		return payload, nil
	}

	// The stream broke. Distinguish a crash from a plain close; the exit
	// status usually arrives within moments of the pipe breaking.
	select {
	case <-h.exitCh:
		return nil, &CrashError{ExitCode: h.exitCode, Err: h.exitErr}
	case <-time.After(time.Second):
		return nil, ErrEngineClosed
	}
}

// Terminate requests graceful shutdown by closing the engine's stdin (its
// main loop exits on EOF) and signalling it, then kills it outright if it
// has not exited within the grace period. Idempotent.
func (h *Handle) Terminate() {
	h.mu.Lock()
	if h.terminated {
		h.mu.Unlock()
		<-h.exitCh
		return
	}
	h.terminated = true
	h.mu.Unlock()

	h.stdin.Close()
	if err := h.cmd.Process.Signal(os.Interrupt); err != nil {
		h.logger.Warn("failed to signal engine subprocess", "error", err)
	}

	select {
	case <-h.exitCh:
		h.logger.Info("engine subprocess exited gracefully")
	case <-time.After(h.grace):
		h.logger.Warn("engine subprocess did not exit within grace period, killing")
		if err := h.cmd.Process.Kill(); err != nil {
			h.logger.Error("failed to kill engine subprocess", "error", err)
		}
		<-h.exitCh
	}
}
