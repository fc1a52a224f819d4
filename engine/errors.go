package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrExecutableNotFound is returned by Launch when the engine binary
	// does not exist at the configured path.
	ErrExecutableNotFound = errors.New("engine executable not found")

	// ErrEngineAssetMissing is returned by Launch when the compiled engine
	// WASM image is absent. The engine binary cannot start without it, so
	// this is caught before spawning anything.
	ErrEngineAssetMissing = errors.New("engine WASM asset not found")

	// ErrEngineClosed is returned by Receive when the engine's output
	// stream closes without the process having reported an exit status
	// yet, and by Send after Terminate.
	ErrEngineClosed = errors.New("engine process closed")
)

// CrashError is returned by Receive when the engine process has
// terminated. ExitCode is the process exit status, or -1 if the process
// was killed by a signal.
type CrashError struct {
	ExitCode int
	Err      error
}

func (e *CrashError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("engine process crashed (exit code %d): %v", e.ExitCode, e.Err)
	}
	return fmt.Sprintf("engine process crashed (exit code %d)", e.ExitCode)
}

func (e *CrashError) Unwrap() error { return e.Err }
