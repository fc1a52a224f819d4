// pglite-engine runs one PGlite WASM engine as a stdio worker. The hub
// launches one of these per instance: requests arrive as length-prefixed
// frames on stdin, responses leave as length-prefixed frames on stdout,
// and everything else (logs, diagnostics) goes to stderr so the protocol
// stream stays clean. Engine-level query failures are reported in-band
// as "ERROR: ..." payloads; a fatal host error exits the process.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/emscripten"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/tomyedwab/pglitehub/hub"
	"github.com/tomyedwab/pglitehub/wire"
)

const (
	recvBufSize = 1 * 1024 * 1024

	// Mount point inside the WASM filesystem for persistent data.
	wasmDataMountPoint = "/pgdata"

	maxDebugLevel = 5
)

// config holds engine configuration read from the environment, which is
// how the hub's subprocess handle passes it down.
type config struct {
	WASMPath string
	DataDir  string
	Username string
	Database string
	Debug    int
}

func readConfig() config {
	return config{
		WASMPath: getEnvOrDefault("PGLITE_WASM_PATH", "dist/pglite/pglite.wasm"),
		DataDir:  os.Getenv("PGLITE_DATA_DIR"),
		Username: getEnvOrDefault("PGLITE_USERNAME", "postgres"),
		Database: getEnvOrDefault("PGLITE_DATABASE", "postgres"),
		Debug:    parseDebugLevel(os.Getenv("PGLITE_DEBUG")),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDebugLevel parses the engine verbosity level, clamping to 0-5.
func parseDebugLevel(debugStr string) int {
	if debugStr == "" {
		return 0
	}
	level, err := strconv.Atoi(debugStr)
	if err != nil {
		slog.Warn("invalid debug level, using 0", "value", debugStr)
		return 0
	}
	if level < 0 {
		return 0
	}
	if level > maxDebugLevel {
		return maxDebugLevel
	}
	return level
}

// pgliteEngine wraps one instantiated PGlite WASM module.
type pgliteEngine struct {
	ctx     context.Context
	runtime wazero.Runtime
	module  api.Module
	logger  *slog.Logger

	// Protocol exchange buffers, mirroring the PGlite host contract.
	outputData  []byte
	inputData   []byte
	writeOffset int
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg := readConfig()
	logger.Info("pglite-engine starting",
		"wasm", cfg.WASMPath, "dataDir", cfg.DataDir,
		"username", cfg.Username, "database", cfg.Database, "debug", cfg.Debug)

	wasmBytes, err := os.ReadFile(cfg.WASMPath)
	if err != nil {
		logger.Error("failed to read WASM image", "path", cfg.WASMPath, "error", err)
		os.Exit(1)
	}

	eng, err := newPGLiteEngine(context.Background(), wasmBytes, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize engine", "error", err)
		os.Exit(1)
	}
	defer eng.Close()

	logger.Info("engine initialized, accepting protocol frames on stdin")

	// Main loop: one frame in, one frame out, strictly in order. The
	// hub's bridge depends on that pairing.
	for {
		message, err := wire.ReadFrame(os.Stdin)
		if err != nil {
			if err == io.EOF {
				logger.Info("stdin closed, shutting down")
				return
			}
			logger.Error("failed to read request frame", "error", err)
			os.Exit(1)
		}

		response, err := eng.ExecProtocolRaw(message)
		if err != nil {
			logger.Error("protocol execution failed", "error", err)
			response = wire.ErrorPayload(err.Error())
		}
		if err := wire.WriteFrame(os.Stdout, response); err != nil {
			logger.Error("failed to write response frame", "error", err)
			os.Exit(1)
		}
	}
}

func newPGLiteEngine(ctx context.Context, wasmBytes []byte, cfg config, logger *slog.Logger) (*pgliteEngine, error) {
	eng := &pgliteEngine{
		ctx:       ctx,
		inputData: make([]byte, recvBufSize),
		logger:    logger,
	}

	eng.runtime = wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig())

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, eng.runtime); err != nil {
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}
	if _, err := emscripten.Instantiate(ctx, eng.runtime); err != nil {
		return nil, fmt.Errorf("failed to instantiate emscripten imports: %w", err)
	}

	compiled, err := eng.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to compile module: %w", err)
	}

	// The module's own stdout is diagnostics, not protocol data; keep it
	// off the frame stream.
	moduleConfig := wazero.NewModuleConfig().
		WithName("pglite").
		WithStdout(os.Stderr).
		WithStderr(os.Stderr)

	moduleConfig, err = configureStorage(moduleConfig, cfg.DataDir, logger)
	if err != nil {
		return nil, err
	}

	eng.module, err = eng.runtime.InstantiateModule(ctx, compiled, moduleConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate module: %w", err)
	}
	if eng.module.Memory() == nil {
		return nil, fmt.Errorf("module has no exported memory")
	}

	if err := eng.initDatabase(); err != nil {
		return nil, err
	}
	return eng, nil
}

// configureStorage resolves the storage spec and mounts the host data
// directory into the WASM filesystem for persistent mode.
func configureStorage(moduleConfig wazero.ModuleConfig, dataDir string, logger *slog.Logger) (wazero.ModuleConfig, error) {
	spec, err := hub.ParseStorageSpec(dataDir)
	if err != nil {
		return nil, err
	}
	if spec.Mode == hub.StorageEphemeral {
		logger.Info("storage mode: ephemeral, data will not persist")
		return moduleConfig, nil
	}

	absPath, err := filepath.Abs(spec.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory %q: %w", spec.Path, err)
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %q: %w", absPath, err)
	}

	logger.Info("storage mode: persistent", "hostPath", absPath, "mountPoint", wasmDataMountPoint)
	return moduleConfig.WithFSConfig(wazero.NewFSConfig().
		WithDirMount(absPath, wasmDataMountPoint)), nil
}

// initDatabase runs the engine's one-time init: _pgl_initdb then
// _pgl_backend.
func (eng *pgliteEngine) initDatabase() error {
	initdb := eng.module.ExportedFunction("_pgl_initdb")
	if initdb == nil {
		return fmt.Errorf("_pgl_initdb function not found")
	}
	results, err := initdb.Call(eng.ctx)
	if err != nil {
		return fmt.Errorf("_pgl_initdb failed: %w", err)
	}
	if len(results) == 0 || results[0] == 0 {
		return fmt.Errorf("_pgl_initdb reported failure")
	}

	backend := eng.module.ExportedFunction("_pgl_backend")
	if backend == nil {
		return fmt.Errorf("_pgl_backend function not found")
	}
	if _, err := backend.Call(eng.ctx); err != nil {
		return fmt.Errorf("_pgl_backend failed: %w", err)
	}

	eng.logger.Info("postgres backend started")
	return nil
}

// ExecProtocolRaw executes one PostgreSQL wire protocol message and
// returns the engine's raw response bytes.
func (eng *pgliteEngine) ExecProtocolRaw(message []byte) ([]byte, error) {
	if len(message) == 0 {
		return nil, fmt.Errorf("empty message")
	}

	eng.writeOffset = 0
	eng.outputData = message
	if len(eng.inputData) != recvBufSize {
		eng.inputData = make([]byte, recvBufSize)
	}

	interactiveOne := eng.module.ExportedFunction("_interactive_one")
	if interactiveOne == nil {
		return nil, fmt.Errorf("_interactive_one function not found")
	}
	if _, err := interactiveOne.Call(eng.ctx, uint64(len(message)), uint64(message[0])); err != nil {
		return nil, fmt.Errorf("_interactive_one failed: %w", err)
	}
	eng.outputData = nil

	if eng.writeOffset > 0 {
		response := make([]byte, eng.writeOffset)
		copy(response, eng.inputData[:eng.writeOffset])
		return response, nil
	}
	return []byte{}, nil
}

// Close tears the runtime down.
func (eng *pgliteEngine) Close() error {
	if eng.runtime != nil {
		return eng.runtime.Close(eng.ctx)
	}
	return nil
}
