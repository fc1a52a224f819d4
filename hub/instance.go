package hub

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tomyedwab/pglitehub/bridge"
	"github.com/tomyedwab/pglitehub/engine"
)

// State is an instance's lifecycle position.
type State int

const (
	// StateStarting means validation passed and the engine subprocess is
	// being launched.
	StateStarting State = iota
	// StateRunning means the engine and listener are up.
	StateRunning
	// StateStopping means an explicit stop is in progress.
	StateStopping
	// StateStopped means the instance shut down cleanly.
	StateStopped
	// StateFailed means the launch failed or the engine subprocess died
	// while running.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	case StateFailed:
		return "Failed"
	default:
		return "InvalidState"
	}
}

// Instance couples one engine subprocess, its bridge, and one TCP
// listener under a name. It is the crash-isolation unit: instances share
// no state, and an engine crash fails only its own instance.
type Instance struct {
	Name string

	cfg      resolvedConfig
	handle   *engine.Handle
	br       *bridge.Bridge
	listener *Listener
	logger   *slog.Logger

	// onFailure is invoked (once, from the watcher goroutine) when the
	// engine dies while the instance is Running.
	onFailure func(inst *Instance)

	mu     sync.Mutex
	state  State
	stopCh chan struct{}
}

func newInstance(name string, cfg resolvedConfig, logger *slog.Logger, onFailure func(*Instance)) *Instance {
	return &Instance{
		Name:      name,
		cfg:       cfg,
		logger:    logger.With("component", "instance", "instance", name),
		onFailure: onFailure,
		state:     StateStarting,
		stopCh:    make(chan struct{}),
	}
}

// start launches the engine subprocess, wraps it in a bridge, and binds
// the listener. On any failure it tears down whatever was created and
// returns the error; no partially-constructed instance is left running.
func (inst *Instance) start(defaults Defaults) error {
	if err := inst.cfg.Storage.Prepare(); err != nil {
		inst.setState(StateFailed)
		return err
	}

	handle, err := engine.Launch(engine.LaunchConfig{
		Executable:  defaults.EngineExecutable,
		WASMPath:    defaults.EngineWASMPath,
		StorageSpec: inst.cfg.Storage.Raw,
		Username:    inst.cfg.Username,
		Database:    inst.cfg.Database,
		Debug:       inst.cfg.Debug,
		GracePeriod: defaults.GracePeriod,
		Logger:      inst.logger,
	})
	if err != nil {
		inst.setState(StateFailed)
		return fmt.Errorf("failed to launch engine for instance %q: %w", inst.Name, err)
	}
	inst.handle = handle
	inst.br = bridge.New(handle, inst.logger)

	addr := fmt.Sprintf("%s:%d", inst.cfg.BindAddress, inst.cfg.Port)
	listener := NewListener(addr, inst.br, inst.logger)
	if err := listener.Start(); err != nil {
		inst.br.Close()
		handle.Terminate()
		inst.setState(StateFailed)
		return fmt.Errorf("failed to bind listener for instance %q: %w", inst.Name, err)
	}
	inst.listener = listener

	inst.setState(StateRunning)
	inst.logger.Info("instance running",
		"addr", addr, "storage", inst.cfg.Storage.Mode.String(), "pid", handle.Pid())

	go inst.watchEngine()
	return nil
}

// watchEngine escalates an engine exit to instance failure. There is no
// in-place respawn: ephemeral storage would silently lose all data, and
// resuming a persistent directory after a crash risks handing the engine
// inconsistent on-disk state. The caller decides whether to start a
// replacement instance.
func (inst *Instance) watchEngine() {
	select {
	case <-inst.stopCh:
		return
	case <-inst.handle.Exited():
	}

	inst.mu.Lock()
	if inst.state != StateRunning {
		inst.mu.Unlock()
		return
	}
	inst.state = StateFailed
	inst.mu.Unlock()

	inst.logger.Error("engine subprocess died, failing instance",
		"exitError", inst.handle.ExitError())
	inst.listener.Close()
	inst.br.Close()
	if inst.onFailure != nil {
		inst.onFailure(inst)
	}
}

// stop terminates the listener first (refusing new connections, draining
// none), then the bridge and the engine subprocess.
func (inst *Instance) stop() {
	inst.mu.Lock()
	switch inst.state {
	case StateStopping, StateStopped:
		inst.mu.Unlock()
		return
	case StateFailed:
		// Engine already gone; the watcher closed the listener and
		// bridge. Reap the subprocess if it is still being torn down.
		inst.state = StateStopped
		inst.mu.Unlock()
		if inst.handle != nil {
			inst.handle.Terminate()
		}
		return
	}
	inst.state = StateStopping
	close(inst.stopCh)
	inst.mu.Unlock()

	if inst.listener != nil {
		inst.listener.Close()
	}
	if inst.br != nil {
		inst.br.Close()
	}
	if inst.handle != nil {
		inst.handle.Terminate()
	}
	inst.setState(StateStopped)
	inst.logger.Info("instance stopped")
}

func (inst *Instance) setState(s State) {
	inst.mu.Lock()
	inst.state = s
	inst.mu.Unlock()
}

// GetState returns the current lifecycle state.
func (inst *Instance) GetState() State {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.state
}

// Bridge exposes the instance's bridge for in-process callers (tests,
// admin diagnostics). Network clients go through the listener instead.
func (inst *Instance) Bridge() *bridge.Bridge {
	return inst.br
}

// Info is the externally visible summary of one instance.
type Info struct {
	Name    string `json:"name"`
	State   string `json:"state"`
	Live    bool   `json:"live"`
	Port    int    `json:"port"`
	Address string `json:"address"`
	Storage string `json:"storage"`
	PID     int    `json:"pid,omitempty"`
}

func (inst *Instance) info() Info {
	state := inst.GetState()
	info := Info{
		Name:    inst.Name,
		State:   state.String(),
		Live:    state == StateRunning,
		Port:    inst.cfg.Port,
		Address: inst.cfg.BindAddress,
		Storage: inst.cfg.Storage.Mode.String(),
	}
	if inst.handle != nil && state == StateRunning {
		info.PID = inst.handle.Pid()
	}
	return info
}
