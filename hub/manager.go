// Package hub manages named PGlite instances: validated configuration,
// dynamic start/stop under unique names, and the registry callers use to
// find a running instance's components. Instances are shared-nothing;
// the hub never lets one instance's failure touch another.
package hub

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/tomyedwab/pglitehub/hub/audit"
)

// Manager creates and destroys instances. All configuration flows in
// through explicit structs; the manager holds no mutable global state
// beyond its registry.
type Manager struct {
	defaults Defaults
	registry *Registry
	logger   *slog.Logger
	audit    *audit.Logger // nil disables audit logging
}

// NewManager creates a manager with hub-wide defaults. auditLog may be
// nil to disable lifecycle auditing.
func NewManager(defaults Defaults, auditLog *audit.Logger, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		defaults: defaults,
		registry: NewRegistry(),
		logger:   logger.With("component", "manager"),
		audit:    auditLog,
	}
}

// Registry exposes the name registry for component lookups.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// StartInstance validates cfg, claims name, and brings up a new
// instance. Validation and the uniqueness check both happen before any
// subprocess or listener is created; a failure at any later step releases
// the name and leaves nothing running.
func (m *Manager) StartInstance(name string, cfg InstanceConfig) (*Instance, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("instance name is required")
	}

	rcfg, err := cfg.resolve(m.defaults)
	if err != nil {
		return nil, err
	}

	inst := newInstance(name, rcfg, m.logger, m.handleInstanceFailure)
	if err := m.registry.Insert(name, inst); err != nil {
		return nil, err
	}

	if err := inst.start(m.defaults); err != nil {
		m.registry.Remove(name)
		m.logger.Error("instance start failed", "instance", name, "error", err)
		if m.audit != nil {
			m.audit.LogInstanceStartFailed(name, err.Error())
		}
		return nil, err
	}

	m.registry.SetComponent(name, RoleBridge, inst.br)
	m.registry.SetComponent(name, RoleListener, inst.listener)

	if m.audit != nil {
		m.audit.LogInstanceStarted(name, rcfg.Port, rcfg.Storage.Mode.String(), inst.handle.Pid())
	}
	return inst, nil
}

// StopInstance stops the named instance and releases its name. Stopping
// a name that was never started, or was already stopped, returns
// ErrInstanceNotFound.
func (m *Manager) StopInstance(name string) error {
	inst, exists := m.registry.Lookup(name)
	if !exists {
		return ErrInstanceNotFound
	}
	inst.stop()
	m.registry.Remove(name)
	if m.audit != nil {
		m.audit.LogInstanceStopped(name)
	}
	return nil
}

// ListInstances returns a snapshot of registered instance names.
func (m *Manager) ListInstances() []string {
	return m.registry.Names()
}

// InstanceInfo reports the named instance's state and liveness.
func (m *Manager) InstanceInfo(name string) (Info, error) {
	inst, exists := m.registry.Lookup(name)
	if !exists {
		return Info{}, ErrInstanceNotFound
	}
	return inst.info(), nil
}

// Shutdown stops every instance. Used at daemon exit.
func (m *Manager) Shutdown() {
	for _, name := range m.registry.Names() {
		if err := m.StopInstance(name); err != nil {
			m.logger.Warn("failed to stop instance during shutdown", "instance", name, "error", err)
		}
	}
}

// handleInstanceFailure runs when an instance's engine subprocess dies.
// The registry entry stays in place (reported as not live) so the
// failure is observable; an explicit StopInstance releases the name.
func (m *Manager) handleInstanceFailure(inst *Instance) {
	m.logger.Error("instance failed", "instance", inst.Name)
	if m.audit != nil {
		exitErr := ""
		if err := inst.handle.ExitError(); err != nil {
			exitErr = err.Error()
		}
		m.audit.LogInstanceCrashed(inst.Name, exitErr)
	}
}
