package hub

import (
	"fmt"
	"time"
)

const (
	defaultBindAddress = "127.0.0.1"
	defaultUsername    = "postgres"
	defaultDatabase    = "postgres"

	maxDebugLevel = 5
)

// Defaults holds hub-wide settings merged into every instance config at
// start time. It is threaded explicitly through the Manager; nothing
// reads ambient global state.
type Defaults struct {
	// EngineExecutable is the path to the engine runner binary
	// (cmd/pglite-engine).
	EngineExecutable string
	// EngineWASMPath is the compiled PGlite image the runner loads.
	EngineWASMPath string
	// BindAddress is used when an instance config leaves its bind
	// address empty. Defaults to loopback.
	BindAddress string
	// Username and Database default the engine credentials.
	Username string
	Database string
	// GracePeriod bounds engine subprocess shutdown.
	GracePeriod time.Duration
}

// InstanceConfig is the caller-supplied configuration for one instance.
// It is merged with hub Defaults and validated once at start; the
// resulting configuration is immutable for the instance's lifetime
// (changing it requires stop + restart).
type InstanceConfig struct {
	// Port is the TCP port the instance's listener binds. Required.
	Port int
	// BindAddress is the listen address; empty means the hub default.
	BindAddress string
	// StorageSpec selects ephemeral or persistent storage; see
	// ParseStorageSpec for the accepted forms.
	StorageSpec string
	// Username and Database are passed through to the engine untouched.
	Username string
	Database string
	// Debug is the engine verbosity level; values outside 0-5 are
	// clamped.
	Debug int
}

// resolvedConfig is an InstanceConfig after defaulting and validation.
type resolvedConfig struct {
	InstanceConfig
	Storage StorageSpec
}

// resolve merges defaults in and validates. Validation failures are
// returned before any subprocess or listener exists.
func (c InstanceConfig) resolve(d Defaults) (resolvedConfig, error) {
	if c.Port <= 0 {
		return resolvedConfig{}, ErrPortRequired
	}
	if c.Port > 65535 {
		return resolvedConfig{}, fmt.Errorf("port %d out of range", c.Port)
	}

	storage, err := ParseStorageSpec(c.StorageSpec)
	if err != nil {
		return resolvedConfig{}, err
	}

	if c.BindAddress == "" {
		c.BindAddress = d.BindAddress
	}
	if c.BindAddress == "" {
		c.BindAddress = defaultBindAddress
	}
	if c.Username == "" {
		c.Username = d.Username
	}
	if c.Username == "" {
		c.Username = defaultUsername
	}
	if c.Database == "" {
		c.Database = d.Database
	}
	if c.Database == "" {
		c.Database = defaultDatabase
	}
	c.Debug = clampDebugLevel(c.Debug)

	return resolvedConfig{InstanceConfig: c, Storage: storage}, nil
}

func clampDebugLevel(level int) int {
	if level < 0 {
		return 0
	}
	if level > maxDebugLevel {
		return maxDebugLevel
	}
	return level
}
