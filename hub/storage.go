package hub

import (
	"fmt"
	"os"
	"strings"
)

const (
	memoryScheme = "memory://"
	fileScheme   = "file://"

	dataDirPerms = 0755
)

// StorageMode distinguishes the two engine storage configurations.
type StorageMode int

const (
	// StorageEphemeral keeps all data in engine memory; everything is
	// lost when the instance stops.
	StorageEphemeral StorageMode = iota
	// StoragePersistent backs the engine with a host directory that
	// survives instance restarts.
	StoragePersistent
)

func (m StorageMode) String() string {
	switch m {
	case StorageEphemeral:
		return "ephemeral"
	case StoragePersistent:
		return "persistent"
	default:
		return "invalid"
	}
}

// StorageSpec is the resolved form of an instance's storage
// configuration string. Exactly one of the two modes applies; Path is
// set only for StoragePersistent.
type StorageSpec struct {
	Mode StorageMode
	Path string
	// Raw preserves the caller's original spec string, which is what the
	// engine subprocess receives.
	Raw string
}

// ParseStorageSpec resolves a storage configuration string:
//
//	""            -> ephemeral
//	"memory://"   -> ephemeral
//	"file://<p>"  -> persistent at <p>
//	"<p>"         -> persistent at <p> (relative or absolute)
//
// A "file://" with no path, or a whitespace-only path, fails with
// ErrInvalidStorageSpec.
func ParseStorageSpec(spec string) (StorageSpec, error) {
	if spec == "" || spec == memoryScheme {
		return StorageSpec{Mode: StorageEphemeral, Raw: spec}, nil
	}

	path := spec
	if strings.HasPrefix(spec, fileScheme) {
		path = spec[len(fileScheme):]
		if path == "" {
			return StorageSpec{}, fmt.Errorf("%w: %q has no path after %s", ErrInvalidStorageSpec, spec, fileScheme)
		}
	}
	if strings.TrimSpace(path) == "" {
		return StorageSpec{}, fmt.Errorf("%w: path %q is blank", ErrInvalidStorageSpec, spec)
	}

	return StorageSpec{Mode: StoragePersistent, Path: path, Raw: spec}, nil
}

// Prepare ensures the on-disk prerequisites for the storage mode exist.
// For persistent mode the target directory is created if missing; its
// contents are owned entirely by the engine thereafter.
func (s StorageSpec) Prepare() error {
	if s.Mode != StoragePersistent {
		return nil
	}
	if err := os.MkdirAll(s.Path, dataDirPerms); err != nil {
		return fmt.Errorf("failed to create data directory %q: %w", s.Path, err)
	}
	return nil
}
