package hub

import "errors"

var (
	// ErrPortRequired is returned when an instance config has no network
	// port. There is no default; every instance listens somewhere.
	ErrPortRequired = errors.New("instance port is required")

	// ErrInvalidStorageSpec is returned when a storage configuration
	// string resolves to neither ephemeral nor a usable persistent path.
	ErrInvalidStorageSpec = errors.New("invalid storage spec")

	// ErrAlreadyStarted is returned by StartInstance when the name is
	// taken by a live or failed instance.
	ErrAlreadyStarted = errors.New("instance already started")

	// ErrInstanceNotFound is returned for lookups and stops of names
	// with no registered instance.
	ErrInstanceNotFound = errors.New("instance not found")
)
