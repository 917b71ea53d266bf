package minutegraph

import "errors"

var (
	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("minutegraph: invalid configuration")

	// ErrMissingPath is returned when a required file or directory is not
	// configured or does not exist.
	ErrMissingPath = errors.New("minutegraph: missing path")

	// ErrGraphUnavailable is returned when the graph database cannot be
	// reached.
	ErrGraphUnavailable = errors.New("minutegraph: graph database unavailable")

	// ErrUnknownType is returned for an extraction type the engine does not
	// know.
	ErrUnknownType = errors.New("minutegraph: unknown extraction type")
)
