// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Common sentinels across store/sync layers.
var (
	// ErrNotFound indicates the requested local entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnknownKind indicates an entity kind without a registered strategy.
	ErrUnknownKind = errors.New("unknown entity kind")

	// ErrDependencyUnresolved indicates a related entity (parent category,
	// product category or brand) has no remote id and could not be resolved.
	ErrDependencyUnresolved = errors.New("dependency unresolved")

	// ErrRemoteNotFound indicates the remote platform answered 404.
	ErrRemoteNotFound = errors.New("remote not found")

	// ErrRemoteTransport indicates a non-2xx answer or network failure talking to the remote platform.
	ErrRemoteTransport = errors.New("remote transport error")

	// ErrCatastrophic indicates a failure before any per-entity work could start.
	ErrCatastrophic = errors.New("catastrophic setup error")

	// ErrMediaFileNotFound indicates a local image path that does not resolve to a file.
	ErrMediaFileNotFound = errors.New("media file not found")

	// ErrAlreadyExists indicates a unique constraint violation (local id reused).
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidHierarchy indicates a category parent assignment that would break the tree.
	ErrInvalidHierarchy = errors.New("invalid category hierarchy")
)

// DependencyError names the dependencies that blocked an entity sync.
type DependencyError struct {
	Kind   string   // dependency kind: "parent", "category", "brand"
	Names  []string // human-readable names (or ids when the entity is missing)
	Reason string   // optional detail, e.g. the cascaded failure
}

func (e *DependencyError) Error() string {
	msg := fmt.Sprintf("%s not synchronized: %s", e.Kind, strings.Join(e.Names, ", "))
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

// Is lets errors.Is match ErrDependencyUnresolved.
func (e *DependencyError) Is(target error) bool { return target == ErrDependencyUnresolved }
