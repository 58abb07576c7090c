package reconcile

import (
	"errors"
	"fmt"
)

// UnresolvedReferenceError reports an event whose parent entity is not known
// locally yet. It is non-fatal: the caller logs and skips, and the row is
// written once the parent arrives or the next full sync runs.
type UnresolvedReferenceError struct {
	Entity     string
	ExternalID string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("unresolved %s reference %q", e.Entity, e.ExternalID)
}

// IsUnresolvedReference reports whether err is an unresolved parent reference.
func IsUnresolvedReference(err error) bool {
	var target *UnresolvedReferenceError
	return errors.As(err, &target)
}
