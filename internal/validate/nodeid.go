package validate

import (
	"fmt"
	"regexp"
)

// nodeIDRe matches DNS-label-style node identifiers: 1-63 lowercase
// alphanumeric or hyphens, starting and ending with alphanumeric. NodeID
// values flow into gossip map keys and plan.NamedGpu entries, so this
// keeps them safe to embed in CID-addressed plan JSON without escaping.
var nodeIDRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// NodeID checks that a node identifier is DNS-label safe.
func NodeID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: id cannot be empty", ErrInvalidNodeID)
	}
	if !nodeIDRe.MatchString(id) {
		return fmt.Errorf("%w: %q must be 1-63 lowercase alphanumeric characters or hyphens, starting and ending with alphanumeric", ErrInvalidNodeID, id)
	}
	return nil
}
