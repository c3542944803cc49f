package validate

import "errors"

// ErrInvalidNodeID is returned when a node identifier does not match
// the DNS-label format (1-63 lowercase alphanumeric + hyphens).
var ErrInvalidNodeID = errors.New("invalid node id")
