// Package spatial provides tenant-scoped listing and proximity queries over
// field geometries backed by a quadtree index.
package spatial

import (
	"errors"
	"fmt"
)

// ErrInvalidGeometry indicates a malformed point, radius or geometry input.
var ErrInvalidGeometry = errors.New("invalid geometry")

// ErrTenantIsolation indicates that a query was about to return a record
// belonging to a different tenant. This is a security event, never silently
// corrected.
var ErrTenantIsolation = errors.New("tenant isolation violation")

// PaginationError rejects out-of-range page, page_size, radius or limit
// values instead of silently clamping them.
type PaginationError struct {
	Param string
	Msg   string
}

func (e *PaginationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Param, e.Msg)
}

func errPagination(param, format string, args ...interface{}) error {
	return &PaginationError{Param: param, Msg: fmt.Sprintf(format, args...)}
}
