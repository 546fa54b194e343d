// Package repo defines the generic Repository interface, list options and the
// Neo4j session seam shared by the graph-backed stores.
package repo

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no entity has the given identifier.
var ErrNotFound = errors.New("repo: not found")

// Repository is a generic CRUD interface.
type Repository[T any, ID comparable] interface {
	Get(ctx context.Context, id ID) (T, error)
	List(ctx context.Context, opts ListOpts) ([]T, error)
	Upsert(ctx context.Context, entity T) (T, error)
	Delete(ctx context.Context, id ID) error
}

// ListOpts controls pagination and filtering for List operations.
type ListOpts struct {
	Offset int
	Limit  int
	// Filter holds exact-match property constraints.
	Filter map[string]any
}

// DefaultListLimit applies when ListOpts.Limit is not positive.
const DefaultListLimit = 100
