// Package graph is the relationship store adapter: persons and mirrored
// relationship rows, backed by Neo4j or held in memory.
package graph

import (
	"context"
	"errors"

	"github.com/WessleyAI/warmpath/engine/domain"
	"github.com/WessleyAI/warmpath/pkg/repo"
)

// ListOpts is re-exported for callers that only import graph.
type ListOpts = repo.ListOpts

// Store is the persistent record store consumed by the engine.
type Store interface {
	GetPerson(ctx context.Context, id string) (domain.Person, error)
	ListPersons(ctx context.Context, opts ListOpts) ([]domain.Person, error)
	ListPersonsByAttribute(ctx context.Context, dim domain.Dimension, value string) ([]domain.Person, error)
	UpsertPerson(ctx context.Context, p domain.Person) (domain.Person, error)

	// UpsertEdge writes e and its mirror. It returns domain.ErrDuplicateEdge
	// when both rows of that type already exist for the pair.
	UpsertEdge(ctx context.Context, e domain.Edge) error
	// SetEdgeStrength updates both rows of an existing relationship.
	SetEdgeStrength(ctx context.Context, from, to string, t domain.RelationshipType, strength int) error
	ListEdges(ctx context.Context, personID string) ([]domain.Edge, error)
	ListAllEdges(ctx context.Context) ([]domain.Edge, error)

	// BatchInsert writes persons and edges in one transaction. Edges are
	// given as forward rows; mirrors are written alongside.
	BatchInsert(ctx context.Context, persons []domain.Person, edges []domain.Edge) (BatchResult, error)

	FindByEmail(ctx context.Context, email string) (domain.Person, error)
	FindByProfileURL(ctx context.Context, url string) (domain.Person, error)
	FindByName(ctx context.Context, name string, limit int) ([]domain.Person, error)

	Stats(ctx context.Context) (Stats, error)
}

// BatchResult counts what a batch insert wrote.
type BatchResult struct {
	Persons        int `json:"persons"`
	Edges          int `json:"edges"`
	DuplicateEdges int `json:"duplicate_edges"`
}

// Stats summarizes the stored graph.
type Stats struct {
	Persons     int64                             `json:"persons"`
	Ghosts      int64                             `json:"ghosts"`
	EdgeRows    int64                             `json:"edge_rows"`
	EdgesByType map[domain.RelationshipType]int64 `json:"edges_by_type"`
}

// IsNotFound reports whether err means a missing person.
func IsNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound) || errors.Is(err, repo.ErrNotFound)
}

// NormalizeProfileURL lowercases a profile URL and drops the scheme, "www."
// and any trailing slash so that equivalent URLs compare equal.
func NormalizeProfileURL(u string) string {
	k := domain.NormalizeKey(u)
	for _, p := range []string{"https://", "http://"} {
		if len(k) >= len(p) && k[:len(p)] == p {
			k = k[len(p):]
		}
	}
	if len(k) >= 4 && k[:4] == "www." {
		k = k[4:]
	}
	for len(k) > 0 && k[len(k)-1] == '/' {
		k = k[:len(k)-1]
	}
	return k
}

func validateEdge(e domain.Edge) error {
	if e.From == "" || e.To == "" {
		return domain.ErrMissingEndpoints
	}
	if e.From == e.To {
		return domain.ErrSelfLoop
	}
	return nil
}
