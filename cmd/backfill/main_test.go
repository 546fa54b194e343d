package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/WessleyAI/warmpath/engine/domain"
	"github.com/WessleyAI/warmpath/engine/graph"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeIndexer struct {
	failOn string
	seen   []string
}

func (f *fakeIndexer) IndexPerson(_ context.Context, p domain.Person) error {
	f.seen = append(f.seen, p.ID)
	if p.ID == f.failOn {
		return errors.New("qdrant unavailable")
	}
	return nil
}

func TestReindex(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemoryStore()
	for i := range pageSize + 3 {
		if _, err := store.UpsertPerson(ctx, domain.Person{ID: fmt.Sprintf("p%04d", i), Name: fmt.Sprintf("Person %d", i)}); err != nil {
			t.Fatal(err)
		}
	}
	ix := &fakeIndexer{failOn: "p0002"}
	c, err := reindex(ctx, store, ix, quiet)
	if err != nil {
		t.Fatal(err)
	}
	if c.Total != pageSize+3 || c.Failed != 1 || c.Indexed != pageSize+2 {
		t.Fatalf("counts: %+v", c)
	}
}

type fakePrecomputer struct{ calls []string }

func (f *fakePrecomputer) Precompute(_ context.Context, source string, _ []string, _ int) (int, error) {
	f.calls = append(f.calls, source)
	if source == "bad" {
		return 0, errors.New("unknown source")
	}
	return 2, nil
}

func TestPrecompute(t *testing.T) {
	pc := &fakePrecomputer{}
	n := precompute(context.Background(), pc, []string{"a", " ", "bad", " b "}, 3, quiet)
	if n != 4 {
		t.Fatalf("cached = %d", n)
	}
	if len(pc.calls) != 3 || pc.calls[2] != "b" {
		t.Fatalf("calls: %v", pc.calls)
	}
}
