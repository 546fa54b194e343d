package semantic

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/WessleyAI/warmpath/engine/domain"
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// profileStore is the part of ProfileIndex the indexer and resolver use.
type profileStore interface {
	UpsertProfile(ctx context.Context, p domain.Person, vector []float32) error
	SimilarProfiles(ctx context.Context, vector []float32, k int, filters map[string]string) ([]Match, error)
}

// Indexer embeds person profiles and stores them in the index.
type Indexer struct {
	embed Embedder
	index profileStore
	log   *slog.Logger
}

// NewIndexer creates an Indexer.
func NewIndexer(e Embedder, ix profileStore, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{embed: e, index: ix, log: logger}
}

// IndexPerson embeds p's profile text and upserts it.
func (ix *Indexer) IndexPerson(ctx context.Context, p domain.Person) error {
	text := ProfileText(p)
	if text == "" {
		return nil
	}
	vec, err := ix.embed.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("semantic: embed %s: %w", p.ID, err)
	}
	if err := ix.index.UpsertProfile(ctx, p, vec); err != nil {
		return err
	}
	ix.log.Debug("profile indexed", "person_id", p.ID, "dims", len(vec))
	return nil
}

// ProfileText is the text a profile is embedded from.
func ProfileText(p domain.Person) string {
	var parts []string
	if n := p.DisplayName(); n != "" {
		parts = append(parts, n)
	}
	switch {
	case p.Title != "" && p.Company != "":
		parts = append(parts, p.Title+" at "+p.Company)
	case p.Title != "":
		parts = append(parts, p.Title)
	case p.Company != "":
		parts = append(parts, "works at "+p.Company)
	}
	if p.Location != "" {
		parts = append(parts, "based in "+p.Location)
	}
	for _, e := range p.Education {
		if e.School != "" {
			parts = append(parts, "studied at "+e.School)
		}
	}
	for _, o := range p.Organizations {
		if o.Name != "" {
			parts = append(parts, "member of "+o.Name)
		}
	}
	if len(p.Skills) > 0 {
		parts = append(parts, "skills: "+strings.Join(p.Skills, ", "))
	}
	return strings.Join(parts, ". ")
}
