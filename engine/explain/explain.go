// Package explain turns connection paths into short introduction advice.
// A language model writes it when one is configured; a template always
// stands behind it so an explanation never blocks a search.
package explain

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/WessleyAI/warmpath/engine/domain"
	"github.com/WessleyAI/warmpath/pkg/fn"
)

// Explainer describes how to use a path.
type Explainer interface {
	ExplainPath(ctx context.Context, p domain.ConnectionPath) (string, error)
}

// Template writes explanations from the path alone.
type Template struct{}

func (Template) ExplainPath(_ context.Context, p domain.ConnectionPath) (string, error) {
	return Render(p), nil
}

// Render is the templated explanation of p.
func Render(p domain.ConnectionPath) string {
	if len(p.Nodes) < 2 {
		return "No connection path."
	}
	target := p.Nodes[len(p.Nodes)-1]
	var b strings.Builder
	if len(p.Nodes) == 2 {
		fmt.Fprintf(&b, "You know %s directly", describe(target))
		if len(p.Edges) > 0 {
			fmt.Fprintf(&b, " (%s)", tie(p.Edges[0]))
		}
		b.WriteString(". Reach out to them yourself.")
	} else {
		first := p.Nodes[1]
		fmt.Fprintf(&b, "Ask %s to introduce you to %s.", describe(first), describe(target))
		b.WriteString(" Chain: you")
		for i, e := range p.Edges {
			fmt.Fprintf(&b, " -[%s]-> %s", tie(e), nameOf(p.Nodes[i+1]))
		}
		b.WriteString(".")
	}
	fmt.Fprintf(&b, " Weakest link %d/100.", p.Strength)
	for _, n := range p.Nodes[1 : len(p.Nodes)-1] {
		if n.IsGhost {
			fmt.Fprintf(&b, " %s has not joined yet; invite them first.", nameOf(n))
			break
		}
	}
	return b.String()
}

func nameOf(n domain.PathNode) string {
	if n.Name != "" {
		return n.Name
	}
	return n.PersonID
}

func describe(n domain.PathNode) string {
	switch {
	case n.Title != "" && n.Company != "":
		return fmt.Sprintf("%s (%s at %s)", nameOf(n), n.Title, n.Company)
	case n.Company != "":
		return fmt.Sprintf("%s (%s)", nameOf(n), n.Company)
	case n.Title != "":
		return fmt.Sprintf("%s (%s)", nameOf(n), n.Title)
	}
	return nameOf(n)
}

func tie(e domain.PathEdge) string {
	t := strings.ReplaceAll(string(e.Type), "_", " ")
	if e.Evidence != "" {
		return t + ", " + e.Evidence
	}
	return t
}

// Fallback tries Primary and falls back to Secondary, then to the template.
// It never returns an error.
type Fallback struct {
	Primary   Explainer
	Secondary Explainer
	Logger    *slog.Logger
}

func (f Fallback) ExplainPath(ctx context.Context, p domain.ConnectionPath) (string, error) {
	for _, e := range []Explainer{f.Primary, f.Secondary} {
		if e == nil {
			continue
		}
		text, err := e.ExplainPath(ctx, p)
		if err == nil && strings.TrimSpace(text) != "" {
			return strings.TrimSpace(text), nil
		}
		if err != nil {
			f.logger().Warn("explain: falling back", "path", p.Key(), "err", err)
		}
	}
	return Render(p), nil
}

func (f Fallback) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}

// Annotate fills Explanation on the first n paths, up to workers at a time.
// Paths whose explanation fails get the template.
func Annotate(ctx context.Context, e Explainer, paths []domain.ConnectionPath, n, workers int) {
	if e == nil || n <= 0 {
		return
	}
	n = min(n, len(paths))
	texts := fn.ParMap(paths[:n], max(workers, 1), func(p domain.ConnectionPath) string {
		text, err := e.ExplainPath(ctx, p)
		if err != nil || text == "" {
			return Render(p)
		}
		return text
	})
	for i, t := range texts {
		paths[i].Explanation = t
	}
}
