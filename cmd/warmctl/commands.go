package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/WessleyAI/warmpath/engine/domain"
	"github.com/WessleyAI/warmpath/engine/ingest"
	"github.com/WessleyAI/warmpath/engine/jobs"
	"github.com/WessleyAI/warmpath/engine/pathfind"
	"github.com/WessleyAI/warmpath/engine/search"
)

func newSearchCmd(c *cli) *cobra.Command {
	var req search.Request
	var mode string
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Find warm introduction paths from a person to a target",
		Example: `  warmctl search --source 6f1c... --name "Tom Hale"
  warmctl search --source 6f1c... --company Globex --title CTO --mode multi_hop --max-hops 4`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req.Mode = pathfind.Mode(mode)
			var resp search.Response
			if err := c.client().do(cmd.Context(), http.MethodPost, "/api/search", req, &resp); err != nil {
				return err
			}
			if c.rawJSON() {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			printSearch(cmd.OutOrStdout(), resp)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.SourceID, "source", "", "person ID to search from (required)")
	f.StringVar(&req.TargetName, "name", "", "target person name")
	f.StringVar(&req.TargetCompany, "company", "", "target company")
	f.StringVar(&req.TargetTitle, "title", "", "target title, narrows name or company matches")
	f.StringVar(&req.TargetID, "target-id", "", "target person ID")
	f.StringVar(&mode, "mode", "", "direct, multi_hop or comprehensive (default comprehensive)")
	f.IntVar(&req.Options.MaxHops, "max-hops", 0, "hop limit")
	f.IntVar(&req.Options.MinStrength, "min-strength", 0, "weakest acceptable link, 0-100 (-1 for no threshold)")
	f.BoolVar(&req.Options.IncludeWeakTies, "weak-ties", false, "accept weak ties")
	f.BoolVar(&req.Options.EnableExternal, "external", false, "ask external people-search sources")
	f.IntVar(&req.Limit, "limit", 0, "maximum paths returned")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func printSearch(w io.Writer, resp search.Response) {
	cached := ""
	if resp.Cached {
		cached = ", cached"
	}
	printf(w, "%s (%dms%s)\n", resp.Strategy, resp.ProcessingTimeMS, cached)
	for i, p := range resp.Paths {
		printf(w, "%d. %s\n", i+1, describePath(p))
		if p.Explanation != "" {
			printf(w, "   %s\n", p.Explanation)
		}
	}
	if len(resp.SmartMatches) > 0 {
		printf(w, "Smart matches:\n")
		for _, m := range resp.SmartMatches {
			printf(w, "  - %s (%s)\n", describePath(m.Path), m.Reason)
		}
	}
	for _, s := range resp.Suggestions {
		printf(w, "hint: %s\n", s)
	}
	for _, s := range resp.Warnings {
		printf(w, "warning: %s\n", s)
	}
}

func describePath(p domain.ConnectionPath) string {
	names := make([]string, len(p.Nodes))
	for i, n := range p.Nodes {
		names[i] = n.Name
		if n.IsGhost {
			names[i] += "*"
		}
	}
	hops := "hops"
	if p.Hops == 1 {
		hops = "hop"
	}
	return fmt.Sprintf("%s (%d %s, strength %d, score %.2f)", strings.Join(names, " -> "), p.Hops, hops, p.Strength, p.Score)
}

func newEnqueueCmd(c *cli) *cobra.Command {
	var (
		payload     string
		priority    int
		at          string
		maxAttempts int
	)
	cmd := &cobra.Command{
		Use:   "enqueue TYPE",
		Short: "Queue a background job",
		Long: `Queue a background job. TYPE is one of company_enrichment, person_enrichment,
path_precompute, relationship_reanalysis, graph_rebuild or cache_sweep.`,
		Example: `  warmctl enqueue company_enrichment --payload '{"domain":"acme.io"}' --priority 10
  warmctl enqueue path_precompute --payload '{"person_id":"6f1c..."}' --at 2026-01-02T03:00:00Z`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := jobs.EnqueueRequest{Type: domain.JobType(args[0]), Priority: priority, MaxAttempts: maxAttempts}
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return fmt.Errorf("payload is not valid JSON")
				}
				req.Payload = json.RawMessage(payload)
			}
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				req.ScheduledFor = &t
			}
			var resp struct {
				JobID  string `json:"job_id"`
				Status string `json:"status"`
			}
			if err := c.client().do(cmd.Context(), http.MethodPost, "/api/jobs", req, &resp); err != nil {
				return err
			}
			if c.rawJSON() {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			printf(cmd.OutOrStdout(), "queued %s (%s)\n", resp.JobID, resp.Status)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&payload, "payload", "", "job payload as JSON")
	f.IntVar(&priority, "priority", jobs.PriorityNormal, "higher runs first")
	f.StringVar(&at, "at", "", "run no earlier than this RFC 3339 time")
	f.IntVar(&maxAttempts, "max-attempts", 0, "attempts before the job fails (default from server)")
	return cmd
}

var statusOrder = []domain.JobStatus{domain.JobPending, domain.JobRunning, domain.JobCompleted, domain.JobFailed}

func newStatusCmd(c *cli) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue counts, or one job with --id",
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			if id != "" {
				var j domain.Job
				if err := c.client().do(cmd.Context(), http.MethodGet, "/api/jobs/status?id="+url.QueryEscape(id), nil, &j); err != nil {
					return err
				}
				if c.rawJSON() {
					return printJSON(w, j)
				}
				printf(w, "%s %s %s attempts=%d/%d scheduled=%s\n", j.ID, j.Type, j.Status,
					j.Attempts, j.MaxAttempts, j.ScheduledAt.Format(time.RFC3339))
				if j.LastError != "" {
					printf(w, "last error: %s\n", j.LastError)
				}
				return nil
			}
			var resp struct {
				Counts domain.QueueStatus `json:"counts"`
			}
			if err := c.client().do(cmd.Context(), http.MethodGet, "/api/jobs/status", nil, &resp); err != nil {
				return err
			}
			if c.rawJSON() {
				return printJSON(w, resp)
			}
			for _, s := range statusOrder {
				printf(w, "%-10s %d\n", s, resp.Counts[s])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "job ID")
	return cmd
}

func newImportCmd(c *cli) *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Import person records and relationship hints from a JSON file (- for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}
			body, err := ingest.DecodeBatch(data)
			if err != nil {
				return err
			}
			if source != "" {
				body.Source = source
			}
			var resp struct {
				Persons ingest.BatchReport `json:"persons"`
				Edges   *ingest.EdgeReport `json:"edges"`
			}
			if err := c.client().do(cmd.Context(), http.MethodPost, "/api/persons/import", body, &resp); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if c.rawJSON() {
				return printJSON(w, resp)
			}
			p := resp.Persons
			printf(w, "persons: %d total, %d created, %d merged, %d invalid\n", p.Total, p.Created, p.Merged, p.Invalid)
			for _, r := range p.Rejected {
				printf(w, "  record %d: %s\n", r.Index, strings.Join(r.Errors, "; "))
			}
			if e := resp.Edges; e != nil {
				printf(w, "edges: %d created, %d duplicates, %d rejected\n", e.Created, e.Duplicates, e.Rejected)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "source label stored on imported records")
	return cmd
}

func newClaimCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "claim ID",
		Short: "Turn a ghost profile into a claimed one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p domain.Person
			if err := c.client().do(cmd.Context(), http.MethodPost, "/api/persons/"+url.PathEscape(args[0])+"/claim", nil, &p); err != nil {
				return err
			}
			if c.rawJSON() {
				return printJSON(cmd.OutOrStdout(), p)
			}
			printf(cmd.OutOrStdout(), "claimed %s (%s)\n", p.ID, p.DisplayName())
			return nil
		},
	}
}
