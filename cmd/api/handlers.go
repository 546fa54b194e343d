package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/WessleyAI/warmpath/engine/domain"
	"github.com/WessleyAI/warmpath/engine/graph"
	"github.com/WessleyAI/warmpath/engine/ingest"
	"github.com/WessleyAI/warmpath/engine/jobs"
	"github.com/WessleyAI/warmpath/engine/network"
	"github.com/WessleyAI/warmpath/engine/search"
	"github.com/WessleyAI/warmpath/engine/validate"
	"github.com/WessleyAI/warmpath/pkg/mid"
)

const (
	maxBodyBytes     = 10 << 20
	maxImportRecords = 5000
	importSource     = "import"
)

type searcher interface {
	Search(ctx context.Context, req search.Request) (search.Response, error)
}

type jobQueue interface {
	Submit(ctx context.Context, req jobs.EnqueueRequest) (string, error)
	Status(ctx context.Context) (domain.QueueStatus, error)
	Job(ctx context.Context, id string) (domain.Job, error)
}

type importer interface {
	IngestBatch(ctx context.Context, raws []validate.RawPerson, source string) (ingest.BatchReport, error)
	IngestEdges(ctx context.Context, hints []ingest.EdgeHint, source string) (ingest.EdgeReport, error)
	Claim(ctx context.Context, id string) (domain.Person, error)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "request_id": mid.RequestIDFrom(r.Context())})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// --- Handlers ---

func handleHealth(net *network.Network) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		st := net.Stats()
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"persons":  st.Persons,
			"links":    st.Links,
			"built_at": st.BuiltAt,
		})
	}
}

func handleSearch(svc searcher, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req search.Request
		if !decode(w, r, &req) {
			return
		}
		resp, err := svc.Search(r.Context(), req)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, resp)
		case errors.Is(err, search.ErrInvalidRequest):
			writeError(w, r, http.StatusBadRequest, err.Error())
		case errors.Is(err, search.ErrUnknownSource):
			writeError(w, r, http.StatusNotFound, err.Error())
		case errors.Is(err, context.DeadlineExceeded):
			writeError(w, r, http.StatusGatewayTimeout, "search timed out")
		case errors.Is(err, search.ErrStore):
			logger.Error("search store failure", "err", err, "request_id", mid.RequestIDFrom(r.Context()))
			writeError(w, r, http.StatusServiceUnavailable, "graph store unavailable")
		default:
			logger.Error("search failed", "err", err, "request_id", mid.RequestIDFrom(r.Context()))
			writeError(w, r, http.StatusInternalServerError, "internal server error")
		}
	}
}

func handleEnqueue(q jobQueue, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req jobs.EnqueueRequest
		if !decode(w, r, &req) {
			return
		}
		id, err := q.Submit(r.Context(), req)
		if errors.Is(err, jobs.ErrInvalidJob) {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err != nil {
			logger.Error("enqueue failed", "type", req.Type, "err", err)
			writeError(w, r, http.StatusInternalServerError, "internal server error")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": string(domain.JobPending)})
	}
}

// handleJobStatus returns one job when ?id= is given, otherwise the queue
// counts.
func handleJobStatus(q jobQueue, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if id := r.URL.Query().Get("id"); id != "" {
			j, err := q.Job(r.Context(), id)
			if errors.Is(err, domain.ErrNotFound) {
				writeError(w, r, http.StatusNotFound, "job not found")
				return
			}
			if err != nil {
				logger.Error("job lookup failed", "job_id", id, "err", err)
				writeError(w, r, http.StatusInternalServerError, "internal server error")
				return
			}
			writeJSON(w, http.StatusOK, j)
			return
		}
		st, err := q.Status(r.Context())
		if err != nil {
			logger.Error("queue status failed", "err", err)
			writeError(w, r, http.StatusInternalServerError, "internal server error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"counts": st})
	}
}

// ImportRequest is the JSON body for POST /api/persons/import.
type ImportRequest = ingest.Batch

// ImportResponse reports what an import wrote.
type ImportResponse struct {
	Persons ingest.BatchReport `json:"persons"`
	Edges   *ingest.EdgeReport `json:"edges,omitempty"`
}

func handleImport(imp importer, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ImportRequest
		if !decode(w, r, &req) {
			return
		}
		if len(req.Persons) == 0 && len(req.Edges) == 0 {
			writeError(w, r, http.StatusBadRequest, "persons or edges are required")
			return
		}
		if len(req.Persons)+len(req.Edges) > maxImportRecords {
			writeError(w, r, http.StatusRequestEntityTooLarge, "too many records")
			return
		}
		if req.Source == "" {
			req.Source = importSource
		}

		var resp ImportResponse
		if len(req.Persons) > 0 {
			rep, err := imp.IngestBatch(r.Context(), req.Persons, req.Source)
			if err != nil {
				logger.Error("import persons failed", "source", req.Source, "err", err)
				writeError(w, r, http.StatusInternalServerError, "import failed")
				return
			}
			resp.Persons = rep
		}
		if len(req.Edges) > 0 {
			rep, err := imp.IngestEdges(r.Context(), req.Edges, req.Source)
			if err != nil {
				logger.Error("import edges failed", "source", req.Source, "err", err)
				writeError(w, r, http.StatusInternalServerError, "import failed")
				return
			}
			resp.Edges = &rep
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleClaim(imp importer, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		p, err := imp.Claim(r.Context(), id)
		if graph.IsNotFound(err) {
			writeError(w, r, http.StatusNotFound, "person not found")
			return
		}
		if err != nil {
			logger.Error("claim failed", "person_id", id, "err", err)
			writeError(w, r, http.StatusInternalServerError, "internal server error")
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}
