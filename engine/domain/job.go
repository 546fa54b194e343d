package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobType selects the handler for an enrichment job.
type JobType string

const (
	JobCompanyEnrichment      JobType = "company_enrichment"
	JobPersonEnrichment       JobType = "person_enrichment"
	JobPathPrecompute         JobType = "path_precompute"
	JobRelationshipReanalysis JobType = "relationship_reanalysis"
	JobGraphRebuild           JobType = "graph_rebuild"
	JobCacheSweep             JobType = "cache_sweep"
)

// JobStatus is a state in pending -> running -> {completed | pending | failed}.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// DefaultMaxAttempts applies when a job is enqueued without one.
const DefaultMaxAttempts = 3

// Job is a unit of asynchronous work.
type Job struct {
	ID          string     `json:"id"`
	Type        JobType    `json:"type"`
	Payload     JobPayload `json:"-"`
	Priority    int        `json:"priority"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	Status      JobStatus  `json:"status"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// QueueStatus counts jobs by state.
type QueueStatus map[JobStatus]int

// JobPayload is implemented by one struct per job type.
type JobPayload interface {
	JobType() JobType
	// Sources lists the external sources the job calls, for rate limiting.
	Sources() []string
}

// CompanyEnrichmentPayload enriches all employees of a company domain.
type CompanyEnrichmentPayload struct {
	Domain  string   `json:"domain"`
	Company string   `json:"company,omitempty"`
	Via     []string `json:"via,omitempty"`
}

func (CompanyEnrichmentPayload) JobType() JobType { return JobCompanyEnrichment }
func (p CompanyEnrichmentPayload) Sources() []string {
	if len(p.Via) > 0 {
		return p.Via
	}
	return []string{"company"}
}

// PersonEnrichmentPayload enriches a single person.
type PersonEnrichmentPayload struct {
	PersonID string   `json:"person_id"`
	Via      []string `json:"via,omitempty"`
}

func (PersonEnrichmentPayload) JobType() JobType { return JobPersonEnrichment }
func (p PersonEnrichmentPayload) Sources() []string {
	if len(p.Via) > 0 {
		return p.Via
	}
	return []string{"person"}
}

// PathPrecomputePayload warms the path cache for a source person.
type PathPrecomputePayload struct {
	PersonID  string   `json:"person_id"`
	TargetIDs []string `json:"target_ids,omitempty"`
	MaxHops   int      `json:"max_hops,omitempty"`
}

func (PathPrecomputePayload) JobType() JobType  { return JobPathPrecompute }
func (PathPrecomputePayload) Sources() []string { return nil }

// RelationshipReanalysisPayload re-scores the stored edges of a person.
type RelationshipReanalysisPayload struct {
	PersonID string `json:"person_id"`
}

func (RelationshipReanalysisPayload) JobType() JobType  { return JobRelationshipReanalysis }
func (RelationshipReanalysisPayload) Sources() []string { return nil }

// GraphRebuildPayload triggers a full graph rebuild.
type GraphRebuildPayload struct {
	Reason string `json:"reason,omitempty"`
}

func (GraphRebuildPayload) JobType() JobType  { return JobGraphRebuild }
func (GraphRebuildPayload) Sources() []string { return nil }

// CacheSweepPayload deletes expired cache entries.
type CacheSweepPayload struct{}

func (CacheSweepPayload) JobType() JobType  { return JobCacheSweep }
func (CacheSweepPayload) Sources() []string { return nil }

// DecodePayload decodes raw JSON into the payload variant for t.
func DecodePayload(t JobType, raw []byte) (JobPayload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = []byte("{}")
	}
	var (
		p   JobPayload
		err error
	)
	switch t {
	case JobCompanyEnrichment:
		var v CompanyEnrichmentPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case JobPersonEnrichment:
		var v PersonEnrichmentPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case JobPathPrecompute:
		var v PathPrecomputePayload
		err = json.Unmarshal(raw, &v)
		p = v
	case JobRelationshipReanalysis:
		var v RelationshipReanalysisPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case JobGraphRebuild:
		var v GraphRebuildPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case JobCacheSweep:
		p = CacheSweepPayload{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, t)
	}
	if err != nil {
		return nil, fmt.Errorf("job payload %s: %w", t, err)
	}
	return p, nil
}

type jobAlias Job

// MarshalJSON writes the payload inline under "payload".
func (j Job) MarshalJSON() ([]byte, error) {
	var raw json.RawMessage = []byte("null")
	if j.Payload != nil {
		b, err := json.Marshal(j.Payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(struct {
		jobAlias
		Payload json.RawMessage `json:"payload"`
	}{jobAlias(j), raw})
}

// UnmarshalJSON decodes the payload using the job type as discriminator.
func (j *Job) UnmarshalJSON(b []byte) error {
	var raw struct {
		jobAlias
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*j = Job(raw.jobAlias)
	if j.Type == "" {
		return nil
	}
	p, err := DecodePayload(j.Type, raw.Payload)
	if err != nil {
		return err
	}
	j.Payload = p
	return nil
}
