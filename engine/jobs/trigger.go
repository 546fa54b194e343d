package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/warmpath/engine/domain"
	"github.com/WessleyAI/warmpath/pkg/natsutil"
)

const (
	// EnqueueSubject carries EnqueueRequest messages from other processes.
	EnqueueSubject = "warmpath.jobs.enqueue"
	// TriggerMaxRetries before an enqueue message is parked on the DLQ.
	TriggerMaxRetries = 3
)

// freeMail domains say nothing about an employer.
var freeMail = map[string]bool{
	"gmail.com": true, "googlemail.com": true, "yahoo.com": true, "hotmail.com": true,
	"outlook.com": true, "live.com": true, "icloud.com": true, "me.com": true,
	"aol.com": true, "proton.me": true, "protonmail.com": true, "gmx.com": true,
}

// CompanyDomain returns the employer domain of a work email, or "" for a
// personal address.
func CompanyDomain(email string) string {
	_, d, ok := strings.Cut(strings.ToLower(strings.TrimSpace(email)), "@")
	if !ok || d == "" || freeMail[d] {
		return ""
	}
	return d
}

// TriggerCompanyDomain returns a hook that enqueues company enrichment when
// the first person of a company is created. It fits ingest.Deps.OnNewCompany.
func (c *Coordinator) TriggerCompanyDomain() func(ctx context.Context, p domain.Person) {
	return func(ctx context.Context, p domain.Person) {
		payload := domain.CompanyEnrichmentPayload{Domain: CompanyDomain(p.Email), Company: p.Company}
		if payload.Domain == "" && payload.Company == "" {
			return
		}
		id, err := c.Enqueue(ctx, payload, PriorityHigh, c.now())
		if err != nil {
			c.log.Warn("jobs: company trigger", "person_id", p.ID, "company", p.Company, "err", err)
			return
		}
		c.log.Info("company enrichment triggered", "job_id", id, "person_id", p.ID,
			"company", p.Company, "domain", payload.Domain)
	}
}

// Subscribe enqueues every EnqueueRequest published on EnqueueSubject.
// Requests that cannot be decoded go to the DLQ without retries.
func (c *Coordinator) Subscribe(nc *nats.Conn) (*nats.Subscription, error) {
	sub, err := natsutil.SubscribeRetry(nc, natsutil.Consumer{
		Subject:    EnqueueSubject,
		DLQSubject: EnqueueSubject + ".dlq",
		MaxRetries: TriggerMaxRetries,
		Logger:     c.log,
	}, func(ctx context.Context, req EnqueueRequest) error {
		_, err := c.Submit(ctx, req)
		if errors.Is(err, ErrInvalidJob) {
			return fmt.Errorf("%w: %w", natsutil.ErrPermanent, err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("jobs: subscribe %s: %w", EnqueueSubject, err)
	}
	c.log.Info("job trigger subscribed", "subject", EnqueueSubject)
	return sub, nil
}
