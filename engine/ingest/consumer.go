package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/warmpath/pkg/natsutil"
)

const (
	// PersonSubject carries Record messages.
	PersonSubject = "warmpath.ingest.persons"
	// EdgeSubject carries EdgeBatch messages.
	EdgeSubject = "warmpath.ingest.edges"
	// DLQSuffix is appended to a subject to form its dead-letter subject.
	DLQSuffix = ".dlq"
	// MaxRetries before a message is parked on the DLQ.
	MaxRetries = 3
)

// EdgeBatch is the message shape on EdgeSubject.
type EdgeBatch struct {
	Source string     `json:"source"`
	Hints  []EdgeHint `json:"hints"`
}

// StartConsumer subscribes the service to the person and edge subjects.
// Invalid records are parked on the DLQ without retries.
func (s *Service) StartConsumer(nc *nats.Conn) ([]*nats.Subscription, error) {
	persons, err := natsutil.SubscribeRetry(nc, natsutil.Consumer{
		Subject:    PersonSubject,
		DLQSubject: PersonSubject + DLQSuffix,
		MaxRetries: MaxRetries,
		Logger:     s.log,
	}, s.handleRecord)
	if err != nil {
		return nil, fmt.Errorf("ingest: subscribe %s: %w", PersonSubject, err)
	}
	edges, err := natsutil.SubscribeRetry(nc, natsutil.Consumer{
		Subject:    EdgeSubject,
		DLQSubject: EdgeSubject + DLQSuffix,
		MaxRetries: MaxRetries,
		Logger:     s.log,
	}, s.handleEdges)
	if err != nil {
		_ = persons.Unsubscribe()
		return nil, fmt.Errorf("ingest: subscribe %s: %w", EdgeSubject, err)
	}
	s.log.Info("ingest consumer started", "subjects", []string{PersonSubject, EdgeSubject})
	return []*nats.Subscription{persons, edges}, nil
}

func (s *Service) handleRecord(ctx context.Context, r Record) error {
	out, err := s.Ingest(ctx, r.Raw, r.Source)
	var inv *InvalidRecordError
	if errors.As(err, &inv) {
		return fmt.Errorf("%w: %w", natsutil.ErrPermanent, err)
	}
	if err != nil {
		return err
	}
	s.log.Debug("ingest: record done", "person_id", out.PersonID, "created", out.Created)
	return nil
}

// handleEdges is safe to redeliver: hints already written count as
// duplicates.
func (s *Service) handleEdges(ctx context.Context, b EdgeBatch) error {
	_, err := s.IngestEdges(ctx, b.Hints, b.Source)
	return err
}
