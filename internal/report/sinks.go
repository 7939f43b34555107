package report

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sentiric/sentiric-voice-orchestrator/internal/database"
)

// JSONPublisher, queue.Publisher'ın ihtiyaç duyulan kısmıdır.
type JSONPublisher interface {
	PublishJSON(ctx context.Context, routingKey string, body interface{}) error
}

// PublisherSink her raporu türünü routing key olarak kullanarak yayınlar.
type PublisherSink struct {
	pub JSONPublisher
}

func NewPublisherSink(pub JSONPublisher) *PublisherSink {
	return &PublisherSink{pub: pub}
}

func (s *PublisherSink) Name() string { return "rabbitmq" }

func (s *PublisherSink) Deliver(ctx context.Context, r Report) error {
	return s.pub.PublishJSON(ctx, string(r.Kind), r.Payload)
}

// SummaryArchive, özet kaydını kalıcı depoya yazan fonksiyondur.
type SummaryArchive func(ctx context.Context, rec database.CallSummaryRecord) error

// PostgresSink yalnızca çağrı özetlerini call_summaries tablosuna arşivler.
type PostgresSink struct {
	save SummaryArchive
}

func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{save: func(ctx context.Context, rec database.CallSummaryRecord) error {
		return database.SaveCallSummary(ctx, db, rec)
	}}
}

func (s *PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) Deliver(ctx context.Context, r Report) error {
	if r.Kind != KindSummary {
		return nil
	}
	sum, ok := r.Payload.(CallSummary)
	if !ok {
		return fmt.Errorf("beklenmeyen özet tipi: %T", r.Payload)
	}
	return s.save(ctx, sum.Record())
}

// Record, özeti veritabanı satırına dönüştürür.
func (s CallSummary) Record() database.CallSummaryRecord {
	return database.CallSummaryRecord{
		CallID:        s.CallID,
		TenantID:      s.TenantID,
		CallerAddress: s.CallerAddress,
		StartedAt:     s.StartedAt,
		EndedAt:       s.EndedAt,
		Summary:       s.Summary.Text,
		Fallback:      s.Summary.Fallback,
		TurnCount:     s.Summary.TurnCount,
		DegradedTurns: s.Summary.DegradedTurns,
		Transitions:   s.Transitions,
		InvalidCount:  s.InvalidTransitions,
		TimeInPhaseMs: s.TimeInPhaseMs,
	}
}
