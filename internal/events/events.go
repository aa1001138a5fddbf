// Package events publishes best-effort downstream notifications over NATS.
// Publishing never blocks or fails the transaction that produced the event;
// a publish error is logged, not propagated. With no NATS connection the
// Publisher is a no-op, preserving the guarantee that ingestion and summary
// generation behave identically with or without a downstream subscriber.
package events

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/nudgebot/ingestsvc/pkg/natsutil"
)

const (
	SubjectItemIngested  = "nudge.item.ingested"
	SubjectItemSummarized = "nudge.item.summarized"
)

// ItemIngested is published when an item reaches status=succeeded: via C4's
// extraction, an immediate-paste create, or a PATCH of its text.
type ItemIngested struct {
	ItemID uuid.UUID `json:"item_id"`
	UserID uuid.UUID `json:"user_id"`
}

// ItemSummarized is published when C6 persists a new ItemSummary.
type ItemSummarized struct {
	ItemID   uuid.UUID `json:"item_id"`
	UserID   uuid.UUID `json:"user_id"`
	ModelKey string    `json:"model_key"`
}

// Publisher emits best-effort notifications. A nil *nats.Conn makes every
// method a no-op.
type Publisher struct {
	nc  *nats.Conn
	log *slog.Logger
}

// NewPublisher wraps nc. nc may be nil.
func NewPublisher(nc *nats.Conn, log *slog.Logger) *Publisher {
	return &Publisher{nc: nc, log: log}
}

// ItemIngested publishes SubjectItemIngested, logging (not returning) any error.
func (p *Publisher) ItemIngested(ctx context.Context, ev ItemIngested) {
	p.publish(ctx, SubjectItemIngested, ev)
}

// ItemSummarized publishes SubjectItemSummarized, logging (not returning) any error.
func (p *Publisher) ItemSummarized(ctx context.Context, ev ItemSummarized) {
	p.publish(ctx, SubjectItemSummarized, ev)
}

func (p *Publisher) publish(ctx context.Context, subject string, v any) {
	if p.nc == nil {
		return
	}
	if err := natsutil.Publish(ctx, p.nc, subject, v); err != nil {
		p.log.Warn("events: publish failed", "subject", subject, "error", err)
	}
}
