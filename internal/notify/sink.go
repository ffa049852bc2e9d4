// Package notify is the boundary to the delivery collaborator. The
// engine's responsibility ends once a digest is handed to a Sink;
// retries past that point belong to the sink implementation.
package notify

import (
	"context"
	"log"

	"testline/internal/domain"
)

// Digest is one notification: every escalation event collapsed under a
// single digest key (one recipient, one calendar day).
type Digest struct {
	DigestKey string                   `json:"digest_key"`
	Recipient string                   `json:"recipient"`
	Events    []domain.EscalationEvent `json:"events"`
}

type Sink interface {
	Deliver(ctx context.Context, d Digest) error
}

// LogSink writes digests to a logger. Used by the CLI and as the
// fallback when no webhooks are configured.
type LogSink struct {
	Logger *log.Logger
}

func (s LogSink) Deliver(_ context.Context, d Digest) error {
	logger := s.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("escalation digest %s: %d event(s) for %s", d.DigestKey, len(d.Events), d.Recipient)
	return nil
}
