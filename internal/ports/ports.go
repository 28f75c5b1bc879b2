package ports

import (
	"context"
	"time"

	"fetchq/internal/domain"
)

// Intake is a durable source of download requests. A claimed request stays
// pending until it is acknowledged or moved to the dead letter queue.
type Intake interface {
	Publish(ctx context.Context, req domain.Request) (string, error)
	Claim(ctx context.Context, consumer string, block time.Duration) (*domain.Request, string /*streamID*/, error)
	Ack(ctx context.Context, streamID string) error
	ToDLQ(ctx context.Context, streamID string, req domain.Request, reason string) error
}

// ResultSink persists the outcome of a finished download.
type ResultSink interface {
	Save(ctx context.Context, info domain.TaskInfo) error
}

// Catalogue is a ResultSink that can be read back.
type Catalogue interface {
	ResultSink
	Get(ctx context.Context, ref string) (*domain.Record, error)
	List(ctx context.Context, status domain.TaskStatus, limit int) ([]domain.Record, error)
}

// Reporter periodically publishes engine counters somewhere external.
type Reporter interface {
	Run(ctx context.Context) error
}
