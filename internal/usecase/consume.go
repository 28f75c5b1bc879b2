package usecase

import (
	"context"
	"sync"
	"time"

	"fetchq/internal/domain"
	"fetchq/internal/ports"
	"fetchq/pkg/backoff"

	"github.com/rs/zerolog/log"
)

// Submitter is the part of the engine the consumer needs.
type Submitter interface {
	Submit(ctx context.Context, t *domain.Task) error
}

type claim struct {
	streamID string
	req      domain.Request
}

// Consumer moves requests from a durable intake into an engine. A request is
// acknowledged once its task succeeds or is skipped and dead-lettered when it
// fails. Register the consumer as an engine observer so it hears about
// finished tasks.
type Consumer struct {
	Intake       ports.Intake
	Engine       Submitter
	Factory      Factory
	Pipeline     Pipeline
	ConsumerName string
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	Block        time.Duration
	// MaxInFlight bounds the claimed-but-unfinished requests.
	MaxInFlight int

	once     sync.Once
	slots    chan struct{}
	mu       sync.Mutex
	inflight map[uint64]claim
}

func (c *Consumer) init() {
	c.once.Do(func() {
		if c.MaxInFlight <= 0 {
			c.MaxInFlight = 64
		}
		if c.Block <= 0 {
			c.Block = 5 * time.Second
		}
		c.slots = make(chan struct{}, c.MaxInFlight)
		c.inflight = make(map[uint64]claim)
	})
}

func (c *Consumer) Run(ctx context.Context) error {
	c.init()
	logger := log.Ctx(ctx)
	failures := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c.slots <- struct{}{}:
		}

		req, id, err := c.Intake.Claim(ctx, c.ConsumerName, c.Block)
		if err != nil {
			<-c.slots
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			delay := backoff.ExponentialJitter(c.BaseBackoff, c.MaxBackoff, failures)
			logger.Warn().Err(err).Dur("delay", delay).Msg("claim failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		failures = 0
		if req == nil || c.holds(id) {
			<-c.slots
			continue
		}

		t, err := c.Factory.Task(*req, c.Pipeline.Hooks())
		if err != nil {
			<-c.slots
			logger.Warn().Err(err).Str("stream_id", id).Msg("rejecting invalid request")
			if err := c.Intake.ToDLQ(ctx, id, *req, err.Error()); err != nil {
				logger.Error().Err(err).Str("stream_id", id).Msg("dead-letter failed")
			}
			continue
		}

		c.mu.Lock()
		c.inflight[t.ID()] = claim{streamID: id, req: *req}
		c.mu.Unlock()

		if err := c.Engine.Submit(ctx, t); err != nil {
			// left pending in the consumer group for a later claim
			c.forget(t.ID())
			<-c.slots
			return err
		}
		logger.Debug().Str("stream_id", id).Str("ref", t.Ref).Uint64("task", t.ID()).Msg("request claimed")
	}
}

// TaskFinished settles the intake entry behind a finished task.
func (c *Consumer) TaskFinished(ctx context.Context, info domain.TaskInfo) {
	c.init()
	cl, ok := c.forget(info.ID)
	if !ok {
		return
	}
	defer func() { <-c.slots }()

	var err error
	switch info.Status {
	case domain.StatusSuccess, domain.StatusSkipped:
		err = c.Intake.Ack(ctx, cl.streamID)
	case domain.StatusError:
		err = c.Intake.ToDLQ(ctx, cl.streamID, cl.req, info.Error)
	}
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("stream_id", cl.streamID).Msg("failed to settle request")
	}
}

// holds reports whether streamID already backs a running task. An entry that
// runs longer than the reclaim idle time is handed back to its own consumer.
func (c *Consumer) holds(streamID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cl := range c.inflight {
		if cl.streamID == streamID {
			return true
		}
	}
	return false
}

func (c *Consumer) forget(id uint64) (claim, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.inflight[id]
	delete(c.inflight, id)
	return cl, ok
}
