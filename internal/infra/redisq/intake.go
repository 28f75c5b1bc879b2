package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fetchq/internal/domain"
	"fetchq/internal/ports"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var _ ports.Intake = (*Client)(nil)

func (c *Client) Publish(ctx context.Context, req domain.Request) (string, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	id, err := c.Rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.Cfg.StreamKey,
		Values: map[string]any{"request": b},
	}).Result()
	if err != nil {
		return "", err
	}
	if err := c.Rdb.HSet(ctx, stateKey(req.ID), map[string]any{
		"status": string(domain.StatusPending),
		"url":    req.URL,
	}).Err(); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("ref", req.ID).Msg("failed to record pending state")
	}
	return id, nil
}

// Claim returns the next request for consumer. A consumer first replays the
// entries it was given before a restart, then takes over entries another
// consumer left idle for ReclaimIdle, and only then reads new ones.
func (c *Client) Claim(ctx context.Context, consumer string, block time.Duration) (*domain.Request, string, error) {
	if msg, err := c.replay(ctx, consumer); err != nil || msg != nil {
		return c.claimed(ctx, msg, err)
	}
	if msg, err := c.reclaim(ctx, consumer); err != nil || msg != nil {
		return c.claimed(ctx, msg, err)
	}

	res, err := c.Rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.Cfg.Group,
		Consumer: consumer,
		Streams:  []string{c.Cfg.StreamKey, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, "", nil
		}
		return nil, "", err
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return nil, "", nil
	}
	return c.claimed(ctx, &res[0].Messages[0], nil)
}

// replay walks the entries already pending for consumer, one per call, the
// first time this client claims for it.
func (c *Client) replay(ctx context.Context, consumer string) (*redis.XMessage, error) {
	c.claimMu.Lock()
	defer c.claimMu.Unlock()

	cursor, ok := c.backlog[consumer]
	if !ok {
		cursor = "0"
	}
	if cursor == "" {
		return nil, nil
	}

	res, err := c.Rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.Cfg.Group,
		Consumer: consumer,
		Streams:  []string{c.Cfg.StreamKey, cursor},
		Count:    1,
		Block:    -1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		c.backlog[consumer] = ""
		return nil, nil
	}
	msg := res[0].Messages[0]
	c.backlog[consumer] = msg.ID
	log.Ctx(ctx).Info().Str("stream_id", msg.ID).Str("consumer", consumer).Msg("replaying unacknowledged request")
	return &msg, nil
}

// reclaim takes over one entry idle for at least ReclaimIdle.
func (c *Client) reclaim(ctx context.Context, consumer string) (*redis.XMessage, error) {
	if c.Cfg.ReclaimIdle <= 0 {
		return nil, nil
	}
	c.claimMu.Lock()
	if time.Since(c.lastReclaim) < c.Cfg.ReclaimInterval {
		c.claimMu.Unlock()
		return nil, nil
	}
	c.claimMu.Unlock()

	msgs, _, err := c.Rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.Cfg.StreamKey,
		Group:    c.Cfg.Group,
		Consumer: consumer,
		MinIdle:  c.Cfg.ReclaimIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(msgs) == 0 {
		// nothing idle; wait a full interval before scanning again
		c.claimMu.Lock()
		c.lastReclaim = time.Now()
		c.claimMu.Unlock()
		return nil, nil
	}
	log.Ctx(ctx).Warn().Str("stream_id", msgs[0].ID).Str("consumer", consumer).Msg("reclaimed idle request")
	return &msgs[0], nil
}

// claimed decodes msg. Entries that do not decode are dead-lettered, since
// they would otherwise be redelivered forever.
func (c *Client) claimed(ctx context.Context, msg *redis.XMessage, err error) (*domain.Request, string, error) {
	if err != nil {
		return nil, "", err
	}

	var raw []byte
	switch v := msg.Values["request"].(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		err = fmt.Errorf("unexpected request type: %T", v)
	}

	var req domain.Request
	if err == nil {
		err = json.Unmarshal(raw, &req)
	}
	if err != nil {
		if dlqErr := c.ToDLQ(ctx, msg.ID, domain.Request{}, "decode: "+err.Error()); dlqErr != nil {
			log.Ctx(ctx).Error().Err(dlqErr).Str("stream_id", msg.ID).Msg("failed to dead-letter undecodable request")
		}
		return nil, "", nil
	}
	return &req, msg.ID, nil
}

func (c *Client) Ack(ctx context.Context, streamID string) error {
	return c.Rdb.XAck(ctx, c.Cfg.StreamKey, c.Cfg.Group, streamID).Err()
}

func (c *Client) ToDLQ(ctx context.Context, streamID string, req domain.Request, reason string) error {
	b, err := json.Marshal(struct {
		domain.Request
		StreamID string `json:"stream_id"`
		Reason   string `json:"reason"`
	}{req, streamID, reason})
	if err != nil {
		return err
	}
	if err := c.Rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.Cfg.DLQStreamKey,
		Values: map[string]any{"request": b},
	}).Err(); err != nil {
		return err
	}
	return c.Ack(ctx, streamID)
}
