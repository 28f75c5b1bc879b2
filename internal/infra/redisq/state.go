package redisq

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"fetchq/internal/domain"
	"fetchq/internal/ports"

	"github.com/redis/go-redis/v9"
)

var _ ports.ResultSink = (*Client)(nil)

// Save records the final state of a download in its hash and appends it to
// the result stream.
func (c *Client) Save(ctx context.Context, info domain.TaskInfo) error {
	rec := domain.NewRecord(info)
	m := map[string]any{
		"task_id":     rec.TaskID,
		"status":      string(rec.Status),
		"url":         rec.URL,
		"path":        rec.Path,
		"size":        rec.Size,
		"attempts":    rec.Attempts,
		"error":       rec.Error,
		"finished_at": rec.FinishedAt.UnixMilli(),
	}
	if err := c.Rdb.HSet(ctx, stateKey(rec.Ref), m).Err(); err != nil {
		return err
	}

	if c.Cfg.ResultStreamKey == "" {
		return nil
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.Rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.Cfg.ResultStreamKey,
		Values: map[string]any{"result": b},
	}).Err()
}

// Get returns the last recorded state of a request, or nil if none.
func (c *Client) Get(ctx context.Context, ref string) (*domain.Record, error) {
	h, err := c.Rdb.HGetAll(ctx, stateKey(ref)).Result()
	if err != nil || len(h) == 0 {
		return nil, err
	}

	rec := &domain.Record{
		Ref:    ref,
		URL:    h["url"],
		Path:   h["path"],
		Status: domain.TaskStatus(h["status"]),
		Error:  h["error"],
	}
	rec.TaskID, _ = strconv.ParseUint(h["task_id"], 10, 64)
	rec.Size, _ = strconv.ParseInt(h["size"], 10, 64)
	rec.Attempts, _ = strconv.Atoi(h["attempts"])
	if ms, err := strconv.ParseInt(h["finished_at"], 10, 64); err == nil {
		rec.FinishedAt = time.UnixMilli(ms)
	}
	return rec, nil
}
