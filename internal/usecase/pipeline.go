package usecase

import (
	"context"
	"errors"
	"fmt"

	"fetchq/internal/domain"
	"fetchq/internal/ports"

	"github.com/rs/zerolog/log"
)

// Pipeline fans a finished task out to every configured sink.
type Pipeline struct {
	Sinks []ports.ResultSink
}

// Hooks returns task hooks that save successes and failures to every sink.
// A failing sink does not stop the ones after it.
func (p Pipeline) Hooks() domain.Hooks {
	if len(p.Sinks) == 0 {
		return domain.Hooks{}
	}
	return domain.Hooks{OnSuccess: p.save, OnError: p.save}
}

func (p Pipeline) save(ctx context.Context, info domain.TaskInfo) error {
	var errs []error
	for i, s := range p.Sinks {
		if err := s.Save(ctx, info); err != nil {
			errs = append(errs, fmt.Errorf("sink %d (%T): %w", i, s, err))
		}
	}
	return errors.Join(errs...)
}

// TaskFinished records skipped tasks, which fire no hooks. Register the
// pipeline as an engine observer ahead of anything that acknowledges work.
func (p Pipeline) TaskFinished(ctx context.Context, info domain.TaskInfo) {
	if info.Status != domain.StatusSkipped || len(p.Sinks) == 0 {
		return
	}
	if err := p.save(ctx, info); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to record skipped task")
	}
}
