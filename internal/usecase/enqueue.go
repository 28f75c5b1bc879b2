package usecase

import (
	"context"

	"fetchq/internal/domain"
	"fetchq/internal/ports"
)

// Enqueuer publishes requests for a worker to pick up.
type Enqueuer struct {
	Intake  ports.Intake
	Factory Factory
}

// Now validates req and appends it to the intake. It returns the request id.
func (e Enqueuer) Now(ctx context.Context, req domain.Request) (string, error) {
	if err := e.Factory.Validate(&req); err != nil {
		return "", err
	}
	if _, err := e.Intake.Publish(ctx, req); err != nil {
		return "", err
	}
	return req.ID, nil
}
