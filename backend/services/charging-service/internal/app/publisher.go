package app

import (
	"context"
	"errors"

	"evpay/backend/services/charging-service/internal/models"
	"evpay/backend/services/charging-service/internal/sessions"
)

// fanout sends live status to every sink. One failing sink does not starve the others.
type fanout []sessions.Publisher

func (f fanout) PublishStatus(ctx context.Context, update models.StatusUpdate) error {
	var errs []error
	for _, p := range f {
		if err := p.PublishStatus(ctx, update); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f fanout) ClearStatus(ctx context.Context, sessionID, driverID int64) error {
	var errs []error
	for _, p := range f {
		if err := p.ClearStatus(ctx, sessionID, driverID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
