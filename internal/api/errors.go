package api

import (
	"context"
	"errors"

	"github.com/danielgtaylor/huma/v2"

	"github.com/joeblew999/plat-agri/internal/layers"
	"github.com/joeblew999/plat-agri/internal/mapview"
)

// statusError maps dashboard errors onto HTTP problems.
func statusError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, layers.ErrUnknownLayer), errors.Is(err, mapview.ErrUnknownLayer):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, layers.ErrStaticLayer), errors.Is(err, mapview.ErrNotMounted):
		return huma.Error409Conflict(err.Error())
	case errors.Is(err, mapview.ErrUnknownBaseLayer):
		return huma.Error422UnprocessableEntity(err.Error())
	case errors.Is(err, mapview.ErrLoopStopped),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return huma.Error503ServiceUnavailable("map unavailable", err)
	default:
		return huma.Error400BadRequest(err.Error())
	}
}
