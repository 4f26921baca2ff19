package workflow

import (
	"context"
	"time"

	"github.com/mmdatafocus/timesheet_backend/models"
	"github.com/sirupsen/logrus"
)

// Geolocator captures the device location. Absence of a location is never an error
// for the timer; implementations may return (nil, nil).
type Geolocator interface {
	CaptureLocation(ctx context.Context) (*models.GeoLocation, error)
}

type locationKey struct{}

// WithClientLocation attaches the location reported by the client device.
func WithClientLocation(ctx context.Context, loc *models.GeoLocation) context.Context {
	if loc == nil {
		return ctx
	}
	return context.WithValue(ctx, locationKey{}, *loc)
}

// ContextGeolocator returns the location the presentation layer put on the context.
type ContextGeolocator struct{}

func (ContextGeolocator) CaptureLocation(ctx context.Context) (*models.GeoLocation, error) {
	loc, ok := ctx.Value(locationKey{}).(models.GeoLocation)
	if !ok {
		return nil, nil
	}
	return &loc, nil
}

// GeolocatorFunc adapts a function to Geolocator.
type GeolocatorFunc func(ctx context.Context) (*models.GeoLocation, error)

func (f GeolocatorFunc) CaptureLocation(ctx context.Context) (*models.GeoLocation, error) {
	return f(ctx)
}

// CaptureWithTimeout asks g for a location and gives up after timeout.
// Failures and timeouts are logged and yield nil.
func CaptureWithTimeout(ctx context.Context, g Geolocator, timeout time.Duration, now time.Time, logger *logrus.Logger) *models.GeoLocation {
	if g == nil {
		return nil
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		loc *models.GeoLocation
		err error
	}
	done := make(chan result, 1)
	go func() {
		loc, err := g.CaptureLocation(ctx)
		done <- result{loc: loc, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if logger != nil {
				logger.WithFields(logrus.Fields{"field": "Geolocation"}).Warn("location capture failed: " + r.err.Error())
			}
			return nil
		}
		if r.loc != nil && r.loc.CapturedAt == nil {
			capturedAt := now
			r.loc.CapturedAt = &capturedAt
		}
		return r.loc
	case <-ctx.Done():
		if logger != nil {
			logger.WithFields(logrus.Fields{"field": "Geolocation", "timeout": timeout.String()}).Warn("location capture timed out")
		}
		return nil
	}
}
