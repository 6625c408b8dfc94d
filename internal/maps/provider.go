// README: Route provider contract shared by the Google and OSRM backends.
package maps

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"hemoroute/internal/types"
)

var (
	ErrNoRoute      = errors.New("no route found")
	ErrProviderBusy = errors.New("route provider over quota")
)

type Step struct {
	Instruction     string `json:"instruction"`
	Maneuver        string `json:"maneuver,omitempty"`
	DistanceMeters  int    `json:"distance_meters"`
	DurationSeconds int    `json:"duration_seconds"`
}

type Route struct {
	DistanceMeters  int    `json:"distance_meters"`
	DurationSeconds int    `json:"duration_seconds"`
	Polyline        string `json:"polyline"`
	Steps           []Step `json:"steps"`
}

// RouteProvider returns a driving route between two coordinates.
type RouteProvider interface {
	Route(ctx context.Context, origin, destination types.Point) (Route, error)
}

// StatusError is an HTTP-level failure from a provider.
type StatusError struct {
	Provider string
	Code     int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: http status %d", e.Provider, e.Code)
}

// IsRetryable reports whether a second attempt might succeed: provider 5xx,
// throttling, network timeouts and refused/reset connections.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrNoRoute) {
		return false
	}
	if errors.Is(err, ErrProviderBusy) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == 429
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}
