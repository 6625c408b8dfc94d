// README: Google Directions backend for route computation.
package maps

import (
	"context"
	"fmt"
	"html"
	"regexp"
	"strings"

	"googlemaps.github.io/maps"

	"hemoroute/internal/types"
)

type GoogleRouteProvider struct {
	client *maps.Client
}

func NewGoogleRouteProvider(apiKey string, opts ...maps.ClientOption) (*GoogleRouteProvider, error) {
	client, err := maps.NewClient(append([]maps.ClientOption{maps.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleRouteProvider{client: client}, nil
}

func (g *GoogleRouteProvider) Route(ctx context.Context, origin, destination types.Point) (Route, error) {
	r := &maps.DirectionsRequest{
		Origin:      latLng(origin),
		Destination: latLng(destination),
		Mode:        maps.TravelModeDriving,
	}
	routes, _, err := g.client.Directions(ctx, r)
	if err != nil {
		return Route{}, classifyGoogle(err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return Route{}, ErrNoRoute
	}
	return fromGoogle(routes[0]), nil
}

var htmlTag = regexp.MustCompile(`<[^>]*>`)

// fromGoogle flattens every leg into one route. The client carries no
// maneuver field, so steps only get the plain-text instruction.
func fromGoogle(r maps.Route) Route {
	out := Route{Polyline: r.OverviewPolyline.Points}
	for _, leg := range r.Legs {
		if leg == nil {
			continue
		}
		out.DistanceMeters += leg.Distance.Meters
		out.DurationSeconds += int(leg.Duration.Seconds())
		for _, st := range leg.Steps {
			if st == nil {
				continue
			}
			out.Steps = append(out.Steps, Step{
				Instruction:     plainInstruction(st.HTMLInstructions),
				DistanceMeters:  st.Distance.Meters,
				DurationSeconds: int(st.Duration.Seconds()),
			})
		}
	}
	return out
}

func plainInstruction(s string) string {
	s = htmlTag.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(html.UnescapeString(s)), " ")
}

// The client reports API status codes as "maps: STATUS - message".
func classifyGoogle(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "ZERO_RESULTS"), strings.Contains(msg, "NOT_FOUND"):
		return ErrNoRoute
	case strings.Contains(msg, "OVER_QUERY_LIMIT"), strings.Contains(msg, "UNKNOWN_ERROR"):
		return fmt.Errorf("%w: %v", ErrProviderBusy, err)
	}
	return fmt.Errorf("maps api error: %w", err)
}

func latLng(p types.Point) string {
	return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lng)
}
