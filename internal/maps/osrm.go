// README: OSRM backend over HTTP, used when no Google key is configured.
package maps

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"hemoroute/internal/types"
)

type osrmResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Distance float64 `json:"distance"`
		Duration float64 `json:"duration"`
		Geometry string  `json:"geometry"`
		Legs     []struct {
			Steps []struct {
				Distance float64 `json:"distance"`
				Duration float64 `json:"duration"`
				Name     string  `json:"name"`
				Maneuver struct {
					Type     string `json:"type"`
					Modifier string `json:"modifier"`
				} `json:"maneuver"`
			} `json:"steps"`
		} `json:"legs"`
	} `json:"routes"`
}

type OSRMRouteProvider struct {
	http *resty.Client
}

func NewOSRMRouteProvider(baseURL string, timeout time.Duration) *OSRMRouteProvider {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &OSRMRouteProvider{http: client}
}

func (o *OSRMRouteProvider) Route(ctx context.Context, origin, destination types.Point) (Route, error) {
	var body osrmResponse
	resp, err := o.http.R().
		SetContext(ctx).
		SetRawPathParams(map[string]string{
			"coords": fmt.Sprintf("%.6f,%.6f;%.6f,%.6f", origin.Lng, origin.Lat, destination.Lng, destination.Lat),
		}).
		SetQueryParams(map[string]string{
			"overview":   "full",
			"steps":      "true",
			"geometries": "polyline",
		}).
		SetResult(&body).
		SetError(&body).
		Get("/route/v1/driving/{coords}")
	if err != nil {
		return Route{}, fmt.Errorf("osrm request: %w", err)
	}
	if body.Code == "NoRoute" || body.Code == "NoSegment" {
		return Route{}, ErrNoRoute
	}
	if resp.IsError() {
		return Route{}, &StatusError{Provider: "osrm", Code: resp.StatusCode()}
	}
	if body.Code != "Ok" || len(body.Routes) == 0 {
		return Route{}, fmt.Errorf("osrm: %s %s", body.Code, body.Message)
	}

	r := body.Routes[0]
	out := Route{
		DistanceMeters:  int(r.Distance + 0.5),
		DurationSeconds: int(r.Duration + 0.5),
		Polyline:        r.Geometry,
	}
	for _, leg := range r.Legs {
		for _, st := range leg.Steps {
			out.Steps = append(out.Steps, Step{
				Instruction:     osrmInstruction(st.Maneuver.Type, st.Maneuver.Modifier, st.Name),
				Maneuver:        strings.TrimSpace(st.Maneuver.Type + " " + st.Maneuver.Modifier),
				DistanceMeters:  int(st.Distance + 0.5),
				DurationSeconds: int(st.Duration + 0.5),
			})
		}
	}
	return out, nil
}

func osrmInstruction(kind, modifier, name string) string {
	parts := []string{kind}
	if modifier != "" {
		parts = append(parts, modifier)
	}
	if name != "" {
		parts = append(parts, "onto "+name)
	}
	return strings.Join(parts, " ")
}
