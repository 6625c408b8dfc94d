package maps

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"googlemaps.github.io/maps"

	"hemoroute/internal/types"
)

func TestFromGoogleFlattensLegs(t *testing.T) {
	r := maps.Route{
		OverviewPolyline: maps.Polyline{Points: "_p~iF~ps|U"},
		Legs: []*maps.Leg{
			{
				Distance: maps.Distance{Meters: 1500},
				Duration: 4 * time.Minute,
				Steps: []*maps.Step{
					{HTMLInstructions: "Head <b>north</b> on <b>MG&nbsp;Road</b>", Distance: maps.Distance{Meters: 1200}, Duration: 3 * time.Minute},
					{HTMLInstructions: `Turn <b>left</b><div style="font-size:0.9em">Destination will be on the right</div>`, Distance: maps.Distance{Meters: 300}, Duration: time.Minute},
				},
			},
			nil,
			{Distance: maps.Distance{Meters: 500}, Duration: 90 * time.Second},
		},
	}

	got := fromGoogle(r)
	assert.Equal(t, "_p~iF~ps|U", got.Polyline)
	assert.Equal(t, 2000, got.DistanceMeters)
	assert.Equal(t, 330, got.DurationSeconds)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, Step{Instruction: "Head north on MG Road", DistanceMeters: 1200, DurationSeconds: 180}, got.Steps[0])
	assert.Equal(t, "Turn left Destination will be on the right", got.Steps[1].Instruction)
	assert.Empty(t, got.Steps[1].Maneuver)
}

const directionsOK = `{
  "status": "OK",
  "routes": [{
    "overview_polyline": {"points": "_p~iF~ps|U_ulLnnqC"},
    "legs": [{
      "distance": {"text": "4.2 km", "value": 4210},
      "duration": {"text": "10 mins", "value": 612},
      "steps": [
        {"html_instructions": "Head <b>east</b>", "distance": {"text": "1.2 km", "value": 1200}, "duration": {"text": "3 mins", "value": 180}},
        {"html_instructions": "Turn <b>left</b>", "distance": {"text": "3.0 km", "value": 3010}, "duration": {"text": "7 mins", "value": 432}}
      ]
    }]
  }]
}`

func TestGoogleRouteProvider(t *testing.T) {
	var gotPath, gotOrigin string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotOrigin = r.URL.Path, r.URL.Query().Get("origin")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(directionsOK))
	}))
	defer srv.Close()

	p, err := NewGoogleRouteProvider("test-key", maps.WithBaseURL(srv.URL))
	require.NoError(t, err)
	route, err := p.Route(context.Background(), types.Point{Lat: 12.97, Lng: 77.59}, types.Point{Lat: 12.93, Lng: 77.62})
	require.NoError(t, err)

	assert.Equal(t, "/maps/api/directions/json", gotPath)
	assert.Equal(t, "12.970000,77.590000", gotOrigin)
	assert.Equal(t, 4210, route.DistanceMeters)
	assert.Equal(t, 612, route.DurationSeconds)
	require.Len(t, route.Steps, 2)
	assert.Equal(t, "Head east", route.Steps[0].Instruction)
	assert.Equal(t, 432, route.Steps[1].DurationSeconds)
}

func TestClassifyGoogle(t *testing.T) {
	assert.ErrorIs(t, classifyGoogle(errors.New("maps: ZERO_RESULTS - ")), ErrNoRoute)
	assert.ErrorIs(t, classifyGoogle(errors.New("maps: OVER_QUERY_LIMIT - slow down")), ErrProviderBusy)
	err := classifyGoogle(errors.New("maps: REQUEST_DENIED - bad key"))
	assert.False(t, errors.Is(err, ErrNoRoute) || errors.Is(err, ErrProviderBusy))
}
