package request

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hemoroute/internal/testutil"
	"hemoroute/internal/types"
)

func TestStoreRoundTripAndCAS(t *testing.T) {
	pool := testutil.NewPool(t)
	store := NewStore(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	r := &Request{
		ID:              types.NewID(),
		RequesterID:     "patient-1",
		BloodGroup:      "AB+",
		Component:       "platelets",
		Quantity:        1,
		Urgency:         UrgencyHigh,
		Channel:         ChannelHospital,
		Status:          StatusPending,
		PatientLocation: &types.Point{Lat: 12.97, Lng: 77.59},
		CreatedAt:       now,
	}
	require.NoError(t, store.Create(ctx, r))

	got, err := store.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.BloodGroup, got.BloodGroup)
	assert.Equal(t, *r.PatientLocation, *got.PatientLocation)
	assert.Nil(t, got.AcceptedBy)

	ok, err := store.UpdateStatus(ctx, r.ID, StatusPending, StatusCancelled, 0, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.UpdateStatus(ctx, r.ID, StatusPending, StatusCancelled, 0, now)
	require.NoError(t, err)
	assert.False(t, ok, "stale version must not apply")

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
