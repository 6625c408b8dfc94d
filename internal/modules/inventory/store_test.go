package inventory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hemoroute/internal/clock"
	"hemoroute/internal/events"
	"hemoroute/internal/testutil"
	"hemoroute/internal/types"
)

func TestStoreReservePostgres(t *testing.T) {
	pool := testutil.NewPool(t)
	store := NewStore(pool)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, days := range []int{3, 1, 5, 2} {
		require.NoError(t, store.AddUnit(ctx, Unit{
			ID: types.ID(fmt.Sprintf("exp-%d", days)), FacilityID: "hosp-1", BloodGroup: "B-", Component: "Plasma",
			CollectedAt: now.Add(-time.Hour), ExpiresAt: now.Add(time.Duration(days) * 24 * time.Hour),
			Status: UnitAvailable, CreatedAt: now.Add(-time.Hour),
		}))
	}
	svc := NewService(store, events.Nop{}, clock.NewSystem(), zap.NewNop())

	res, err := svc.Reserve(ctx, ReserveCommand{RequestID: "req-a", FacilityID: "hosp-1", BloodGroup: "b-", Component: "PLASMA", Quantity: 2})
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.ID{"exp-1", "exp-2"}, res.UnitIDs)

	short, err := svc.Reserve(ctx, ReserveCommand{RequestID: "req-x", FacilityID: "hosp-1", BloodGroup: "B-", Component: "Plasma", Quantity: 3})
	require.NoError(t, err)
	assert.Equal(t, ReservationInsufficient, short.Status)
	assert.Equal(t, 2, short.Available)

	outcome, err := svc.Outcome(ctx, "req-x", "hosp-1")
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, 1, outcome.Shortfall())

	none, err := svc.Outcome(ctx, "req-x", "hosp-2")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestStoreReserveRacePostgres(t *testing.T) {
	pool := testutil.NewPool(t)
	store := NewStore(pool)
	ctx := context.Background()
	now := time.Now().UTC()
	const units, callers = 8, 20
	for i := 0; i < units; i++ {
		require.NoError(t, store.AddUnit(ctx, Unit{
			ID: types.ID(fmt.Sprintf("u-%02d", i)), FacilityID: "hosp-1", BloodGroup: "AB-", Component: "RBC",
			CollectedAt: now, ExpiresAt: now.Add(time.Duration(i+1) * time.Hour), Status: UnitAvailable, CreatedAt: now,
		}))
	}
	svc := NewService(store, events.Nop{}, clock.NewSystem(), zap.NewNop())

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := svc.Reserve(ctx, ReserveCommand{RequestID: types.ID(fmt.Sprintf("req-%d", i)), FacilityID: "hosp-1", BloodGroup: "AB-", Component: "RBC", Quantity: 1})
			assert.NoError(t, err)
		}(i)
	}
	close(start)
	wg.Wait()

	st, err := svc.Stock(ctx, "hosp-1", "AB-", "RBC")
	require.NoError(t, err)
	assert.Equal(t, units, st.Reserved)
	assert.Zero(t, st.Available)
}

func TestStoreReserveSameRequestConcurrentPostgres(t *testing.T) {
	pool := testutil.NewPool(t)
	store := NewStore(pool)
	ctx := context.Background()
	now := time.Now().UTC()
	const units, callers, quantity = 9, 12, 2
	for i := 0; i < units; i++ {
		require.NoError(t, store.AddUnit(ctx, Unit{
			ID: types.ID(fmt.Sprintf("u-%02d", i)), FacilityID: "hosp-1", BloodGroup: "O-", Component: "RBC",
			CollectedAt: now, ExpiresAt: now.Add(time.Duration(i+1) * time.Hour), Status: UnitAvailable, CreatedAt: now,
		}))
	}
	svc := NewService(store, events.Nop{}, clock.NewSystem(), zap.NewNop())

	start := make(chan struct{})
	var wg sync.WaitGroup
	var mu sync.Mutex
	var results []Reservation
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := svc.Reserve(ctx, ReserveCommand{RequestID: "req-retry", FacilityID: "hosp-1", BloodGroup: "O-", Component: "RBC", Quantity: quantity})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	st, err := svc.Stock(ctx, "hosp-1", "O-", "RBC")
	require.NoError(t, err)
	assert.Equal(t, quantity, st.Reserved)
	assert.Equal(t, units-quantity, st.Available)

	require.Len(t, results, callers)
	for _, res := range results {
		assert.True(t, res.Reserved())
		assert.ElementsMatch(t, results[0].UnitIDs, res.UnitIDs)
	}
}
