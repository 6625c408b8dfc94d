package inventory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hemoroute/internal/clock"
	"hemoroute/internal/events"
	"hemoroute/internal/types"
)

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type outcomeKey struct {
	request, facility types.ID
}

type fakeRepo struct {
	mu       sync.Mutex
	units    map[types.ID]Unit
	outcomes map[outcomeKey]Reservation
	locked   []types.ID
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{units: map[types.ID]Unit{}, outcomes: map[outcomeKey]Reservation{}}
}

func (f *fakeRepo) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	units, outcomes := maps.Clone(f.units), maps.Clone(f.outcomes)
	if err := fn(ctx); err != nil {
		f.units, f.outcomes = units, outcomes
		return err
	}
	return nil
}

func (f *fakeRepo) LockRequest(_ context.Context, requestID types.ID) error {
	f.locked = append(f.locked, requestID)
	return nil
}

func (f *fakeRepo) LockPool(context.Context, types.ID, string, string) error { return nil }

func (f *fakeRepo) SelectEligible(_ context.Context, cmd ReserveCommand, now time.Time, limit int) ([]types.ID, error) {
	var eligible []Unit
	for _, u := range f.units {
		if u.FacilityID == cmd.FacilityID &&
			strings.EqualFold(u.BloodGroup, cmd.BloodGroup) &&
			strings.EqualFold(u.Component, cmd.Component) &&
			u.Status == UnitAvailable && u.ExpiresAt.After(now) {
			eligible = append(eligible, u)
		}
	}
	slices.SortFunc(eligible, func(a, b Unit) int {
		if c := a.ExpiresAt.Compare(b.ExpiresAt); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(string(a.ID), string(b.ID))
	})
	var ids []types.ID
	for i := 0; i < len(eligible) && i < limit; i++ {
		ids = append(ids, eligible[i].ID)
	}
	return ids, nil
}

func (f *fakeRepo) MarkReserved(_ context.Context, ids []types.ID, requestID types.ID, _ time.Time) (int64, error) {
	var n int64
	for _, id := range ids {
		u := f.units[id]
		if u.Status != UnitAvailable {
			continue
		}
		u.Status = UnitReserved
		u.RequestID = types.IDPtr(requestID)
		f.units[id] = u
		n++
	}
	return n, nil
}

func (f *fakeRepo) FindOutcome(_ context.Context, requestID, facilityID types.ID) (*Reservation, error) {
	r, ok := f.outcomes[outcomeKey{requestID, facilityID}]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (f *fakeRepo) SaveOutcome(_ context.Context, r Reservation) error {
	f.outcomes[outcomeKey{r.RequestID, r.FacilityID}] = r
	return nil
}

func (f *fakeRepo) ConsumeForRequest(_ context.Context, requestID types.ID, _ time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, u := range f.units {
		if u.RequestID != nil && *u.RequestID == requestID && u.Status == UnitReserved {
			u.Status = UnitConsumed
			f.units[id] = u
			n++
		}
	}
	return n, nil
}

func (f *fakeRepo) ExpireDue(_ context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, u := range f.units {
		if (u.Status == UnitAvailable || u.Status == UnitReserved) && !u.ExpiresAt.After(now) {
			u.Status = UnitExpired
			f.units[id] = u
			n++
		}
	}
	return n, nil
}

func (f *fakeRepo) Stock(_ context.Context, facilityID types.ID, bloodGroup, component string) (Stock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var st Stock
	for _, u := range f.units {
		if u.FacilityID != facilityID || !strings.EqualFold(u.BloodGroup, bloodGroup) || !strings.EqualFold(u.Component, component) {
			continue
		}
		switch u.Status {
		case UnitAvailable:
			st.Available++
		case UnitReserved:
			st.Reserved++
		case UnitExpired:
			st.Expired++
		case UnitConsumed:
			st.Consumed++
		}
	}
	return st, nil
}

func (f *fakeRepo) add(id types.ID, facility types.ID, group, component string, expiresInDays int, intake time.Time) {
	f.units[id] = Unit{
		ID: id, FacilityID: facility, BloodGroup: group, Component: component,
		CollectedAt: intake, ExpiresAt: testNow.Add(time.Duration(expiresInDays) * 24 * time.Hour),
		Status: UnitAvailable, CreatedAt: intake,
	}
}

func newTestService(repo Repository) *Service {
	return NewService(repo, events.NewHub(zap.NewNop()), clock.NewFixed(testNow), zap.NewNop())
}

func reserveCmd(requestID types.ID, qty int) ReserveCommand {
	return ReserveCommand{RequestID: requestID, FacilityID: "hosp-1", BloodGroup: "O+", Component: "RBC", Quantity: qty}
}

func TestReserveSelectsEarliestExpiry(t *testing.T) {
	repo := newFakeRepo()
	intake := testNow.Add(-48 * time.Hour)
	for _, days := range []int{3, 1, 5, 2} {
		repo.add(types.ID(fmt.Sprintf("exp-%d", days)), "hosp-1", "O+", "RBC", days, intake)
	}
	svc := newTestService(repo)

	res, err := svc.Reserve(context.Background(), reserveCmd("req-1", 2))
	require.NoError(t, err)
	require.True(t, res.Reserved())
	assert.ElementsMatch(t, []types.ID{"exp-1", "exp-2"}, res.UnitIDs)
	assert.Equal(t, UnitAvailable, repo.units["exp-3"].Status)
	assert.Equal(t, UnitAvailable, repo.units["exp-5"].Status)
}

func TestReserveTieBreaksOnIntake(t *testing.T) {
	repo := newFakeRepo()
	repo.add("newer", "hosp-1", "O+", "RBC", 2, testNow.Add(-time.Hour))
	repo.add("older", "hosp-1", "O+", "RBC", 2, testNow.Add(-10*time.Hour))
	svc := newTestService(repo)

	res, err := svc.Reserve(context.Background(), reserveCmd("req-1", 1))
	require.NoError(t, err)
	assert.Equal(t, []types.ID{"older"}, res.UnitIDs)
}

func TestReserveEligibility(t *testing.T) {
	repo := newFakeRepo()
	intake := testNow.Add(-time.Hour)
	repo.add("case", "hosp-1", "o+", "rbc", 4, intake)
	repo.add("other-facility", "hosp-2", "O+", "RBC", 1, intake)
	repo.add("other-group", "hosp-1", "O-", "RBC", 1, intake)
	repo.add("past-expiry", "hosp-1", "O+", "RBC", -1, intake)
	svc := newTestService(repo)

	res, err := svc.Reserve(context.Background(), reserveCmd("req-1", 1))
	require.NoError(t, err)
	assert.Equal(t, []types.ID{"case"}, res.UnitIDs)
}

func TestReserveAllOrNothing(t *testing.T) {
	repo := newFakeRepo()
	for i := 0; i < 3; i++ {
		repo.add(types.ID(fmt.Sprintf("u-%d", i)), "hosp-1", "O+", "RBC", i+1, testNow)
	}
	svc := newTestService(repo)
	ctx := context.Background()

	res, err := svc.Reserve(ctx, reserveCmd("req-1", 5))
	require.NoError(t, err)
	assert.Equal(t, ReservationInsufficient, res.Status)
	assert.Empty(t, res.UnitIDs)
	assert.Equal(t, 3, res.Available)
	assert.Equal(t, 2, res.Shortfall())

	st, err := svc.Stock(ctx, "hosp-1", "O+", "RBC")
	require.NoError(t, err)
	assert.Equal(t, Stock{Available: 3}, st)

	recorded, err := svc.Outcome(ctx, "req-1", "hosp-1")
	require.NoError(t, err)
	require.NotNil(t, recorded)
	assert.Equal(t, ReservationInsufficient, recorded.Status)

	for i := 3; i < 5; i++ {
		repo.add(types.ID(fmt.Sprintf("u-%d", i)), "hosp-1", "O+", "RBC", i+1, testNow)
	}
	res, err = svc.Reserve(ctx, reserveCmd("req-1", 5))
	require.NoError(t, err)
	assert.True(t, res.Reserved(), "retry after restock succeeds")
	assert.Len(t, res.UnitIDs, 5)
}

func TestReserveIsIdempotentPerRequest(t *testing.T) {
	repo := newFakeRepo()
	for i := 0; i < 4; i++ {
		repo.add(types.ID(fmt.Sprintf("u-%d", i)), "hosp-1", "O+", "RBC", i+1, testNow)
	}
	svc := newTestService(repo)
	ctx := context.Background()

	first, err := svc.Reserve(ctx, reserveCmd("req-1", 2))
	require.NoError(t, err)
	second, err := svc.Reserve(ctx, reserveCmd("req-1", 2))
	require.NoError(t, err)

	assert.Equal(t, first.UnitIDs, second.UnitIDs)
	st, _ := svc.Stock(ctx, "hosp-1", "O+", "RBC")
	assert.Equal(t, 2, st.Reserved)
	assert.Equal(t, []types.ID{"req-1", "req-1"}, repo.locked, "each attempt takes the request lock")
}

func TestReserveOutcomeIsPerFacility(t *testing.T) {
	repo := newFakeRepo()
	for i := 0; i < 2; i++ {
		repo.add(types.ID(fmt.Sprintf("u-%d", i)), "hosp-1", "O+", "RBC", i+1, testNow)
	}
	svc := newTestService(repo)
	ctx := context.Background()

	mine, err := svc.Reserve(ctx, reserveCmd("req-1", 2))
	require.NoError(t, err)
	require.True(t, mine.Reserved())

	other := reserveCmd("req-1", 2)
	other.FacilityID = "hosp-2"
	theirs, err := svc.Reserve(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, ReservationInsufficient, theirs.Status, "another facility never replays this one's units")
	assert.Empty(t, theirs.UnitIDs)

	recorded, err := svc.Outcome(ctx, "req-1", "hosp-1")
	require.NoError(t, err)
	require.NotNil(t, recorded)
	assert.True(t, recorded.Reserved())
	assert.ElementsMatch(t, mine.UnitIDs, recorded.UnitIDs)
}

func TestReserveValidation(t *testing.T) {
	repo := newFakeRepo()
	repo.add("u-1", "hosp-1", "O+", "RBC", 3, testNow)
	svc := newTestService(repo)
	_, err := svc.Reserve(context.Background(), reserveCmd("req-1", 0))
	assert.ErrorIs(t, err, ErrBadRequest)
	_, err = svc.Reserve(context.Background(), reserveCmd("", 1))
	assert.ErrorIs(t, err, ErrBadRequest, "units are never held without a request")
	assert.Equal(t, UnitAvailable, repo.units["u-1"].Status)
	_, err = svc.Reserve(context.Background(), ReserveCommand{FacilityID: "hosp-1", Component: "RBC", Quantity: 1})
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestReserveConcurrentNeverOverbooks(t *testing.T) {
	const units, callers = 10, 25
	repo := newFakeRepo()
	for i := 0; i < units; i++ {
		repo.add(types.ID(fmt.Sprintf("u-%02d", i)), "hosp-1", "O+", "RBC", i+1, testNow)
	}
	svc := newTestService(repo)

	start := make(chan struct{})
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[types.ID]int{}
	reserved := 0
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			res, err := svc.Reserve(context.Background(), reserveCmd(types.ID(fmt.Sprintf("req-%d", i)), 1))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if res.Reserved() {
				reserved++
				for _, id := range res.UnitIDs {
					seen[id]++
				}
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, units, reserved)
	for id, n := range seen {
		assert.Equal(t, 1, n, "unit %s booked twice", id)
	}
	st, _ := svc.Stock(context.Background(), "hosp-1", "O+", "RBC")
	assert.Equal(t, Stock{Reserved: units}, st)
}

func TestConsumeAndExpireSweep(t *testing.T) {
	repo := newFakeRepo()
	repo.add("soon", "hosp-1", "O+", "RBC", 1, testNow)
	repo.add("later", "hosp-1", "O+", "RBC", 9, testNow)
	repo.add("stale", "hosp-1", "O+", "RBC", 0, testNow)
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, reserveCmd("req-1", 1))
	require.NoError(t, err)

	n, err := svc.Consume(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, UnitConsumed, repo.units["soon"].Status)

	n, err = svc.ExpireSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, UnitExpired, repo.units["stale"].Status)
	assert.Equal(t, UnitAvailable, repo.units["later"].Status)
}
