package acceptance

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hemoroute/internal/clock"
	"hemoroute/internal/events"
	"hemoroute/internal/modules/inbox"
	"hemoroute/internal/modules/request"
	"hemoroute/internal/testutil"
	"hemoroute/internal/types"
)

func TestAcceptRacePostgres(t *testing.T) {
	pool := testutil.NewPool(t)
	ctx := context.Background()
	const n = 24
	for i := 0; i < n; i++ {
		role := "donor"
		if i%2 == 1 {
			role = "hospital"
		}
		testutil.InsertProfile(t, pool, fmt.Sprintf("cand-%d", i), role, "A-", nil, nil)
	}

	clk := clock.NewSystem()
	requests := request.NewService(request.NewStore(pool), events.Nop{}, clk, zap.NewNop())
	r, err := requests.Open(ctx, request.OpenCommand{
		RequesterID: "patient-1", BloodGroup: "A-", Component: "whole_blood", Quantity: 1, Urgency: request.UrgencyCritical,
	})
	require.NoError(t, err)
	fan := inbox.NewService(inbox.NewStore(pool), events.Nop{}, nil, clk, zap.NewNop())
	entries, err := fan.Fanout(ctx, r)
	require.NoError(t, err)
	require.Len(t, entries, n)

	svc := NewService(NewStore(pool), events.Nop{}, clk, zap.NewNop())
	start := make(chan struct{})
	var wg sync.WaitGroup
	var wins int32
	var winner atomic.Value
	for _, e := range entries {
		wg.Add(1)
		go func(e inbox.Entry) {
			defer wg.Done()
			<-start
			res, err := svc.Accept(ctx, Command{RequestID: r.ID, CandidateID: e.CandidateID, Role: e.CandidateRole})
			if !assert.NoError(t, err) {
				return
			}
			if res.Accepted {
				atomic.AddInt32(&wins, 1)
				winner.Store(e.CandidateID)
			} else {
				assert.Equal(t, ReasonAlreadyAccepted, res.Reason)
			}
		}(e)
	}
	close(start)
	wg.Wait()

	require.Equal(t, int32(1), wins)

	var accepted, expired int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE status = 'accepted'), COUNT(*) FILTER (WHERE status = 'expired')
		 FROM inbox_entries WHERE request_id = $1`, string(r.ID)).Scan(&accepted, &expired))
	assert.Equal(t, 1, accepted)
	assert.Equal(t, n-1, expired)

	got, err := requests.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, request.StatusAccepted, got.Status)
	assert.Equal(t, winner.Load().(types.ID), *got.AcceptedBy)
}
