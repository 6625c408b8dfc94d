// README: Bench cases: environment, request flow, accept race, reservation race, dispatch and tracking.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"hemoroute/migrations"
)

const (
	statusPass = "PASS"
	statusFail = "FAIL"
	statusSkip = "SKIP"

	benchGroup     = "O-"
	benchComponent = "whole_blood"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client

	run        string
	requestID  string
	deliveryID string
	pickupCode string
	winner     string
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
		run:   uuid.NewString()[:8],
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))
	for _, tc := range tests {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-5s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
	return results
}

func (r *Runner) patient() string { return "bench-patient-" + r.run }
func (r *Runner) donor(i int) string { return fmt.Sprintf("bench-donor-%s-%d", r.run, i) }
func (r *Runner) hospital(i int) string { return fmt.Sprintf("bench-hosp-%s-%d", r.run, i) }
func (r *Runner) courier() string { return "bench-courier-" + r.run }
func token(uid, role string) string { return uid + ":" + role }

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{Name: "Env: Postgres connect", Run: func(ctx context.Context, r *Runner) Result {
			if r.db == nil {
				return Result{Status: statusFail, Note: "db not configured"}
			}
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := r.db.Ping(ctx); err != nil {
				return Result{Status: statusFail, Note: err.Error()}
			}
			return Result{Status: statusPass}
		}},
		{Name: "Env: Redis connect", Run: func(ctx context.Context, r *Runner) Result {
			if r.redis == nil {
				return Result{Status: statusFail, Note: "redis not configured"}
			}
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := r.redis.Ping(ctx).Err(); err != nil {
				return Result{Status: statusFail, Note: err.Error()}
			}
			return Result{Status: statusPass}
		}},
		{Name: "Migration: apply (optional)", Run: func(ctx context.Context, r *Runner) Result {
			if !r.cfg.ApplyMigration {
				return Result{Status: statusSkip, Note: "apply-migration=false"}
			}
			if r.db == nil {
				return Result{Status: statusFail, Note: "db not configured"}
			}
			if err := migrations.Apply(ctx, r.db); err != nil {
				return Result{Status: statusFail, Note: err.Error()}
			}
			return Result{Status: statusPass}
		}},
		{Name: "Migration: tables exist", Run: func(ctx context.Context, r *Runner) Result {
			if r.db == nil {
				return Result{Status: statusFail, Note: "db not configured"}
			}
			tables, err := extractTables(r.cfg.MigrationPath)
			if err != nil {
				return Result{Status: statusFail, Note: err.Error()}
			}
			for _, t := range tables {
				var exists bool
				err := r.db.QueryRow(ctx,
					"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)", t,
				).Scan(&exists)
				if err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				if !exists {
					return Result{Status: statusFail, Note: "missing table: " + t}
				}
			}
			return Result{Status: statusPass, Note: fmt.Sprintf("tables=%d", len(tables))}
		}},
		{Name: "API: health", Run: func(ctx context.Context, r *Runner) Result {
			start := time.Now()
			status, err := r.call(ctx, http.MethodGet, "/health", "", nil, nil)
			return expect(status, err, time.Since(start), http.StatusOK)
		}},
		{Name: "Seed: profiles and stock", Run: seed},

		{Name: "Request: open (critical, all channels)", Run: func(ctx context.Context, r *Runner) Result {
			var out struct {
				Request struct {
					ID string `json:"id"`
				} `json:"request"`
				Candidates int `json:"candidates"`
			}
			start := time.Now()
			status, err := r.call(ctx, http.MethodPost, "/api/requests", token(r.patient(), "patient"), map[string]any{
				"blood_group": benchGroup, "component": benchComponent, "quantity": 2,
				"urgency": "critical", "channel": "all", "emergency": true,
				"patient_lat": 12.9352, "patient_lng": 77.6245,
			}, &out)
			res := expect(status, err, time.Since(start), http.StatusCreated)
			if res.Status == statusPass {
				r.requestID = out.Request.ID
				res.Note += fmt.Sprintf(" candidates=%d", out.Candidates)
			}
			return res
		}},
		{Name: "Request: missing fields -> 400", Run: func(ctx context.Context, r *Runner) Result {
			status, err := r.call(ctx, http.MethodPost, "/api/requests", token(r.patient(), "patient"), map[string]any{}, nil)
			return expect(status, err, 0, http.StatusBadRequest)
		}},
		{Name: "Inbox: donor sees the request", Run: func(ctx context.Context, r *Runner) Result {
			if r.requestID == "" {
				return Result{Status: statusSkip, Note: "no request"}
			}
			var out struct {
				Items []struct {
					RequestID string `json:"request_id"`
				} `json:"items"`
			}
			status, err := r.call(ctx, http.MethodGet, "/api/inbox", token(r.donor(0), "donor"), nil, &out)
			if res := expect(status, err, 0, http.StatusOK); res.Status != statusPass {
				return res
			}
			for _, it := range out.Items {
				if it.RequestID == r.requestID {
					return Result{Status: statusPass}
				}
			}
			return Result{Status: statusFail, Note: "request missing from inbox"}
		}},
		{Name: "Concurrency: accept race has one winner", Run: acceptRace},
		{Name: "Accept: late caller is told it was taken", Run: func(ctx context.Context, r *Runner) Result {
			if r.requestID == "" {
				return Result{Status: statusSkip, Note: "no request"}
			}
			var out struct {
				Accepted bool   `json:"accepted"`
				Reason   string `json:"reason"`
			}
			status, err := r.call(ctx, http.MethodPost, "/api/requests/"+r.requestID+"/accept", token(r.hospital(0), "hospital"), nil, &out)
			if res := expect(status, err, 0, http.StatusOK); res.Status != statusPass {
				return res
			}
			if out.Accepted || out.Reason != "already_accepted" {
				return Result{Status: statusFail, Note: fmt.Sprintf("accepted=%v reason=%q", out.Accepted, out.Reason)}
			}
			return Result{Status: statusPass}
		}},
		{Name: "Concurrency: reservation race never overbooks", Run: reservationRace},

		{Name: "Dispatch: create delivery", Run: func(ctx context.Context, r *Runner) Result {
			if r.winner == "" {
				return Result{Status: statusSkip, Note: "request not accepted"}
			}
			var out struct {
				DeliveryID string `json:"delivery_id"`
				PickupCode string `json:"pickup_code"`
			}
			status, err := r.call(ctx, http.MethodPost, "/api/requests/"+r.requestID+"/deliveries", token(r.patient(), "patient"), nil, &out)
			res := expect(status, err, 0, http.StatusCreated)
			if res.Status == statusPass {
				r.deliveryID, r.pickupCode = out.DeliveryID, out.PickupCode
			}
			return res
		}},
		r.deliveryCase("Dispatch: courier self-assigns", http.MethodPost, "/assign", token(r.courier(), "courier"),
			map[string]any{"courier_id": r.courier()}, http.StatusOK),
		r.deliveryCase("Dispatch: wrong pickup code -> 422", http.MethodPost, "/pickup", token(r.courier(), "courier"),
			map[string]any{"code": "not-the-code"}, http.StatusUnprocessableEntity),
		{Name: "Dispatch: confirm pickup", Run: func(ctx context.Context, r *Runner) Result {
			if r.deliveryID == "" {
				return Result{Status: statusSkip, Note: "no delivery"}
			}
			status, err := r.call(ctx, http.MethodPost, "/api/deliveries/"+r.deliveryID+"/pickup", token(r.courier(), "courier"),
				map[string]any{"code": r.pickupCode}, nil)
			return expect(status, err, 0, http.StatusOK)
		}},
		r.deliveryCase("Tracking: report position", http.MethodPost, "/positions", token(r.courier(), "courier"),
			map[string]any{"lat": 12.9500, "lng": 77.6100}, http.StatusOK),
		r.deliveryCase("Tracking: out-of-range position -> 422", http.MethodPost, "/positions", token(r.courier(), "courier"),
			map[string]any{"lat": 123.0, "lng": 456.0}, http.StatusUnprocessableEntity),
		r.deliveryCase("Tracking: view", http.MethodGet, "/tracking", token(r.patient(), "patient"), nil, http.StatusOK),
		{Name: "Perf: position report throughput", Run: positionLoad},
		r.deliveryCase("Dispatch: advance to delivered", http.MethodPost, "/advance", token(r.courier(), "courier"),
			map[string]any{"status": "delivered"}, http.StatusOK),
		r.deliveryCase("Dispatch: delivered cannot go back -> 409", http.MethodPost, "/advance", token(r.courier(), "courier"),
			map[string]any{"status": "assigned"}, http.StatusConflict),
		{Name: "Consistency: request fulfilled after delivery", Run: func(ctx context.Context, r *Runner) Result {
			if r.deliveryID == "" {
				return Result{Status: statusSkip, Note: "no delivery"}
			}
			var out struct {
				Status string `json:"status"`
			}
			status, err := r.call(ctx, http.MethodGet, "/api/requests/"+r.requestID, token(r.patient(), "patient"), nil, &out)
			if res := expect(status, err, 0, http.StatusOK); res.Status != statusPass {
				return res
			}
			if out.Status != "fulfilled" {
				return Result{Status: statusFail, Note: "status=" + out.Status}
			}
			return Result{Status: statusPass}
		}},
	}
}

// deliveryCase builds a single call against the current delivery.
func (r *Runner) deliveryCase(name, method, suffix, tok string, body any, want int) TestCase {
	return TestCase{Name: name, Run: func(ctx context.Context, r *Runner) Result {
		if r.deliveryID == "" {
			return Result{Status: statusSkip, Note: "no delivery"}
		}
		start := time.Now()
		status, err := r.call(ctx, method, "/api/deliveries/"+r.deliveryID+suffix, tok, body, nil)
		return expect(status, err, time.Since(start), want)
	}}
}

func seed(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: statusFail, Note: "db not configured"}
	}
	insert := func(id, role, group string, lat, lng float64) error {
		_, err := r.db.Exec(ctx,
			`INSERT INTO profiles (id, role, blood_group, lat, lng) VALUES ($1, $2, $3, $4, $5) ON CONFLICT (id) DO NOTHING`,
			id, role, group, lat, lng)
		return err
	}
	if err := insert(r.patient(), "patient", benchGroup, 12.9352, 77.6245); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if err := insert(r.courier(), "courier", "", 12.9600, 77.6000); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	for i := 0; i < r.cfg.Concurrency; i++ {
		if err := insert(r.donor(i), "donor", benchGroup, 12.97+float64(i)/1000, 77.59); err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
	}
	if err := insert(r.hospital(0), "hospital", benchGroup, 12.9716, 77.5946); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}

	now := time.Now().UTC()
	for i := 0; i < r.cfg.Units; i++ {
		_, err := r.db.Exec(ctx,
			`INSERT INTO inventory_units (id, facility_id, blood_group, component, collected_at, expires_at, status, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, 'available', $7)`,
			uuid.NewString(), r.hospital(0), benchGroup, benchComponent,
			now.Add(-24*time.Hour), now.Add(time.Duration(i+1)*24*time.Hour), now)
		if err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
	}
	return Result{Status: statusPass, Note: fmt.Sprintf("donors=%d units=%d", r.cfg.Concurrency, r.cfg.Units)}
}

func acceptRace(ctx context.Context, r *Runner) Result {
	if r.requestID == "" {
		return Result{Status: statusSkip, Note: "no request"}
	}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		lost    int
		errs    int
	)
	start := make(chan struct{})
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			var out struct {
				Accepted bool `json:"accepted"`
			}
			status, err := r.call(ctx, http.MethodPost, "/api/requests/"+r.requestID+"/accept", token(r.donor(i), "donor"), nil, &out)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil || status != http.StatusOK:
				errs++
			case out.Accepted:
				winners = append(winners, r.donor(i))
			default:
				lost++
			}
		}(i)
	}
	t0 := time.Now()
	close(start)
	wg.Wait()
	latency := time.Since(t0)

	note := fmt.Sprintf("winners=%d lost=%d errors=%d", len(winners), lost, errs)
	if len(winners) != 1 || errs > 0 {
		return Result{Status: statusFail, Latency: latency, Note: note}
	}
	r.winner = winners[0]
	return Result{Status: statusPass, Latency: latency, Note: note}
}

// acceptedRequests inserts n requests already accepted by hospital(0), so
// each reservation caller holds its own request.
func (r *Runner) acceptedRequests(ctx context.Context, n int) ([]string, error) {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = uuid.NewString()
		_, err := r.db.Exec(ctx, `
			INSERT INTO blood_requests (id, requester_id, blood_group, component, quantity, channel, status, status_version,
			                            accepted_by, accepted_role, created_at, accepted_at)
			VALUES ($1, $2, $3, $4, 1, 'hospital', 'accepted', 1, $5, 'hospital', NOW(), NOW())`,
			ids[i], r.patient(), benchGroup, benchComponent, r.hospital(0))
		if err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func reservationRace(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: statusSkip, Note: "db not configured"}
	}
	ids, err := r.acceptedRequests(ctx, r.cfg.Concurrency)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		reserved int
		short    int
		errs     int
	)
	start := make(chan struct{})
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			<-start
			status, err := r.call(ctx, http.MethodPost, "/api/inventory/reservations", token(r.hospital(0), "hospital"), map[string]any{
				"request_id": id, "blood_group": benchGroup, "component": benchComponent, "quantity": 1,
			}, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				errs++
			case status == http.StatusOK:
				reserved++
			case status == http.StatusConflict:
				short++
			default:
				errs++
			}
		}(id)
	}
	t0 := time.Now()
	close(start)
	wg.Wait()
	latency := time.Since(t0)

	want := min(r.cfg.Units, r.cfg.Concurrency)
	note := fmt.Sprintf("reserved=%d shortfall=%d errors=%d", reserved, short, errs)
	if reserved != want || errs > 0 {
		return Result{Status: statusFail, Latency: latency, Note: note}
	}
	var n int
	if err := r.db.QueryRow(ctx,
		`SELECT count(*) FROM inventory_units WHERE facility_id = $1 AND status = 'reserved'`, r.hospital(0),
	).Scan(&n); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if n > r.cfg.Units {
		return Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("overbooked: %d reserved of %d", n, r.cfg.Units)}
	}
	return Result{Status: statusPass, Latency: latency, Note: note}
}

func positionLoad(ctx context.Context, r *Runner) Result {
	if r.deliveryID == "" {
		return Result{Status: statusSkip, Note: "no delivery"}
	}
	end := time.Now().Add(r.cfg.Duration)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		count    int64
		errCount int64
	)
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; time.Now().Before(end) && ctx.Err() == nil; j++ {
				status, err := r.call(ctx, http.MethodPost, "/api/deliveries/"+r.deliveryID+"/positions", token(r.courier(), "courier"),
					map[string]any{"lat": 12.95 + float64(j%100)/10000, "lng": 77.61}, nil)
				mu.Lock()
				if err != nil || status != http.StatusOK {
					errCount++
				} else {
					count++
				}
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if count == 0 {
		return Result{Status: statusFail, Note: "no requests completed"}
	}
	rps := float64(count) / r.cfg.Duration.Seconds()
	return Result{Status: statusPass, Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount)}
}

func (r *Runner) call(ctx context.Context, method, path, tok string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
		return resp.StatusCode, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func expect(status int, err error, latency time.Duration, want int) Result {
	if err != nil {
		return Result{Status: statusFail, Latency: latency, Note: err.Error()}
	}
	note := fmt.Sprintf("status=%d", status)
	if status != want {
		return Result{Status: statusFail, Latency: latency, Note: note + fmt.Sprintf(" want=%d", want)}
	}
	return Result{Status: statusPass, Latency: latency, Note: note}
}

func extractTables(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	matches := re.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}
