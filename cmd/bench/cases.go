// README: Bench cases; seeded order lifecycle over HTTP, websocket fan-out, DB consistency and throughput checks.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"delivtrack/internal/auth"
	"delivtrack/internal/infra"
	"delivtrack/internal/modules/location"
	"delivtrack/internal/modules/user"
	"delivtrack/internal/types"
)

const (
	statusPass = "PASS"
	statusFail = "FAIL"
	statusSkip = "SKIP"
)

// seeded accounts
const (
	actorCustomer = "customer"
	actorDriver   = "driver"
	actorDriver2  = "driver2"
	actorAdmin    = "admin"
)

var deliveryPoint = map[string]any{"address": "350 5th Ave", "lat": 40.7484, "lng": -73.9857}

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client

	ids    map[string]types.ID
	tokens map[string]string
	orders map[string]string
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
		cfg:    cfg,
		httpc:  &http.Client{Timeout: 10 * time.Second},
		ids:    map[string]types.ID{},
		tokens: map[string]string{},
		orders: map[string]string{},
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := infra.NewDB(ctx, r.cfg.DSN); err == nil {
			r.db = db
		} else {
			fmt.Fprintln(os.Stderr, "db:", err)
		}
	}
	if r.cfg.RedisAddr != "" {
		if rdb, err := infra.NewRedis(ctx, r.cfg.RedisAddr); err == nil {
			r.redis = rdb
		} else {
			fmt.Fprintln(os.Stderr, "redis:", err)
		}
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

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{Name: "Env: Postgres connect", Run: func(ctx context.Context, r *Runner) Result {
			if r.db == nil {
				return Result{Status: statusFail, Note: "db not reachable"}
			}
			return Result{Status: statusPass}
		}},
		{Name: "Env: Redis connect", Run: func(ctx context.Context, r *Runner) Result {
			if r.redis == nil {
				return Result{Status: statusSkip, Note: "redis not reachable; API falls back to in-process geo index"}
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
			if err := infra.Migrate(ctx, r.db, r.cfg.MigrationsDir); err != nil {
				return Result{Status: statusFail, Note: err.Error()}
			}
			return Result{Status: statusPass}
		}},
		{Name: "Migration: tables exist", Run: checkTables},
		{Name: "Seed: users and tokens", Run: seedUsers},
		{Name: "API: health", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodGet, "/health", "", nil, http.StatusOK)
		}},
		{Name: "Auth: missing credential -> 401", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodGet, "/api/orders", "", nil, http.StatusUnauthorized)
		}},

		// Order flow
		{Name: "Order: customer creates order", Run: func(ctx context.Context, r *Runner) Result {
			return r.createOrder(ctx, "main")
		}},
		{Name: "Order: missing coordinates -> 400", Run: func(ctx context.Context, r *Runner) Result {
			return r.expectAs(ctx, http.MethodPost, "/api/orders", actorCustomer, map[string]any{"address": "nowhere"}, http.StatusBadRequest)
		}},
		{Name: "Order: driver cannot create -> 403", Run: func(ctx context.Context, r *Runner) Result {
			return r.expectAs(ctx, http.MethodPost, "/api/orders", actorDriver, deliveryPoint, http.StatusForbidden)
		}},
		{Name: "Order: admin assigns driver", Run: func(ctx context.Context, r *Runner) Result {
			return r.orderCall(ctx, "main", "assign-driver", actorAdmin, map[string]any{"driverId": r.ids[actorDriver]}, http.StatusOK)
		}},
		{Name: "Order: reassign -> 400", Run: func(ctx context.Context, r *Runner) Result {
			return r.orderCall(ctx, "main", "assign-driver", actorAdmin, map[string]any{"driverId": r.ids[actorDriver2]}, http.StatusBadRequest)
		}},
		{Name: "Order: other driver start -> 403", Run: func(ctx context.Context, r *Runner) Result {
			return r.orderCall(ctx, "main", "start", actorDriver2, nil, http.StatusForbidden)
		}},
		{Name: "Order: driver starts delivery", Run: func(ctx context.Context, r *Runner) Result {
			return r.orderCall(ctx, "main", "start", actorDriver, nil, http.StatusOK)
		}},
		{Name: "Cancel: in-progress -> 400", Run: func(ctx context.Context, r *Runner) Result {
			return r.orderCall(ctx, "main", "cancel", actorAdmin, nil, http.StatusBadRequest)
		}},

		// Realtime
		{Name: "Realtime: location fan-out to admin and customer", Run: locationFanOut},
		{Name: "Realtime: nearby search finds driver", Run: func(ctx context.Context, r *Runner) Result {
			if r.tokens[actorAdmin] == "" {
				return Result{Status: statusSkip, Note: "not seeded"}
			}
			code, body, latency, err := r.call(ctx, http.MethodGet, "/api/drivers/nearby?lat=40.7484&lng=-73.9857&radius_km=1", r.tokens[actorAdmin], nil)
			if err != nil {
				return Result{Status: statusFail, Note: err.Error()}
			}
			if code != http.StatusOK {
				return Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("status=%d", code)}
			}
			if !strings.Contains(string(body), string(r.ids[actorDriver])) {
				return Result{Status: statusFail, Latency: latency, Note: "driver missing from results"}
			}
			return Result{Status: statusPass, Latency: latency}
		}},

		{Name: "Order: driver completes delivery", Run: func(ctx context.Context, r *Runner) Result {
			return r.orderCall(ctx, "main", "complete", actorDriver, nil, http.StatusOK)
		}},
		{Name: "Order: completed cannot transition -> 400", Run: func(ctx context.Context, r *Runner) Result {
			return r.orderCall(ctx, "main", "complete", actorDriver, nil, http.StatusBadRequest)
		}},
		{Name: "Cancel: customer cancels pending order", Run: func(ctx context.Context, r *Runner) Result {
			if res := r.createOrder(ctx, "cancel"); res.Status != statusPass {
				return res
			}
			return r.orderCall(ctx, "cancel", "cancel", actorCustomer, nil, http.StatusOK)
		}},

		// Data consistency
		{Name: "Consistency: status_version and audit trail", Run: checkAuditTrail},

		// Concurrency
		{Name: "Concurrency: multi assign same order", Run: concurrentAssign},

		// Performance
		{Name: "Perf: location broadcast throughput", Run: perfLocations},
		{Name: "Perf: order create throughput", Run: func(ctx context.Context, r *Runner) Result {
			return perfLoad(ctx, r, "/api/orders", r.tokens[actorCustomer], deliveryPoint)
		}},
	}
}

func checkTables(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: statusFail, Note: "db not configured"}
	}
	tables, err := extractTables(r.cfg.MigrationsDir)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	for _, t := range tables {
		var exists bool
		err := r.db.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
			t,
		).Scan(&exists)
		if err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
		if !exists {
			return Result{Status: statusFail, Note: "missing table: " + t}
		}
	}
	return Result{Status: statusPass, Note: fmt.Sprintf("tables=%d", len(tables))}
}

func seedUsers(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: statusFail, Note: "db not configured"}
	}
	if r.cfg.Secret == "" {
		return Result{Status: statusFail, Note: "secret not set"}
	}
	store := user.NewStore(r.db)
	verifier := auth.NewVerifier(r.cfg.Secret, time.Hour, store)
	roles := map[string]types.Role{
		actorCustomer: types.RoleCustomer,
		actorDriver:   types.RoleDriver,
		actorDriver2:  types.RoleDriver,
		actorAdmin:    types.RoleAdmin,
	}
	run := uuid.NewString()[:8]
	for name, role := range roles {
		u := &user.User{
			ID:     types.ID(uuid.NewString()),
			Email:  fmt.Sprintf("bench-%s-%s@example.test", run, name),
			Name:   "bench " + name,
			Role:   role,
			Active: true,
		}
		if err := store.Create(ctx, u); err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
		token, err := verifier.Issue(u)
		if err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
		r.ids[name] = u.ID
		r.tokens[name] = token
	}
	return Result{Status: statusPass, Note: "run=" + run}
}

func checkAuditTrail(ctx context.Context, r *Runner) Result {
	id := r.orders["main"]
	if r.db == nil || id == "" {
		return Result{Status: statusSkip, Note: "no order to inspect"}
	}
	var status string
	var version int
	if err := r.db.QueryRow(ctx, `SELECT status, status_version FROM orders WHERE id = $1`, id).Scan(&status, &version); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	var events int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM order_state_events WHERE order_id = $1`, id).Scan(&events); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	// pending -> assigned -> in-progress -> completed, plus the creation event
	if status != "completed" || version != 3 || events != 4 {
		return Result{Status: statusFail, Note: fmt.Sprintf("status=%s version=%d events=%d", status, version, events)}
	}
	return Result{Status: statusPass}
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (r *Runner) dial(ctx context.Context, actor string) (*websocket.Conn, error) {
	token := r.tokens[actor]
	if token == "" {
		return nil, errors.New("not seeded")
	}
	wsURL := "ws" + strings.TrimPrefix(r.cfg.BaseURL, "http") + "/track?token=" + token
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	if _, err := readEvent(conn, "connected", 5*time.Second); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func readEvent(conn *websocket.Conn, eventType string, wait time.Duration) (envelope, error) {
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			return envelope{}, err
		}
		if env.Type == eventType {
			return env, nil
		}
	}
}

func locationFanOut(ctx context.Context, r *Runner) Result {
	orderID := r.orders["main"]
	if orderID == "" {
		return Result{Status: statusSkip, Note: "no in-progress order"}
	}
	admin, err := r.dial(ctx, actorAdmin)
	if err != nil {
		return Result{Status: statusFail, Note: "admin: " + err.Error()}
	}
	defer admin.Close()
	customer, err := r.dial(ctx, actorCustomer)
	if err != nil {
		return Result{Status: statusFail, Note: "customer: " + err.Error()}
	}
	defer customer.Close()
	driver, err := r.dial(ctx, actorDriver)
	if err != nil {
		return Result{Status: statusFail, Note: "driver: " + err.Error()}
	}
	defer driver.Close()

	start := time.Now()
	err = driver.WriteJSON(map[string]any{
		"type": location.EventDriverLocation,
		"data": map[string]any{"driverId": r.ids[actorDriver], "lat": 40.7484, "lng": -73.9857, "orderId": orderID},
	})
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if _, err := readEvent(admin, location.EventDriverLocationAdminUpdate, 5*time.Second); err != nil {
		return Result{Status: statusFail, Note: "admin update: " + err.Error()}
	}
	env, err := readEvent(customer, location.EventDriverLocationUpdate, 5*time.Second)
	if err != nil {
		return Result{Status: statusFail, Note: "customer update: " + err.Error()}
	}
	var upd location.Update
	if err := json.Unmarshal(env.Data, &upd); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if upd.OrderID == nil || string(*upd.OrderID) != orderID {
		return Result{Status: statusFail, Note: "customer update carries the wrong order"}
	}
	return Result{Status: statusPass, Latency: time.Since(start)}
}

func (r *Runner) call(ctx context.Context, method, path, token string, body any) (int, []byte, time.Duration, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, 0, err
		}
		reader = strings.NewReader(string(b))
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, nil, 0, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	return resp.StatusCode, out, time.Since(start), err
}

func (r *Runner) expect(ctx context.Context, method, path, token string, body any, want int) Result {
	code, _, latency, err := r.call(ctx, method, path, token, body)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if code != want {
		return Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("status=%d want=%d", code, want)}
	}
	return Result{Status: statusPass, Latency: latency}
}

func (r *Runner) expectAs(ctx context.Context, method, path, actor string, body any, want int) Result {
	token := r.tokens[actor]
	if token == "" {
		return Result{Status: statusSkip, Note: "not seeded"}
	}
	return r.expect(ctx, method, path, token, body, want)
}

func (r *Runner) orderCall(ctx context.Context, name, action, actor string, body any, want int) Result {
	id := r.orders[name]
	if id == "" {
		return Result{Status: statusSkip, Note: "order " + name + " not created"}
	}
	return r.expectAs(ctx, http.MethodPatch, "/api/orders/"+id+"/"+action, actor, body, want)
}

func (r *Runner) createOrder(ctx context.Context, name string) Result {
	token := r.tokens[actorCustomer]
	if token == "" {
		return Result{Status: statusSkip, Note: "not seeded"}
	}
	code, body, latency, err := r.call(ctx, http.MethodPost, "/api/orders", token, deliveryPoint)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if code != http.StatusCreated {
		return Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("status=%d", code)}
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &created); err != nil || created.ID == "" {
		return Result{Status: statusFail, Latency: latency, Note: "no order id in response"}
	}
	r.orders[name] = created.ID
	return Result{Status: statusPass, Latency: latency}
}

func concurrentAssign(ctx context.Context, r *Runner) Result {
	if res := r.createOrder(ctx, "race"); res.Status != statusPass {
		return res
	}
	path := "/api/orders/" + r.orders["race"] + "/assign-driver"
	drivers := []types.ID{r.ids[actorDriver], r.ids[actorDriver2]}

	var succ, rejected atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			code, _, _, err := r.call(ctx, http.MethodPatch, path, r.tokens[actorAdmin], map[string]any{"driverId": drivers[i%2]})
			if err != nil {
				return
			}
			switch code {
			case http.StatusOK:
				succ.Add(1)
			case http.StatusBadRequest:
				rejected.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if succ.Load() != 1 {
		return Result{Status: statusFail, Note: fmt.Sprintf("success=%d rejected=%d", succ.Load(), rejected.Load())}
	}
	return Result{Status: statusPass, Note: fmt.Sprintf("success=1 rejected=%d", rejected.Load())}
}

func perfLocations(ctx context.Context, r *Runner) Result {
	admin, err := r.dial(ctx, actorAdmin)
	if err != nil {
		return Result{Status: statusSkip, Note: err.Error()}
	}
	defer admin.Close()
	driver, err := r.dial(ctx, actorDriver)
	if err != nil {
		return Result{Status: statusSkip, Note: err.Error()}
	}
	defer driver.Close()

	var received atomic.Int64
	go func() {
		for {
			var env envelope
			if err := admin.ReadJSON(&env); err != nil {
				return
			}
			if env.Type == location.EventDriverLocationAdminUpdate {
				received.Add(1)
			}
		}
	}()

	var sent int64
	end := time.Now().Add(r.cfg.Duration)
	for time.Now().Before(end) {
		err := driver.WriteJSON(map[string]any{
			"type": location.EventDriverLocation,
			"data": map[string]any{"driverId": r.ids[actorDriver], "lat": 40.7484, "lng": -73.9857},
		})
		if err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
		sent++
		time.Sleep(10 * time.Millisecond)
	}
	// let the tail drain
	time.Sleep(500 * time.Millisecond)

	got := received.Load()
	if got == 0 {
		return Result{Status: statusFail, Note: "admin received nothing"}
	}
	// the hub drops oldest under pressure, so fewer than sent is acceptable
	rate := float64(got) / r.cfg.Duration.Seconds()
	return Result{Status: statusPass, Note: fmt.Sprintf("sent=%d received=%d rate=%.1f/s", sent, got, rate)}
}

func perfLoad(ctx context.Context, r *Runner, path, token string, payload any) Result {
	if token == "" {
		return Result{Status: statusSkip, Note: "not seeded"}
	}
	end := time.Now().Add(r.cfg.Duration)
	var count, errCount atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) {
				code, _, _, err := r.call(ctx, http.MethodPost, path, token, payload)
				if err != nil || code >= 300 {
					errCount.Add(1)
					continue
				}
				count.Add(1)
			}
		}()
	}
	wg.Wait()

	if count.Load() == 0 {
		return Result{Status: statusFail, Note: "no requests completed"}
	}
	rps := float64(count.Load()) / r.cfg.Duration.Seconds()
	return Result{Status: statusPass, Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount.Load())}
}

var createTableRe = regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)

func extractTables(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return nil, err
	}
	var tables []string
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		for _, m := range createTableRe.FindAllStringSubmatch(string(b), -1) {
			tables = append(tables, m[1])
		}
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("no tables found under %s", dir)
	}
	return tables, nil
}
