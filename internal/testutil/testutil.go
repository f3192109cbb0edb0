// Package testutil provides common test utilities and helpers for OutreachPipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/genai"
	"github.com/BTreeMap/OutreachPipe/internal/store"
)

// NewSQLiteStore opens a migrated SQLite store in a temp dir, closed on cleanup.
func NewSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.NewSQLiteStore(store.WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("failed to create SQLite store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// MustExec runs a seeding statement and fails the test on error.
func MustExec(t *testing.T, s *store.SQLiteStore, query string, args ...any) {
	t.Helper()
	if _, err := s.DB().Exec(query, args...); err != nil {
		t.Fatalf("exec %q failed: %v", query, err)
	}
}

// QueryInt returns a single integer, typically a COUNT(*).
func QueryInt(t *testing.T, s *store.SQLiteStore, query string, args ...any) int {
	t.Helper()
	var n int
	if err := s.DB().QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("query %q failed: %v", query, err)
	}
	return n
}

// SeedPlayer inserts a player. An empty phone is stored as NULL.
func SeedPlayer(t *testing.T, s *store.SQLiteStore, id, phone string) {
	t.Helper()
	var p any
	if phone != "" {
		p = phone
	}
	MustExec(t, s, `INSERT INTO players (id, display_name, phone, created_at) VALUES (?, ?, ?, ?)`,
		id, "Player "+id, p, time.Now().UTC())
}

// Snapshot is the subset of snapshot columns tests usually care about.
type Snapshot struct {
	AvgDeposit    float64
	DepositDay    time.Weekday
	DepositHour   int
	DaysSince     int
	Established   bool
	ActiveWeeks   int
	LastDepositAt *time.Time
	ComputedAt    time.Time
}

// SeedSnapshot inserts a behavioral snapshot. A zero ComputedAt means now.
func SeedSnapshot(t *testing.T, s *store.SQLiteStore, playerID string, snap Snapshot) {
	t.Helper()
	if snap.ComputedAt.IsZero() {
		snap.ComputedAt = time.Now().UTC()
	}
	var last any
	if snap.LastDepositAt != nil {
		last = snap.LastDepositAt.UTC()
	}
	MustExec(t, s, `INSERT INTO behavioral_snapshots (player_id, avg_deposit_per_active_week, most_frequent_deposit_day,
		most_frequent_deposit_hour, days_since_last_deposit, has_established_pattern, consecutive_active_weeks,
		last_deposit_at, computed_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		playerID, snap.AvgDeposit, int(snap.DepositDay), snap.DepositHour, snap.DaysSince, snap.Established,
		snap.ActiveWeeks, last, snap.ComputedAt.UTC())
}

// SeedTransaction inserts a wallet transaction.
func SeedTransaction(t *testing.T, s *store.SQLiteStore, id, playerID, kind string, amount float64, at time.Time) {
	t.Helper()
	MustExec(t, s, `INSERT INTO transactions (id, player_id, type, amount, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, playerID, kind, amount, at.UTC())
}

// SeedJackpot inserts jackpot progress for a player.
func SeedJackpot(t *testing.T, s *store.SQLiteStore, playerID string, points, threshold float64) {
	t.Helper()
	MustExec(t, s, `INSERT INTO jackpot_progress (player_id, current_tickets, points_toward_next, next_threshold) VALUES (?, 1, ?, ?)`,
		playerID, points, threshold)
}

// SeedOffer inserts an active bonus offer without expiry.
func SeedOffer(t *testing.T, s *store.SQLiteStore, id, code string, amount float64, autoCredit bool) {
	t.Helper()
	MustExec(t, s, `INSERT INTO bonus_offers (id, code, title, amount, wagering_multiplier, active, auto_credit)
		VALUES (?, ?, ?, ?, 10, 1, ?)`, id, code, "Offer "+code, amount, autoCredit)
}

// Clock is a settable time source.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

// NewClock returns a clock fixed at t.
func NewClock(t time.Time) *Clock { return &Clock{t: t} }

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// FakeCompleter is a scripted genai.Completer. Responses are returned in order and
// the last one repeats; Err, when set, is returned instead.
type FakeCompleter struct {
	mu        sync.Mutex
	Responses []string
	Err       error
	Requests  []genai.CompletionRequest
}

var _ genai.Completer = (*FakeCompleter)(nil)

// Complete records the request and returns the next scripted response.
func (f *FakeCompleter) Complete(ctx context.Context, req genai.CompletionRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Requests = append(f.Requests, req)
	if f.Err != nil {
		return "", f.Err
	}
	if len(f.Responses) == 0 {
		return "", nil
	}
	i := len(f.Requests) - 1
	if i >= len(f.Responses) {
		i = len(f.Responses) - 1
	}
	return f.Responses[i], nil
}

// Calls returns how many completions were requested.
func (f *FakeCompleter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Requests)
}

// TestingT is the subset of *testing.T the assertion helpers need.
type TestingT interface {
	Helper()
	Errorf(format string, args ...interface{})
	Error(args ...interface{})
	Fatalf(format string, args ...interface{})
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TestingT, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t TestingT, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
