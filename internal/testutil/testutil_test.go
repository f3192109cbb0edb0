package testutil

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/genai"
)

func TestAssertHTTPStatus(t *testing.T) {
	tests := []struct {
		name       string
		expected   int
		actual     int
		context    string
		shouldFail bool
	}{
		{
			name:       "matching status codes",
			expected:   200,
			actual:     200,
			context:    "test context",
			shouldFail: false,
		},
		{
			name:       "different status codes",
			expected:   200,
			actual:     404,
			context:    "test context",
			shouldFail: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Create a mock testing.T to capture failures
			mockT := &mockTestingT{}

			AssertHTTPStatus(mockT, tt.expected, tt.actual, tt.context)

			if tt.shouldFail && !mockT.failed {
				t.Error("Expected test to fail but it passed")
			}
			if !tt.shouldFail && mockT.failed {
				t.Error("Expected test to pass but it failed")
			}
		})
	}
}

func TestAssertJSONResponse(t *testing.T) {
	tests := []struct {
		name           string
		jsonBody       string
		expectedStatus string
		shouldFail     bool
	}{
		{
			name:           "valid JSON with matching status",
			jsonBody:       `{"status":"ok","data":"test"}`,
			expectedStatus: "ok",
			shouldFail:     false,
		},
		{
			name:           "valid JSON with different status",
			jsonBody:       `{"status":"error","data":"test"}`,
			expectedStatus: "ok",
			shouldFail:     true,
		},
		{
			name:           "invalid JSON",
			jsonBody:       `{"status":}`,
			expectedStatus: "ok",
			shouldFail:     true,
		},
		{
			name:           "missing status field",
			jsonBody:       `{"data":"test"}`,
			expectedStatus: "ok",
			shouldFail:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockT := &mockTestingT{}
			rr := httptest.NewRecorder()
			rr.Body.WriteString(tt.jsonBody)

			var response map[string]interface{}

			// Handle potential panic from Fatalf calls
			defer func() {
				if r := recover(); r != nil {
					// Expected for invalid JSON cases
					if !tt.shouldFail {
						t.Errorf("Unexpected panic: %v", r)
					}
				}
			}()

			response = AssertJSONResponse(mockT, rr, tt.expectedStatus)

			if tt.shouldFail && !mockT.failed {
				t.Error("Expected test to fail but it passed")
			}
			if !tt.shouldFail && mockT.failed {
				t.Errorf("Expected test to pass but it failed: %s", mockT.errorMsg)
			}
			if !tt.shouldFail && response == nil {
				t.Error("Expected response map to be returned")
			}
		})
	}
}

func TestCreateHTTPRequest(t *testing.T) {
	tests := []struct {
		name   string
		method string
		url    string
		body   interface{}
	}{
		{
			name:   "GET request with no body",
			method: "GET",
			url:    "/test",
			body:   nil,
		},
		{
			name:   "POST request with JSON body",
			method: "POST",
			url:    "/test",
			body:   map[string]string{"key": "value"},
		},
		{
			name:   "PUT request with struct body",
			method: "PUT",
			url:    "/test",
			body:   struct{ To, Body string }{"+1234567890", "test"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := CreateHTTPRequest(t, tt.method, tt.url, tt.body)

			if req == nil {
				t.Fatal("Expected request to be created, got nil")
			}
			if req.Method != tt.method {
				t.Errorf("Expected method %s, got %s", tt.method, req.Method)
			}
			if req.URL.Path != tt.url {
				t.Errorf("Expected URL %s, got %s", tt.url, req.URL.Path)
			}
		})
	}
}

func TestMustMarshalJSON(t *testing.T) {
	testData := map[string]interface{}{
		"key1": "value1",
		"key2": 123,
	}

	result := MustMarshalJSON(t, testData)
	if result == nil {
		t.Error("Expected JSON data to be returned")
	}

	// Test with valid data
	if len(result) == 0 {
		t.Error("Expected non-empty JSON data")
	}
}

func TestMustUnmarshalJSON(t *testing.T) {
	jsonData := []byte(`{"key":"value","number":123}`)
	var target map[string]interface{}

	MustUnmarshalJSON(t, jsonData, &target)

	if target["key"] != "value" {
		t.Errorf("Expected key to be 'value', got %v", target["key"])
	}
	if target["number"].(float64) != 123 {
		t.Errorf("Expected number to be 123, got %v", target["number"])
	}
}

// mockTestingT implements a subset of testing.T for testing our test helpers
func TestSeedHelpers(t *testing.T) {
	s := NewSQLiteStore(t)
	SeedPlayer(t, s, "p1", "+15551234567")
	SeedPlayer(t, s, "p2", "")
	SeedSnapshot(t, s, "p1", Snapshot{AvgDeposit: 120, DepositDay: time.Friday, DepositHour: 20, Established: true, ActiveWeeks: 4})
	SeedTransaction(t, s, "t1", "p1", "deposit", 50, time.Now())
	SeedJackpot(t, s, "p1", 90, 100)
	SeedOffer(t, s, "o1", "SPIN50", 50, true)

	if n := QueryInt(t, s, `SELECT COUNT(*) FROM players WHERE phone IS NULL`); n != 1 {
		t.Errorf("expected one player without phone, got %d", n)
	}
	snap, err := s.GetLatestSnapshot(context.Background(), "p1")
	if err != nil || snap == nil || snap.MostFrequentDepositDay != time.Friday {
		t.Errorf("unexpected snapshot: %+v, %v", snap, err)
	}
	if n := QueryInt(t, s, `SELECT COUNT(*) FROM bonus_offers WHERE auto_credit = 1`); n != 1 {
		t.Errorf("expected one auto-credit offer, got %d", n)
	}
}

func TestClock(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := NewClock(start)
	c.Advance(time.Hour)
	if !c.Now().Equal(start.Add(time.Hour)) {
		t.Errorf("unexpected time after Advance: %v", c.Now())
	}
	c.Set(start)
	if !c.Now().Equal(start) {
		t.Errorf("unexpected time after Set: %v", c.Now())
	}
}

func TestFakeCompleter(t *testing.T) {
	f := &FakeCompleter{Responses: []string{"first", "second"}}
	req := genai.CompletionRequest{System: "sys", Turns: []genai.Turn{{Role: genai.RoleUser, Content: "hi"}}}
	for _, want := range []string{"first", "second", "second"} {
		got, err := f.Complete(context.Background(), req)
		if err != nil || got != want {
			t.Errorf("Complete = %q, %v; want %q", got, err, want)
		}
	}
	if f.Calls() != 3 {
		t.Errorf("expected 3 calls, got %d", f.Calls())
	}

	boom := errors.New("llm down")
	f = &FakeCompleter{Responses: []string{"x"}, Err: boom}
	if _, err := f.Complete(context.Background(), req); !errors.Is(err, boom) {
		t.Errorf("expected scripted error, got %v", err)
	}
}

type mockTestingT struct {
	failed   bool
	errorMsg string
	helper   bool
}

func (m *mockTestingT) Helper() {
	m.helper = true
}

func (m *mockTestingT) Errorf(format string, args ...interface{}) {
	m.failed = true
	if len(args) > 0 {
		m.errorMsg = fmt.Sprintf(format, args...)
	} else {
		m.errorMsg = format
	}
}

func (m *mockTestingT) Error(args ...interface{}) {
	m.failed = true
	if len(args) > 0 {
		m.errorMsg = fmt.Sprintf("%v", args[0])
	}
}

func (m *mockTestingT) Fatalf(format string, args ...interface{}) {
	m.failed = true
	if len(args) > 0 {
		m.errorMsg = fmt.Sprintf(format, args...)
	} else {
		m.errorMsg = format
	}
	panic("test failed") // Simulate fatal error
}

func (m *mockTestingT) Fatal(args ...interface{}) {
	m.failed = true
	if len(args) > 0 {
		m.errorMsg = fmt.Sprintf("%v", args[0])
	}
	panic("test failed") // Simulate fatal error
}
