package solverclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"pilot-lite/poker"
)

func solveHandler(t *testing.T, calls *int) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		*calls++
		if r.URL.Path != "/solve" {
			t.Errorf("path: got %s, want /solve", r.URL.Path)
		}
		var req solveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(poker.Solution{Actions: []poker.ActionCandidate{
			{Action: poker.ActionTypeCheck, Frequency: 0.8},
			{Action: poker.ActionTypeBet, Amount: req.Frame.Pot / 2, Frequency: 0.2},
		}})
	}
}

func testFrame() poker.Frame {
	return poker.Frame{
		HandID:       "h1",
		Street:       poker.StreetFlop,
		Pot:          24,
		HeroPosition: poker.PositionBTN,
	}
}

func TestSolveRoundTripAndCache(t *testing.T) {
	var calls int
	server := httptest.NewServer(solveHandler(t, &calls))
	defer server.Close()

	client, err := New(server.URL, 16)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	solution, err := client.Solve(context.Background(), testFrame(), 400)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if len(solution.Actions) != 2 || solution.FromCache {
		t.Fatalf("live solution: %+v", solution)
	}

	// The zero-budget path must not touch the network.
	cached, err := client.Solve(context.Background(), testFrame(), 0)
	if err != nil {
		t.Fatalf("cached solve: %v", err)
	}
	if !cached.FromCache {
		t.Fatalf("zero-budget solve not served from cache")
	}
	if calls != 1 {
		t.Fatalf("server calls: got %d, want 1", calls)
	}
}

func TestSolveZeroBudgetCacheMissReturnsEmpty(t *testing.T) {
	var calls int
	server := httptest.NewServer(solveHandler(t, &calls))
	defer server.Close()

	client, err := New(server.URL, 16)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	solution, err := client.Solve(context.Background(), testFrame(), 0)
	if err != nil {
		t.Fatalf("zero-budget solve: %v", err)
	}
	if len(solution.Actions) != 0 {
		t.Fatalf("cache miss solution: %+v, want empty", solution)
	}
	if calls != 0 {
		t.Fatalf("server calls on zero budget: got %d, want 0", calls)
	}
}

func TestSolveServerErrorSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client, err := New(server.URL, 16)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.Solve(context.Background(), testFrame(), 200); err == nil {
		t.Fatalf("server error not surfaced")
	}
}
