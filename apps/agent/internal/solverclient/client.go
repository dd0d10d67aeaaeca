// Package solverclient calls the GTO solver service over HTTP. Solved
// spots are cached in an LRU so a zero-budget request can still be answered
// from the fastest path without touching the network.
package solverclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"pilot-lite/poker"
)

const defaultCacheEntries = 512

// Client implements the pipeline Solver contract.
type Client struct {
	baseURL string
	http    *http.Client
	cache   *lru.Cache[string, poker.Solution]
}

type solveRequest struct {
	Frame    poker.Frame `json:"frame"`
	BudgetMs int64       `json:"budget_ms"`
}

func New(baseURL string, cacheEntries int) (*Client, error) {
	if cacheEntries <= 0 {
		cacheEntries = defaultCacheEntries
	}
	cache, err := lru.New[string, poker.Solution](cacheEntries)
	if err != nil {
		return nil, fmt.Errorf("solver cache: %w", err)
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{},
		cache:   cache,
	}, nil
}

// Solve asks the service for a solution within budgetMs. A zero budget never
// touches the network: it is served from the cache, or returns an empty
// solution so the pipeline's safe fallback engages. Successful solves refresh
// the cache for the spot.
func (c *Client) Solve(ctx context.Context, frame poker.Frame, budgetMs int64) (poker.Solution, error) {
	key := spotKey(frame)
	if budgetMs <= 0 {
		if cached, ok := c.cache.Get(key); ok {
			cached.FromCache = true
			return cached, nil
		}
		return poker.Solution{}, nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(budgetMs)*time.Millisecond)
	defer cancel()

	body, err := json.Marshal(solveRequest{Frame: frame, BudgetMs: budgetMs})
	if err != nil {
		return poker.Solution{}, fmt.Errorf("marshal solve request: %w", err)
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/solve", bytes.NewReader(body))
	if err != nil {
		return poker.Solution{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return poker.Solution{}, fmt.Errorf("solve request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return poker.Solution{}, fmt.Errorf("solver returned status %d", resp.StatusCode)
	}

	var solution poker.Solution
	if err := json.NewDecoder(resp.Body).Decode(&solution); err != nil {
		return poker.Solution{}, fmt.Errorf("decode solution: %w", err)
	}
	if len(solution.Actions) > 0 {
		c.cache.Add(key, solution)
	}
	return solution, nil
}

// spotKey identifies a solved spot: the same hand, street, pot and facing bet
// reuse the cached solution.
func spotKey(frame poker.Frame) string {
	return fmt.Sprintf("%s|%d|%.2f|%.2f|%s",
		frame.HandID, frame.Street, frame.Pot, frame.CurrentBet, frame.HeroPosition)
}
