// Package advisors fans one query out to the LLM advisor endpoints and
// aggregates their votes into a single normalized report. Partial results are
// fine; the ensemble only fails when every advisor does.
package advisors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"pilot-lite/poker"
)

// Ensemble implements the pipeline AdvisorEnsemble contract over N HTTP
// advisor endpoints sharing one deadline.
type Ensemble struct {
	endpoints []string
	http      *http.Client

	now func() time.Time
}

type adviceRequest struct {
	Frame    poker.Frame `json:"frame"`
	BudgetMs int64       `json:"budget_ms"`
}

// adviceResponse is one advisor's vote: class weights, not necessarily
// normalized.
type adviceResponse struct {
	Weights map[poker.AdvisorClass]float64 `json:"weights"`
}

var ErrNoAdvisors = errors.New("advisors: no endpoints responded")

func New(endpoints []string) *Ensemble {
	return &Ensemble{
		endpoints: endpoints,
		http:      &http.Client{},
		now:       time.Now,
	}
}

// Query fans out to every endpoint under the shared budget and merges the
// votes. Consensus is the share of responders whose top class matches the
// aggregate top class.
func (e *Ensemble) Query(ctx context.Context, frame poker.Frame, budgetMs int64) (poker.AdvisorReport, error) {
	if len(e.endpoints) == 0 {
		return poker.AdvisorReport{}, ErrNoAdvisors
	}

	started := e.now()
	queryCtx, cancel := context.WithTimeout(ctx, time.Duration(budgetMs)*time.Millisecond)
	defer cancel()

	votes := make([]adviceResponse, len(e.endpoints))
	ok := make([]bool, len(e.endpoints))
	var wg sync.WaitGroup
	for i, endpoint := range e.endpoints {
		wg.Add(1)
		go func(i int, endpoint string) {
			defer wg.Done()
			vote, err := e.queryOne(queryCtx, endpoint, frame, budgetMs)
			if err != nil {
				log.Printf("[Advisors] %s failed: %v", endpoint, err)
				return
			}
			votes[i] = vote
			ok[i] = true
		}(i, endpoint)
	}
	wg.Wait()

	responders := 0
	sums := make(map[poker.AdvisorClass]float64, len(poker.AdvisorClasses))
	topVotes := make(map[poker.AdvisorClass]int, len(poker.AdvisorClasses))
	for i := range votes {
		if !ok[i] {
			continue
		}
		responders++
		for _, class := range poker.AdvisorClasses {
			sums[class] += votes[i].Weights[class]
		}
		topVotes[topClass(votes[i].Weights)]++
	}
	if responders == 0 {
		return poker.AdvisorReport{}, ErrNoAdvisors
	}

	weights := normalize(sums)
	report := poker.AdvisorReport{
		Weights:      weights,
		Consensus:    float64(topVotes[topClass(weights)]) / float64(responders),
		BudgetUsedMs: e.now().Sub(started).Milliseconds(),
		Notes:        fmt.Sprintf("%d/%d advisors responded", responders, len(e.endpoints)),
	}
	return report, nil
}

func (e *Ensemble) queryOne(ctx context.Context, endpoint string, frame poker.Frame, budgetMs int64) (adviceResponse, error) {
	body, err := json.Marshal(adviceRequest{Frame: frame, BudgetMs: budgetMs})
	if err != nil {
		return adviceResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/advise", bytes.NewReader(body))
	if err != nil {
		return adviceResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(req)
	if err != nil {
		return adviceResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return adviceResponse{}, fmt.Errorf("status %d", resp.StatusCode)
	}

	var vote adviceResponse
	if err := json.NewDecoder(resp.Body).Decode(&vote); err != nil {
		return adviceResponse{}, err
	}
	return vote, nil
}

func topClass(weights map[poker.AdvisorClass]float64) poker.AdvisorClass {
	best := poker.AdvisorClasses[0]
	for _, class := range poker.AdvisorClasses {
		if weights[class] > weights[best] {
			best = class
		}
	}
	return best
}

func normalize(sums map[poker.AdvisorClass]float64) map[poker.AdvisorClass]float64 {
	var total float64
	for _, class := range poker.AdvisorClasses {
		if sums[class] > 0 {
			total += sums[class]
		}
	}
	weights := make(map[poker.AdvisorClass]float64, len(poker.AdvisorClasses))
	for _, class := range poker.AdvisorClasses {
		if total > 0 && sums[class] > 0 {
			weights[class] = sums[class] / total
		} else {
			weights[class] = 0
		}
	}
	return weights
}
