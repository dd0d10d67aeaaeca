package poker

// ActionCandidate is one entry of a solver solution: an action played with a
// given frequency and its expected value.
type ActionCandidate struct {
	Action        ActionType `json:"action"`
	Amount        float64    `json:"amount,omitempty"`
	Frequency     float64    `json:"frequency"`
	ExpectedValue float64    `json:"expected_value"`
}

// Solution is the solver's answer for one frame.
type Solution struct {
	Actions   []ActionCandidate `json:"actions"`
	Exploit   float64           `json:"exploit,omitempty"`
	ElapsedMs int64             `json:"elapsed_ms,omitempty"`
	FromCache bool              `json:"from_cache,omitempty"`
}

// AdvisorClass buckets concrete actions into the four classes the advisor
// ensemble votes over.
type AdvisorClass string

const (
	AdvisorClassFold      AdvisorClass = "fold"
	AdvisorClassCheckCall AdvisorClass = "check_call"
	AdvisorClassBetRaise  AdvisorClass = "bet_raise"
	AdvisorClassAllIn     AdvisorClass = "all_in"
)

// AdvisorClasses lists all classes in a stable order.
var AdvisorClasses = []AdvisorClass{
	AdvisorClassFold,
	AdvisorClassCheckCall,
	AdvisorClassBetRaise,
	AdvisorClassAllIn,
}

// ClassOf maps a concrete action to its advisor class.
func ClassOf(a ActionType) AdvisorClass {
	switch a {
	case ActionTypeFold:
		return AdvisorClassFold
	case ActionTypeCheck, ActionTypeCall:
		return AdvisorClassCheckCall
	case ActionTypeBet, ActionTypeRaise:
		return AdvisorClassBetRaise
	case ActionTypeAllin:
		return AdvisorClassAllIn
	}
	return AdvisorClassCheckCall
}

// AdvisorReport is the aggregated advisor ensemble output for one frame.
// Weights are normalized over AdvisorClasses; Consensus is 0..1 agreement.
type AdvisorReport struct {
	Weights      map[AdvisorClass]float64 `json:"weights"`
	Consensus    float64                  `json:"consensus"`
	BudgetUsedMs int64                    `json:"budget_used_ms"`
	Notes        string                   `json:"notes,omitempty"`
}

// EmptyAdvisorReport returns a report carrying no signal: every class weighted
// zero, no consensus, zero budget used.
func EmptyAdvisorReport(notes string) AdvisorReport {
	weights := make(map[AdvisorClass]float64, len(AdvisorClasses))
	for _, c := range AdvisorClasses {
		weights[c] = 0
	}
	return AdvisorReport{Weights: weights, Notes: notes}
}

// Decision is the final blended action for one cycle.
type Decision struct {
	Action              ActionType `json:"action"`
	Amount              float64    `json:"amount,omitempty"`
	Reasoning           []string   `json:"reasoning,omitempty"`
	UsedGtoOnlyFallback bool       `json:"used_gto_only_fallback,omitempty"`
	PanicStop           bool       `json:"panic_stop,omitempty"`
}
