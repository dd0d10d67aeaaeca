package poker

// ActionType identifies a table action the hero can take.
type ActionType byte

const (
	ActionTypeNone  ActionType = 0
	ActionTypeCheck ActionType = 1
	ActionTypeBet   ActionType = 2
	ActionTypeCall  ActionType = 3
	ActionTypeRaise ActionType = 4
	ActionTypeFold  ActionType = 5
	ActionTypeAllin ActionType = 6
)

var ActionTypeDictionary = map[ActionType]string{
	ActionTypeNone:  "NONE",
	ActionTypeCheck: "CHECK",
	ActionTypeBet:   "BET",
	ActionTypeCall:  "CALL",
	ActionTypeRaise: "RAISE",
	ActionTypeFold:  "FOLD",
	ActionTypeAllin: "ALLIN",
}

func (a ActionType) String() string {
	if s, ok := ActionTypeDictionary[a]; ok {
		return s
	}
	return "UNKNOWN"
}

// Position is a seat position relative to the button.
type Position string

const (
	PositionBTN Position = "BTN"
	PositionSB  Position = "SB"
	PositionBB  Position = "BB"
	PositionUTG Position = "UTG"
	PositionMP  Position = "MP"
	PositionCO  Position = "CO"
)

// Street index within a hand: 0=preflop, 1=flop, 2=turn, 3=river.
type Street int

const (
	StreetPreflop Street = 0
	StreetFlop    Street = 1
	StreetTurn    Street = 2
	StreetRiver   Street = 3
)

var streetNames = map[Street]string{
	StreetPreflop: "preflop",
	StreetFlop:    "flop",
	StreetTurn:    "turn",
	StreetRiver:   "river",
}

func (s Street) String() string {
	if n, ok := streetNames[s]; ok {
		return n
	}
	return "unknown"
}

// Frame is one parsed observation of the table, as delivered by the vision
// service. Money values are parsed dollar amounts, so float64 throughout.
type Frame struct {
	HandID       string               `json:"hand_id"`
	Street       Street               `json:"street"`
	Pot          float64              `json:"pot"`
	Stacks       map[Position]float64 `json:"stacks"`
	HeroPosition Position             `json:"hero_position"`
	CurrentBet   float64              `json:"current_bet"`
	MinRaise     float64              `json:"min_raise"`
	LegalActions []ActionType         `json:"legal_actions"`
	Confidence   float64              `json:"confidence"`
	CapturedAtMs int64                `json:"captured_at_ms"`
}

// LegalContains reports whether the frame lists the action as legal.
func (f *Frame) LegalContains(target ActionType) bool {
	for _, a := range f.LegalActions {
		if a == target {
			return true
		}
	}
	return false
}
