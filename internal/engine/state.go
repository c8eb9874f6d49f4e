package engine

import "fmt"

// EngineState is the global scheduler state.
type EngineState int32

const (
	EngineStopped EngineState = iota
	EngineRunning
)

func (s EngineState) String() string {
	if s == EngineRunning {
		return "running"
	}
	return "stopped"
}

// MarketState is the per-market loop state.
type MarketState int32

const (
	MarketIdle MarketState = iota
	MarketScheduled
	MarketExecuting
	MarketPaused
	MarketRemoved
)

var marketStateNames = map[MarketState]string{
	MarketIdle:      "idle",
	MarketScheduled: "scheduled",
	MarketExecuting: "executing",
	MarketPaused:    "paused",
	MarketRemoved:   "removed",
}

func (s MarketState) String() string {
	if n, ok := marketStateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// marketTransitions is the allowed transition table. Removed is terminal.
var marketTransitions = map[MarketState][]MarketState{
	MarketIdle:      {MarketScheduled, MarketRemoved},
	MarketScheduled: {MarketExecuting, MarketPaused, MarketRemoved},
	MarketExecuting: {MarketScheduled, MarketPaused, MarketRemoved},
	MarketPaused:    {MarketScheduled, MarketRemoved},
	MarketRemoved:   {},
}

// canTransition reports whether from -> to is a legal market state change.
func canTransition(from, to MarketState) bool {
	for _, next := range marketTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
