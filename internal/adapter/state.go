package adapter

import "fmt"

// State is a commissioning stage. States only move forward; Failed is
// terminal until the next BeginCommissioning.
type State int

const (
	StateIdle State = iota
	StateNibCleared
	StateAdapterCleared
	StateConfigItemsWritten
	StateBdbChannelsSet
	StateBdbCommissioningStarted
	StateCommissioned
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:                    "Idle",
	StateNibCleared:              "NibCleared",
	StateAdapterCleared:          "AdapterCleared",
	StateConfigItemsWritten:      "ConfigItemsWritten",
	StateBdbChannelsSet:          "BdbChannelsSet",
	StateBdbCommissioningStarted: "BdbCommissioningStarted",
	StateCommissioned:            "Commissioned",
	StateFailed:                  "Failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText encodes the state by name for JSON event payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Stages of Start, reported in StartError.
const (
	StageConnect    = "connect"
	StageInitialize = "initialize processor"
	StageCommission = "commission"
)

// StartError is the failure of one Start stage.
type StartError struct {
	Stage string
	Err   error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("adapter start: %s: %v", e.Stage, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }
