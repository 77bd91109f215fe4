package models

// SwitchActivity classifies a power switch reading.
type SwitchActivity int

const (
	ActivityError SwitchActivity = iota
	ActivityOff
	ActivityIdle
	ActivityRunning
)

var activityNames = map[SwitchActivity]string{
	ActivityError:   "error",
	ActivityOff:     "off",
	ActivityIdle:    "idle",
	ActivityRunning: "running",
}

func (a SwitchActivity) String() string {
	if s, ok := activityNames[a]; ok {
		return s
	}
	return "unknown"
}

// SupervisorState is the control loop's position in the power sequence.
type SupervisorState int

const (
	StateIdle SupervisorState = iota
	StateRunning
	StateStandby
	StateWarn
)

// States lists every supervisor state, in declaration order.
var States = []SupervisorState{StateIdle, StateRunning, StateStandby, StateWarn}

var stateNames = map[SupervisorState]string{
	StateIdle:    "idle",
	StateRunning: "running",
	StateStandby: "standby",
	StateWarn:    "warn",
}

func (s SupervisorState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// SwitchStatus models the Switch.GetStatus payload.
type SwitchStatus struct {
	ID     int      `json:"id"`
	Output *bool    `json:"output"`
	APower *float64 `json:"apower"`
}

// Activity maps a decoded status onto a SwitchActivity. A payload missing
// either field is treated as malformed.
func (s SwitchStatus) Activity() SwitchActivity {
	switch {
	case s.Output == nil || s.APower == nil:
		return ActivityError
	case !*s.Output:
		return ActivityOff
	case *s.APower == 0:
		return ActivityIdle
	default:
		return ActivityRunning
	}
}

// ReceiverStatus captures the main zone status-lite report.
type ReceiverStatus struct {
	PoweredOn   bool
	ActiveInput string
	Volume      float64 // dB relative, as reported by MasterVolume
	Muted       bool
}
