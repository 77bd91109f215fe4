package supervisor

import (
	"time"

	"github.com/recordroom/ttcontrol/services/supervisor/internal/models"
)

// EffectKind names a side effect requested by a transition.
type EffectKind int

const (
	EffectPreAmpOn EffectKind = iota
	EffectReceiverStartup
	EffectRecordPlay
	EffectWarnStop
	EffectReceiverShutdown
	EffectPreAmpOff
	EffectEndSession
	EffectClearWarning
)

var effectNames = map[EffectKind]string{
	EffectPreAmpOn:         "pre_amp_on",
	EffectReceiverStartup:  "receiver_startup",
	EffectRecordPlay:       "record_play",
	EffectWarnStop:         "warn_stop",
	EffectReceiverShutdown: "receiver_shutdown",
	EffectPreAmpOff:        "pre_amp_off",
	EffectEndSession:       "end_session",
	EffectClearWarning:     "clear_warning",
}

func (k EffectKind) String() string {
	if s, ok := effectNames[k]; ok {
		return s
	}
	return "unknown"
}

// Effect is one side effect, executed in order before the transition commits.
type Effect struct {
	Kind    EffectKind
	Runtime time.Duration // EffectRecordPlay only
}

// Thresholds are the time guards of the transition table.
type Thresholds struct {
	MinPlay       time.Duration // plays at or below this are switch flutter
	WarnAfter     time.Duration
	ShutdownDelay time.Duration
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Next    models.SupervisorState
	Effects []Effect
}

// Decide evaluates the transition table. It depends only on its arguments;
// timeInState is expected in whole seconds. An unreadable switch
// (ActivityError) never moves the machine.
func Decide(state models.SupervisorState, activity models.SwitchActivity, timeInState time.Duration, th Thresholds) Decision {
	hold := Decision{Next: state}
	if activity == models.ActivityError {
		return hold
	}

	switch state {
	case models.StateIdle:
		if activity == models.ActivityRunning {
			return Decision{
				Next:    models.StateRunning,
				Effects: []Effect{{Kind: EffectPreAmpOn}, {Kind: EffectReceiverStartup}},
			}
		}

	case models.StateRunning:
		if activity == models.ActivityIdle {
			d := Decision{Next: models.StateStandby}
			if timeInState > th.MinPlay {
				d.Effects = []Effect{{Kind: EffectRecordPlay, Runtime: timeInState}}
			}
			return d
		}
		if timeInState > th.WarnAfter {
			return Decision{Next: models.StateWarn, Effects: []Effect{{Kind: EffectWarnStop}}}
		}

	case models.StateStandby:
		if activity == models.ActivityRunning {
			return Decision{Next: models.StateRunning}
		}
		if timeInState > th.ShutdownDelay {
			return Decision{
				Next: models.StateIdle,
				Effects: []Effect{
					{Kind: EffectReceiverShutdown},
					{Kind: EffectPreAmpOff},
					{Kind: EffectEndSession},
				},
			}
		}

	case models.StateWarn:
		if activity == models.ActivityIdle {
			return Decision{Next: models.StateIdle, Effects: []Effect{{Kind: EffectClearWarning}}}
		}
	}
	return hold
}
