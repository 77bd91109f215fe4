package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/recordroom/ttcontrol/internal/db"
	"github.com/recordroom/ttcontrol/services/supervisor/internal/models"
	"github.com/recordroom/ttcontrol/services/supervisor/internal/utils"
)

// Switch is a relay with power metering.
type Switch interface {
	SetPower(ctx context.Context, on bool) error
	Activity(ctx context.Context) models.SwitchActivity
}

// Receiver is the AV receiver the turntable plays through.
type Receiver interface {
	Startup(ctx context.Context, input, soundMode string, volume float64) error
	Shutdown(ctx context.Context, input string) (bool, error)
}

// PlayStore is the part of db.Store the control loop writes to.
type PlayStore interface {
	NextSessionID(ctx context.Context) (int, error)
	RecordPlay(ctx context.Context, runtimeSeconds, sessionID int) (db.PlayRecord, error)
	SessionRuntime(ctx context.Context, sessionID int) (int, error)
	TotalRuntime(ctx context.Context) (int, error)
}

// Options configures a Supervisor.
type Options struct {
	Input        string
	SoundMode    string
	Volume       float64
	Thresholds   Thresholds
	PollInterval time.Duration
	Retry        RetryPolicy

	Clock   Clock
	Sleep   func(ctx context.Context, d time.Duration) error
	Metrics *Metrics
}

// Snapshot is a point-in-time view of the control loop.
type Snapshot struct {
	State              string    `json:"state"`
	Activity           string    `json:"activity"`
	StateEnteredAt     time.Time `json:"state_entered_at"`
	TimeInStateSeconds int       `json:"time_in_state_seconds"`
	SessionID          int       `json:"session_id"`
	Degraded           bool      `json:"degraded"`
}

// Supervisor owns the state machine and every device it drives.
type Supervisor struct {
	turntable Switch
	preAmp    Switch
	receiver  Receiver
	store     PlayStore
	opts      Options
	log       *zap.Logger

	mu             sync.RWMutex
	state          models.SupervisorState
	activity       models.SwitchActivity
	stateEnteredAt time.Time
	sessionID      int
	failedReads    int
}

func New(turntable, preAmp Switch, receiver Receiver, store PlayStore, opts Options, log *zap.Logger) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	if opts.Sleep == nil {
		opts.Sleep = utils.Sleep
	}
	return &Supervisor{
		turntable:      turntable,
		preAmp:         preAmp,
		receiver:       receiver,
		store:          store,
		opts:           opts,
		log:            log.With(zap.String("component", "supervisor")),
		state:          models.StateIdle,
		activity:       models.ActivityOff,
		stateEnteredAt: opts.Clock.Now(),
	}
}

// Startup puts the devices into their resting configuration and opens a new
// session. Any failure here is fatal to the caller.
func (s *Supervisor) Startup(ctx context.Context) error {
	if err := s.retry(ctx, "turntable on", func() error {
		return s.turntable.SetPower(ctx, true)
	}); err != nil {
		return fmt.Errorf("power on turntable switch: %w", err)
	}
	if err := s.shutdownReceiver(ctx); err != nil {
		return fmt.Errorf("shut down receiver: %w", err)
	}
	if err := s.retry(ctx, "pre-amp off", func() error {
		return s.preAmp.SetPower(ctx, false)
	}); err != nil {
		return fmt.Errorf("power off pre-amp switch: %w", err)
	}

	id, err := s.store.NextSessionID(ctx)
	if err != nil {
		return fmt.Errorf("next session id: %w", err)
	}

	s.mu.Lock()
	s.state = models.StateIdle
	s.stateEnteredAt = s.opts.Clock.Now()
	s.sessionID = id
	s.mu.Unlock()
	s.opts.Metrics.setState(models.StateIdle)

	s.log.Info("starting turntable control", zap.Int("session_id", id))
	return nil
}

// Tick performs one poll and evaluation. Device failures leave the state
// untouched so the next tick retries; storage failures are returned.
func (s *Supervisor) Tick(ctx context.Context) error {
	activity := s.turntable.Activity(ctx)
	s.observe(activity)

	now := s.opts.Clock.Now()
	s.mu.RLock()
	from := s.state
	inState := utils.WholeSeconds(now.Sub(s.stateEnteredAt))
	s.mu.RUnlock()

	d := Decide(from, activity, inState, s.opts.Thresholds)
	if d.Next == from {
		return nil
	}

	var applied []EffectKind
	for _, e := range d.Effects {
		if err := s.apply(ctx, e); err != nil {
			var ce *models.CommunicationError
			if errors.As(err, &ce) {
				s.opts.Metrics.effectFailed(e.Kind)
				s.log.Error("device command failed, holding state",
					zap.String("state", from.String()),
					zap.String("target", d.Next.String()),
					zap.String("effect", e.Kind.String()),
					zap.Error(err))
				s.compensate(ctx, applied)
				return nil
			}
			return fmt.Errorf("%s: %w", e.Kind, err)
		}
		applied = append(applied, e.Kind)
	}

	s.mu.Lock()
	s.state = d.Next
	s.stateEnteredAt = s.opts.Clock.Now()
	s.mu.Unlock()
	s.opts.Metrics.transition(from, d.Next)

	s.log.Info("state changed",
		zap.String("from", from.String()),
		zap.String("to", d.Next.String()),
		zap.String("activity", activity.String()),
		zap.Duration("after", inState))
	return nil
}

// Run starts the devices and polls until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Startup(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	for {
		if err := s.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := s.opts.Sleep(ctx, s.opts.PollInterval); err != nil {
			s.log.Info("stopping turntable control")
			return nil
		}
	}
}

// Snapshot returns the current state for status reporting.
func (s *Supervisor) Snapshot() Snapshot {
	now := s.opts.Clock.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		State:              s.state.String(),
		Activity:           s.activity.String(),
		StateEnteredAt:     s.stateEnteredAt.UTC(),
		TimeInStateSeconds: int(now.Sub(s.stateEnteredAt) / time.Second),
		SessionID:          s.sessionID,
		Degraded:           s.failedReads > 0,
	}
}

// observe tracks unreadable polls and logs only on the edges.
func (s *Supervisor) observe(activity models.SwitchActivity) {
	s.mu.Lock()
	s.activity = activity
	failed := s.failedReads
	state := s.state
	if activity == models.ActivityError {
		s.failedReads++
	} else {
		s.failedReads = 0
	}
	s.mu.Unlock()

	switch {
	case activity == models.ActivityError:
		s.opts.Metrics.switchReadFailed()
		if failed == 0 {
			s.log.Warn("turntable switch unreadable, holding state", zap.String("state", state.String()))
		}
	case failed > 0:
		s.log.Info("turntable switch readable again", zap.Int("failed_polls", failed))
	}
}

func (s *Supervisor) apply(ctx context.Context, e Effect) error {
	switch e.Kind {
	case EffectPreAmpOn:
		return s.retry(ctx, "pre-amp on", func() error {
			return s.preAmp.SetPower(ctx, true)
		})

	case EffectReceiverStartup:
		return s.retry(ctx, "receiver startup", func() error {
			return s.receiver.Startup(ctx, s.opts.Input, s.opts.SoundMode, s.opts.Volume)
		})

	case EffectRecordPlay:
		return s.recordPlay(ctx, int(e.Runtime/time.Second))

	case EffectWarnStop:
		s.mu.RLock()
		since := s.stateEnteredAt
		s.mu.RUnlock()
		s.log.Warn("turntable has been running too long, stop the record",
			zap.Duration("running_for", utils.WholeSeconds(s.opts.Clock.Now().Sub(since))))
		return nil

	case EffectReceiverShutdown:
		return s.shutdownReceiver(ctx)

	case EffectPreAmpOff:
		return s.retry(ctx, "pre-amp off", func() error {
			return s.preAmp.SetPower(ctx, false)
		})

	case EffectEndSession:
		return s.endSession(ctx)

	case EffectClearWarning:
		s.log.Info("turntable stopped, warning cleared")
		return nil
	}
	return fmt.Errorf("unknown effect %d", e.Kind)
}

// compensate undoes power-ups from a transition that did not commit, so the
// held state matches the devices. Whatever cannot be undone is logged.
func (s *Supervisor) compensate(ctx context.Context, applied []EffectKind) {
	for _, k := range applied {
		if k != EffectPreAmpOn {
			continue
		}
		err := s.retry(ctx, "pre-amp off", func() error {
			return s.preAmp.SetPower(ctx, false)
		})
		if err != nil {
			s.log.Error("pre-amp left powered on after failed transition", zap.Error(err))
			continue
		}
		s.log.Info("pre-amp switched back off after failed transition")
	}
}

func (s *Supervisor) shutdownReceiver(ctx context.Context) error {
	var sent bool
	err := s.retry(ctx, "receiver shutdown", func() error {
		var err error
		sent, err = s.receiver.Shutdown(ctx, s.opts.Input)
		return err
	})
	if err != nil {
		return err
	}
	if !sent {
		s.log.Info("receiver left on, another input is active", zap.String("input", s.opts.Input))
	}
	return nil
}

func (s *Supervisor) recordPlay(ctx context.Context, seconds int) error {
	s.mu.RLock()
	session := s.sessionID
	s.mu.RUnlock()

	rec, err := s.store.RecordPlay(ctx, seconds, session)
	if err != nil {
		return fmt.Errorf("record play: %w", err)
	}
	s.opts.Metrics.playRecorded(seconds)

	total, err := s.store.TotalRuntime(ctx)
	if err != nil {
		return fmt.Errorf("total runtime: %w", err)
	}
	s.log.Info("play recorded",
		zap.Int64("id", rec.ID),
		zap.Int("session_id", session),
		zap.String("runtime", utils.FormatPlaytime(seconds)),
		zap.String("total_playtime", utils.FormatPlaytime(total)))
	return nil
}

func (s *Supervisor) endSession(ctx context.Context) error {
	s.mu.RLock()
	session := s.sessionID
	s.mu.RUnlock()

	runtime, err := s.store.SessionRuntime(ctx, session)
	if err != nil {
		return fmt.Errorf("session runtime: %w", err)
	}
	s.log.Info("session ended",
		zap.Int("session_id", session),
		zap.String("session_playtime", utils.FormatPlaytime(runtime)))

	s.mu.Lock()
	s.sessionID = session + 1
	s.mu.Unlock()
	return nil
}
