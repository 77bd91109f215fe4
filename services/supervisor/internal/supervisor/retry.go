package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/recordroom/ttcontrol/services/supervisor/internal/models"
)

// RetryPolicy bounds how hard a device command is retried within one tick.
// Attempts is the only bound; MaxInterval caps a single wait between attempts.
type RetryPolicy struct {
	Attempts    int
	Initial     time.Duration
	MaxInterval time.Duration
}

const defaultRetryInitial = 500 * time.Millisecond

// retry runs op until it succeeds or the policy is spent. Only device
// communication failures are retried; anything else returns immediately.
func (s *Supervisor) retry(ctx context.Context, what string, op func() error) error {
	p := s.opts.Retry
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = defaultRetryInitial
	if p.Initial > 0 {
		b.InitialInterval = p.Initial
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if b.InitialInterval > b.MaxInterval {
		b.InitialInterval = b.MaxInterval
	}
	// Attempts is the only bound; one receiver startup runs for many seconds.
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.Attempts-1)), ctx)
	return backoff.RetryNotify(func() error {
		err := op()
		var ce *models.CommunicationError
		if err != nil && !errors.As(err, &ce) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		s.log.Warn("device command failed, retrying",
			zap.String("command", what),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
}
