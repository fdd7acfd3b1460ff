package chatsync

import (
	"context"
	"errors"
	"time"
)

// reconnector is the bounded, fixed-delay retry schedule used after a drop.
// It is only touched from the goroutine running reconnectLoop.
type reconnector struct {
	delay       time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(cfg *Config) *reconnector {
	return &reconnector{
		delay:       cfg.ReconnectDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.attempt < r.maxAttempts
}

func (r *reconnector) next() (int, time.Duration) {
	r.attempt++
	return r.attempt, r.delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// reconnectLoop re-dials until a connection is established, the budget is
// spent, or ctx is cancelled by Disconnect. A successful attempt emits
// ConnectionSuccess and replays room joins through onConnect. Exhaustion
// leaves the session disconnected and emits a terminal ConnectionLost.
func (s *Session) reconnectLoop(ctx context.Context, epoch uint64) {
	s.recon.reset()
	for s.recon.shouldReconnect() {
		attempt, delay := s.recon.next()
		s.metrics.ReconnectAttempts.Inc()
		s.dispatcher.Emit(Reconnecting{Attempt: attempt, Delay: delay})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		err := s.establish(ctx, epoch)
		if err == nil {
			s.logger.Info().Int("attempt", attempt).Msg("reconnected")
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
		s.dispatcher.Emit(ConnectionError{Err: err})
		if errors.Is(err, ErrAuthentication) {
			break
		}
	}

	s.mu.Lock()
	if ctx.Err() != nil || epoch != s.epoch || s.state != StateReconnecting {
		s.mu.Unlock()
		return
	}
	s.state = StateDisconnected
	s.stopReconnect = nil
	s.mu.Unlock()

	s.logger.Error().Int("attempts", s.recon.attempt).Msg("reconnect attempts exhausted")
	s.dispatcher.Emit(ConnectionLost{Reason: "reconnect attempts exhausted", Terminal: true})
}
