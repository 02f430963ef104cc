package client

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// backoffSchedule produces reconnect delays: a deterministic doubling
// sequence capped at a maximum interval, plus additive uniform jitter in
// [0, jitter). Because jitter only ever adds on top of the exponential step,
// delays never drop below the previous step while the sequence is still
// climbing toward the cap.
type backoffSchedule struct {
	exp    *backoff.ExponentialBackOff
	jitter time.Duration

	randInt63n func(int64) int64
}

func newBackoffSchedule(base, maxDelay, jitter time.Duration) *backoffSchedule {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = base
	exp.RandomizationFactor = 0
	exp.Multiplier = 2
	exp.MaxInterval = maxDelay
	exp.MaxElapsedTime = 0
	exp.Reset()

	return &backoffSchedule{
		exp:        exp,
		jitter:     jitter,
		randInt63n: rand.Int63n,
	}
}

func (s *backoffSchedule) next() time.Duration {
	d := s.exp.NextBackOff()
	if s.jitter > 0 {
		d += time.Duration(s.randInt63n(int64(s.jitter)))
	}
	return d
}

func (s *backoffSchedule) reset() {
	s.exp.Reset()
}
