package services

import (
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"SecureEscrow/internal/metrics"
)

// Breaker wraps gobreaker with metrics. Only failures that say something about
// the remote's health count against it.
type Breaker struct {
	cb   *gobreaker.CircuitBreaker
	name string
}

func NewBreaker(name string) *Breaker {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		IsSuccessful: func(err error) bool {
			// A rejection is a healthy answer from the remote.
			var gerr *GatewayError
			return err == nil || errors.As(err, &gerr)
		},
		OnStateChange: func(cbName string, from gobreaker.State, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(cbName).Set(stateValue(to))

			log.WithFields(log.Fields{
				"circuit": cbName,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})

	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)
	return &Breaker{cb: cb, name: name}
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// Execute runs fn through the breaker. ErrCircuitOpen is returned when the
// call was never attempted.
func (b *Breaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	result, err := b.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrCircuitOpen
		}
		metrics.CircuitBreakerFailures.WithLabelValues(b.name).Inc()
	}
	return result, err
}

func (b *Breaker) State() string {
	return b.cb.State().String()
}
