package receipt

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	incoming *prometheus.CounterVec
	drained  prometheus.Counter
	failures *prometheus.CounterVec
	attempts prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		incoming: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "receipts_incoming_total",
			Help: "Incoming receipts by outcome.",
		}, []string{"outcome"}),
		drained: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "receipts_drained_total",
			Help: "Stalled receipts applied once their key became known.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "receipts_failures_total",
			Help: "Receipts that could not be processed, by reason.",
		}, []string{"reason"}),
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "receipts_candidate_attempts_total",
			Help: "Candidate keys tried against receipt payloads.",
		}),
	}
	if reg == nil {
		return m, nil
	}

	var err error
	if m.incoming, err = register(reg, m.incoming); err != nil {
		return nil, err
	}
	if m.drained, err = register(reg, m.drained); err != nil {
		return nil, err
	}
	if m.failures, err = register(reg, m.failures); err != nil {
		return nil, err
	}
	if m.attempts, err = register(reg, m.attempts); err != nil {
		return nil, err
	}
	return m, nil
}

// register returns the already registered collector when one with the same description exists.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}
