package health

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/earshot/internal/resilience"
)

// ErrAllCircuitsOpen is reported by [BreakerChecker] when no backend can
// currently take a request.
var ErrAllCircuitsOpen = errors.New("health: all circuits open")

// BreakerSet is a group of named circuit breakers, such as a
// [resilience.FallbackGroup].
type BreakerSet interface {
	Names() []string
	Breaker(name string) *resilience.CircuitBreaker
}

// BreakerChecker fails while every breaker in set is open. A half-open
// breaker counts as available since it admits a trial call.
func BreakerChecker(name string, set BreakerSet) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			var open []string
			names := set.Names()
			for _, n := range names {
				if b := set.Breaker(n); b != nil && b.State() == resilience.StateOpen {
					open = append(open, n)
				}
			}
			if len(names) > 0 && len(open) == len(names) {
				return fmt.Errorf("%w: %s", ErrAllCircuitsOpen, strings.Join(open, ", "))
			}
			return nil
		},
	}
}

// ErrorChecker adapts a function reporting the last fatal error of a
// component (nil when healthy).
func ErrorChecker(name string, lastErr func() error) Checker {
	return Checker{
		Name:  name,
		Check: func(context.Context) error { return lastErr() },
	}
}
