// Package circuitbreaker keeps summaries built from degraded reads from
// replacing the last good one.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/realm-aggregator/internal/model"
	"github.com/yourorg/realm-aggregator/internal/validation"
)

// ErrCircuitOpen is returned while the breaker refuses new summaries
var ErrCircuitOpen = errors.New("circuit breaker open")

// State represents the current state of the circuit breaker
type State int

// Circuit breaker states
const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Tripped, new summaries are refused
	StateHalfOpen              // Testing if reads have recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Thresholds defines the limits that will trigger the circuit breaker
type Thresholds struct {
	// Maximum share of missing results in a batch (e.g. 0.5 for 50%)
	MaxMissingRatio float64 `json:"max_missing_ratio"`

	// Maximum allowed change in TVL between consecutive summaries (e.g. 0.5 for 50%)
	MaxTVLChange float64 `json:"max_tvl_change"`

	// Minimum number of markets a summary must cover
	MinMarkets int `json:"min_markets"`
}

// Status is a snapshot of the breaker for operators
type Status struct {
	State      State     `json:"state"`
	LastTrip   time.Time `json:"last_trip,omitempty"`
	LastReason string    `json:"last_reason,omitempty"`
	HasGood    bool      `json:"has_good"`
}

// CircuitBreaker guards the publication of one realm's summaries.
type CircuitBreaker struct {
	// Configuration thresholds for triggering the circuit breaker
	thresholds Thresholds

	// Current state of the circuit breaker (Closed, Open, HalfOpen)
	state State

	// Timestamp and reason of the last circuit trip
	lastTrip   time.Time
	lastReason string

	// Duration before auto-reset attempt
	resetDelay time.Duration

	mu sync.RWMutex

	// Recent accepted summaries, newest last
	history []*model.Summary

	// Count of consecutive successful checks in HalfOpen state
	successCount int

	// Number of successful checks required to close circuit
	successThreshold int

	// Event callback for monitoring/alerting
	onTripCallback func(reason string, summary *model.Summary)
}

const maxHistorySize = 10

// New creates a new CircuitBreaker with the provided thresholds
func New(t Thresholds) *CircuitBreaker {
	return &CircuitBreaker{
		thresholds:       t,
		state:            StateClosed,
		resetDelay:       5 * time.Minute,
		successThreshold: 1,
	}
}

// WithResetDelay sets a custom reset delay and returns the circuit breaker
func (cb *CircuitBreaker) WithResetDelay(delay time.Duration) *CircuitBreaker {
	cb.resetDelay = delay
	return cb
}

// WithSuccessThreshold sets the number of successful checks needed to close the circuit
func (cb *CircuitBreaker) WithSuccessThreshold(threshold int) *CircuitBreaker {
	cb.successThreshold = threshold
	return cb
}

// WithTripCallback sets a callback function that is called when the circuit trips
func (cb *CircuitBreaker) WithTripCallback(callback func(reason string, summary *model.Summary)) *CircuitBreaker {
	cb.onTripCallback = callback
	return cb
}

// Check decides whether summary may be published. It fails with
// ErrCircuitOpen while the circuit is open, and trips the circuit when the
// batch behind summary is too incomplete or covers too few markets. While
// closed it also trips on a TVL move larger than allowed from the last good
// summary. A half-open check skips the TVL comparison so a lasting move
// becomes the new baseline.
func (cb *CircuitBreaker) Check(summary *model.Summary, report validation.BatchReport) error {
	cb.mu.RLock()
	state := cb.state
	lastTripTime := cb.lastTrip
	cb.mu.RUnlock()

	if state == StateOpen {
		if time.Since(lastTripTime) > cb.resetDelay {
			cb.transitionToHalfOpen()
		} else {
			return ErrCircuitOpen
		}
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if summary == nil {
		return errors.New("no summary provided to circuit breaker")
	}

	if ratio := report.MissingRatio(); ratio > cb.thresholds.MaxMissingRatio {
		return cb.trip(fmt.Sprintf("too many missing results: %.2f%% (threshold: %.2f%%)",
			ratio*100, cb.thresholds.MaxMissingRatio*100), summary)
	}

	if len(summary.MarketData) < cb.thresholds.MinMarkets {
		return cb.trip(fmt.Sprintf("insufficient market count: got %d, need %d",
			len(summary.MarketData), cb.thresholds.MinMarkets), summary)
	}

	if cb.state == StateClosed && len(cb.history) > 0 && cb.thresholds.MaxTVLChange > 0 {
		lastTVL := cb.history[len(cb.history)-1].TotalValueLocked
		if lastTVL.IsPositive() {
			change := summary.TotalValueLocked.Sub(lastTVL).Abs().Div(lastTVL)
			if change.GreaterThan(decimal.NewFromFloat(cb.thresholds.MaxTVLChange)) {
				ratio, _ := change.Float64()
				return cb.trip(fmt.Sprintf("TVL change too drastic: %.2f%% (threshold: %.2f%%)",
					ratio*100, cb.thresholds.MaxTVLChange*100), summary)
			}
		}
	}

	logrus.WithField("realm", summary.RealmID).Debug("Circuit breaker checks passed")
	cb.addToHistory(summary)

	if cb.state == StateHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.state = StateClosed
			cb.successCount = 0
			logrus.WithField("realm", summary.RealmID).Info("Circuit breaker closed: reads have recovered")
		}
	}
	return nil
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Status returns the state together with the last trip details
func (cb *CircuitBreaker) Status() Status {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return Status{
		State:      cb.state,
		LastTrip:   cb.lastTrip,
		LastReason: cb.lastReason,
		HasGood:    len(cb.history) > 0,
	}
}

// Reset forcibly closes the circuit and forgets the TVL baseline
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.successCount = 0
	cb.history = nil
	logrus.Info("Circuit breaker manually reset to closed state")
}

// LastGood returns the most recent summary that passed the checks, or nil
func (cb *CircuitBreaker) LastGood() *model.Summary {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	if len(cb.history) == 0 {
		return nil
	}
	return cb.history[len(cb.history)-1]
}

// transitionToHalfOpen changes the circuit state to half-open for testing recovery
func (cb *CircuitBreaker) transitionToHalfOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen {
		cb.state = StateHalfOpen
		cb.successCount = 0
		logrus.Info("Circuit breaker half-open: testing read recovery")
	}
}

// trip opens the circuit and returns the error describing why
func (cb *CircuitBreaker) trip(reason string, summary *model.Summary) error {
	cb.state = StateOpen
	cb.lastTrip = time.Now()
	cb.lastReason = reason
	logrus.WithField("realm", summary.RealmID).Warnf("Circuit breaker tripped: %s", reason)

	if cb.onTripCallback != nil {
		go cb.onTripCallback(reason, summary)
	}
	return fmt.Errorf("%w: %s", ErrCircuitOpen, reason)
}

func (cb *CircuitBreaker) addToHistory(summary *model.Summary) {
	cb.history = append(cb.history, summary)
	if len(cb.history) > maxHistorySize {
		cb.history = cb.history[len(cb.history)-maxHistorySize:]
	}
}
