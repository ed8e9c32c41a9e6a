package control

import (
	"fmt"
	"sync"
	"time"
)

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// OpenError is returned for turns refused while the circuit is open.
type OpenError struct {
	Class string
	Until time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("inference service unavailable (circuit open after %s failures) until %s",
		e.Class, e.Until.UTC().Format(time.RFC3339))
}

// CircuitBreaker is a minimal per-error-class breaker, safe for concurrent
// use. A nil *CircuitBreaker allows everything.
type CircuitBreaker struct {
	Threshold int
	Cooldown  time.Duration

	mu          sync.Mutex
	state       CircuitState
	failures    map[string]int
	openedAt    time.Time
	openedClass string
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		Threshold: threshold,
		Cooldown:  cooldown,
		state:     CircuitClosed,
		failures:  map[string]int{},
	}
}

func (c *CircuitBreaker) State() CircuitState {
	if c == nil {
		return CircuitClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Allow returns nil if new work is allowed at this instant, or an
// *OpenError. After the cooldown one trial request is let through (half-open).
func (c *CircuitBreaker) Allow(now time.Time) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if now.Sub(c.openedAt) >= c.Cooldown {
			c.state = CircuitHalfOpen
			return nil
		}
	}
	return &OpenError{Class: c.openedClass, Until: c.openedAt.Add(c.Cooldown)}
}

// RecordSuccess closes the circuit. It reports whether the state changed.
func (c *CircuitBreaker) RecordSuccess() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := c.state != CircuitClosed
	c.state = CircuitClosed
	c.openedClass = ""
	c.failures = map[string]int{}
	return changed
}

// RecordFailure counts an error in the given class. It reports whether the
// circuit opened as a result.
func (c *CircuitBreaker) RecordFailure(errClass string, now time.Time) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if errClass == "" {
		errClass = "unknown"
	}
	if c.state == CircuitHalfOpen {
		c.state = CircuitOpen
		c.openedAt = now
		c.openedClass = errClass
		return true
	}
	if c.state == CircuitOpen {
		return false
	}
	c.failures[errClass]++
	if c.failures[errClass] >= c.Threshold {
		c.state = CircuitOpen
		c.openedAt = now
		c.openedClass = errClass
		return true
	}
	return false
}

func (c *CircuitBreaker) OpenedClass() string {
	if c == nil {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openedClass
}
