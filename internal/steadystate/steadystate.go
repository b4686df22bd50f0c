// internal/steadystate/steadystate.go
package steadystate

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Probe is a measurable property of the circulation data
type Probe struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

type Violation struct {
	ProbeName string    `json:"probe_name"`
	Expected  float64   `json:"expected"`
	Actual    float64   `json:"actual"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Result captures one validation run
type Result struct {
	Valid      bool               `json:"valid"`
	Values     map[string]float64 `json:"values"`
	Violations []Violation        `json:"violations"`
	CheckedAt  time.Time          `json:"checked_at"`
}

// Checker validates a set of probes and remembers the last result
type Checker struct {
	tracer trace.Tracer
	probes []Probe
	mu     sync.Mutex
	last   *Result
}

func NewChecker(probes ...Probe) *Checker {
	return &Checker{
		tracer: otel.Tracer("schoollib/steadystate"),
		probes: probes,
	}
}

// Register adds a probe
func (c *Checker) Register(p Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes = append(c.probes, p)
}

// Last returns the most recent result, or nil before the first Validate
func (c *Checker) Last() *Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Validate runs every probe. A probe that errors counts as a violation.
func (c *Checker) Validate(ctx context.Context) *Result {
	c.mu.Lock()
	probes := append([]Probe(nil), c.probes...)
	c.mu.Unlock()

	ctx, span := c.tracer.Start(ctx, "steadystate.validate",
		trace.WithAttributes(attribute.Int("probe.count", len(probes))),
	)
	defer span.End()

	result := &Result{
		Values:     make(map[string]float64, len(probes)),
		Violations: make([]Violation, 0),
		CheckedAt:  time.Now(),
	}

	for _, probe := range probes {
		value, err := probe.Query(ctx)
		if err != nil {
			result.Violations = append(result.Violations, Violation{
				ProbeName: probe.Name,
				Expected:  probe.Threshold.Value,
				Actual:    -1,
				Error:     err.Error(),
				Timestamp: time.Now(),
			})
			continue
		}

		result.Values[probe.Name] = value
		if !evaluateThreshold(value, probe.Threshold) {
			result.Violations = append(result.Violations, Violation{
				ProbeName: probe.Name,
				Expected:  probe.Threshold.Value,
				Actual:    value,
				Timestamp: time.Now(),
			})
		}
	}

	result.Valid = len(result.Violations) == 0
	span.SetAttributes(
		attribute.Bool("steady_state.valid", result.Valid),
		attribute.Int("steady_state.violations", len(result.Violations)),
	)

	c.mu.Lock()
	c.last = result
	c.mu.Unlock()

	return result
}

func evaluateThreshold(value float64, threshold Threshold) bool {
	switch threshold.Operator {
	case ">":
		return value > threshold.Value
	case "<":
		return value < threshold.Value
	case ">=":
		return value >= threshold.Value
	case "<=":
		return value <= threshold.Value
	case "==":
		return value == threshold.Value
	default:
		return false
	}
}
