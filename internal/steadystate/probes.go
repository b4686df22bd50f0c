package steadystate

import (
	"context"

	"github.com/google/uuid"
)

// DriftSource lists copies whose availability flag disagrees with their loan history.
type DriftSource interface {
	DriftedCopies(ctx context.Context) ([]uuid.UUID, error)
}

// DriftedCopies holds while no copy has drifted.
func DriftedCopies(src DriftSource) Probe {
	return Probe{
		Name: "drifted_copies",
		Query: func(ctx context.Context) (float64, error) {
			ids, err := src.DriftedCopies(ctx)
			return float64(len(ids)), err
		},
		Threshold: Threshold{Operator: "==", Value: 0},
	}
}
