// Package scorer combines feature vectors with per-user weight vectors into
// 0-100 prospect scores.
package scorer

import (
	"fmt"
	"math"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/scout-cli/internal/model"
)

// ValidateWeights checks that a weight vector is usable for scoring. Adapted
// vectors need not sum to 1, but every weight must be finite and >= 0.
func ValidateWeights(w model.WeightVector) error {
	var errs []string

	for _, f := range model.Features() {
		v := w.Get(f)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			errs = append(errs, fmt.Sprintf("%s must be finite", f))
			continue
		}
		if v < 0 {
			errs = append(errs, fmt.Sprintf("%s must be >= 0", f))
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("scorer: weight validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ValidateInitialWeights additionally requires the vector to sum to 1, as
// freshly initialised vectors must.
func ValidateInitialWeights(w model.WeightVector) error {
	if err := ValidateWeights(w); err != nil {
		return err
	}
	if sum := w.Sum(); math.Abs(sum-1) > 1e-6 {
		return eris.Errorf("scorer: initial weights should sum to 1, got %.4f", sum)
	}
	return nil
}
