package scorer

import (
	"context"
	"math"

	"github.com/rotisserie/eris"

	"github.com/sells-group/scout-cli/internal/model"
)

// WeightSource supplies the current weight vector for a user.
type WeightSource interface {
	Get(ctx context.Context, userID string) (model.WeightVector, error)
}

// Composite returns round(min(100, 100 * sum(feature_i * weight_i))) over
// the six canonical features, floored at 0. It is a pure function.
func Composite(fv model.FeatureVector, wv model.WeightVector) int {
	var sum float64
	for _, f := range model.Features() {
		sum += fv.Get(f) * wv.Get(f)
	}
	raw := math.Min(100, 100*sum)
	if math.IsNaN(raw) || raw < 0 {
		return 0
	}
	return int(math.Round(raw))
}

// Engine scores feature vectors with the owning user's weights.
type Engine struct {
	weights WeightSource
}

// NewEngine creates an Engine reading weights from ws.
func NewEngine(ws WeightSource) *Engine {
	return &Engine{weights: ws}
}

// Weights fetches the weight vector used to score a user's prospects. A
// session fetches once so every prospect shares one snapshot.
func (e *Engine) Weights(ctx context.Context, userID string) (model.WeightVector, error) {
	w, err := e.weights.Get(ctx, userID)
	if err != nil {
		return model.WeightVector{}, eris.Wrapf(err, "scorer: get weights for %s", userID)
	}
	if err := ValidateWeights(w); err != nil {
		return model.WeightVector{}, err
	}
	return w, nil
}

// Score fetches the user's weights and scores fv.
func (e *Engine) Score(ctx context.Context, userID string, fv model.FeatureVector) (int, model.WeightVector, error) {
	w, err := e.Weights(ctx, userID)
	if err != nil {
		return 0, model.WeightVector{}, err
	}
	return Composite(fv, w), w, nil
}
