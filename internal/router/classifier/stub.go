package classifier

import (
	"math"

	"github.com/wudi/steer/internal/router/feature"
	"github.com/wudi/steer/internal/tier"
)

// StubModel is a placeholder calibrated model. It reuses the fallback score
// mapping but reports the calibration confidence it was built with, so tests
// can exercise both the model path and the low-confidence fallback path.
type StubModel struct {
	// Calibration is the confidence the stub reports for every prediction.
	Calibration float64
}

// NewStubModel returns a stub calibrated at 0.8.
func NewStubModel() *StubModel {
	return &StubModel{Calibration: 0.8}
}

func (m *StubModel) Predict(f feature.Features) (tier.Tier, float64) {
	tokenNorm := math.Min(float64(f.TokenCount)/1000.0, 1.0)
	score := weightComplexity*f.RequestComplexity +
		weightTokenCount*tokenNorm +
		weightLooseness*(1.0-f.SchemaStrictness) +
		weightNovelty*f.NoveltyScore +
		weightFailureRate*f.HistoricalFailureRate
	return mapScore(score), m.Calibration
}
