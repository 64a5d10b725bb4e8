package bandwidth

import "math"

// EWMA is an exponentially weighted moving average whose decay is expressed
// as a half-life in units of sample weight.
type EWMA struct {
	halfLife    float64
	alpha       float64
	estimate    float64
	totalWeight float64
}

// NewEWMA returns an average with the given half-life, seeded with estimate
// carrying weight.
func NewEWMA(halfLife, estimate, weight float64) *EWMA {
	var alpha float64
	if halfLife > 0 {
		alpha = math.Exp(math.Log(0.5) / halfLife)
	}
	return &EWMA{
		halfLife:    halfLife,
		alpha:       alpha,
		estimate:    estimate,
		totalWeight: weight,
	}
}

// Sample folds value into the average with the given weight.
func (e *EWMA) Sample(weight, value float64) {
	adj := math.Pow(e.alpha, weight)
	next := value*(1-adj) + adj*e.estimate
	if !math.IsNaN(next) {
		e.estimate = next
		e.totalWeight += weight
	}
}

// TotalWeight returns the accumulated sample weight.
func (e *EWMA) TotalWeight() float64 {
	return e.totalWeight
}

// Estimate returns the bias corrected average.
func (e *EWMA) Estimate() float64 {
	if e.alpha != 0 {
		zeroFactor := 1 - math.Pow(e.alpha, e.totalWeight)
		if zeroFactor != 0 {
			return e.estimate / zeroFactor
		}
	}
	return e.estimate
}

// HalfLife returns the configured half-life.
func (e *EWMA) HalfLife() float64 {
	return e.halfLife
}

// WithHalfLife returns an average with a new half-life that reports the same
// estimate and total weight as e.
func (e *EWMA) WithHalfLife(halfLife float64) *EWMA {
	n := NewEWMA(halfLife, 0, e.totalWeight)
	zeroFactor := 1.0
	if n.alpha != 0 {
		zeroFactor = 1 - math.Pow(n.alpha, n.totalWeight)
	}
	n.estimate = e.Estimate() * zeroFactor
	return n
}
