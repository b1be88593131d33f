package engine

import (
	"errors"
	"fmt"
	"math"
)

// ErrNonFiniteLogits is returned by Step when the forward pass produced NaN
// or Inf scores. The cache is left untouched.
var ErrNonFiniteLogits = errors.New("non-finite logits")

// LogitAudit summarizes the raw logit distribution of one forward pass.
type LogitAudit struct {
	Max     float32
	Min     float32
	Mean    float32
	RMS     float32
	NumNaNs int
	NumInfs int
	// IsFlat reports a near-zero variance, the usual sign of an unbound
	// or zeroed present buffer.
	IsFlat bool
}

// AuditLogits inspects logits for non-finite values and flatness.
func AuditLogits(logits []float32) LogitAudit {
	audit := LogitAudit{}
	if len(logits) == 0 {
		return audit
	}

	var sum, sumSq float64
	var minVal, maxVal float32 = math.MaxFloat32, -math.MaxFloat32
	finite := 0
	for _, v := range logits {
		if math.IsNaN(float64(v)) {
			audit.NumNaNs++
			continue
		}
		if math.IsInf(float64(v), 0) {
			audit.NumInfs++
			continue
		}
		if v < minVal {
			minVal = v
		}
		if v > maxVal {
			maxVal = v
		}
		sum += float64(v)
		sumSq += float64(v) * float64(v)
		finite++
	}
	if finite == 0 {
		return audit
	}

	audit.Max = maxVal
	audit.Min = minVal
	audit.Mean = float32(sum / float64(finite))
	audit.RMS = float32(math.Sqrt(sumSq / float64(finite)))
	variance := sumSq/float64(finite) - (sum/float64(finite))*(sum/float64(finite))
	audit.IsFlat = finite > 1 && math.Abs(variance) < 1e-6
	return audit
}

// Err returns ErrNonFiniteLogits when any value was NaN or Inf.
func (a LogitAudit) Err() error {
	if a.NumNaNs == 0 && a.NumInfs == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d NaN, %d Inf", ErrNonFiniteLogits, a.NumNaNs, a.NumInfs)
}
