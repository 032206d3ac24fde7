package matcher

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
)

const (
	// MinThreshold and MaxThreshold bound the accepted strictness values.
	MinThreshold = 0.1
	MaxThreshold = 0.9
	// DefaultThreshold matches a similarity cutoff of 0.7.
	DefaultThreshold = 1 - 0.7
)

// ErrThresholdRange is returned by Set for values outside [MinThreshold, MaxThreshold].
var ErrThresholdRange = errors.New("threshold must be between 0.1 and 0.9")

// Threshold is the process-wide recognition strictness. Lower is stricter.
// The zero value is not usable; create one with NewThreshold.
type Threshold struct {
	bits atomic.Uint64
}

// NewThreshold returns a controller holding DefaultThreshold.
func NewThreshold() *Threshold {
	t := &Threshold{}
	t.bits.Store(math.Float64bits(DefaultThreshold))
	return t
}

// Get returns the current threshold.
func (t *Threshold) Get() float64 {
	return math.Float64frombits(t.bits.Load())
}

// Set replaces the threshold. Out-of-range values leave it unchanged.
func (t *Threshold) Set(v float64) error {
	if err := ValidateThreshold(v); err != nil {
		return err
	}
	t.bits.Store(math.Float64bits(v))
	return nil
}

// ValidateThreshold reports whether v is an acceptable threshold.
func ValidateThreshold(v float64) error {
	if math.IsNaN(v) || v < MinThreshold || v > MaxThreshold {
		return fmt.Errorf("%w, got %v", ErrThresholdRange, v)
	}
	return nil
}
