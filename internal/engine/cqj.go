package engine

import "math"

// ComputeCQJ finds the cycle at which a curve first crosses threshold, by linear
// interpolation between the bracketing samples. The threshold is in linear signal
// units; a NaN or non-positive threshold yields nil. A nil result with a valid
// threshold means the curve never reaches it — semantically a negative well, not an
// error. Only the first ascending crossing counts; later crossings are noise.
func ComputeCQJ(cycles, signal []float64, threshold float64) *float64 {
	if math.IsNaN(threshold) || threshold <= 0 {
		return nil
	}
	return crossing(cycles, signal, threshold)
}

// crossing is the domain-agnostic scan: cycles and signal may be in linear or log
// units as long as threshold is in the same units as signal.
func crossing(cycles, signal []float64, threshold float64) *float64 {
	if len(cycles) != len(signal) || len(cycles) < 2 {
		return nil
	}

	for i := 0; i+1 < len(signal); i++ {
		lo, hi := signal[i], signal[i+1]
		if !(lo < threshold && threshold <= hi) {
			continue
		}
		span := hi - lo
		if span <= 0 {
			return nil
		}
		cq := cycles[i] + (threshold-lo)*(cycles[i+1]-cycles[i])/span
		return &cq
	}
	return nil
}
