// Package stats provides the shared aggregation helpers used by report and
// scoring code. All report-level averaging goes through these two functions
// so weighted and arithmetic aggregation stay consistent across callers.
package stats

// Weighted is one sample with an aggregation weight.
type Weighted struct {
	Value  float64
	Weight float64
}

// Mean returns the arithmetic mean of the values, 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// WeightedMean returns the weight-proportional mean of the samples. Samples
// with non-positive weight are ignored; 0 when no weight remains.
func WeightedMean(samples []Weighted) float64 {
	var sum, weight float64
	for _, s := range samples {
		if s.Weight <= 0 {
			continue
		}
		sum += s.Value * s.Weight
		weight += s.Weight
	}
	if weight == 0 {
		return 0
	}
	return sum / weight
}

// WeightedOf builds samples from parallel value and weight accessors over a
// generic item slice, for callers aggregating struct fields.
func WeightedOf[T any](items []T, value func(T) float64, weight func(T) float64) []Weighted {
	samples := make([]Weighted, 0, len(items))
	for _, it := range items {
		samples = append(samples, Weighted{Value: value(it), Weight: weight(it)})
	}
	return samples
}
