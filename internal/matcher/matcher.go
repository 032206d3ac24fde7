// Package matcher decides which catalogue identity, if any, a face embedding belongs to.
//
// Matching is exhaustive: every stored encoding is compared with the query using
// Euclidean distance, the closest one wins (first occurrence on ties), and the
// identity is accepted only when similarity = 1 - distance exceeds 1 - threshold.
package matcher

import (
	"math"
	"time"

	"github.com/andresmejia3/faceid/internal/store"
	"github.com/andresmejia3/faceid/internal/types"
)

// Unknown is the label given to faces that did not pass the threshold.
const Unknown = "Unknown"

// Result is the decision for one query embedding.
type Result struct {
	Label      string    `json:"label"`
	Similarity float64   `json:"similarity"`
	Distance   float64   `json:"distance"`
	Index      int       `json:"index"` // position of the closest encoding, -1 for an empty catalogue
	Timestamp  time.Time `json:"timestamp"`
	Box        types.Box `json:"box"`
}

// Known reports whether the result carries a catalogue identity.
func (r Result) Known() bool {
	return r.Label != Unknown
}

// EuclideanDistance returns the L2 distance between a and b. Components beyond
// the shorter vector are ignored.
func EuclideanDistance(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Match finds the closest encoding in snap. Similarity is not clamped: a
// distance above 1 gives a negative similarity.
func Match(query store.Vector, snap store.Snapshot, threshold float64) Result {
	if len(snap.Encodings) == 0 {
		return Result{Label: Unknown, Similarity: 0, Index: -1}
	}

	best := 0
	bestDist := EuclideanDistance(query, snap.Encodings[0])
	for i := 1; i < len(snap.Encodings); i++ {
		if d := EuclideanDistance(query, snap.Encodings[i]); d < bestDist {
			best, bestDist = i, d
		}
	}

	res := Result{
		Label:      Unknown,
		Similarity: 1 - bestDist,
		Distance:   bestDist,
		Index:      best,
	}
	if res.Similarity > 1-threshold {
		res.Label = snap.Names[best]
	}
	return res
}

// MatchAll matches every query against the same snapshot.
func MatchAll(queries []store.Vector, snap store.Snapshot, threshold float64) []Result {
	results := make([]Result, len(queries))
	for i, q := range queries {
		results[i] = Match(q, snap, threshold)
	}
	return results
}
