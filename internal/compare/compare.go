// Package compare diffs two normalized result sets by series identity key.
//
// Only the last point of each series is compared. Keys found on one side
// only are coverage gaps, reported apart from value mismatches. The outcome
// is advisory and never affects latency results.
package compare

import (
	"math"

	"github.com/basekick-labs/querybench/internal/backend"
)

// Tolerance bounds acceptable disagreement. A pair mismatches when
// |a-b| > max(Absolute, Relative*|a|).
type Tolerance struct {
	Absolute float64
	Relative float64
}

// Allowed returns the largest acceptable difference for reference value a.
func (t Tolerance) Allowed(a float64) float64 {
	return math.Max(t.Absolute, t.Relative*math.Abs(a))
}

// Pair is one key present on both sides.
type Pair struct {
	Key     backend.SeriesKey
	A       float64
	B       float64
	AbsDiff float64
	RelDiff float64 // |a-b| / |a|
	Match   bool
}

// Outcome is the result of comparing two result sets.
type Outcome struct {
	// Unavailable is set when either side has no rows; Reason says which.
	Unavailable bool
	Reason      string

	Pairs      []Pair
	Mismatches int
	OnlyA      []backend.SeriesKey
	OnlyB      []backend.SeriesKey
}

// Matches counts pairs within tolerance.
func (o Outcome) Matches() int {
	return len(o.Pairs) - o.Mismatches
}

// Gaps counts keys present on one side only.
func (o Outcome) Gaps() int {
	return len(o.OnlyA) + len(o.OnlyB)
}

// Agree reports whether the sides matched completely: no mismatches and no gaps.
func (o Outcome) Agree() bool {
	return !o.Unavailable && o.Mismatches == 0 && o.Gaps() == 0
}

// Reasons for an unavailable comparison.
const (
	ReasonBothMissing = "no result from either backend"
	ReasonAMissing    = "no result from first backend"
	ReasonBMissing    = "no result from second backend"
)

// Compare aligns a and b by series key. A nil or empty result set makes the
// comparison unavailable. Pairs and a-only gaps follow a's row order,
// b-only gaps follow b's.
func Compare(a, b *backend.ResultSet, tol Tolerance) Outcome {
	aEmpty := a == nil || a.Len() == 0
	bEmpty := b == nil || b.Len() == 0
	switch {
	case aEmpty && bEmpty:
		return Outcome{Unavailable: true, Reason: ReasonBothMissing}
	case aEmpty:
		return Outcome{Unavailable: true, Reason: ReasonAMissing}
	case bEmpty:
		return Outcome{Unavailable: true, Reason: ReasonBMissing}
	}

	aIndex, bIndex := latest(a), latest(b)
	aSeen := make(map[string]bool, a.Len())

	var out Outcome
	for _, row := range a.Rows {
		id := row.Key.String()
		if aSeen[id] {
			continue
		}
		aSeen[id] = true

		pa, ok := aIndex[id]
		if !ok {
			continue
		}
		pb, ok := bIndex[id]
		if !ok {
			out.OnlyA = append(out.OnlyA, row.Key)
			continue
		}
		pair := diff(row.Key, pa.Value, pb.Value, tol)
		if !pair.Match {
			out.Mismatches++
		}
		out.Pairs = append(out.Pairs, pair)
	}

	bSeen := make(map[string]bool, b.Len())
	for _, row := range b.Rows {
		id := row.Key.String()
		if aSeen[id] || bSeen[id] {
			continue
		}
		bSeen[id] = true
		if _, ok := row.Last(); ok {
			out.OnlyB = append(out.OnlyB, row.Key)
		}
	}
	return out
}

// latest maps each key to its freshest point. Rows without points are absent.
func latest(rs *backend.ResultSet) map[string]backend.Point {
	idx := make(map[string]backend.Point, rs.Len())
	for _, row := range rs.Rows {
		p, ok := row.Last()
		if !ok {
			continue
		}
		id := row.Key.String()
		if prev, seen := idx[id]; seen && prev.Timestamp.After(p.Timestamp) {
			continue
		}
		idx[id] = p
	}
	return idx
}

func diff(key backend.SeriesKey, a, b float64, tol Tolerance) Pair {
	p := Pair{Key: key, A: a, B: b}
	aNaN, bNaN := math.IsNaN(a), math.IsNaN(b)
	switch {
	case aNaN || bNaN:
		p.Match = aNaN && bNaN
		p.AbsDiff = math.NaN()
		p.RelDiff = math.NaN()
		if p.Match {
			p.AbsDiff, p.RelDiff = 0, 0
		}
		return p
	case a == b:
		p.Match = true
		return p
	case math.IsInf(a, 0) || math.IsInf(b, 0):
		// Allowed(±Inf) is unbounded, so tolerance cannot decide these
		p.AbsDiff = math.Inf(1)
		p.RelDiff = math.Inf(1)
		return p
	}

	p.AbsDiff = math.Abs(a - b)
	if a != 0 {
		p.RelDiff = p.AbsDiff / math.Abs(a)
	} else {
		p.RelDiff = math.Inf(1)
	}
	p.Match = p.AbsDiff <= tol.Allowed(a)
	return p
}
