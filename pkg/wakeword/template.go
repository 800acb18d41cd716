package wakeword

import "math"

// heyHowdyTemplate is the normalized energy envelope of the target phrase
// over 20 frames (400 ms at 20 ms/frame): a short "hey" burst, a brief
// dip, then the longer two-peaked "howdy". Values are relative to the
// loudest frame.
//
// Tuned against recorded utterances; kept as a var so field re-tuning
// does not need a rebuild of the matcher.
var heyHowdyTemplate = []float64{
	0.15, 0.55, 0.90, 0.80, 0.45, // "hey"
	0.18, 0.10, 0.12, // inter-word dip
	0.40, 0.85, 1.00, 0.90, 0.70, // "how-"
	0.55, 0.75, 0.80, 0.60, 0.35, // "-dy"
	0.18, 0.10, // release
}

// expectedSyllables is the hump count for "Hey Howdy". The inter-word dip
// separates the phrase into two energy groups.
const expectedSyllables = 2

// syllableGate is the fraction of the envelope peak a frame must exceed to
// count toward a syllable hump.
const syllableGate = 0.30

// speech-plausible zero-crossing band for a 20 ms frame at 16 kHz.
const (
	zcrMin = 5
	zcrMax = 200
)

// matchTemplate scores an energy envelope against the phrase template
// using a band-limited DTW on peak-normalized envelopes. Returns 0 for
// degenerate input, otherwise a similarity in (0, 1].
func matchTemplate(envelope []float64) float64 {
	n := len(envelope)
	m := len(heyHowdyTemplate)
	if n < m/2 {
		return 0
	}

	peak := 0.0
	for _, e := range envelope {
		if e > peak {
			peak = e
		}
	}
	if peak <= 0 {
		return 0
	}
	norm := make([]float64, n)
	for i, e := range envelope {
		norm[i] = e / peak
	}

	// DTW with a Sakoe-Chiba band of 1/4 the template length.
	band := m / 4
	if band < 2 {
		band = 2
	}
	const inf = math.MaxFloat64
	prev := make([]float64, m+1)
	curr := make([]float64, m+1)
	for j := range prev {
		prev[j] = inf
	}
	prev[0] = 0

	for i := 1; i <= n; i++ {
		for j := range curr {
			curr[j] = inf
		}
		lo := i*m/n - band
		hi := i*m/n + band
		if lo < 1 {
			lo = 1
		}
		if hi > m {
			hi = m
		}
		for j := lo; j <= hi; j++ {
			cost := math.Abs(norm[i-1] - heyHowdyTemplate[j-1])
			best := prev[j]
			if prev[j-1] < best {
				best = prev[j-1]
			}
			if curr[j-1] < best {
				best = curr[j-1]
			}
			if best == inf {
				continue
			}
			curr[j] = cost + best
		}
		prev, curr = curr, prev
	}

	total := prev[m]
	if total == inf {
		return 0
	}
	avgCost := total / float64(n+m)
	// avgCost 0 -> perfect match (1.0); 0.5 (random envelopes) -> ~0.33.
	return 1.0 / (1.0 + 4.0*avgCost)
}

// countSyllables counts energy humps above the gate, considering only
// frames whose zero-crossing rate is speech-plausible.
func countSyllables(envelope []float64, zcrs []int) int {
	peak := 0.0
	for _, e := range envelope {
		if e > peak {
			peak = e
		}
	}
	if peak <= 0 {
		return 0
	}

	gate := peak * syllableGate
	count := 0
	inHump := false
	for i, e := range envelope {
		speechLike := i >= len(zcrs) || (zcrs[i] >= zcrMin && zcrs[i] <= zcrMax)
		if e > gate && speechLike {
			if !inHump {
				count++
				inHump = true
			}
		} else {
			inHump = false
		}
	}
	return count
}
