package round

import (
	"errors"
	"fmt"
	"sort"

	"liarslie/internal/identity"
)

// Round-level failures. Per-agent failures never surface here; these are
// the only errors a round propagates to its caller.
var (
	// ErrNoResponses means no claim survived verification.
	ErrNoResponses = errors.New("no verified responses")
	// ErrAmbiguousResult means two or more values tied for the highest
	// frequency. The honest-majority precondition did not hold; the
	// resolver refuses to guess.
	ErrAmbiguousResult = errors.New("ambiguous result")
	// ErrInsufficientResponses means too few ids resolved for the
	// majority outcome to be trusted (restricted mode).
	ErrInsufficientResponses = errors.New("insufficient responses")
)

// Resolve returns the strictly most frequent value in the verified claim
// multiset. Honest agents form one cohort on the true value; each liar
// votes for its own fixed lie, so with an honest majority among
// responders the largest cohort is the truth.
func Resolve(claims []identity.Claim) (uint64, error) {
	if len(claims) == 0 {
		return 0, ErrNoResponses
	}
	counts := make(map[uint64]int, len(claims))
	for _, c := range claims {
		counts[c.Value]++
	}
	best, bestCount, tied := uint64(0), 0, false
	for value, count := range counts {
		switch {
		case count > bestCount:
			best, bestCount, tied = value, count, false
		case count == bestCount:
			tied = true
		}
	}
	if tied {
		var values []uint64
		for value, count := range counts {
			if count == bestCount {
				values = append(values, value)
			}
		}
		sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
		return 0, fmt.Errorf("%w: values %v tied at %d votes", ErrAmbiguousResult, values, bestCount)
	}
	return best, nil
}
