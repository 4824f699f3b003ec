package reliability

import (
	"strings"
	"time"

	"github.com/sirosfoundation/go-gateway/pkg/pmode"
)

// AlgorithmKind names a retry scheduling algorithm.
type AlgorithmKind string

// AlgorithmConstant spaces attempts evenly across the retry window:
// next = baseline + timeout/count.
const AlgorithmConstant AlgorithmKind = "CONSTANT"

// RetryAlgorithm is a leg's retry policy in computable form. Timeout is
// the total window for all attempts, Count the number of redelivery
// attempts within it.
type RetryAlgorithm struct {
	Kind    AlgorithmKind
	Timeout time.Duration
	Count   int
}

type nextAttemptFunc func(baseline time.Time, alg RetryAlgorithm) time.Time

// algorithms is the extension point for additional scheduling
// algorithms. Only the constant-interval algorithm is specified.
var algorithms = map[AlgorithmKind]nextAttemptFunc{
	AlgorithmConstant: constantInterval,
}

func constantInterval(baseline time.Time, alg RetryAlgorithm) time.Time {
	if alg.Count <= 0 {
		return baseline.Add(alg.Timeout)
	}
	return baseline.Add(alg.Timeout / time.Duration(alg.Count))
}

// Known reports whether the kind has a registered scheduling function.
func (a RetryAlgorithm) Known() bool {
	_, ok := algorithms[a.Kind]
	return ok
}

// NextAttempt computes the next delivery attempt time from the
// baseline. Unknown kinds fall back to the constant-interval
// algorithm.
func (a RetryAlgorithm) NextAttempt(baseline time.Time) time.Time {
	fn, ok := algorithms[a.Kind]
	if !ok {
		fn = constantInterval
	}
	return fn(baseline, a)
}

// FromReceptionAwareness converts a leg's reception awareness into a
// RetryAlgorithm. A leg without reception awareness gets a zero window
// and no redelivery attempts.
func FromReceptionAwareness(ra *pmode.ReceptionAwareness) RetryAlgorithm {
	if ra == nil {
		return RetryAlgorithm{Kind: AlgorithmConstant}
	}
	return RetryAlgorithm{
		Kind:    AlgorithmKind(strings.ToUpper(ra.Algorithm)),
		Timeout: ra.TimeoutDuration(),
		Count:   ra.RetryCount,
	}
}
