// README: Fare and ETA as pure functions of route distance and duration.
package pricing

import "time"

// Fare is monotonic non-decreasing in distanceMeters. Negative distances are
// treated as zero.
func (r Rate) Fare(distanceMeters int) int64 {
	fare := r.BaseFare
	extra := distanceMeters - r.BaseMeters
	if extra <= 0 || r.StepMeters <= 0 {
		return fare
	}
	steps := (extra + r.StepMeters - 1) / r.StepMeters
	return fare + int64(steps)*r.StepFare
}

// ETA is now plus the route duration.
func ETA(now time.Time, durationSeconds int) time.Time {
	if durationSeconds < 0 {
		durationSeconds = 0
	}
	return now.Add(time.Duration(durationSeconds) * time.Second)
}

func (r Rate) Quote(now time.Time, distanceMeters, durationSeconds int) Quote {
	q := Quote{
		DistanceMeters:  distanceMeters,
		DurationSeconds: durationSeconds,
		ETA:             ETA(now, durationSeconds),
	}
	q.Fare.Amount = r.Fare(distanceMeters)
	q.Fare.Currency = r.Currency
	return q
}
