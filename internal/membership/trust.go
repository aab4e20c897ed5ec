// internal/membership/trust.go
package membership

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Weights of the trust score components. Each component is on the 1..5
// rating scale, so the weighted sum is too.
const (
	baseWeight         = 0.4
	volumeWeight       = 0.2
	recencyWeight      = 0.2
	consistencyWeight  = 0.1
	verificationWeight = 0.1

	fullTrustRatings = 10
	recencyDays      = 30.0
	excellentRating  = 4.5
	lowRating        = 2
	longevityRatings = 5
	longevityDays    = 90
)

// TrustScore computes a member's trust score at now from every rating they
// received. The result is in [0, 5] rounded to one decimal; members with no
// ratings keep DefaultTrustScore.
func TrustScore(ratings []*Rating, now time.Time) float64 {
	if len(ratings) == 0 {
		return DefaultTrustScore
	}

	score := average(ratings)*baseWeight +
		volumeScore(len(ratings))*volumeWeight +
		recencyScore(ratings, now)*recencyWeight +
		consistencyScore(ratings)*consistencyWeight +
		verificationScore(ratings)*verificationWeight
	score = clamp(score + adjustment(ratings, now))
	return math.Round(score*10) / 10
}

// Scorer returns TrustScore bound to clock, for stores that recompute the
// score inside their own transaction.
func Scorer(clock func() time.Time) ScoreFunc {
	return func(ratings []*Rating) float64 { return TrustScore(ratings, clock()) }
}

func average(ratings []*Rating) float64 {
	sum := 0
	for _, r := range ratings {
		sum += r.Value
	}
	return float64(sum) / float64(len(ratings))
}

// volumeScore grows logarithmically from 4 and saturates at 5 once a member
// has fullTrustRatings ratings.
func volumeScore(n int) float64 {
	return 4 + math.Min(1, math.Log(float64(n)+1)/math.Log(fullTrustRatings+1))
}

// recencyScore weights each rating by exp(-age/30 days).
func recencyScore(ratings []*Rating, now time.Time) float64 {
	var sum, weights float64
	for _, r := range ratings {
		w := math.Exp(-float64(daysBetween(r.CreatedAt, now)) / recencyDays)
		sum += float64(r.Value) * w
		weights += w
	}
	if weights == 0 {
		return DefaultTrustScore
	}
	return sum / weights
}

// consistencyScore scales the mean down by the spread of the ratings. The
// largest possible standard deviation on a 1..5 scale is 2.
func consistencyScore(ratings []*Rating) float64 {
	if len(ratings) < 2 {
		return DefaultTrustScore
	}
	mean := average(ratings)
	var variance float64
	for _, r := range ratings {
		d := float64(r.Value) - mean
		variance += d * d
	}
	stddev := math.Sqrt(variance / float64(len(ratings)))
	return math.Max(0, mean*(1-stddev/2))
}

// verificationScore favours ratings tied to a booking.
func verificationScore(ratings []*Rating) float64 {
	sum, verified := 0, 0
	for _, r := range ratings {
		if r.BookingID != uuid.Nil {
			sum += r.Value
			verified++
		}
	}
	verifiedAvg := DefaultTrustScore
	if verified > 0 {
		verifiedAvg = float64(sum) / float64(verified)
	}
	return verifiedAvg * (0.7 + 0.3*float64(verified)/float64(len(ratings)))
}

// adjustment is the bonus for mostly excellent ratings and long standing
// members, less the penalty for a large share of low ratings.
func adjustment(ratings []*Rating, now time.Time) float64 {
	n := float64(len(ratings))
	excellent, low := 0, 0
	oldest := now
	for _, r := range ratings {
		if float64(r.Value) >= excellentRating {
			excellent++
		}
		if r.Value <= lowRating {
			low++
		}
		if r.CreatedAt.Before(oldest) {
			oldest = r.CreatedAt
		}
	}

	var adj float64
	switch share := float64(excellent) / n; {
	case share >= 0.8:
		adj += 0.3
	case share >= 0.6:
		adj += 0.2
	}
	switch share := float64(low) / n; {
	case share >= 0.3:
		adj -= 0.5
	case share >= 0.15:
		adj -= 0.3
	}
	if len(ratings) >= longevityRatings && daysBetween(oldest, now) >= longevityDays {
		adj += 0.1
	}
	return adj
}

// daysBetween counts whole days from then to now, never negative.
func daysBetween(then, now time.Time) int {
	if now.Before(then) {
		return 0
	}
	return int(now.Sub(then).Hours() / 24)
}

func clamp(score float64) float64 {
	return math.Max(0, math.Min(MaxRating, score))
}
