package forms

type Rating string

const (
	RatingNone     Rating = ""
	RatingLow      Rating = "LOW"
	RatingMedium   Rating = "MEDIUM"
	RatingHigh     Rating = "HIGH"
	RatingVeryHigh Rating = "VERY_HIGH"
)

// Rate maps a likelihood x severity score (1-25) onto its band.
func Rate(score int) Rating {
	switch {
	case score <= 0:
		return RatingNone
	case score <= 4:
		return RatingLow
	case score <= 9:
		return RatingMedium
	case score <= 16:
		return RatingHigh
	default:
		return RatingVeryHigh
	}
}

func ratingRank(r Rating) int {
	switch r {
	case RatingLow:
		return 1
	case RatingMedium:
		return 2
	case RatingHigh:
		return 3
	case RatingVeryHigh:
		return 4
	default:
		return 0
	}
}

// Highest returns the most severe of the given ratings.
func Highest(ratings ...Rating) Rating {
	best := RatingNone
	for _, r := range ratings {
		if ratingRank(r) > ratingRank(best) {
			best = r
		}
	}
	return best
}
