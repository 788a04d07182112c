package match

import (
	"sort"
	"time"

	"github.com/hedibennis17-tech/kulooc-sub001/internal/geo"
	"github.com/hedibennis17-tech/kulooc-sub001/internal/models"
)

// Weights controls the composite score mix. Distance dominates so pickups stay
// fast, idle time breaks ties toward drivers who have waited (closest-only
// would starve them), rating nudges toward quality.
type Weights struct {
	Distance float64
	Idle     float64
	Rating   float64
}

func DefaultWeights() Weights {
	return Weights{Distance: 0.5, Idle: 0.3, Rating: 0.2}
}

// Scorer ranks candidate drivers for a request.
type Scorer struct {
	Weights Weights
	// DistanceCapKm is the radius at which the distance component reaches 0.
	DistanceCapKm float64
	// MaxRadiusKm excludes candidates entirely, whatever their score. Drivers
	// with no known location are not excluded, only scored neutrally.
	MaxRadiusKm float64
}

func NewScorer(w Weights, distanceCapKm, maxRadiusKm float64) *Scorer {
	if distanceCapKm <= 0 {
		distanceCapKm = 15
	}
	if maxRadiusKm <= 0 {
		maxRadiusKm = 25
	}
	return &Scorer{Weights: w, DistanceCapKm: distanceCapKm, MaxRadiusKm: maxRadiusKm}
}

const neutralDistanceComponent = 0.5

// Score returns the composite match score in [0,1] and whether the driver is
// within dispatch range at all.
func (s *Scorer) Score(d *models.Driver, req *models.RideRequest, now time.Time) (float64, bool) {
	distComp := neutralDistanceComponent
	if d.Location != nil {
		dist := geo.DistanceKm(*d.Location, req.Pickup)
		if dist > s.MaxRadiusKm {
			return 0, false
		}
		distComp = 1 - dist/s.DistanceCapKm
		if distComp < 0 {
			distComp = 0
		}
	}

	idleComp := now.Sub(d.OnlineSince).Seconds() / 3600
	if idleComp > 1 {
		idleComp = 1
	}
	if idleComp < 0 {
		idleComp = 0
	}

	ratingComp := d.AverageRating / 5
	if ratingComp > 1 {
		ratingComp = 1
	}
	if ratingComp < 0 {
		ratingComp = 0
	}

	score := s.Weights.Distance*distComp + s.Weights.Idle*idleComp + s.Weights.Rating*ratingComp
	return score, true
}

// Ranked is one scored candidate.
type Ranked struct {
	Driver *models.Driver
	Score  float64
}

// Rank scores every candidate against the request and returns them best
// first. Out-of-range candidates are dropped.
func (s *Scorer) Rank(candidates []*models.Driver, req *models.RideRequest, now time.Time) []Ranked {
	out := make([]Ranked, 0, len(candidates))
	for _, d := range candidates {
		sc, ok := s.Score(d, req, now)
		if !ok {
			continue
		}
		out = append(out, Ranked{Driver: d, Score: sc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}
