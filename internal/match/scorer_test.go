package match

import (
	"math"
	"testing"
	"time"

	"github.com/hedibennis17-tech/kulooc-sub001/internal/models"
)

var pickup = models.Coordinate{Lat: 45.5017, Lon: -73.5673}

func request() *models.RideRequest {
	return &models.RideRequest{ID: "req-1", Pickup: pickup}
}

func driverAt(id string, lat, lon float64, rating float64, online time.Duration, now time.Time) *models.Driver {
	return &models.Driver{
		ID:            id,
		Status:        models.DriverOnline,
		Location:      &models.Coordinate{Lat: lat, Lon: lon},
		AverageRating: rating,
		OnlineSince:   now.Add(-online),
	}
}

func TestScoreWithinBounds(t *testing.T) {
	s := NewScorer(DefaultWeights(), 15, 25)
	now := time.Now()
	d := driverAt("d1", 45.502, -73.568, 4.8, 2*time.Hour, now)

	score, ok := s.Score(d, request(), now)
	if !ok {
		t.Fatalf("expected in-range driver")
	}
	if score < 0 || score > 1 {
		t.Fatalf("score out of [0,1]: %f", score)
	}
}

func TestScoreMissingLocationIsNeutral(t *testing.T) {
	s := NewScorer(DefaultWeights(), 15, 25)
	now := time.Now()
	d := &models.Driver{ID: "d1", Status: models.DriverOnline, AverageRating: 5, OnlineSince: now.Add(-2 * time.Hour)}

	score, ok := s.Score(d, request(), now)
	if !ok {
		t.Fatalf("missing location must not exclude the driver")
	}
	// Neutral distance 0.5, full idle, full rating.
	want := 0.5*0.5 + 0.3*1 + 0.2*1
	if math.Abs(score-want) > 1e-9 {
		t.Fatalf("expected neutral-distance score %f, got %f", want, score)
	}
}

func TestScoreBeyondMaxRadiusExcluded(t *testing.T) {
	s := NewScorer(DefaultWeights(), 15, 25)
	now := time.Now()
	// Quebec City, ~230 km from the pickup.
	d := driverAt("far", 46.8139, -71.2080, 5, time.Hour, now)

	if _, ok := s.Score(d, request(), now); ok {
		t.Fatalf("driver beyond max radius must be excluded")
	}
}

func TestRankPrefersCloserDriver(t *testing.T) {
	s := NewScorer(DefaultWeights(), 15, 25)
	now := time.Now()
	near := driverAt("near", 45.503, -73.569, 4.0, time.Hour, now)
	farther := driverAt("farther", 45.55, -73.62, 4.0, time.Hour, now)

	ranked := s.Rank([]*models.Driver{farther, near}, request(), now)
	if len(ranked) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(ranked))
	}
	if ranked[0].Driver.ID != "near" {
		t.Fatalf("expected near driver first, got %s", ranked[0].Driver.ID)
	}
}

func TestRankIdleBreaksDistanceTie(t *testing.T) {
	s := NewScorer(DefaultWeights(), 15, 25)
	now := time.Now()
	fresh := driverAt("fresh", 45.503, -73.569, 4.0, 5*time.Minute, now)
	waiting := driverAt("waiting", 45.503, -73.569, 4.0, 3*time.Hour, now)

	ranked := s.Rank([]*models.Driver{fresh, waiting}, request(), now)
	if ranked[0].Driver.ID != "waiting" {
		t.Fatalf("expected longer-idle driver to win the tie, got %s", ranked[0].Driver.ID)
	}
}

func TestRankDropsOutOfRange(t *testing.T) {
	s := NewScorer(DefaultWeights(), 15, 25)
	now := time.Now()
	near := driverAt("near", 45.503, -73.569, 4.0, time.Hour, now)
	far := driverAt("far", 46.8139, -71.2080, 5.0, time.Hour, now)

	ranked := s.Rank([]*models.Driver{near, far}, request(), now)
	if len(ranked) != 1 || ranked[0].Driver.ID != "near" {
		t.Fatalf("expected only the in-range driver, got %+v", ranked)
	}
}

func TestIdleComponentCapsAtOneHour(t *testing.T) {
	s := NewScorer(DefaultWeights(), 15, 25)
	now := time.Now()
	oneHour := driverAt("h1", 45.503, -73.569, 4.0, time.Hour, now)
	tenHours := driverAt("h10", 45.503, -73.569, 4.0, 10*time.Hour, now)

	s1, _ := s.Score(oneHour, request(), now)
	s10, _ := s.Score(tenHours, request(), now)
	if math.Abs(s1-s10) > 1e-9 {
		t.Fatalf("idle beyond an hour should not keep raising the score: %f vs %f", s1, s10)
	}
}
