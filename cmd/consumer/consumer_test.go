package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hedibennis17-tech/kulooc-sub001/internal/models"
)

// fakeUpdater implements RedisUpdater for tests
type fakeUpdater struct {
	failGeo  int // number of times to fail GeoAdd before succeeding
	failH    int // number of times to fail HSet before succeeding
	geoCalls int
	hCalls   int
	lastMeta map[string]interface{}
}

func (f *fakeUpdater) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	f.geoCalls++
	if f.geoCalls <= f.failGeo {
		return errors.New("geo fail")
	}
	return nil
}

func (f *fakeUpdater) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	f.hCalls++
	if f.hCalls <= f.failH {
		return errors.New("hset fail")
	}
	f.lastMeta = values
	return nil
}

func testDriver() *models.Driver {
	return &models.Driver{
		ID:             "d1",
		Status:         models.DriverOnline,
		Location:       &models.Coordinate{Lat: 45.5, Lon: -73.6},
		AverageRating:  4.5,
		AcceptanceRate: 0.9,
		OnlineSince:    time.Now().Add(-time.Hour),
	}
}

func TestUpdateRedisWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{failGeo: 1, failH: 1}
	ctx := context.Background()
	start := time.Now()
	if err := updateRedisWithRetry(ctx, f, "drivers_geo", testDriver(), 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.geoCalls < 2 || f.hCalls < 2 {
		t.Fatalf("expected retries, got geo=%d h=%d", f.geoCalls, f.hCalls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
}

func TestUpdateRedisWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{failGeo: 5, failH: 0}
	ctx := context.Background()
	if err := updateRedisWithRetry(ctx, f, "drivers_geo", testDriver(), 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
}

func TestUpdateRedisWithRetry_WritesDispatchMeta(t *testing.T) {
	f := &fakeUpdater{}
	d := testDriver()
	d.CurrentRideID = "ride-9"
	if err := updateRedisWithRetry(context.Background(), f, "drivers_geo", d, 1, time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.lastMeta["status"] != "online" {
		t.Fatalf("expected status online, got %v", f.lastMeta["status"])
	}
	if f.lastMeta["current_ride_id"] != "ride-9" {
		t.Fatalf("expected current_ride_id mirrored, got %v", f.lastMeta["current_ride_id"])
	}
}
