package storage

import (
	"context"
	"testing"
	"time"

	"github.com/hedibennis17-tech/kulooc-sub001/internal/models"
)

func seedOfferedRequest(t *testing.T, m *MemoryStore, requestID, driverID string) {
	t.Helper()
	ctx := context.Background()
	req := &models.RideRequest{
		ID:          requestID,
		PassengerID: "p1",
		Pickup:      models.Coordinate{Lat: 45.5017, Lon: -73.5673},
		Destination: models.Coordinate{Lat: 45.5088, Lon: -73.554},
		ServiceType: "KULOOC X",
		Status:      models.RequestPending,
		RequestedAt: time.Now(),
	}
	if err := m.CreateRequest(ctx, req); err != nil {
		t.Fatalf("create request: %v", err)
	}
	offer := &models.DriverOffer{
		ID:        models.OfferID(requestID, driverID),
		RequestID: requestID,
		DriverID:  driverID,
		Status:    models.OfferPending,
	}
	ok, err := m.OfferRequest(ctx, requestID, driverID, time.Now().Add(time.Minute), offer)
	if err != nil || !ok {
		t.Fatalf("offer request: ok=%v err=%v", ok, err)
	}
}

// A location heartbeat arrives as a fresh Driver value with no assignment on
// it. Upserting it must not release an on-trip driver back into the pool.
func TestUpsertDriverPreservesAssignment(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	d := &models.Driver{
		ID:          "d1",
		Status:      models.DriverOnline,
		Location:    &models.Coordinate{Lat: 45.503, Lon: -73.569},
		OnlineSince: time.Now().Add(-time.Hour),
	}
	if err := m.UpsertDriver(ctx, d); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	seedOfferedRequest(t, m, "r1", "d1")

	ride := &models.ActiveRide{ID: "ride-1", RequestID: "r1", DriverID: "d1", Status: models.RideDriverAssigned}
	ok, err := m.AcceptOffer(ctx, "r1", "d1", time.Now(), ride)
	if err != nil || !ok {
		t.Fatalf("accept: ok=%v err=%v", ok, err)
	}

	heartbeat := &models.Driver{
		ID:          "d1",
		Status:      models.DriverOnline,
		Location:    &models.Coordinate{Lat: 45.510, Lon: -73.560},
		OnlineSince: time.Now(),
	}
	if err := m.UpsertDriver(ctx, heartbeat); err != nil {
		t.Fatalf("heartbeat upsert: %v", err)
	}

	got, err := m.GetDriver(ctx, "d1")
	if err != nil {
		t.Fatalf("get driver: %v", err)
	}
	if got.CurrentRideID != "ride-1" {
		t.Fatalf("heartbeat cleared assignment: current_ride_id = %q, want %q", got.CurrentRideID, "ride-1")
	}
	if got.Available() {
		t.Fatal("on-trip driver reported available after heartbeat")
	}
	if got.Location == nil || got.Location.Lat != 45.510 {
		t.Fatalf("heartbeat location not applied: %+v", got.Location)
	}

	avail, err := m.AvailableDrivers(ctx)
	if err != nil {
		t.Fatalf("available drivers: %v", err)
	}
	if len(avail) != 0 {
		t.Fatalf("on-trip driver surfaced as dispatchable: %+v", avail[0])
	}
}

// A first-seen upsert still records the assignment it carries; only updates
// of existing drivers leave the field alone.
func TestUpsertDriverNewRecordKeepsCarriedAssignment(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	d := &models.Driver{ID: "d2", Status: models.DriverOnTrip, CurrentRideID: "ride-7"}
	if err := m.UpsertDriver(ctx, d); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := m.GetDriver(ctx, "d2")
	if err != nil {
		t.Fatalf("get driver: %v", err)
	}
	if got.CurrentRideID != "ride-7" {
		t.Fatalf("current_ride_id = %q, want %q", got.CurrentRideID, "ride-7")
	}
}
