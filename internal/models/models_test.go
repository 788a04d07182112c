package models

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to RequestStatus
		want     bool
	}{
		{RequestPending, RequestOffered, true},
		{RequestSearching, RequestOffered, true},
		{RequestOffered, RequestDriverAssigned, true},
		{RequestOffered, RequestPending, true}, // decline or expiry
		{RequestOffered, RequestCancelled, true},
		{RequestDriverAssigned, RequestDriverArrived, true},
		{RequestInProgress, RequestCompleted, true},

		{RequestPending, RequestDriverAssigned, false}, // must pass through an offer
		{RequestDriverAssigned, RequestCancelled, false},
		{RequestCompleted, RequestPending, false},
		{RequestCancelled, RequestOffered, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestDispatchable(t *testing.T) {
	if !RequestPending.Dispatchable() || !RequestSearching.Dispatchable() {
		t.Fatalf("pending and searching must be dispatchable")
	}
	for _, s := range []RequestStatus{RequestOffered, RequestDriverAssigned, RequestCompleted, RequestCancelled} {
		if s.Dispatchable() {
			t.Fatalf("%s must not be dispatchable", s)
		}
	}
}

func TestDriverAvailable(t *testing.T) {
	d := &Driver{ID: "d1", Status: DriverOnline}
	if !d.Available() {
		t.Fatalf("idle online driver must be available")
	}
	d.CurrentRideID = "r1"
	if d.Available() {
		t.Fatalf("a bound ride overrides any status")
	}
	d.CurrentRideID = ""
	d.Status = DriverOffline
	if d.Available() {
		t.Fatalf("offline driver must not be available")
	}
}

func TestOfferID(t *testing.T) {
	if got := OfferID("req-1", "drv-2"); got != "req-1:drv-2" {
		t.Fatalf("offer id: %s", got)
	}
}

func TestWaitSeconds(t *testing.T) {
	now := time.Now()
	r := &RideRequest{RequestedAt: now.Add(-90 * time.Second)}
	if w := r.WaitSeconds(now); w < 89 || w > 91 {
		t.Fatalf("wait seconds: %f", w)
	}
}
