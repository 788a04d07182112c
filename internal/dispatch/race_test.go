package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hedibennis17-tech/kulooc-sub001/internal/models"
	"github.com/hedibennis17-tech/kulooc-sub001/internal/storage"
)

// One request, one offered driver, many concurrent accept calls from that
// driver's racing clients. Exactly one may win; the rest get the explicit
// lost-race result.
func TestConcurrentAcceptsExactlyOneWins(t *testing.T) {
	store := storage.NewMemoryStore()
	e := newTestEngine(store)
	ctx := context.Background()

	seedRequest(t, store, "r1")
	seedDriver(t, store, "d1", 45.503, -73.569, 4.5)
	if _, err := e.ProcessRequest(ctx, "r1"); err != nil {
		t.Fatalf("process: %v", err)
	}

	const n = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	var wins, losses int
	var rides []*models.ActiveRide

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ride, err := e.AcceptOffer(ctx, "r1", "d1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
				rides = append(rides, ride)
			case errors.Is(err, ErrOfferNotValid):
				losses++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly 1 winner, got %d (losses=%d)", wins, losses)
	}
	if losses != n-1 {
		t.Fatalf("expected %d lost races, got %d", n-1, losses)
	}

	d, err := store.GetDriver(ctx, "d1")
	if err != nil {
		t.Fatalf("get driver: %v", err)
	}
	if d.CurrentRideID != rides[0].ID {
		t.Fatalf("driver bound to %q, winner ride is %q", d.CurrentRideID, rides[0].ID)
	}
}

// Two offered drivers race to accept requests while a sweep expires them.
// Whatever interleaving happens, no driver ends up on two rides and no
// request ends up assigned twice.
func TestConcurrentSweepAndAccept(t *testing.T) {
	store := storage.NewMemoryStore()
	e := newTestEngine(store)
	ctx := context.Background()

	const requests = 8
	for i := 0; i < requests; i++ {
		seedRequest(t, store, fmt.Sprintf("r%d", i))
	}
	for i := 0; i < requests; i++ {
		seedDriver(t, store, fmt.Sprintf("d%d", i), 45.503, -73.569, 4.0)
	}

	offered := make(map[string]string) // request -> driver
	for i := 0; i < requests; i++ {
		id := fmt.Sprintf("r%d", i)
		res, err := e.ProcessRequest(ctx, id)
		if err != nil {
			t.Fatalf("process %s: %v", id, err)
		}
		if !res.Offered {
			t.Fatalf("no offer for %s", id)
		}
		offered[id] = res.DriverID
	}

	var wg sync.WaitGroup
	for reqID, drvID := range offered {
		wg.Add(1)
		go func(reqID, drvID string) {
			defer wg.Done()
			_, _ = e.AcceptOffer(ctx, reqID, drvID)
		}(reqID, drvID)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = e.SweepExpiredOffers(ctx, 20)
	}()
	wg.Wait()

	seen := make(map[string]string) // ride -> driver
	for i := 0; i < requests; i++ {
		d, err := store.GetDriver(ctx, fmt.Sprintf("d%d", i))
		if err != nil {
			t.Fatalf("get driver: %v", err)
		}
		if d.CurrentRideID == "" {
			continue
		}
		if prev, dup := seen[d.CurrentRideID]; dup {
			t.Fatalf("ride %s bound to both %s and %s", d.CurrentRideID, prev, d.ID)
		}
		seen[d.CurrentRideID] = d.ID
	}
}

func TestConcurrentCompletionsSingleLedgerRow(t *testing.T) {
	store := storage.NewMemoryStore()
	e := newTestEngine(store)
	ctx := context.Background()

	seedRequest(t, store, "r1")
	seedDriver(t, store, "d1", 45.503, -73.569, 4.5)
	if _, err := e.ProcessRequest(ctx, "r1"); err != nil {
		t.Fatalf("process: %v", err)
	}
	ride, err := e.AcceptOffer(ctx, "r1", "d1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := e.DriverArrived(ctx, ride.ID); err != nil {
		t.Fatalf("arrive: %v", err)
	}
	if err := e.StartTrip(ctx, ride.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	const n = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	var completions int
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.CompleteRide(ctx, ride.ID, 10, 15); err == nil {
				mu.Lock()
				completions++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if completions != 1 {
		t.Fatalf("expected exactly 1 completion, got %d", completions)
	}
	if _, err := store.GetTransaction(ctx, ride.ID); err != nil {
		t.Fatalf("ledger row missing: %v", err)
	}

	// Supply recovers within the retry window.
	deadline := time.Now().Add(time.Second)
	for {
		d, _ := store.GetDriver(ctx, "d1")
		if d.CurrentRideID == "" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("driver never reactivated")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Many dispatch passes race over the same pending request. The offer CAS in
// the store lets exactly one pass place an offer; every other pass reports a
// lost race or finds the request already past dispatch.
func TestConcurrentDispatchPassesPlaceOneOffer(t *testing.T) {
	store := storage.NewMemoryStore()
	e := newTestEngine(store)
	ctx := context.Background()

	seedRequest(t, store, "r1")
	driverIDs := []string{"d1", "d2", "d3"}
	seedDriver(t, store, "d1", 45.503, -73.569, 4.5)
	seedDriver(t, store, "d2", 45.505, -73.570, 4.2)
	seedDriver(t, store, "d3", 45.508, -73.572, 4.8)

	const n = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	var offered, lost, notDispatchable int
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.ProcessRequest(ctx, "r1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && res.Offered:
				offered++
			case err == nil && res.LostRace:
				lost++
			case errors.Is(err, ErrNotDispatchable):
				notDispatchable++
			default:
				t.Errorf("unexpected outcome: res=%+v err=%v", res, err)
			}
		}()
	}
	wg.Wait()

	if offered != 1 {
		t.Fatalf("expected exactly 1 pass to offer, got %d (lost=%d, not-dispatchable=%d)",
			offered, lost, notDispatchable)
	}
	if lost+notDispatchable != n-1 {
		t.Fatalf("outcomes do not add up: offered=%d lost=%d not-dispatchable=%d",
			offered, lost, notDispatchable)
	}

	req, err := store.GetRequest(ctx, "r1")
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if req.Status != models.RequestOffered || req.OfferedToDriverID == "" {
		t.Fatalf("request not holding a single live offer: %+v", req)
	}
	pending := 0
	for _, id := range driverIDs {
		o, err := store.GetOffer(ctx, models.OfferID("r1", id))
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			t.Fatalf("get offer: %v", err)
		}
		if o.Status == models.OfferPending {
			pending++
			if o.DriverID != req.OfferedToDriverID {
				t.Fatalf("pending offer for %s but request offered to %s", o.DriverID, req.OfferedToDriverID)
			}
		}
	}
	if pending != 1 {
		t.Fatalf("pending offers = %d, want 1", pending)
	}
}
