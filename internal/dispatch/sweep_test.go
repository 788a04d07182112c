package dispatch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/hedibennis17-tech/kulooc-sub001/internal/models"
	"github.com/hedibennis17-tech/kulooc-sub001/internal/storage"
)

func TestSweepRunOnceDispatchesPending(t *testing.T) {
	store := storage.NewMemoryStore()
	e := newTestEngine(store)
	job := NewSweepJob(e, 0, 20, quietLogger())
	ctx := context.Background()

	seedRequest(t, store, "r1")
	seedRequest(t, store, "r2")
	seedDriver(t, store, "d1", 45.503, -73.569, 4.0)
	seedDriver(t, store, "d2", 45.504, -73.57, 4.0)

	stats, err := job.RunOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Processed != 2 || stats.Offered != 2 {
		t.Fatalf("expected both requests offered, got %+v", stats)
	}

	for _, id := range []string{"r1", "r2"} {
		req, _ := store.GetRequest(ctx, id)
		if req.Status != models.RequestOffered {
			t.Fatalf("request %s not offered: %s", id, req.Status)
		}
	}
}

func TestSweepBatchIsBounded(t *testing.T) {
	store := storage.NewMemoryStore()
	e := newTestEngine(store)
	job := NewSweepJob(e, 0, 3, quietLogger())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		seedRequest(t, store, fmt.Sprintf("r%d", i))
	}

	stats, err := job.RunOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Processed != 3 {
		t.Fatalf("expected batch of 3, processed %d", stats.Processed)
	}
}

func TestSweepCountsZeroDriverPasses(t *testing.T) {
	store := storage.NewMemoryStore()
	e := newTestEngine(store)
	job := NewSweepJob(e, 0, 20, quietLogger())

	seedRequest(t, store, "r1")

	stats, err := job.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.ZeroDriverPasses != 1 || stats.Offered != 0 {
		t.Fatalf("expected one zero-driver pass, got %+v", stats)
	}
}

func TestSweepExpiresThenRedispatches(t *testing.T) {
	store := storage.NewMemoryStore()
	e := newTestEngine(store)
	job := NewSweepJob(e, 0, 20, quietLogger())
	ctx := context.Background()

	seedRequest(t, store, "r1")
	seedDriver(t, store, "d1", 45.503, -73.569, 4.0)
	if _, err := e.ProcessRequest(ctx, "r1"); err != nil {
		t.Fatalf("process: %v", err)
	}

	// Lapse the offer; the same pass should expire it and offer again. The
	// timed-out driver carries no decline mark, so he is back in contention.
	e.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	stats, err := job.RunOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Expired != 1 {
		t.Fatalf("expected 1 expiry, got %+v", stats)
	}
	if stats.Offered != 1 {
		t.Fatalf("expected immediate re-offer, got %+v", stats)
	}
	req, _ := store.GetRequest(ctx, "r1")
	if req.Status != models.RequestOffered || req.OfferedToDriverID != "d1" {
		t.Fatalf("expected re-offer to d1, got %+v", req)
	}
}
