package storage

import (
	"context"
	"errors"
	"time"

	"github.com/hedibennis17-tech/kulooc-sub001/internal/models"
)

var (
	ErrNotFound = errors.New("record not found")
)

// Store is the shared mutable state behind dispatch. Every method is one
// atomic transaction boundary: the read-verify-write it performs is
// indivisible with respect to concurrent calls on the same record, whichever
// backend implements it. The transition methods return false, not an error,
// when their precondition no longer holds (a lost race is an expected
// outcome, not a failure).
//
// Nothing outside this interface may mutate a request, driver, offer, or ride
// field; bare field updates would bypass the atomicity contract.
type Store interface {
	CreateRequest(ctx context.Context, r *models.RideRequest) error
	GetRequest(ctx context.Context, id string) (*models.RideRequest, error)
	// DispatchableRequests returns up to limit requests in pending/searching,
	// oldest first.
	DispatchableRequests(ctx context.Context, limit int) ([]*models.RideRequest, error)
	// OfferedRequests returns up to limit requests sitting in offered state,
	// oldest offer first.
	OfferedRequests(ctx context.Context, limit int) ([]*models.RideRequest, error)

	UpsertDriver(ctx context.Context, d *models.Driver) error
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	// AvailableDrivers returns drivers passing the eligibility gate:
	// status in {online, en-route, on-trip} and no current ride.
	AvailableDrivers(ctx context.Context) ([]*models.Driver, error)

	// OfferRequest transitions the request to offered and creates the
	// DriverOffer projection in one unit. Fails (false) unless the request is
	// still dispatchable, so two concurrent passes can never offer the same
	// request twice.
	OfferRequest(ctx context.Context, requestID, driverID string, expiresAt time.Time, offer *models.DriverOffer) (bool, error)

	// AcceptOffer verifies the request is still offered to this exact driver
	// and the offer has not lapsed, then commits the ride: request becomes
	// driver-assigned, the driver's current ride is set and status flips to
	// en-route, the offer is marked accepted, and the ActiveRide is created.
	AcceptOffer(ctx context.Context, requestID, driverID string, now time.Time, ride *models.ActiveRide) (bool, error)

	// DeclineOffer appends the driver to the request's decline set, clears
	// the offer fields, returns the request to pending, and marks the offer
	// declined.
	DeclineOffer(ctx context.Context, requestID, driverID string, now time.Time) (bool, error)

	// ExpireOffer resets an offered request whose expiry has passed back to
	// pending without penalizing the unresponsive driver.
	ExpireOffer(ctx context.Context, requestID string, now time.Time) (bool, error)

	// CancelRequest terminates a request still in pending/searching/offered.
	CancelRequest(ctx context.Context, requestID string, now time.Time) (bool, error)

	GetOffer(ctx context.Context, id string) (*models.DriverOffer, error)
	GetRide(ctx context.Context, id string) (*models.ActiveRide, error)

	// AdvanceRide moves an active ride (and its request mirror) one step
	// along driver-assigned -> driver-arrived -> in-progress.
	AdvanceRide(ctx context.Context, rideID string, from, to models.RideStatus, now time.Time) (bool, error)

	// CompleteRide finalizes the ride with its committed fare and writes the
	// immutable ledger record. The ledger is append-only: a ride can be
	// completed at most once.
	CompleteRide(ctx context.Context, rideID string, fare models.FareBreakdown, txn *models.Transaction, now time.Time) (bool, error)

	// ReactivateDriver force-writes the driver back to online with no
	// current ride. Callers retry this; a silent failure here removes the
	// driver from supply indefinitely.
	ReactivateDriver(ctx context.Context, driverID string) error

	GetTransaction(ctx context.Context, rideID string) (*models.Transaction, error)
}
