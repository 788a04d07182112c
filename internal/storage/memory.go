package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hedibennis17-tech/kulooc-sub001/internal/models"
)

// MemoryStore keeps all dispatch state in maps behind one mutex. Each exported
// method holds the lock for its whole read-verify-write, which is what makes
// it a valid Store: concurrent transitions on the same record serialize here
// the way SQL transactions do in the Postgres backend.
type MemoryStore struct {
	mu       sync.Mutex
	requests map[string]*models.RideRequest
	drivers  map[string]*models.Driver
	offers   map[string]*models.DriverOffer
	rides    map[string]*models.ActiveRide
	ledger   map[string]*models.Transaction // keyed by ride id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*models.RideRequest),
		drivers:  make(map[string]*models.Driver),
		offers:   make(map[string]*models.DriverOffer),
		rides:    make(map[string]*models.ActiveRide),
		ledger:   make(map[string]*models.Transaction),
	}
}

func (m *MemoryStore) CreateRequest(ctx context.Context, r *models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.ID] = cloneRequest(r)
	return nil
}

func (m *MemoryStore) GetRequest(ctx context.Context, id string) (*models.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRequest(r), nil
}

func (m *MemoryStore) DispatchableRequests(ctx context.Context, limit int) ([]*models.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.RideRequest, 0, limit)
	for _, r := range m.requests {
		if r.Status.Dispatchable() {
			out = append(out, cloneRequest(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) OfferedRequests(ctx context.Context, limit int) ([]*models.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.RideRequest, 0, limit)
	for _, r := range m.requests {
		if r.Status == models.RequestOffered {
			out = append(out, cloneRequest(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := time.Time{}, time.Time{}
		if out[i].OfferExpiresAt != nil {
			ti = *out[i].OfferExpiresAt
		}
		if out[j].OfferExpiresAt != nil {
			tj = *out[j].OfferExpiresAt
		}
		return ti.Before(tj)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) UpsertDriver(ctx context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneDriver(d)
	cp.UpdatedAt = time.Now()
	// current_ride_id is owned by AcceptOffer and ReactivateDriver. A
	// heartbeat upsert never moves it, same as the Postgres ON CONFLICT
	// update, so an on-trip driver cannot re-enter the pool mid-ride.
	if prev, ok := m.drivers[d.ID]; ok {
		cp.CurrentRideID = prev.CurrentRideID
	}
	m.drivers[d.ID] = cp
	return nil
}

func (m *MemoryStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDriver(d), nil
}

func (m *MemoryStore) AvailableDrivers(ctx context.Context) ([]*models.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		if d.Available() {
			out = append(out, cloneDriver(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) OfferRequest(ctx context.Context, requestID, driverID string, expiresAt time.Time, offer *models.DriverOffer) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok {
		return false, ErrNotFound
	}
	if !r.Status.Dispatchable() {
		return false, nil
	}
	r.Status = models.RequestOffered
	r.OfferedToDriverID = driverID
	exp := expiresAt
	r.OfferExpiresAt = &exp
	r.UpdatedAt = time.Now()
	m.offers[offer.ID] = cloneOffer(offer)
	return true, nil
}

func (m *MemoryStore) AcceptOffer(ctx context.Context, requestID, driverID string, now time.Time, ride *models.ActiveRide) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status != models.RequestOffered || r.OfferedToDriverID != driverID {
		return false, nil
	}
	if r.OfferExpiresAt == nil || !now.Before(*r.OfferExpiresAt) {
		return false, nil
	}
	d, ok := m.drivers[driverID]
	if !ok {
		return false, ErrNotFound
	}
	if d.CurrentRideID != "" {
		return false, nil
	}

	r.Status = models.RequestDriverAssigned
	r.OfferedToDriverID = ""
	r.OfferExpiresAt = nil
	r.UpdatedAt = now

	d.CurrentRideID = ride.ID
	d.Status = models.DriverEnRoute
	d.UpdatedAt = now

	if o, ok := m.offers[models.OfferID(requestID, driverID)]; ok {
		o.Status = models.OfferAccepted
	}
	m.rides[ride.ID] = cloneRide(ride)
	return true, nil
}

func (m *MemoryStore) DeclineOffer(ctx context.Context, requestID, driverID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status != models.RequestOffered || r.OfferedToDriverID != driverID {
		return false, nil
	}
	if !r.HasDeclined(driverID) {
		r.DeclinedBy = append(r.DeclinedBy, driverID)
	}
	r.Status = models.RequestPending
	r.OfferedToDriverID = ""
	r.OfferExpiresAt = nil
	r.UpdatedAt = now
	if o, ok := m.offers[models.OfferID(requestID, driverID)]; ok {
		o.Status = models.OfferDeclined
	}
	return true, nil
}

func (m *MemoryStore) ExpireOffer(ctx context.Context, requestID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status != models.RequestOffered {
		return false, nil
	}
	if r.OfferExpiresAt != nil && now.Before(*r.OfferExpiresAt) {
		return false, nil
	}
	if o, ok := m.offers[models.OfferID(requestID, r.OfferedToDriverID)]; ok && o.Status == models.OfferPending {
		o.Status = models.OfferExpired
	}
	// No decline penalty on timeout; the driver may simply not have seen it.
	r.Status = models.RequestPending
	r.OfferedToDriverID = ""
	r.OfferExpiresAt = nil
	r.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) CancelRequest(ctx context.Context, requestID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok {
		return false, ErrNotFound
	}
	if !models.CanTransition(r.Status, models.RequestCancelled) {
		return false, nil
	}
	if r.OfferedToDriverID != "" {
		if o, ok := m.offers[models.OfferID(requestID, r.OfferedToDriverID)]; ok && o.Status == models.OfferPending {
			o.Status = models.OfferExpired
		}
	}
	r.Status = models.RequestCancelled
	r.OfferedToDriverID = ""
	r.OfferExpiresAt = nil
	r.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) GetOffer(ctx context.Context, id string) (*models.DriverOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOffer(o), nil
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (*models.ActiveRide, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRide(r), nil
}

func (m *MemoryStore) AdvanceRide(ctx context.Context, rideID string, from, to models.RideStatus, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ride, ok := m.rides[rideID]
	if !ok {
		return false, ErrNotFound
	}
	if ride.Status != from {
		return false, nil
	}
	ride.Status = to
	switch to {
	case models.RideDriverArrived:
		t := now
		ride.ArrivedAt = &t
	case models.RideInProgress:
		t := now
		ride.StartedAt = &t
	}
	if req, ok := m.requests[ride.RequestID]; ok {
		req.Status = models.RequestStatus(to)
		req.UpdatedAt = now
	}
	return true, nil
}

func (m *MemoryStore) CompleteRide(ctx context.Context, rideID string, fare models.FareBreakdown, txn *models.Transaction, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ride, ok := m.rides[rideID]
	if !ok {
		return false, ErrNotFound
	}
	if ride.Status != models.RideInProgress {
		return false, nil
	}
	if _, exists := m.ledger[rideID]; exists {
		return false, nil
	}
	ride.Status = models.RideCompleted
	t := now
	ride.CompletedAt = &t
	f := fare
	ride.Fare = &f
	if req, ok := m.requests[ride.RequestID]; ok {
		req.Status = models.RequestCompleted
		req.UpdatedAt = now
	}
	cp := *txn
	m.ledger[rideID] = &cp
	return true, nil
}

func (m *MemoryStore) ReactivateDriver(ctx context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return ErrNotFound
	}
	d.Status = models.DriverOnline
	d.CurrentRideID = ""
	d.OnlineSince = time.Now()
	d.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, rideID string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.ledger[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func cloneRequest(r *models.RideRequest) *models.RideRequest {
	cp := *r
	if r.OfferExpiresAt != nil {
		t := *r.OfferExpiresAt
		cp.OfferExpiresAt = &t
	}
	cp.DeclinedBy = append([]string(nil), r.DeclinedBy...)
	return &cp
}

func cloneDriver(d *models.Driver) *models.Driver {
	cp := *d
	if d.Location != nil {
		loc := *d.Location
		cp.Location = &loc
	}
	return &cp
}

func cloneOffer(o *models.DriverOffer) *models.DriverOffer {
	cp := *o
	return &cp
}

func cloneRide(r *models.ActiveRide) *models.ActiveRide {
	cp := *r
	if r.Fare != nil {
		f := *r.Fare
		cp.Fare = &f
	}
	return &cp
}
