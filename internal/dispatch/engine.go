package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hedibennis17-tech/kulooc-sub001/internal/fare"
	"github.com/hedibennis17-tech/kulooc-sub001/internal/geo"
	"github.com/hedibennis17-tech/kulooc-sub001/internal/match"
	"github.com/hedibennis17-tech/kulooc-sub001/internal/models"
	"github.com/hedibennis17-tech/kulooc-sub001/internal/observability"
	"github.com/hedibennis17-tech/kulooc-sub001/internal/storage"
)

var (
	// ErrOfferNotValid is the explicit lost-race signal: the offer was
	// accepted elsewhere, declined, expired, or never existed. Driver UIs
	// show "this ride was already taken" on it.
	ErrOfferNotValid = errors.New("offer no longer valid")
	// ErrNotDispatchable means the request is past the point where a
	// dispatch pass may touch it.
	ErrNotDispatchable = errors.New("request not dispatchable")
	// ErrRideNotCompletable means the ride is not in a state completion can
	// commit from.
	ErrRideNotCompletable = errors.New("ride not completable")
)

// Notifier pushes offer visibility changes toward driver clients.
// Best-effort: delivery failure never blocks a state transition.
type Notifier interface {
	OfferCreated(ctx context.Context, offer *models.DriverOffer) error
	OfferRevoked(ctx context.Context, driverID, requestID, reason string) error
}

// EventPublisher emits dispatch lifecycle events to the event stream.
type EventPublisher interface {
	PublishDispatchEvent(ctx context.Context, eventType, requestID, driverID, rideID string) error
}

// Settlement is the external payment collaborator: hold at accept, capture at
// completion, release on cancellation. Also best-effort from the core's view.
type Settlement interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
	Capture(ctx context.Context, holdID string) error
	Cancel(ctx context.Context, holdID string) error
}

// Config are the engine tunables.
type Config struct {
	OfferTTL time.Duration
}

// Engine moves ride requests through the offer lifecycle. It keeps no state
// of its own: every mutation goes through one atomic Store operation, so any
// number of engine instances (HTTP handlers, sweep passes, separate
// processes) can race safely.
type Engine struct {
	store    storage.Store
	scorer   *match.Scorer
	fares    *fare.Calculator
	notifier Notifier
	events   EventPublisher
	payments Settlement
	pinger   *Pinger
	geoIdx   geo.Index
	logger   *slog.Logger
	cfg      Config

	now func() time.Time
}

func NewEngine(store storage.Store, scorer *match.Scorer, fares *fare.Calculator, pinger *Pinger, logger *slog.Logger, cfg Config) *Engine {
	if cfg.OfferTTL <= 0 {
		cfg.OfferTTL = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  store,
		scorer: scorer,
		fares:  fares,
		pinger: pinger,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
	}
}

// SetNotifier, SetEvents, SetSettlement and SetGeoIndex attach the optional
// collaborators.
func (e *Engine) SetNotifier(n Notifier)     { e.notifier = n }
func (e *Engine) SetEvents(p EventPublisher) { e.events = p }
func (e *Engine) SetSettlement(s Settlement) { e.payments = s }
func (e *Engine) SetGeoIndex(idx geo.Index)  { e.geoIdx = idx }

// Result reports the outcome of one dispatch pass over one request.
type Result struct {
	RequestID        string `json:"request_id"`
	Offered          bool   `json:"offered"`
	DriverID         string `json:"driver_id,omitempty"`
	DriversAvailable int    `json:"drivers_available"`
	Candidates       int    `json:"candidates"`
	// LostRace means another pass transitioned the request first; the
	// request is in good hands, just not ours.
	LostRace bool `json:"lost_race,omitempty"`
}

// ProcessRequest runs one dispatch pass: build the exclusion set, rank the
// available pool, and atomically place a time-boxed offer with the best
// candidate. A request nobody can serve stays pending and is reported, not
// errored.
func (e *Engine) ProcessRequest(ctx context.Context, requestID string) (Result, error) {
	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return Result{}, fmt.Errorf("load request: %w", err)
	}
	if !req.Status.Dispatchable() {
		return Result{RequestID: requestID}, ErrNotDispatchable
	}

	drivers, err := e.store.AvailableDrivers(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load drivers: %w", err)
	}
	res := Result{RequestID: requestID, DriversAvailable: len(drivers)}
	observability.DriversAvailable.Set(float64(len(drivers)))

	if len(drivers) == 0 {
		observability.ZeroDriverPasses.Inc()
		e.logger.Info("no drivers available", "request_id", requestID,
			"wait_seconds", req.WaitSeconds(e.now()))
		return res, nil
	}

	candidates := e.nearPickup(req, drivers)

	excluded := make(map[string]bool, len(req.DeclinedBy)+1)
	for _, id := range req.DeclinedBy {
		excluded[id] = true
	}
	if req.OfferedToDriverID != "" {
		excluded[req.OfferedToDriverID] = true
	}

	pool := make([]*models.Driver, 0, len(candidates))
	for _, d := range candidates {
		if !excluded[d.ID] {
			pool = append(pool, d)
		}
	}
	now := e.now()
	ranked := e.scorer.Rank(pool, req, now)
	if len(ranked) == 0 {
		// Everyone nearby already declined once. Rather than strand the
		// request, re-rank the full available pool and offer again.
		ranked = e.scorer.Rank(drivers, req, now)
	}
	res.Candidates = len(ranked)
	if len(ranked) == 0 {
		observability.ZeroDriverPasses.Inc()
		e.logger.Info("no candidates in range", "request_id", requestID,
			"drivers_available", len(drivers))
		return res, nil
	}

	best := ranked[0].Driver
	expiresAt := now.Add(e.cfg.OfferTTL)
	offer := &models.DriverOffer{
		ID:             models.OfferID(req.ID, best.ID),
		RequestID:      req.ID,
		DriverID:       best.ID,
		PassengerID:    req.PassengerID,
		PassengerName:  req.PassengerName,
		Pickup:         req.Pickup,
		Destination:    req.Destination,
		ServiceType:    req.ServiceType,
		EstimatedPrice: req.EstimatedPrice,
		Status:         models.OfferPending,
		ExpiresAt:      expiresAt,
		CreatedAt:      now,
	}

	ok, err := e.store.OfferRequest(ctx, req.ID, best.ID, expiresAt, offer)
	if err != nil {
		return res, fmt.Errorf("offer request: %w", err)
	}
	if !ok {
		res.LostRace = true
		return res, nil
	}

	res.Offered = true
	res.DriverID = best.ID
	observability.OffersCreated.Inc()
	e.logger.Info("offer created", "request_id", req.ID, "driver_id", best.ID,
		"score", ranked[0].Score, "expires_at", expiresAt)

	if e.notifier != nil {
		if err := e.notifier.OfferCreated(ctx, offer); err != nil {
			e.logger.Warn("offer notification failed", "driver_id", best.ID, "error", err)
		}
	}
	e.publish(ctx, "offer.created", req.ID, best.ID, "")
	return res, nil
}

const nearbyLimit = 50

// nearPickup narrows the store's eligible pool to drivers the location index
// places within dispatch radius of the pickup. The store stays authoritative
// for eligibility; the index only trims the candidate set, and a cold index
// (or one whose positions exclude everyone) leaves the pool untouched so
// dispatch never stalls on stale geo data.
func (e *Engine) nearPickup(req *models.RideRequest, drivers []*models.Driver) []*models.Driver {
	if e.geoIdx == nil {
		return drivers
	}
	nearby := e.geoIdx.Nearby(req.Pickup.Lat, req.Pickup.Lon, e.scorer.MaxRadiusKm, nearbyLimit)
	if len(nearby) == 0 {
		return drivers
	}
	inRange := make(map[string]bool, len(nearby))
	for _, d := range nearby {
		inRange[d.ID] = true
	}
	out := make([]*models.Driver, 0, len(drivers))
	for _, d := range drivers {
		if inRange[d.ID] {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		return drivers
	}
	return out
}

// AcceptOffer commits the ride for a driver whose offer is still live. The
// verify-and-commit happens in one store transaction; a lost race surfaces as
// ErrOfferNotValid with the prior state untouched.
func (e *Engine) AcceptOffer(ctx context.Context, requestID, driverID string) (*models.ActiveRide, error) {
	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrOfferNotValid
		}
		return nil, err
	}

	var holdID string
	if e.payments != nil && req.EstimatedPrice > 0 {
		id, err := e.payments.Hold(ctx, cents(req.EstimatedPrice), "cad", req.PassengerID)
		if err != nil {
			e.logger.Warn("payment hold failed", "request_id", requestID, "error", err)
		} else {
			holdID = id
		}
	}

	now := e.now()
	ride := &models.ActiveRide{
		ID:              newID(),
		RequestID:       req.ID,
		PassengerID:     req.PassengerID,
		DriverID:        driverID,
		Pickup:          req.Pickup,
		Destination:     req.Destination,
		ServiceType:     req.ServiceType,
		SurgeMultiplier: req.SurgeMultiplier,
		Status:          models.RideDriverAssigned,
		PaymentHoldID:   holdID,
		AssignedAt:      now,
	}

	// Any path that does not commit the ride gives the held funds back.
	ok, err := e.store.AcceptOffer(ctx, requestID, driverID, now, ride)
	if err != nil {
		e.releaseHold(ctx, holdID)
		return nil, fmt.Errorf("accept offer: %w", err)
	}
	if !ok {
		e.releaseHold(ctx, holdID)
		observability.OffersLostRace.Inc()
		return nil, ErrOfferNotValid
	}

	observability.OffersAccepted.Inc()
	e.logger.Info("offer accepted", "request_id", requestID, "driver_id", driverID, "ride_id", ride.ID)
	e.publish(ctx, "offer.accepted", requestID, driverID, ride.ID)
	return ride, nil
}

func (e *Engine) releaseHold(ctx context.Context, holdID string) {
	if holdID == "" {
		return
	}
	if err := e.payments.Cancel(ctx, holdID); err != nil {
		e.logger.Warn("payment hold release failed", "hold_id", holdID, "error", err)
	}
}

// DeclineOffer records the decline and returns the request to the pending
// pool. It does not re-dispatch synchronously; the next sweep pass picks the
// request up, which keeps decline latency flat under decline storms.
func (e *Engine) DeclineOffer(ctx context.Context, requestID, driverID string) error {
	ok, err := e.store.DeclineOffer(ctx, requestID, driverID, e.now())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrOfferNotValid
		}
		return fmt.Errorf("decline offer: %w", err)
	}
	if !ok {
		return ErrOfferNotValid
	}
	observability.OffersDeclined.Inc()
	e.logger.Info("offer declined", "request_id", requestID, "driver_id", driverID)
	e.publish(ctx, "offer.declined", requestID, driverID, "")
	return nil
}

// SweepExpiredOffers resets offered requests whose window lapsed, treating
// each as an implicit decline without penalizing the unresponsive driver.
// Returns how many it reset.
func (e *Engine) SweepExpiredOffers(ctx context.Context, limit int) (int, error) {
	offered, err := e.store.OfferedRequests(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("load offered: %w", err)
	}
	now := e.now()
	expired := 0
	for _, req := range offered {
		if req.OfferExpiresAt != nil && now.Before(*req.OfferExpiresAt) {
			continue
		}
		driverID := req.OfferedToDriverID
		ok, err := e.store.ExpireOffer(ctx, req.ID, now)
		if err != nil {
			e.logger.Warn("expire offer failed", "request_id", req.ID, "error", err)
			continue
		}
		if !ok {
			continue // someone accepted or declined in the meantime
		}
		expired++
		observability.OffersExpired.Inc()
		e.logger.Info("offer expired", "request_id", req.ID, "driver_id", driverID)
		if e.notifier != nil && driverID != "" {
			_ = e.notifier.OfferRevoked(ctx, driverID, req.ID, "expired")
		}
		e.publish(ctx, "offer.expired", req.ID, driverID, "")
	}
	return expired, nil
}

// DriverArrived and StartTrip advance the ride along its one legal path.
func (e *Engine) DriverArrived(ctx context.Context, rideID string) error {
	return e.advance(ctx, rideID, models.RideDriverAssigned, models.RideDriverArrived)
}

func (e *Engine) StartTrip(ctx context.Context, rideID string) error {
	return e.advance(ctx, rideID, models.RideDriverArrived, models.RideInProgress)
}

func (e *Engine) advance(ctx context.Context, rideID string, from, to models.RideStatus) error {
	ok, err := e.store.AdvanceRide(ctx, rideID, from, to, e.now())
	if err != nil {
		return fmt.Errorf("advance ride: %w", err)
	}
	if !ok {
		return ErrRideNotCompletable
	}
	e.logger.Info("ride advanced", "ride_id", rideID, "status", string(to))
	return nil
}

// CompleteRide finalizes pricing from actuals, writes the immutable ledger
// record, and restores the driver to the available pool. The driver
// reactivation is the one retried write in the core: losing it silently
// drains supply.
func (e *Engine) CompleteRide(ctx context.Context, rideID string, actualDistanceKm, actualDurationMin float64) (*models.Transaction, error) {
	ride, err := e.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, fmt.Errorf("load ride: %w", err)
	}
	now := e.now()
	if actualDistanceKm <= 0 {
		actualDistanceKm = geo.DistanceKm(ride.Pickup, ride.Destination)
	}
	if actualDurationMin <= 0 && ride.StartedAt != nil {
		actualDurationMin = now.Sub(*ride.StartedAt).Minutes()
	}

	breakdown := e.fares.Compute(actualDistanceKm, actualDurationMin, ride.SurgeMultiplier, ride.ServiceType)
	txn := &models.Transaction{
		ID:                newID(),
		RideID:            ride.ID,
		RequestID:         ride.RequestID,
		PassengerID:       ride.PassengerID,
		DriverID:          ride.DriverID,
		Fare:              breakdown,
		ActualDistanceKm:  actualDistanceKm,
		ActualDurationMin: actualDurationMin,
		CreatedAt:         now,
	}

	ok, err := e.store.CompleteRide(ctx, rideID, breakdown, txn, now)
	if err != nil {
		return nil, fmt.Errorf("complete ride: %w", err)
	}
	if !ok {
		return nil, ErrRideNotCompletable
	}

	observability.RidesCompleted.Inc()
	e.logger.Info("ride completed", "ride_id", rideID, "driver_id", ride.DriverID,
		"total", breakdown.Total, "driver_earnings", breakdown.DriverEarnings)
	e.publish(ctx, "ride.completed", ride.RequestID, ride.DriverID, ride.ID)

	if e.payments != nil && ride.PaymentHoldID != "" {
		if err := e.payments.Capture(ctx, ride.PaymentHoldID); err != nil {
			e.logger.Warn("payment capture failed",
				"ride_id", rideID, "hold_id", ride.PaymentHoldID, "error", err)
		}
	}

	if e.pinger != nil {
		if err := e.pinger.Online(ctx, ride.DriverID); err != nil {
			// Alert-level: the driver is stuck out of the pool until an
			// operator or the next ping path intervenes.
			e.logger.Error("driver reactivation exhausted retries",
				"driver_id", ride.DriverID, "ride_id", rideID, "error", err)
		}
	}
	return txn, nil
}

// Cancel terminates a request that has not been assigned yet.
func (e *Engine) Cancel(ctx context.Context, requestID string) error {
	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("load request: %w", err)
	}
	offeredTo := req.OfferedToDriverID
	ok, err := e.store.CancelRequest(ctx, requestID, e.now())
	if err != nil {
		return fmt.Errorf("cancel request: %w", err)
	}
	if !ok {
		return ErrNotDispatchable
	}
	e.logger.Info("request cancelled", "request_id", requestID)
	if e.notifier != nil && offeredTo != "" {
		_ = e.notifier.OfferRevoked(ctx, offeredTo, requestID, "cancelled")
	}
	e.publish(ctx, "request.cancelled", requestID, offeredTo, "")
	return nil
}

func (e *Engine) publish(ctx context.Context, eventType, requestID, driverID, rideID string) {
	if e.events == nil {
		return
	}
	if err := e.events.PublishDispatchEvent(ctx, eventType, requestID, driverID, rideID); err != nil {
		e.logger.Warn("event publish failed", "type", eventType, "error", err)
	}
}

func cents(amount float64) int64 { return int64(amount*100 + 0.5) }

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
