package models

import "time"

type Coordinate struct {
	Address string  `json:"address,omitempty"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

// RequestStatus is the lifecycle state of a ride request.
type RequestStatus string

const (
	RequestPending        RequestStatus = "pending"
	RequestSearching      RequestStatus = "searching"
	RequestOffered        RequestStatus = "offered"
	RequestDriverAssigned RequestStatus = "driver-assigned"
	RequestDriverArrived  RequestStatus = "driver-arrived"
	RequestInProgress     RequestStatus = "in-progress"
	RequestCompleted      RequestStatus = "completed"
	RequestCancelled      RequestStatus = "cancelled"
)

// AllowedTransitions encodes the request state flow as data. "searching" is an
// intake-side alias of pending and dispatches the same way.
var AllowedTransitions = map[RequestStatus][]RequestStatus{
	RequestPending:        {RequestOffered, RequestCancelled},
	RequestSearching:      {RequestOffered, RequestCancelled},
	RequestOffered:        {RequestDriverAssigned, RequestPending, RequestCancelled},
	RequestDriverAssigned: {RequestDriverArrived},
	RequestDriverArrived:  {RequestInProgress},
	RequestInProgress:     {RequestCompleted},
}

func CanTransition(from, to RequestStatus) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Dispatchable reports whether a request is waiting for a driver offer.
func (s RequestStatus) Dispatchable() bool {
	return s == RequestPending || s == RequestSearching
}

type RideRequest struct {
	ID                   string        `json:"id"`
	PassengerID          string        `json:"passenger_id"`
	PassengerName        string        `json:"passenger_name"`
	PassengerPhone       string        `json:"passenger_phone,omitempty"`
	Pickup               Coordinate    `json:"pickup"`
	Destination          Coordinate    `json:"destination"`
	ServiceType          string        `json:"service_type"`
	SurgeMultiplier      float64       `json:"surge_multiplier"`
	EstimatedPrice       float64       `json:"estimated_price"`
	EstimatedDistanceKm  float64       `json:"estimated_distance_km"`
	EstimatedDurationMin float64       `json:"estimated_duration_min"`
	Status               RequestStatus `json:"status"`

	// Offer fields. OfferedToDriverID is non-empty only while Status is
	// "offered"; DeclinedBy is append-only across the request's lifetime.
	OfferedToDriverID string     `json:"offered_to_driver_id,omitempty"`
	OfferExpiresAt    *time.Time `json:"offer_expires_at,omitempty"`
	DeclinedBy        []string   `json:"declined_by,omitempty"`

	RequestedAt time.Time `json:"requested_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HasDeclined reports whether driverID already declined this request.
func (r *RideRequest) HasDeclined(driverID string) bool {
	for _, id := range r.DeclinedBy {
		if id == driverID {
			return true
		}
	}
	return false
}

// WaitSeconds is how long the request has waited since creation; exposed so
// an external max-wait policy can act on it.
func (r *RideRequest) WaitSeconds(now time.Time) float64 {
	return now.Sub(r.RequestedAt).Seconds()
}

type DriverStatus string

const (
	DriverOnline  DriverStatus = "online"
	DriverOffline DriverStatus = "offline"
	DriverEnRoute DriverStatus = "en-route"
	DriverOnTrip  DriverStatus = "on-trip"
	DriverBusy    DriverStatus = "busy"
)

type Driver struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Status   DriverStatus `json:"status"`
	Location *Coordinate  `json:"location,omitempty"`
	// CurrentRideID is the authoritative availability signal: a driver with a
	// non-empty CurrentRideID is never dispatch-eligible, whatever Status says.
	CurrentRideID  string    `json:"current_ride_id,omitempty"`
	AverageRating  float64   `json:"average_rating"`
	AcceptanceRate float64   `json:"acceptance_rate"`
	OnlineSince    time.Time `json:"online_since"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Available reports dispatch eligibility. Status is treated as a filter hint
// only; it can be stale relative to CurrentRideID.
func (d *Driver) Available() bool {
	if d.CurrentRideID != "" {
		return false
	}
	switch d.Status {
	case DriverOnline, DriverEnRoute, DriverOnTrip:
		return true
	}
	return false
}

type OfferStatus string

const (
	OfferPending  OfferStatus = "pending"
	OfferAccepted OfferStatus = "accepted"
	OfferDeclined OfferStatus = "declined"
	OfferExpired  OfferStatus = "expired"
)

// DriverOffer is the per-driver projection of a live offer; the driver client
// subscribes to it. Composite-keyed by request+driver, never reused.
type DriverOffer struct {
	ID             string      `json:"id"` // requestID:driverID
	RequestID      string      `json:"request_id"`
	DriverID       string      `json:"driver_id"`
	PassengerID    string      `json:"passenger_id"`
	PassengerName  string      `json:"passenger_name"`
	Pickup         Coordinate  `json:"pickup"`
	Destination    Coordinate  `json:"destination"`
	ServiceType    string      `json:"service_type"`
	EstimatedPrice float64     `json:"estimated_price"`
	Status         OfferStatus `json:"status"`
	ExpiresAt      time.Time   `json:"expires_at"`
	CreatedAt      time.Time   `json:"created_at"`
}

func OfferID(requestID, driverID string) string { return requestID + ":" + driverID }

type RideStatus string

const (
	RideDriverAssigned RideStatus = "driver-assigned"
	RideDriverArrived  RideStatus = "driver-arrived"
	RideInProgress     RideStatus = "in-progress"
	RideCompleted      RideStatus = "completed"
)

// ActiveRide is the commitment record: its creation retires the request and
// marks the driver unavailable, all in one store transaction.
type ActiveRide struct {
	ID              string         `json:"id"`
	RequestID       string         `json:"request_id"`
	PassengerID     string         `json:"passenger_id"`
	DriverID        string         `json:"driver_id"`
	Pickup          Coordinate     `json:"pickup"`
	Destination     Coordinate     `json:"destination"`
	ServiceType     string         `json:"service_type"`
	SurgeMultiplier float64        `json:"surge_multiplier"`
	Status          RideStatus     `json:"status"`
	Fare            *FareBreakdown `json:"fare,omitempty"`
	// PaymentHoldID references the funds held at accept; captured at
	// completion.
	PaymentHoldID string `json:"payment_hold_id,omitempty"`

	AssignedAt  time.Time  `json:"assigned_at"`
	ArrivedAt   *time.Time `json:"arrived_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// FareBreakdown is the published pricing for a trip. Every monetary field is
// rounded to 2 decimals when it is produced.
type FareBreakdown struct {
	ServiceType     string  `json:"service_type"`
	BaseFare        float64 `json:"base_fare"`
	DistanceFare    float64 `json:"distance_fare"`
	TimeFare        float64 `json:"time_fare"`
	Subtotal        float64 `json:"subtotal"`
	SurgeMultiplier float64 `json:"surge_multiplier"`
	SurgedSubtotal  float64 `json:"surged_subtotal"`
	TaxGST          float64 `json:"tax_gst"`
	TaxQST          float64 `json:"tax_qst"`
	Total           float64 `json:"total"`
	DriverEarnings  float64 `json:"driver_earnings"`
	PlatformFee     float64 `json:"platform_fee"`
	Currency        string  `json:"currency"`
}

// Transaction is the immutable ledger record written once at ride completion.
type Transaction struct {
	ID                string        `json:"id"`
	RideID            string        `json:"ride_id"`
	RequestID         string        `json:"request_id"`
	PassengerID       string        `json:"passenger_id"`
	DriverID          string        `json:"driver_id"`
	Fare              FareBreakdown `json:"fare"`
	ActualDistanceKm  float64       `json:"actual_distance_km"`
	ActualDurationMin float64       `json:"actual_duration_min"`
	CreatedAt         time.Time     `json:"created_at"`
}
