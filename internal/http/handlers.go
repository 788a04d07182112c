package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hedibennis17-tech/kulooc-sub001/internal/config"
	"github.com/hedibennis17-tech/kulooc-sub001/internal/dispatch"
	"github.com/hedibennis17-tech/kulooc-sub001/internal/eta"
	"github.com/hedibennis17-tech/kulooc-sub001/internal/fare"
	"github.com/hedibennis17-tech/kulooc-sub001/internal/geo"
	"github.com/hedibennis17-tech/kulooc-sub001/internal/ingest"
	"github.com/hedibennis17-tech/kulooc-sub001/internal/models"
	"github.com/hedibennis17-tech/kulooc-sub001/internal/storage"
)

// Server is the dispatch API: request intake, the dispatch trigger, driver
// offer actions, ride progress, and the driver websocket channel.
type Server struct {
	store  storage.Store
	engine *dispatch.Engine
	sweep  *dispatch.SweepJob
	fares  *fare.Calculator
	eta    *eta.Estimator
	geoIdx geo.Index
	kafka  *ingest.KafkaProducer
	wsReg  *dispatch.WSRegistry
	logger *slog.Logger
	cfg    config.ServerConfig
	mux    *mux.Router
}

// Deps carries the wired collaborators from main.
type Deps struct {
	Store  storage.Store
	Engine *dispatch.Engine
	Sweep  *dispatch.SweepJob
	Fares  *fare.Calculator
	ETA    *eta.Estimator
	GeoIdx geo.Index
	Kafka  *ingest.KafkaProducer
	WSReg  *dispatch.WSRegistry
	Logger *slog.Logger
}

func NewServer(cfg config.ServerConfig, d Deps) *Server {
	s := &Server{
		store:  d.Store,
		engine: d.Engine,
		sweep:  d.Sweep,
		fares:  d.Fares,
		eta:    d.ETA,
		geoIdx: d.GeoIdx,
		kafka:  d.Kafka,
		wsReg:  d.WSReg,
		logger: d.Logger,
		cfg:    cfg,
		mux:    mux.NewRouter(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.eta == nil {
		s.eta = eta.NewEstimator(nil, nil, cfg.DefaultSpeedMps)
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rides/request", s.handleRideRequest).Methods("POST")
	s.mux.HandleFunc("/api/v1/dispatch/run", s.handleDispatchRun).Methods("POST")
	s.mux.HandleFunc("/api/v1/offers/{request_id}/accept", s.handleAcceptOffer).Methods("POST")
	s.mux.HandleFunc("/api/v1/offers/{request_id}/decline", s.handleDeclineOffer).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/arrive", s.handleArrive).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/start", s.handleStart).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/complete", s.handleComplete).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{request_id}", s.handleGetRequest).Methods("GET")
	s.mux.HandleFunc("/api/v1/requests/{request_id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type rideRequestBody struct {
	PassengerID     string            `json:"passenger_id"`
	PassengerName   string            `json:"passenger_name"`
	PassengerPhone  string            `json:"passenger_phone"`
	Pickup          models.Coordinate `json:"pickup"`
	Destination     models.Coordinate `json:"destination"`
	ServiceType     string            `json:"service_type"`
	SurgeMultiplier float64           `json:"surge_multiplier"`
}

// handleRideRequest creates the request and runs one dispatch pass right away
// so the passenger is not waiting on the next sweep tick.
func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	var body rideRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.PassengerID == "" {
		writeError(w, http.StatusBadRequest, "passenger_id required")
		return
	}
	if body.ServiceType == "" {
		body.ServiceType = fare.DefaultServiceType
	}
	if body.SurgeMultiplier < 1.0 {
		body.SurgeMultiplier = 1.0
	}

	now := time.Now()
	distanceKm := geo.DistanceKm(body.Pickup, body.Destination)
	durationMin := s.eta.DurationMinutes(body.Pickup, body.Destination)
	estimate := s.fares.Compute(distanceKm, durationMin, body.SurgeMultiplier, body.ServiceType)

	req := &models.RideRequest{
		ID:                   newID(),
		PassengerID:          body.PassengerID,
		PassengerName:        body.PassengerName,
		PassengerPhone:       body.PassengerPhone,
		Pickup:               body.Pickup,
		Destination:          body.Destination,
		ServiceType:          body.ServiceType,
		SurgeMultiplier:      body.SurgeMultiplier,
		EstimatedPrice:       estimate.Total,
		EstimatedDistanceKm:  distanceKm,
		EstimatedDurationMin: durationMin,
		Status:               models.RequestPending,
		RequestedAt:          now,
		UpdatedAt:            now,
	}
	if err := s.store.CreateRequest(r.Context(), req); err != nil {
		s.logger.Error("create request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	res, err := s.engine.ProcessRequest(r.Context(), req.ID)
	if err != nil && !errors.Is(err, dispatch.ErrNotDispatchable) {
		s.logger.Warn("immediate dispatch failed, sweep will retry", "request_id", req.ID, "error", err)
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"request":  req,
		"estimate": estimate,
		"dispatch": res,
	})
}

type dispatchRunBody struct {
	RequestID string `json:"request_id"`
}

// handleDispatchRun is the operational trigger: with a request_id it
// processes that one request now; without one it performs a full sweep pass.
func (s *Server) handleDispatchRun(w http.ResponseWriter, r *http.Request) {
	var body dispatchRunBody
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if body.RequestID != "" {
		res, err := s.engine.ProcessRequest(r.Context(), body.RequestID)
		if err != nil {
			s.writeDispatchError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}
	stats, err := s.sweep.RunOnce(r.Context())
	if err != nil {
		s.logger.Error("sweep trigger failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type driverActionBody struct {
	DriverID string `json:"driver_id"`
}

func (s *Server) handleAcceptOffer(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["request_id"]
	var body driverActionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DriverID == "" {
		writeError(w, http.StatusBadRequest, "driver_id required")
		return
	}
	ride, err := s.engine.AcceptOffer(r.Context(), requestID, body.DriverID)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride": ride})
}

func (s *Server) handleDeclineOffer(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["request_id"]
	var body driverActionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DriverID == "" {
		writeError(w, http.StatusBadRequest, "driver_id required")
		return
	}
	if err := s.engine.DeclineOffer(r.Context(), requestID, body.DriverID); err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"declined": true})
}

func (s *Server) handleArrive(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DriverArrived(r.Context(), mux.Vars(r)["ride_id"]); err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.StartTrip(r.Context(), mux.Vars(r)["ride_id"]); err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type completeBody struct {
	DistanceKm  float64 `json:"distance_km"`
	DurationMin float64 `json:"duration_min"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var body completeBody
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	txn, err := s.engine.CompleteRide(r.Context(), mux.Vars(r)["ride_id"], body.DistanceKm, body.DurationMin)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction": txn})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.store.GetRequest(r.Context(), mux.Vars(r)["request_id"])
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request":      req,
		"wait_seconds": req.WaitSeconds(time.Now()),
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Cancel(r.Context(), mux.Vars(r)["request_id"]); err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

// handleDriverLocation ingests a driver heartbeat: publish to Kafka for the
// consumer pipeline, update the geo index directly for freshness, and upsert
// the driver record.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if d.ID == "" {
		writeError(w, http.StatusBadRequest, "id required")
		return
	}
	if d.Status == "" {
		d.Status = models.DriverOnline
	}
	if d.OnlineSince.IsZero() {
		d.OnlineSince = time.Now()
	}
	if s.kafka != nil {
		if err := s.kafka.PublishLocation(d); err != nil {
			s.logger.Warn("location publish failed", "driver_id", d.ID, "error", err)
		}
	}
	if s.geoIdx != nil {
		s.geoIdx.Upsert(d)
	}
	if err := s.store.UpsertDriver(r.Context(), &d); err != nil {
		s.logger.Error("driver upsert failed", "driver_id", d.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.logger.Warn("ws upgrade failed", "driver_id", driverID, "error", err)
		return
	}
	s.wsReg.Add(driverID, conn)
	go func() {
		// Reader loop only detects disconnects; drivers act through the REST
		// endpoints, not the socket.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.wsReg.Remove(driverID, conn)
				return
			}
		}
	}()
}

func (s *Server) writeDispatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatch.ErrOfferNotValid):
		writeError(w, http.StatusConflict, "offer no longer valid")
	case errors.Is(err, dispatch.ErrNotDispatchable):
		writeError(w, http.StatusConflict, "request not dispatchable")
	case errors.Is(err, dispatch.ErrRideNotCompletable):
		writeError(w, http.StatusConflict, "ride not in a valid state")
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
