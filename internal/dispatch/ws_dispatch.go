package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/hedibennis17-tech/kulooc-sub001/internal/models"
)

// WSSession is one connected driver client.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *WSSession) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "superseded by newer session"))
	_ = s.conn.Close()
}

// WSRegistry holds driver sessions and enforces single-active-session: a new
// connection for a driver supersedes and closes the previous one, so at most
// one client can ever act on that driver's offers.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRegistry{sessions: make(map[string]*WSSession), logger: logger}
}

// Add registers the connection as the driver's only live session.
func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	old := r.sessions[driverID]
	r.sessions[driverID] = s
	r.mu.Unlock()
	if old != nil {
		r.logger.Info("superseding driver session", "driver_id", driverID)
		old.close()
	}
}

// Remove drops the session only if conn is still the current one; a stale
// disconnect must not evict a newer session.
func (r *WSRegistry) Remove(driverID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[driverID]; ok && s.conn == conn {
		delete(r.sessions, driverID)
	}
}

type wsEnvelope struct {
	Type      string              `json:"type"`
	Offer     *models.DriverOffer `json:"offer,omitempty"`
	RequestID string              `json:"request_id,omitempty"`
	Reason    string              `json:"reason,omitempty"`
}

func (r *WSRegistry) OfferCreated(ctx context.Context, offer *models.DriverOffer) error {
	return r.push(offer.DriverID, wsEnvelope{Type: "offer", Offer: offer})
}

func (r *WSRegistry) OfferRevoked(ctx context.Context, driverID, requestID, reason string) error {
	return r.push(driverID, wsEnvelope{Type: "offer_revoked", RequestID: requestID, Reason: reason})
}

func (r *WSRegistry) push(driverID string, env wsEnvelope) error {
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.send(env); err != nil {
		r.logger.Warn("ws send failed", "driver_id", driverID, "error", err)
		return err
	}
	return nil
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }
