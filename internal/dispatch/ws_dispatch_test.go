package dispatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hedibennis17-tech/kulooc-sub001/internal/models"
)

// wsPair dials a real websocket through httptest and hands back both ends.
func wsPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	upg := websocket.Upgrader{}
	accepted := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upg.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		accepted <- c
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	server = <-accepted
	t.Cleanup(func() { _ = server.Close() })
	return server, client
}

func TestWSRegistryDeliversOffer(t *testing.T) {
	reg := NewWSRegistry(quietLogger())
	server, client := wsPair(t)
	reg.Add("d1", server)

	offer := &models.DriverOffer{ID: "r1:d1", RequestID: "r1", DriverID: "d1"}
	if err := reg.OfferCreated(context.Background(), offer); err != nil {
		t.Fatalf("offer push: %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	var env wsEnvelope
	if err := client.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	if env.Type != "offer" || env.Offer == nil || env.Offer.RequestID != "r1" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestWSRegistryPushWithoutSession(t *testing.T) {
	reg := NewWSRegistry(quietLogger())
	err := reg.OfferRevoked(context.Background(), "ghost", "r1", "expired")
	if !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestWSRegistryNewSessionSupersedesOld(t *testing.T) {
	reg := NewWSRegistry(quietLogger())
	oldServer, oldClient := wsPair(t)
	newServer, newClient := wsPair(t)

	reg.Add("d1", oldServer)
	reg.Add("d1", newServer)

	// The superseded client gets a policy-violation close.
	_ = oldClient.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := oldClient.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.ClosePolicyViolation {
		t.Fatalf("expected policy-violation close on old session, got %v", err)
	}

	// Pushes land on the new session only.
	if err := reg.OfferRevoked(context.Background(), "d1", "r1", "cancelled"); err != nil {
		t.Fatalf("push: %v", err)
	}
	_ = newClient.SetReadDeadline(time.Now().Add(time.Second))
	var env wsEnvelope
	if err := newClient.ReadJSON(&env); err != nil {
		t.Fatalf("read on new session: %v", err)
	}
	if env.Type != "offer_revoked" || env.RequestID != "r1" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestWSRegistryStaleRemoveKeepsNewSession(t *testing.T) {
	reg := NewWSRegistry(quietLogger())
	oldServer, _ := wsPair(t)
	newServer, newClient := wsPair(t)

	reg.Add("d1", oldServer)
	reg.Add("d1", newServer)

	// The old reader loop reports its disconnect late; it must not evict the
	// session that replaced it.
	reg.Remove("d1", oldServer)

	if err := reg.OfferRevoked(context.Background(), "d1", "r1", "expired"); err != nil {
		t.Fatalf("push after stale remove: %v", err)
	}
	_ = newClient.SetReadDeadline(time.Now().Add(time.Second))
	var env wsEnvelope
	if err := newClient.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}

	reg.Remove("d1", newServer)
	if err := reg.OfferRevoked(context.Background(), "d1", "r1", "expired"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession after real remove, got %v", err)
	}
}
